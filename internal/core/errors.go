package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies remote adapter failures into the recovery taxonomy.
type ErrorKind int

const (
	// KindSourceUnavailable is non-fatal: the source simply has nothing to
	// report and participates in reconciliation as an absent snapshot.
	KindSourceUnavailable ErrorKind = iota
	// KindNotInstalled means the companion app / remote service is not
	// reachable at all on this account.
	KindNotInstalled
	// KindUnauthorized means the credential was rejected. The credential must
	// be discarded and fresh authorization obtained; retrying it is useless.
	KindUnauthorized
	// KindNetwork is a transient transport failure handed to the backoff
	// policy.
	KindNetwork
	// KindTimeout is a bounded-timeout expiry; retried on the next natural
	// trigger without escalation.
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindSourceUnavailable:
		return "source_unavailable"
	case KindNotInstalled:
		return "not_installed"
	case KindUnauthorized:
		return "unauthorized"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// SourceError wraps a remote failure with its recovery classification.
type SourceError struct {
	Kind          ErrorKind
	MissingScopes []string
	Err           error
}

func (e *SourceError) Error() string {
	if len(e.MissingScopes) > 0 {
		return fmt.Sprintf("%s (missing scopes: %s): %v",
			e.Kind, strings.Join(e.MissingScopes, ", "), e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// NewSourceError wraps err with the given kind.
func NewSourceError(kind ErrorKind, err error) *SourceError {
	return &SourceError{Kind: kind, Err: err}
}

// KindOf extracts the classification from err, defaulting to KindNetwork for
// unclassified failures so they land in the backoff path rather than tearing
// down credentials.
func KindOf(err error) ErrorKind {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindNetwork
}

// IsUnauthorized reports whether err is a credential rejection.
func IsUnauthorized(err error) bool {
	return err != nil && KindOf(err) == KindUnauthorized
}
