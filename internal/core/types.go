package core

import (
	"context"
	"time"
)

// SourceID identifies a playback backend.
type SourceID string

const (
	// SourceLocal is the on-device media session observer.
	SourceLocal SourceID = "local"
	// SourceRemote is the companion-app link (Spotify Connect).
	SourceRemote SourceID = "remote"
)

// PlaybackCommand is a transport-independent player command.
type PlaybackCommand int

const (
	// CommandToggle toggles between play and pause.
	CommandToggle PlaybackCommand = iota
	// CommandNext skips to the next track.
	CommandNext
	// CommandPrevious skips to the previous track.
	CommandPrevious
)

func (c PlaybackCommand) String() string {
	switch c {
	case CommandToggle:
		return "toggle"
	case CommandNext:
		return "next"
	case CommandPrevious:
		return "previous"
	default:
		return "unknown"
	}
}

// TrackSnapshot is an immutable observation of a source's playback state.
// ObservedAt is stamped by the adapter at capture time, not when the engine
// consumes it.
type TrackSnapshot struct {
	Title      string    `json:"title"`
	Artist     string    `json:"artist"`
	Album      string    `json:"album,omitempty"`
	ArtworkRef string    `json:"artworkRef,omitempty"`
	IsPlaying  bool      `json:"isPlaying"`
	Source     SourceID  `json:"source"`
	ObservedAt time.Time `json:"observedAt"`
}

// ConnectionPhase is the remote link's position in the resilience state machine.
type ConnectionPhase int

const (
	// PhaseIdle means no credential is available and no connection is attempted.
	PhaseIdle ConnectionPhase = iota
	// PhaseConnecting means a connect attempt is in flight.
	PhaseConnecting
	// PhaseConnected means the remote link is established.
	PhaseConnected
	// PhaseDisconnected means the link dropped; reconnection runs while a
	// credential is still held.
	PhaseDisconnected
	// PhaseReauthorizing means the credential was rejected or cleared and a
	// fresh authorization is required.
	PhaseReauthorizing
)

// ConnectionPhases lists every phase, for exhaustive gauge labelling.
var ConnectionPhases = []ConnectionPhase{
	PhaseIdle,
	PhaseConnecting,
	PhaseConnected,
	PhaseDisconnected,
	PhaseReauthorizing,
}

func (p ConnectionPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseReauthorizing:
		return "reauthorizing"
	default:
		return "unknown"
	}
}

// SourceState is the engine's view of one adapter. Each field is written only
// by the owning adapter (snapshot, seq) or the resilience manager (phase,
// credential flag), always through the engine's serialized entry points.
type SourceState struct {
	Source        SourceID
	Phase         ConnectionPhase
	Snapshot      *TrackSnapshot
	UpdatedAt     time.Time
	Seq           uint64
	HasCredential bool
}

// PlaybackState is the published canonical state machine.
type PlaybackState int

const (
	// StateEmpty means no source has a trustworthy snapshot.
	StateEmpty PlaybackState = iota
	// StateActiveLocal means the local session is playing and authoritative.
	StateActiveLocal
	// StateActiveRemote means the remote player is playing and authoritative.
	StateActiveRemote
	// StatePausedLocal means a recent paused local snapshot is being held.
	StatePausedLocal
	// StatePausedRemote means a recent paused remote snapshot is being held.
	StatePausedRemote
)

func (s PlaybackState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateActiveLocal:
		return "active_local"
	case StateActiveRemote:
		return "active_remote"
	case StatePausedLocal:
		return "paused_local"
	case StatePausedRemote:
		return "paused_remote"
	default:
		return "unknown"
	}
}

// Active reports whether the state carries a playing track.
func (s PlaybackState) Active() bool {
	return s == StateActiveLocal || s == StateActiveRemote
}

// CanonicalNowPlaying is the single authoritative now-playing value. It is
// derived: only the reconciliation engine recomputes and publishes it.
type CanonicalNowPlaying struct {
	Snapshot    *TrackSnapshot
	Source      SourceID
	State       PlaybackState
	PublishedAt time.Time
}

// Equivalent compares the consumer-visible identity of two canonical values.
// Publication is idempotent on this comparison: title, artist, source, and
// play/pause state.
func (c CanonicalNowPlaying) Equivalent(other CanonicalNowPlaying) bool {
	if c.State != other.State || c.Source != other.Source {
		return false
	}
	if (c.Snapshot == nil) != (other.Snapshot == nil) {
		return false
	}
	if c.Snapshot == nil {
		return true
	}
	return c.Snapshot.Title == other.Snapshot.Title &&
		c.Snapshot.Artist == other.Snapshot.Artist &&
		c.Snapshot.IsPlaying == other.Snapshot.IsPlaying
}

// Credential is the persisted remote access token. It is cleared only on
// explicit logout or an authorization rejection from the remote service; age
// alone never invalidates it.
type Credential struct {
	Token   string    `json:"token"`
	SavedAt time.Time `json:"saved_at"`
}

// MayBeStale reports whether the credential is older than the nominal TTL.
// This is a logging hint only; the remote service decides actual validity.
func (c Credential) MayBeStale(ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(c.SavedAt) > ttl
}

// LocalSource is the contract for the on-device media session adapter.
// A missing local session is not an error: Current returns nil.
type LocalSource interface {
	Start(ctx context.Context) error
	Stop()
	Current() *TrackSnapshot
	Command(ctx context.Context, cmd PlaybackCommand) error
}

// RemoteSource is the contract for the companion-app link adapter. All
// network calls carry bounded timeouts internally.
type RemoteSource interface {
	Connect(ctx context.Context, cred *Credential) error
	Disconnect(preserveCredential bool)
	Snapshot(ctx context.Context) (*TrackSnapshot, error)
	Ping(ctx context.Context) error
	Command(ctx context.Context, cmd PlaybackCommand) error
}

// CredentialStore persists the single remote credential outside the process
// lifetime.
type CredentialStore interface {
	Load() (*Credential, error)
	Save(cred *Credential) error
	Clear() error
}

// SnapshotSink receives adapter observations. Implemented by the engine;
// offers carrying a sequence number at or below the last accepted one for the
// source are discarded.
type SnapshotSink interface {
	OfferSnapshot(source SourceID, snap *TrackSnapshot, seq uint64)
}

// HistoryRecorder consumes published canonical values.
type HistoryRecorder interface {
	Record(now CanonicalNowPlaying)
}

// MetricsSink receives engine and resilience-manager counters. The HTTP
// server provides the Prometheus-backed implementation.
type MetricsSink interface {
	RecordReconcile(trigger string)
	RecordPublication(state string)
	RecordStaleDiscard(source string)
	RecordReconnectAttempt(result string)
	SetConnectionPhase(phase string)
	RecordCommand(cmd, status string)
}
