package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"nowsync/internal/core"
)

// CredentialStore persists the single remote credential as a one-row table.
// It implements core.CredentialStore.
type CredentialStore struct {
	db *sql.DB
}

func NewCredentialStore(db *DB) *CredentialStore {
	return &CredentialStore{db: db.db}
}

// Load returns the saved credential, or (nil, nil) when none exists.
func (s *CredentialStore) Load() (*core.Credential, error) {
	var token string
	var savedAt time.Time

	err := s.db.QueryRow(`SELECT token, saved_at FROM credential WHERE id = 1`).
		Scan(&token, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	return &core.Credential{Token: token, SavedAt: savedAt}, nil
}

// Save upserts the credential row.
func (s *CredentialStore) Save(cred *core.Credential) error {
	if cred == nil || cred.Token == "" {
		return errors.New("refusing to save empty credential")
	}

	_, err := s.db.Exec(`
		INSERT INTO credential (id, token, saved_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET token = excluded.token, saved_at = excluded.saved_at`,
		cred.Token, cred.SavedAt)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Clear removes the credential row. Clearing an already-empty store is not an
// error.
func (s *CredentialStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM credential WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return nil
}
