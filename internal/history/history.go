// Package history seals terminal buffers at rest so a reconnect can show
// what the previous session printed.
package history

import (
	"errors"
	"fmt"

	"github.com/gluk-w/ttyvault/internal/crypto"
	"github.com/gluk-w/ttyvault/internal/database"
	"github.com/gluk-w/ttyvault/internal/sshterminal"
	"github.com/gluk-w/ttyvault/internal/vault"
)

// DefaultKeep is the number of snapshots retained per connection.
const DefaultKeep = 5

// Store is the persistence the history package needs.
type Store interface {
	SaveHistory(h *database.SessionHistory) error
	LatestHistory(connectionID uint) (*database.SessionHistory, error)
	PruneHistory(connectionID uint, keep int) error
	ListHistory() ([]database.SessionHistory, error)
	UpdateHistorySealed(id uint, sealed string) error
}

// Save seals the session's buffer and stores it against its connection.
// Sessions without a stored connection, or with an empty buffer, are
// skipped.
func Save(store Store, s *sshterminal.Session, key *vault.Key, keep int) error {
	snap := s.State()
	if snap.Connection.ID == 0 || snap.Text == "" {
		return nil
	}
	fk, err := key.HistoryKey()
	if err != nil {
		return err
	}
	sealed, err := crypto.Seal([]byte(snap.Text), fk)
	if err != nil {
		return err
	}
	h := &database.SessionHistory{
		ConnectionID: snap.Connection.ID,
		SessionID:    snap.ID,
		TabTitle:     snap.TabTitle,
		Sealed:       sealed,
	}
	if err := store.SaveHistory(h); err != nil {
		return err
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	return store.PruneHistory(snap.Connection.ID, keep)
}

// Latest returns the newest snapshot text for a connection, or "" when
// there is none.
func Latest(store Store, connectionID uint, key *vault.Key) (string, error) {
	h, err := store.LatestHistory(connectionID)
	if errors.Is(err, database.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	fk, err := key.HistoryKey()
	if err != nil {
		return "", err
	}
	text, err := crypto.Open(h.Sealed, fk)
	if err != nil {
		return "", fmt.Errorf("history %d: %w", h.ID, err)
	}
	return string(text), nil
}

// Restore loads the latest snapshot into s before it connects.
func Restore(store Store, s *sshterminal.Session, key *vault.Key) error {
	id := s.Connection().ID
	if id == 0 {
		return nil
	}
	text, err := Latest(store, id, key)
	if err != nil || text == "" {
		return err
	}
	return s.RestoreHistory(text)
}

// Reseal re-encrypts every snapshot from oldKey to newKey. Snapshots that
// fail to open under oldKey are left alone and counted in skipped.
func Reseal(store Store, oldKey, newKey *vault.Key) (resealed, skipped int, err error) {
	oldFK, err := oldKey.HistoryKey()
	if err != nil {
		return 0, 0, err
	}
	newFK, err := newKey.HistoryKey()
	if err != nil {
		return 0, 0, err
	}
	rows, err := store.ListHistory()
	if err != nil {
		return 0, 0, err
	}
	for _, h := range rows {
		text, err := crypto.Open(h.Sealed, oldFK)
		if err != nil {
			skipped++
			continue
		}
		sealed, err := crypto.Seal(text, newFK)
		if err != nil {
			return resealed, skipped, err
		}
		if err := store.UpdateHistorySealed(h.ID, sealed); err != nil {
			return resealed, skipped, err
		}
		resealed++
	}
	return resealed, skipped, nil
}
