// Package vault owns the master password lifecycle: setup, verification,
// change and clear. While unlocked it holds the current Key, which callers
// pass to the secrets package to encrypt and decrypt stored credentials.
package vault

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/gluk-w/ttyvault/internal/crypto"
	"github.com/gluk-w/ttyvault/internal/errortypes"
	"github.com/rs/zerolog"
)

// State of the vault.
type State int

const (
	StateUnconfigured State = iota
	StateLocked
	StateUnlocked
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateLocked:
		return "locked"
	case StateUnlocked:
		return "unlocked"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Audit event types reported to the Auditor.
const (
	EventSetup          = "vault_setup"
	EventUnlocked       = "vault_unlocked"
	EventUnlockFailed   = "vault_unlock_failed"
	EventPasswordChange = "vault_password_changed"
	EventCleared        = "vault_cleared"
	EventRecordUpgraded = "vault_record_upgraded"
)

// Auditor receives vault lifecycle events.
type Auditor interface {
	LogVaultEvent(event, details string) error
}

// Manager is the vault state machine. It is safe for concurrent use.
type Manager struct {
	records RecordStore
	log     zerolog.Logger
	audit   Auditor

	mu  sync.Mutex
	key *Key
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuditor reports lifecycle events to a.
func WithAuditor(a Auditor) Option {
	return func(m *Manager) { m.audit = a }
}

func NewManager(records RecordStore, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		records: records,
		log:     log.With().Str("component", "vault").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsPasswordSet reports whether a master key record exists.
func (m *Manager) IsPasswordSet() (bool, error) {
	return m.records.Exists()
}

// State returns the current state.
func (m *Manager) State() (State, error) {
	m.mu.Lock()
	unlocked := m.key != nil
	m.mu.Unlock()
	if unlocked {
		return StateUnlocked, nil
	}
	ok, err := m.records.Exists()
	if err != nil {
		return StateUnconfigured, err
	}
	if ok {
		return StateLocked, nil
	}
	return StateUnconfigured, nil
}

// Key returns the current key, or a PreconditionError while locked.
func (m *Manager) Key() (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == nil {
		return nil, &errortypes.PreconditionError{Err: fmt.Errorf("vault is locked")}
	}
	return m.key, nil
}

// Setup creates the master key record for a fresh vault and unlocks it.
func (m *Manager) Setup(password []byte) error {
	if len(password) == 0 {
		return &errortypes.PreconditionError{Err: fmt.Errorf("master password must not be empty")}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	exists, err := m.records.Exists()
	if err != nil {
		return err
	}
	if exists {
		return &errortypes.PreconditionError{Err: fmt.Errorf("master password is already set")}
	}

	key, err := m.writeRecord(password)
	if err != nil {
		return err
	}
	m.replaceKey(key)
	m.log.Info().Msg("master password set up")
	m.emit(EventSetup, "")
	return nil
}

// Verify checks password against the stored record. On a match the vault
// is unlocked and Verify returns true. A mismatch returns false with a nil
// error and leaves the vault locked. A missing or malformed record is an
// error, never false.
func (m *Manager) Verify(password []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok, err := m.check(password)
	if err != nil {
		return false, err
	}
	if !ok {
		m.log.Warn().Msg("master password verification failed")
		m.emit(EventUnlockFailed, "")
		return false, nil
	}
	m.replaceKey(key)
	m.log.Info().Msg("vault unlocked")
	m.emit(EventUnlocked, "")
	return true, nil
}

// ChangePassword verifies oldPassword, writes a new record for
// newPassword and installs the new key. The key that was current stays
// usable by anyone still holding it. Secrets encrypted under the old
// password are not touched; the returned previous key lets the caller
// re-encrypt them one by one. The caller owns the previous key and should
// Wipe it when done.
func (m *Manager) ChangePassword(oldPassword, newPassword []byte) (*Key, error) {
	if len(newPassword) == 0 {
		return nil, &errortypes.PreconditionError{Err: fmt.Errorf("master password must not be empty")}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	previous, ok, err := m.check(oldPassword)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.emit(EventUnlockFailed, "change password")
		return nil, &errortypes.AuthenticationError{Err: fmt.Errorf("change password: current master password is wrong")}
	}

	key, err := m.writeRecord(newPassword)
	if err != nil {
		previous.Wipe()
		return nil, err
	}
	// Callers holding the old reference finish with it; only Clear wipes.
	m.key = key
	m.log.Info().Msg("master password changed")
	m.emit(EventPasswordChange, "")
	return previous, nil
}

// Clear wipes the in-memory key and locks the vault. It never fails.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == nil {
		return
	}
	m.replaceKey(nil)
	m.log.Info().Msg("vault locked")
	m.emit(EventCleared, "")
}

// check derives the key for password against the stored record. It
// upgrades a legacy record after a successful match. Must hold m.mu.
func (m *Manager) check(password []byte) (*Key, bool, error) {
	rec, err := m.records.Load()
	if err != nil {
		if errors.Is(err, ErrNoRecord) {
			return nil, false, &errortypes.PreconditionError{Err: fmt.Errorf("master password is not set up")}
		}
		return nil, false, err
	}

	base := crypto.DeriveKeyIter(password, rec.Salt, rec.Iterations)
	defer crypto.Zero(base)

	var verifier []byte
	switch rec.Version {
	case VersionLegacy:
		verifier = base
	default:
		verifier = crypto.Expand(base, verifierInfo)
	}
	if subtle.ConstantTimeCompare(verifier, rec.Hash) != 1 {
		return nil, false, nil
	}

	if rec.Version == VersionLegacy || rec.Iterations != crypto.Iterations {
		key, err := m.writeRecord(password)
		if err != nil {
			return nil, false, fmt.Errorf("upgrade master key record: %w", err)
		}
		m.log.Info().Int("from_version", rec.Version).Msg("master key record upgraded")
		m.emit(EventRecordUpgraded, fmt.Sprintf("from version %d", rec.Version))
		return key, true, nil
	}
	return newKey(password, crypto.Expand(base, dataKeyInfo)), true, nil
}

// writeRecord creates and persists a fresh record for password and returns
// the matching key.
func (m *Manager) writeRecord(password []byte) (*Key, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}
	base := crypto.DeriveKey(password, salt)
	defer crypto.Zero(base)

	rec := &Record{
		Salt:       salt,
		Hash:       crypto.Expand(base, verifierInfo),
		Iterations: crypto.Iterations,
		Version:    VersionSeparated,
	}
	if err := m.records.Save(rec); err != nil {
		return nil, err
	}
	return newKey(password, crypto.Expand(base, dataKeyInfo)), nil
}

// replaceKey installs key and wipes the old one. Must hold m.mu.
func (m *Manager) replaceKey(key *Key) {
	old := m.key
	m.key = key
	if old != nil && old != key {
		old.Wipe()
	}
}

func (m *Manager) emit(event, details string) {
	if m.audit == nil {
		return
	}
	if err := m.audit.LogVaultEvent(event, details); err != nil {
		m.log.Warn().Err(err).Str("event", event).Msg("failed to record audit event")
	}
}
