// Package sshaudit records vault and session lifecycle events in the
// database for later review.
package sshaudit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/gluk-w/ttyvault/internal/database"
	"github.com/gluk-w/ttyvault/internal/logging"
	"github.com/gluk-w/ttyvault/internal/sshterminal"
)

// Session event types. Vault events use the names defined by the vault
// package.
const (
	EventSessionCreated   = "session_created"
	EventSessionEnded     = "session_ended"
	EventSessionClosed    = "session_closed"
	EventConnectFailed    = "connect_failed"
	EventHostKeyMismatch  = "host_key_mismatch"
	EventKeyAdded         = "key_added"
	EventKeyRemoved       = "key_removed"
	EventSecretsReEncrypt = "secrets_reencrypted"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// Entry contains the fields of one audit record.
type Entry struct {
	EventType      string
	ConnectionName string
	Username       string
	Host           string
	Details        string
}

// Auditor writes audit records to the database and mirrors them to the
// log.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	log           zerolog.Logger
	retentionDays int
	nowFn         func() time.Time
}

// NewAuditor creates an Auditor. If retentionDays is 0,
// DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int, log zerolog.Logger) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		log:           logging.Component(log, "ssh-audit"),
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Log records an event.
func (a *Auditor) Log(e Entry) error {
	a.mu.RLock()
	now := a.nowFn()
	a.mu.RUnlock()

	record := database.AuditLog{
		EventType:      e.EventType,
		ConnectionName: e.ConnectionName,
		Username:       e.Username,
		Host:           e.Host,
		Details:        e.Details,
		CreatedAt:      now,
	}
	if err := a.db.Create(&record).Error; err != nil {
		a.log.Error().Err(err).Str("event", e.EventType).Msg("failed to write audit log")
		return err
	}

	a.log.Info().
		Str("event", e.EventType).
		Str("connection", logging.Sanitize(e.ConnectionName)).
		Str("user", logging.Sanitize(e.Username)).
		Str("host", logging.Sanitize(e.Host)).
		Str("details", logging.Sanitize(e.Details)).
		Msg("audit")
	return nil
}

// LogVaultEvent implements vault.Auditor.
func (a *Auditor) LogVaultEvent(event, details string) error {
	return a.Log(Entry{EventType: event, Details: details})
}

func sessionEntry(event string, s *sshterminal.Session, details string) Entry {
	conn := s.Connection()
	return Entry{
		EventType:      event,
		ConnectionName: conn.DisplayName(),
		Username:       conn.Username,
		Host:           conn.Addr(),
		Details:        details,
	}
}

// SessionCreated implements sshterminal.Listener. It also records how the
// session eventually ends.
func (a *Auditor) SessionCreated(s *sshterminal.Session) {
	a.Log(sessionEntry(EventSessionCreated, s, "session_id="+s.ID()))
	s.OnDisconnect(func(reason string, wasError bool) {
		details := "session_id=" + s.ID() + " reason=" + reason
		if wasError {
			details += " error=true"
		}
		a.Log(sessionEntry(EventSessionEnded, s, details))
	})
}

// SessionClosed implements sshterminal.Listener.
func (a *Auditor) SessionClosed(s *sshterminal.Session) {
	a.Log(sessionEntry(EventSessionClosed, s, "session_id="+s.ID()))
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	ConnectionName string
	EventType      string
	Since          *time.Time
	Until          *time.Time
	Limit          int
	Offset         int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.AuditLog
	Total   int64
	Limit   int
	Offset  int
}

// Query retrieves audit log entries, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.AuditLog{})
	if opts.ConnectionName != "" {
		tx = tx.Where("connection_name = ?", opts.ConnectionName)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return &QueryResult{Entries: entries, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// PurgeOlderThan removes entries older than days, or the retention period
// when days is 0. Returns the number of records deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	a.mu.RLock()
	cutoff := a.nowFn().AddDate(0, 0, -days)
	a.mu.RUnlock()

	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	if result.Error != nil {
		a.log.Error().Err(result.Error).Msg("purge failed")
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		a.log.Info().Int64("deleted", result.RowsAffected).Int("days", days).Msg("purged old audit entries")
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc replaces the clock. Used by tests.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.mu.Lock()
	a.nowFn = fn
	a.mu.Unlock()
}
