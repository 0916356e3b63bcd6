// Package database persists connection records, the SSH key store, stored
// credentials, settings, session history and the audit trail in SQLite via
// gorm.
package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned (wrapped) when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the gorm handle. It is safe for concurrent use.
type Store struct {
	db  *gorm.DB
	log zerolog.Logger
}

// Open creates the database file if needed, enables WAL and migrates the
// schema.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	gormLog := log.With().Str("component", "database").Logger()
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.New(&gormLog, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := db.AutoMigrate(&Connection{}, &Tunnel{}, &SSHKey{}, &StoredCredential{},
		&Setting{}, &SessionHistory{}, &AuditLog{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{db: db, log: gormLog}, nil
}

// DB exposes the gorm handle to packages that own their own tables.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// Settings

func (s *Store) GetSetting(key string) (string, error) {
	var st Setting
	if err := s.db.Where("key = ?", key).First(&st).Error; err != nil {
		return "", notFound(err, "setting "+key)
	}
	return st.Value, nil
}

func (s *Store) SetSetting(key, value string) error {
	return s.db.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// SetSettings writes several settings in one transaction.
func (s *Store) SetSettings(values map[string]string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for k, v := range values {
			if err := tx.Where("key = ?", k).Assign(Setting{Value: v}).FirstOrCreate(&Setting{Key: k}).Error; err != nil {
				return fmt.Errorf("set setting %s: %w", k, err)
			}
		}
		return nil
	})
}

func (s *Store) DeleteSetting(key string) error {
	return s.db.Where("key = ?", key).Delete(&Setting{}).Error
}

// Connections

func (s *Store) CreateConnection(c *Connection) error {
	if err := s.db.Create(c).Error; err != nil {
		return fmt.Errorf("create connection %q: %w", c.Name, err)
	}
	return nil
}

// SaveConnection updates every column of an existing connection.
func (s *Store) SaveConnection(c *Connection) error {
	if err := s.db.Save(c).Error; err != nil {
		return fmt.Errorf("save connection %q: %w", c.Name, err)
	}
	return nil
}

func (s *Store) GetConnection(name string) (*Connection, error) {
	var c Connection
	if err := s.db.Preload("Tunnels").Where("name = ?", name).First(&c).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("connection %q", name))
	}
	return &c, nil
}

func (s *Store) GetConnectionByID(id uint) (*Connection, error) {
	var c Connection
	if err := s.db.Preload("Tunnels").First(&c, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("connection %d", id))
	}
	return &c, nil
}

func (s *Store) ListConnections() ([]Connection, error) {
	var conns []Connection
	if err := s.db.Preload("Tunnels").Order("group_name, name").Find(&conns).Error; err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return conns, nil
}

func (s *Store) DeleteConnection(name string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var c Connection
		if err := tx.Where("name = ?", name).First(&c).Error; err != nil {
			return notFound(err, fmt.Sprintf("connection %q", name))
		}
		if err := tx.Where("connection_id = ?", c.ID).Delete(&Tunnel{}).Error; err != nil {
			return fmt.Errorf("delete tunnels: %w", err)
		}
		if err := tx.Where("connection_id = ?", c.ID).Delete(&SessionHistory{}).Error; err != nil {
			return fmt.Errorf("delete history: %w", err)
		}
		return tx.Delete(&c).Error
	})
}

func (s *Store) AddTunnel(t *Tunnel) error {
	if err := s.db.Create(t).Error; err != nil {
		return fmt.Errorf("add tunnel: %w", err)
	}
	return nil
}

// SetHostKeyFingerprint pins the host key seen on first connect.
func (s *Store) SetHostKeyFingerprint(connectionID uint, fingerprint string) error {
	return s.db.Model(&Connection{}).Where("id = ?", connectionID).
		Update("host_key_fingerprint", fingerprint).Error
}

// SSH keys

func (s *Store) CreateSSHKey(k *SSHKey) error {
	if err := s.db.Create(k).Error; err != nil {
		return fmt.Errorf("create ssh key %q: %w", k.Name, err)
	}
	return nil
}

func (s *Store) SaveSSHKey(k *SSHKey) error {
	return s.db.Save(k).Error
}

func (s *Store) GetSSHKey(id uint) (*SSHKey, error) {
	var k SSHKey
	if err := s.db.First(&k, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("ssh key %d", id))
	}
	return &k, nil
}

func (s *Store) GetSSHKeyByName(name string) (*SSHKey, error) {
	var k SSHKey
	if err := s.db.Where("name = ?", name).First(&k).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("ssh key %q", name))
	}
	return &k, nil
}

func (s *Store) ListSSHKeys() ([]SSHKey, error) {
	var keys []SSHKey
	if err := s.db.Order("name").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("list ssh keys: %w", err)
	}
	return keys, nil
}

// DeleteSSHKey removes a key record and detaches it from connections.
func (s *Store) DeleteSSHKey(id uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Connection{}).Where("ssh_key_id = ?", id).Update("ssh_key_id", nil).Error; err != nil {
			return err
		}
		res := tx.Delete(&SSHKey{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("ssh key %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// Stored credentials

func (s *Store) CreateCredential(c *StoredCredential) error {
	if err := s.db.Create(c).Error; err != nil {
		return fmt.Errorf("create credential %q: %w", c.Name, err)
	}
	return nil
}

func (s *Store) GetCredential(id uint) (*StoredCredential, error) {
	var c StoredCredential
	if err := s.db.First(&c, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("credential %d", id))
	}
	return &c, nil
}

func (s *Store) ListCredentials() ([]StoredCredential, error) {
	var creds []StoredCredential
	if err := s.db.Order("name").Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return creds, nil
}

func (s *Store) DeleteCredential(name string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var c StoredCredential
		if err := tx.Where("name = ?", name).First(&c).Error; err != nil {
			return notFound(err, fmt.Sprintf("credential %q", name))
		}
		if err := tx.Model(&Connection{}).Where("credential_id = ?", c.ID).Update("credential_id", nil).Error; err != nil {
			return err
		}
		return tx.Delete(&c).Error
	})
}

// Session history

func (s *Store) SaveHistory(h *SessionHistory) error {
	if err := s.db.Create(h).Error; err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

// LatestHistory returns the newest snapshot for a connection.
func (s *Store) LatestHistory(connectionID uint) (*SessionHistory, error) {
	var h SessionHistory
	err := s.db.Where("connection_id = ?", connectionID).Order("saved_at DESC, id DESC").First(&h).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("history for connection %d", connectionID))
	}
	return &h, nil
}

// PruneHistory keeps the newest keep snapshots per connection.
func (s *Store) PruneHistory(connectionID uint, keep int) error {
	var ids []uint
	if err := s.db.Model(&SessionHistory{}).Where("connection_id = ?", connectionID).
		Order("saved_at DESC, id DESC").Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(ids) <= keep {
		return nil
	}
	return s.db.Delete(&SessionHistory{}, ids[keep:]).Error
}

// ListHistory returns every snapshot, oldest first.
func (s *Store) ListHistory() ([]SessionHistory, error) {
	var rows []SessionHistory
	if err := s.db.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return rows, nil
}

// UpdateHistorySealed replaces the sealed payload of one snapshot.
func (s *Store) UpdateHistorySealed(id uint, sealed string) error {
	res := s.db.Model(&SessionHistory{}).Where("id = ?", id).Update("sealed", sealed)
	if res.Error != nil {
		return fmt.Errorf("update history %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("history %d: %w", id, ErrNotFound)
	}
	return nil
}
