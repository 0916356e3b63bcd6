package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const envPrefix = "TTYVAULT"

// Settings is the process configuration. Values come from struct defaults,
// then config.yaml in the data directory, then TTYVAULT_* environment
// variables.
type Settings struct {
	DataPath       string `envconfig:"DATA_PATH" default:""`
	DatabasePath   string `envconfig:"DATABASE_PATH" default:""`
	LogPath        string `envconfig:"LOG_PATH" default:""`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	MasterKeyStore string `envconfig:"MASTER_KEY_STORE" default:"file"`
	MasterKeyPath  string `envconfig:"MASTER_KEY_PATH" default:""`
	KeysDir        string `envconfig:"KEYS_DIR" default:""`

	// Terminal session settings
	TermType        string        `envconfig:"TERM_TYPE" default:"xterm-256color"`
	TermCols        int           `envconfig:"TERM_COLS" default:"80"`
	TermRows        int           `envconfig:"TERM_ROWS" default:"24"`
	ConnectTimeout  time.Duration `envconfig:"CONNECT_TIMEOUT" default:"15s"`
	OutputQueueSize int           `envconfig:"OUTPUT_QUEUE_SIZE" default:"256"`
	ScrollbackBytes int           `envconfig:"SCROLLBACK_BYTES" default:"0"`
	RecordSessions  bool          `envconfig:"RECORD_SESSIONS" default:"false"`
	StrictHostKeys  bool          `envconfig:"STRICT_HOST_KEYS" default:"false"`

	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
}

// fileSettings mirrors the subset of Settings that config.yaml may set.
type fileSettings struct {
	LogLevel *string `yaml:"log_level"`
	Terminal struct {
		Type *string `yaml:"type"`
		Cols *int    `yaml:"cols"`
		Rows *int    `yaml:"rows"`
	} `yaml:"terminal"`
	ConnectTimeout     *time.Duration `yaml:"connect_timeout"`
	OutputQueueSize    *int           `yaml:"output_queue_size"`
	ScrollbackBytes    *int           `yaml:"scrollback_bytes"`
	RecordSessions     *bool          `yaml:"record_sessions"`
	StrictHostKeys     *bool          `yaml:"strict_host_keys"`
	AuditRetentionDays *int           `yaml:"audit_retention_days"`
}

// Load reads the environment, applies config.yaml when present and fills
// in paths derived from the data directory.
func Load() (*Settings, error) {
	var s Settings
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if s.DataPath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve data path: %w", err)
		}
		s.DataPath = filepath.Join(dir, "ttyvault")
	}

	if err := s.applyFile(filepath.Join(s.DataPath, "config.yaml")); err != nil {
		return nil, err
	}
	s.fillPaths()

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) fillPaths() {
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataPath, "ttyvault.db")
	}
	if s.LogPath == "" {
		s.LogPath = filepath.Join(s.DataPath, "ttyvault.log")
	}
	if s.MasterKeyPath == "" {
		s.MasterKeyPath = filepath.Join(s.DataPath, "master.key")
	}
	if s.KeysDir == "" {
		s.KeysDir = filepath.Join(s.DataPath, "keys")
	}
}

// applyFile overlays values from a YAML file. A missing file is fine.
// Environment variables always win over the file.
func (s *Settings) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var fs fileSettings
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&s.LogLevel, fs.LogLevel, "LOG_LEVEL")
	setString(&s.TermType, fs.Terminal.Type, "TERM_TYPE")
	setInt(&s.TermCols, fs.Terminal.Cols, "TERM_COLS")
	setInt(&s.TermRows, fs.Terminal.Rows, "TERM_ROWS")
	if fs.ConnectTimeout != nil && !envSet("CONNECT_TIMEOUT") {
		s.ConnectTimeout = *fs.ConnectTimeout
	}
	setInt(&s.OutputQueueSize, fs.OutputQueueSize, "OUTPUT_QUEUE_SIZE")
	setInt(&s.ScrollbackBytes, fs.ScrollbackBytes, "SCROLLBACK_BYTES")
	setBool(&s.RecordSessions, fs.RecordSessions, "RECORD_SESSIONS")
	setBool(&s.StrictHostKeys, fs.StrictHostKeys, "STRICT_HOST_KEYS")
	setInt(&s.AuditRetentionDays, fs.AuditRetentionDays, "AUDIT_RETENTION_DAYS")
	return nil
}

// Validate rejects settings the session core cannot work with.
func (s *Settings) Validate() error {
	if s.TermCols <= 0 || s.TermRows <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", s.TermCols, s.TermRows)
	}
	if s.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %s", s.ConnectTimeout)
	}
	if s.OutputQueueSize <= 0 {
		return fmt.Errorf("output queue size must be positive, got %d", s.OutputQueueSize)
	}
	switch s.MasterKeyStore {
	case "file", "database":
	default:
		return fmt.Errorf("unknown master key store %q (want file or database)", s.MasterKeyStore)
	}
	return nil
}

func envSet(key string) bool {
	_, ok := os.LookupEnv(envPrefix + "_" + key)
	return ok
}

func setString(dst *string, v *string, key string) {
	if v != nil && !envSet(key) {
		*dst = *v
	}
}

func setInt(dst *int, v *int, key string) {
	if v != nil && !envSet(key) {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool, key string) {
	if v != nil && !envSet(key) {
		*dst = *v
	}
}
