package database

import "time"

// Auth methods stored in Connection.AuthMethod.
const (
	AuthPassword            = "password"
	AuthKeyboardInteractive = "keyboard-interactive"
	AuthPublicKey           = "publickey"
)

// Connection is a saved remote host. Secret columns hold encrypted-secret
// strings and are never plaintext at rest.
type Connection struct {
	ID                    uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name                  string    `gorm:"uniqueIndex;not null" json:"name"`
	Host                  string    `gorm:"not null" json:"host"`
	Port                  int       `gorm:"not null;default:22" json:"port"`
	Username              string    `json:"username"`
	AuthMethod            string    `gorm:"not null;default:password" json:"auth_method"`
	EncryptedPassword     string    `json:"-"`
	PrivateKeyPath        string    `json:"private_key_path"`
	EncryptedPassphrase   string    `json:"-"`
	SSHKeyID              *uint     `json:"ssh_key_id"`
	CredentialID          *uint     `json:"credential_id"`
	GroupName             string    `json:"group"`
	TermCols              int       `gorm:"not null;default:80" json:"term_cols"`
	TermRows              int       `gorm:"not null;default:24" json:"term_rows"`
	ConnectTimeoutSeconds int       `gorm:"not null;default:15" json:"connect_timeout_seconds"`
	RetryCount            int       `gorm:"not null;default:4" json:"retry_count"`
	HostKeyFingerprint    string    `json:"host_key_fingerprint"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Tunnels []Tunnel `gorm:"foreignKey:ConnectionID;constraint:OnDelete:CASCADE" json:"tunnels"`
}

// Tunnel types.
const (
	TunnelLocal   = "local"
	TunnelRemote  = "remote"
	TunnelDynamic = "dynamic"
)

// Tunnel is a port forward opened alongside a connection's shell.
type Tunnel struct {
	ID           uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	ConnectionID uint   `gorm:"not null;index" json:"connection_id"`
	Enabled      bool   `json:"enabled"`
	Type         string `gorm:"not null" json:"type"`
	LocalHost    string `json:"local_host"`
	LocalPort    int    `json:"local_port"`
	RemoteHost   string `json:"remote_host"`
	RemotePort   int    `json:"remote_port"`
	Description  string `json:"description"`
}

// SSHKey is a private key registered with the key store.
type SSHKey struct {
	ID                  uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name                string    `gorm:"uniqueIndex;not null" json:"name"`
	SourcePath          string    `gorm:"not null" json:"source_path"`
	UserDirPath         string    `json:"user_dir_path"`
	CopiedToUserDir     bool      `json:"copied_to_user_dir"`
	EncryptedPassphrase string    `json:"-"`
	Fingerprint         string    `json:"fingerprint"`
	CreatedAt           time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Credential environments.
const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

// StoredCredential is a reusable username/password pair offered for hosts
// matching ServerPattern.
type StoredCredential struct {
	ID                uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name              string    `gorm:"uniqueIndex;not null" json:"name"`
	Username          string    `gorm:"not null" json:"username"`
	EncryptedPassword string    `json:"-"`
	Environment       string    `gorm:"not null;default:development" json:"environment"`
	ServerPattern     string    `json:"server_pattern"`
	Description       string    `json:"description"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SessionHistory is a sealed snapshot of a session buffer.
type SessionHistory struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ConnectionID uint      `gorm:"not null;index" json:"connection_id"`
	SessionID    string    `gorm:"not null" json:"session_id"`
	TabTitle     string    `json:"tab_title"`
	Sealed       string    `gorm:"type:text" json:"-"` // fernet token
	SavedAt      time.Time `gorm:"autoCreateTime;index" json:"saved_at"`
}

// AuditLog is one vault or session lifecycle event.
type AuditLog struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType      string    `gorm:"not null;index" json:"event_type"`
	ConnectionName string    `gorm:"index" json:"connection_name"`
	Username       string    `json:"username"`
	Host           string    `json:"host"`
	Details        string    `gorm:"type:text" json:"details"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
