// Package credentials stores reusable username/password pairs and offers
// them to hosts matching a server pattern.
package credentials

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gluk-w/ttyvault/internal/database"
	"github.com/gluk-w/ttyvault/internal/errortypes"
	"github.com/gluk-w/ttyvault/internal/logging"
	"github.com/gluk-w/ttyvault/internal/secrets"
	"github.com/gluk-w/ttyvault/internal/vault"
)

var environments = map[string]bool{
	database.EnvProduction:  true,
	database.EnvStaging:     true,
	database.EnvDevelopment: true,
	database.EnvTest:        true,
}

// MatchesServer reports whether host matches pattern. Patterns are globs
// where '*' matches any run of characters; several globs may be separated
// by commas. An empty pattern matches every host.
func MatchesServer(pattern, host string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return true
	}
	for _, alt := range strings.Split(pattern, ",") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		if globRegexp(alt).MatchString(host) {
			return true
		}
	}
	return false
}

func globRegexp(glob string) *regexp.Regexp {
	parts := strings.Split(glob, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("(?i)^" + strings.Join(parts, ".*") + "$")
}

// Manager keeps credentials in the database with encrypted passwords.
type Manager struct {
	db  *database.Store
	log zerolog.Logger
}

// NewManager creates a credential manager.
func NewManager(db *database.Store, log zerolog.Logger) *Manager {
	return &Manager{db: db, log: logging.Component(log, "credentials")}
}

// Add stores a credential, encrypting password with key.
func (m *Manager) Add(c *database.StoredCredential, password string, key *vault.Key) error {
	if c.Environment == "" {
		c.Environment = database.EnvDevelopment
	}
	if !environments[c.Environment] {
		return &errortypes.FormatError{Err: fmt.Errorf("credential %q: unknown environment %q", c.Name, c.Environment)}
	}
	blob, err := secrets.Store(password, key)
	if err != nil {
		return fmt.Errorf("encrypt password for credential %q: %w", c.Name, err)
	}
	c.EncryptedPassword = blob
	if err := m.db.CreateCredential(c); err != nil {
		return err
	}
	m.log.Info().Str("credential", logging.Sanitize(c.Name)).Str("environment", c.Environment).Msg("credential stored")
	return nil
}

// FindMatching returns credentials for host. An empty environment matches
// all environments.
func (m *Manager) FindMatching(host, environment string) ([]database.StoredCredential, error) {
	all, err := m.db.ListCredentials()
	if err != nil {
		return nil, err
	}
	var out []database.StoredCredential
	for _, c := range all {
		if environment != "" && c.Environment != environment {
			continue
		}
		if MatchesServer(c.ServerPattern, host) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Password decrypts a credential's password.
func (m *Manager) Password(c *database.StoredCredential, key *vault.Key) (string, error) {
	pw, _, err := secrets.Retrieve(c.EncryptedPassword, key)
	if err != nil {
		return "", fmt.Errorf("password for credential %q: %w", c.Name, err)
	}
	return pw, nil
}

// Get loads a credential by id.
func (m *Manager) Get(id uint) (*database.StoredCredential, error) {
	return m.db.GetCredential(id)
}

// List returns all credentials ordered by name.
func (m *Manager) List() ([]database.StoredCredential, error) {
	return m.db.ListCredentials()
}

// Remove deletes a credential and detaches it from connections.
func (m *Manager) Remove(name string) error {
	if err := m.db.DeleteCredential(name); err != nil {
		return err
	}
	m.log.Info().Str("credential", logging.Sanitize(name)).Msg("credential removed")
	return nil
}
