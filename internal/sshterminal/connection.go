package sshterminal

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gluk-w/ttyvault/internal/database"
)

// Connection is the part of a saved connection record a session needs.
type Connection struct {
	ID       uint
	Name     string
	Host     string
	Port     int
	Username string
	Method   string

	// KeyID references the managed key store and wins over KeyPath.
	KeyID   *uint
	KeyPath string

	TermCols int
	TermRows int
	Timeout  time.Duration
}

// FromRecord converts a persisted connection.
func FromRecord(c *database.Connection) Connection {
	return Connection{
		ID:       c.ID,
		Name:     c.Name,
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Method:   c.AuthMethod,
		KeyID:    c.SSHKeyID,
		KeyPath:  c.PrivateKeyPath,
		TermCols: c.TermCols,
		TermRows: c.TermRows,
		Timeout:  time.Duration(c.ConnectTimeoutSeconds) * time.Second,
	}
}

// Addr returns host:port, defaulting the port to 22.
func (c Connection) Addr() string {
	port := c.Port
	if port <= 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// DisplayName is the name shown in listings, falling back to user@host.
func (c Connection) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("%s@%s", c.Username, c.Host)
}
