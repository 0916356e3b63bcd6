package sshkeys

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/ttyvault/internal/errortypes"
	"github.com/gluk-w/ttyvault/internal/logging"
)

// FingerprintMismatchError is returned when a host presents a key other
// than the one pinned on first connect.
type FingerprintMismatchError struct {
	Host     string
	Expected string
	Actual   string
}

func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("host key for %s changed: expected %s, got %s (possible man-in-the-middle)", e.Host, e.Expected, e.Actual)
}

// FingerprintStore persists pinned host key fingerprints.
type FingerprintStore interface {
	SetHostKeyFingerprint(connectionID uint, fingerprint string) error
}

// HostKeyCallback pins the first host key seen for a connection
// (trust on first use). A later mismatch is rejected when strict is set and
// logged otherwise; the pinned fingerprint is never overwritten.
func HostKeyCallback(store FingerprintStore, connectionID uint, pinned string, strict bool, log zerolog.Logger) ssh.HostKeyCallback {
	log = logging.Component(log, "sshkeys")
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		actual := ssh.FingerprintSHA256(key)
		host := logging.Sanitize(hostname)
		switch {
		case pinned == "":
			if err := store.SetHostKeyFingerprint(connectionID, actual); err != nil {
				log.Warn().Err(err).Str("host", host).Msg("could not pin host key")
			} else {
				log.Info().Str("host", host).Str("fingerprint", actual).Msg("pinned host key on first use")
			}
			pinned = actual
			return nil
		case pinned == actual:
			return nil
		case strict:
			return &errortypes.AuthenticationError{Err: &FingerprintMismatchError{Host: hostname, Expected: pinned, Actual: actual}}
		default:
			log.Warn().Str("host", host).Str("expected", pinned).Str("actual", actual).Msg("host key changed")
			return nil
		}
	}
}
