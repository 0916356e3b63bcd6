package sshterminal

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/ttyvault/internal/database"
	"github.com/gluk-w/ttyvault/internal/errortypes"
)

// AuthMethod is one of PasswordAuth, KeyboardInteractiveAuth or
// PublicKeyAuth.
type AuthMethod interface {
	methodName() string
}

// PasswordAuth authenticates with a plain password.
type PasswordAuth struct {
	Password string
}

// KeyboardInteractiveAuth answers every hidden prompt with Password.
type KeyboardInteractiveAuth struct {
	Password string
}

// KeyMaterial locates a private key file and the passphrase protecting it.
type KeyMaterial struct {
	Path       string
	Passphrase string
}

// PublicKeyAuth authenticates with a private key loaded from disk.
type PublicKeyAuth struct {
	Key KeyMaterial
}

func (PasswordAuth) methodName() string            { return database.AuthPassword }
func (KeyboardInteractiveAuth) methodName() string { return database.AuthKeyboardInteractive }
func (PublicKeyAuth) methodName() string           { return database.AuthPublicKey }

// Secret holds the decrypted values embedded in a connection record.
type Secret struct {
	Password   string
	Passphrase string
}

// KeyResolver looks up a managed key by id. ok is false when the store has
// no such key.
type KeyResolver interface {
	ResolveKey(id uint) (key KeyMaterial, ok bool, err error)
}

// ResolveAuth picks the authentication method for conn. For public keys a
// managed key referenced by conn.KeyID takes precedence over the path and
// passphrase stored on the record itself.
func ResolveAuth(conn Connection, secret Secret, keys KeyResolver) (AuthMethod, error) {
	switch conn.Method {
	case database.AuthPassword, "":
		return PasswordAuth{Password: secret.Password}, nil
	case database.AuthKeyboardInteractive:
		return KeyboardInteractiveAuth{Password: secret.Password}, nil
	case database.AuthPublicKey:
		if conn.KeyID != nil && keys != nil {
			km, ok, err := keys.ResolveKey(*conn.KeyID)
			if err != nil {
				return nil, fmt.Errorf("resolve key %d for %s: %w", *conn.KeyID, conn.DisplayName(), err)
			}
			if ok && km.Path != "" {
				if km.Passphrase == "" {
					km.Passphrase = secret.Passphrase
				}
				return PublicKeyAuth{Key: km}, nil
			}
		}
		if conn.KeyPath == "" {
			return nil, &errortypes.ResourceError{Err: fmt.Errorf("connection %s has no private key configured", conn.DisplayName())}
		}
		return PublicKeyAuth{Key: KeyMaterial{Path: conn.KeyPath, Passphrase: secret.Passphrase}}, nil
	default:
		return nil, &errortypes.FormatError{Err: fmt.Errorf("connection %s: unknown auth method %q", conn.DisplayName(), conn.Method)}
	}
}

// LoadSigner reads and parses a private key file.
func LoadSigner(km KeyMaterial) (ssh.Signer, error) {
	data, err := os.ReadFile(km.Path)
	if err != nil {
		return nil, &errortypes.ResourceError{Err: fmt.Errorf("read private key %s: %w", km.Path, err)}
	}
	var signer ssh.Signer
	if km.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(km.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(data)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, &errortypes.ResourceError{Err: fmt.Errorf("private key %s is passphrase protected and no passphrase is stored", km.Path)}
		}
		return nil, &errortypes.ResourceError{Err: fmt.Errorf("parse private key %s: %w", km.Path, err)}
	}
	return signer, nil
}

// clientAuth turns an AuthMethod into ssh client methods. Key files are
// loaded here, before anything touches the network.
func clientAuth(auth AuthMethod) ([]ssh.AuthMethod, error) {
	switch a := auth.(type) {
	case PasswordAuth:
		return []ssh.AuthMethod{ssh.Password(a.Password)}, nil
	case KeyboardInteractiveAuth:
		password := a.Password
		challenge := func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range questions {
				if !echos[i] {
					answers[i] = password
				}
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.KeyboardInteractive(challenge)}, nil
	case PublicKeyAuth:
		signer, err := LoadSigner(a.Key)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case nil:
		return nil, &errortypes.PreconditionError{Err: errors.New("no authentication method")}
	default:
		return nil, &errortypes.FormatError{Err: fmt.Errorf("unsupported auth method %T", auth)}
	}
}
