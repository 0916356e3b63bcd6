// Package sshkeys manages private keys used for public-key authentication
// and pins remote host keys on first use.
package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/ttyvault/internal/errortypes"
)

// GenerateKeyPair generates an ED25519 key pair and returns the OpenSSH
// private key, protected by passphrase when one is given, and the
// authorized_keys line of the public key.
func GenerateKeyPair(comment, passphrase string) (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	var block *pem.Block
	if passphrase != "" {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, comment, []byte(passphrase))
	} else {
		block, err = ssh.MarshalPrivateKey(priv, comment)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	return ssh.MarshalAuthorizedKey(sshPub), pem.EncodeToMemory(block), nil
}

// SaveKeyPair writes path (mode 0600) and path.pub (mode 0644).
func SaveKeyPair(path string, privateKey, publicKey []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, privateKey, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(path+".pub", publicKey, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// PublicKeyFingerprint returns the SHA256 fingerprint of an authorized_keys
// line.
func PublicKeyFingerprint(publicKey []byte) (string, error) {
	if len(publicKey) == 0 {
		return "", &errortypes.FormatError{Err: fmt.Errorf("get fingerprint: public key is empty")}
	}
	parsed, _, _, _, err := ssh.ParseAuthorizedKey(publicKey)
	if err != nil {
		return "", &errortypes.FormatError{Err: fmt.Errorf("get fingerprint: parse public key: %w", err)}
	}
	return ssh.FingerprintSHA256(parsed), nil
}

// FileFingerprint fingerprints the key at path. The sibling .pub file is
// preferred; otherwise the private key is parsed, which needs the
// passphrase when the key is encrypted.
func FileFingerprint(path, passphrase string) (string, error) {
	if pub, err := os.ReadFile(path + ".pub"); err == nil {
		if fp, err := PublicKeyFingerprint(pub); err == nil {
			return fp, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", &errortypes.ResourceError{Err: fmt.Errorf("read private key %s: %w", path, err)}
	}
	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(data)
	}
	if err != nil {
		if missing, ok := err.(*ssh.PassphraseMissingError); ok && missing.PublicKey != nil {
			return ssh.FingerprintSHA256(missing.PublicKey), nil
		}
		return "", &errortypes.ResourceError{Err: fmt.Errorf("parse private key %s: %w", path, err)}
	}
	return ssh.FingerprintSHA256(signer.PublicKey()), nil
}
