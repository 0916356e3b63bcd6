// Package crypto implements the vault's primitives: PBKDF2 key
// derivation, AES-256-GCM sealing, constant-time verifier comparison, the
// encrypted-secret wire format, and fernet tokens for session history.
package crypto

import (
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/gluk-w/ttyvault/internal/errortypes"
)

// FernetKey builds a fernet key from 32 bytes of key material.
func FernetKey(material []byte) (*fernet.Key, error) {
	var k fernet.Key
	if len(material) != len(k) {
		return nil, fmt.Errorf("fernet key: need %d bytes, got %d", len(k), len(material))
	}
	copy(k[:], material)
	return &k, nil
}

// Seal encrypts and signs plaintext as a fernet token.
func Seal(plaintext []byte, key *fernet.Key) (string, error) {
	tok, err := fernet.EncryptAndSign(plaintext, key)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	return string(tok), nil
}

// Open verifies and decrypts a fernet token. Tokens never expire here.
func Open(token string, key *fernet.Key) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return nil, &errortypes.IntegrityError{Err: fmt.Errorf("open: invalid token")}
	}
	return msg, nil
}

// Mask hides all but the last four characters of a value for display.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
