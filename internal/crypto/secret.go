package crypto

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gluk-w/ttyvault/internal/errortypes"
)

// EncryptSecret encrypts plaintext under a key derived from password and a
// fresh per-secret salt. The result has the form
// <base64 salt>:<base64 nonce||ciphertext||tag>.
func EncryptSecret(plaintext string, password []byte) (string, error) {
	salt, err := NewSalt()
	if err != nil {
		return "", err
	}
	key := DeriveKey(password, salt)
	defer Zero(key)

	blob, err := Encrypt([]byte(plaintext), key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(salt) + ":" + base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptSecret reverses EncryptSecret.
func DecryptSecret(encoded string, password []byte) (string, error) {
	salt, blob, err := ParseSecret(encoded)
	if err != nil {
		return "", err
	}
	key := DeriveKey(password, salt)
	defer Zero(key)

	plaintext, err := Decrypt(blob, key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// ParseSecret splits an encoded secret into its salt and sealed blob.
// Decoding is strict: nonzero padding bits are rejected so every encoding
// maps to exactly one byte string.
func ParseSecret(encoded string) (salt, blob []byte, err error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 2 {
		return nil, nil, &errortypes.FormatError{
			Err: fmt.Errorf("encrypted secret: expected 2 colon-separated parts, got %d", len(parts)),
		}
	}
	salt, err = base64.StdEncoding.Strict().DecodeString(parts[0])
	if err != nil {
		return nil, nil, &errortypes.FormatError{Err: fmt.Errorf("encrypted secret: decode salt: %w", err)}
	}
	if len(salt) == 0 {
		return nil, nil, &errortypes.FormatError{Err: fmt.Errorf("encrypted secret: empty salt")}
	}
	blob, err = base64.StdEncoding.Strict().DecodeString(parts[1])
	if err != nil {
		return nil, nil, &errortypes.FormatError{Err: fmt.Errorf("encrypted secret: decode ciphertext: %w", err)}
	}
	return salt, blob, nil
}
