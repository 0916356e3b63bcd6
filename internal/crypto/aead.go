package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/gluk-w/ttyvault/internal/errortypes"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Iterations is the PBKDF2-HMAC-SHA256 cost used for every password
	// derivation. Changing it breaks every existing record and secret.
	Iterations = 310000

	KeySize   = 32
	SaltSize  = 32
	NonceSize = 12
	TagSize   = 16
)

// DeriveKey stretches a password into a 256-bit key.
func DeriveKey(password, salt []byte) []byte {
	return DeriveKeyIter(password, salt, Iterations)
}

// DeriveKeyIter is DeriveKey with an explicit iteration count, for records
// that carry their own.
func DeriveKeyIter(password, salt []byte, iterations int) []byte {
	return pbkdf2.Key(password, salt, iterations, KeySize, sha256.New)
}

// HashPassword computes the password verifier for the given salt.
func HashPassword(password, salt []byte) []byte {
	return DeriveKey(password, salt)
}

// VerifyPassword recomputes the verifier and compares it in constant time.
func VerifyPassword(password, salt, hash []byte) bool {
	return subtle.ConstantTimeCompare(HashPassword(password, salt), hash) == 1
}

// Expand derives a purpose-bound sub-key from key material with HKDF-SHA256.
func Expand(secret []byte, info string) []byte {
	out := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		// hkdf only fails past 255 blocks of output
		panic(fmt.Sprintf("hkdf expand: %v", err))
	}
	return out
}

// NewSalt returns SaltSize random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random nonce and
// returns nonce||ciphertext||tag.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. A blob too short to hold a
// nonce and tag is a FormatError; any tag failure is an IntegrityError.
func Decrypt(blob, key []byte) ([]byte, error) {
	if len(blob) < NonceSize+TagSize {
		return nil, &errortypes.FormatError{
			Err: fmt.Errorf("decrypt: blob is %d bytes, need at least %d", len(blob), NonceSize+TagSize),
		}
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		return nil, &errortypes.IntegrityError{
			Err: fmt.Errorf("decrypt: authentication failed: %w", err),
		}
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, &errortypes.FormatError{
			Err: fmt.Errorf("cipher key is %d bytes, need %d", len(key), KeySize),
		}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
