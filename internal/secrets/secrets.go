// Package secrets encrypts and decrypts individual stored credentials with
// the key the vault currently holds.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gluk-w/ttyvault/internal/crypto"
	"github.com/gluk-w/ttyvault/internal/vault"
)

// Store encrypts plaintext under key. Each call uses a fresh salt and nonce.
func Store(plaintext string, key *vault.Key) (string, error) {
	var out string
	err := key.Use(func(password []byte) error {
		var err error
		out, err = crypto.EncryptSecret(plaintext, password)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("store secret: %w", err)
	}
	return out, nil
}

// Retrieve decrypts blob. A blank blob means no secret is stored, which is
// reported as ok=false with a nil error.
func Retrieve(blob string, key *vault.Key) (plaintext string, ok bool, err error) {
	if strings.TrimSpace(blob) == "" {
		return "", false, nil
	}
	err = key.Use(func(password []byte) error {
		var err error
		plaintext, err = crypto.DecryptSecret(blob, password)
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("retrieve secret: %w", err)
	}
	return plaintext, true, nil
}

// ReEncrypt decrypts blob with oldKey and encrypts the plaintext again with
// newKey. A blank blob stays blank.
func ReEncrypt(blob string, oldKey, newKey *vault.Key) (string, error) {
	plaintext, ok, err := Retrieve(blob, oldKey)
	if err != nil {
		return "", fmt.Errorf("re-encrypt: %w", err)
	}
	if !ok {
		return "", nil
	}
	out, err := Store(plaintext, newKey)
	if err != nil {
		return "", fmt.Errorf("re-encrypt: %w", err)
	}
	return out, nil
}

// Item is one secret to re-encrypt.
type Item struct {
	Label string
	Blob  string
}

// Rekey re-encrypts items one at a time and hands each new blob to apply.
// A failure on one item does not stop the others; all failures are joined
// into the returned error, each naming its item. The count of items
// successfully applied is returned alongside.
func Rekey(ctx context.Context, items []Item, oldKey, newKey *vault.Key, apply func(Item, string) error) (int, error) {
	var errs []error
	done := 0
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		blob, err := ReEncrypt(it.Blob, oldKey, newKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", it.Label, err))
			continue
		}
		if err := apply(it, blob); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", it.Label, err))
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}
