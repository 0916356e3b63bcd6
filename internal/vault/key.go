package vault

import (
	"fmt"
	"sync"

	"github.com/fernet/fernet-go"
	"github.com/gluk-w/ttyvault/internal/crypto"
	"github.com/gluk-w/ttyvault/internal/errortypes"
)

const (
	verifierInfo = "ttyvault verifier v2"
	dataKeyInfo  = "ttyvault vault key v2"
	historyInfo  = "ttyvault history v1"
)

// Key is the unlocked vault's key material. It holds the master password
// bytes, from which each encrypted secret derives its own key with its own
// salt, and a data key bound to the master key record.
//
// A Key is immutable until Wipe. Wipe waits for operations running inside
// Use to finish, then zeroes the material; later calls fail with a
// PreconditionError.
type Key struct {
	mu       sync.RWMutex
	password []byte
	dataKey  []byte
	wiped    bool
}

func newKey(password, dataKey []byte) *Key {
	return &Key{
		password: append([]byte(nil), password...),
		dataKey:  dataKey,
	}
}

// NewKey returns a key for password that is not bound to any master key
// record. It can encrypt and decrypt secrets but has no data key.
func NewKey(password []byte) *Key {
	return newKey(password, nil)
}

// Use runs fn with the master password bytes. fn must not retain the slice.
func (k *Key) Use(fn func(password []byte) error) error {
	if k == nil {
		return &errortypes.PreconditionError{Err: fmt.Errorf("vault is locked")}
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.wiped {
		return &errortypes.PreconditionError{Err: fmt.Errorf("vault key has been cleared")}
	}
	return fn(k.password)
}

// HistoryKey derives the fernet key used to seal session history.
func (k *Key) HistoryKey() (*fernet.Key, error) {
	if k == nil {
		return nil, &errortypes.PreconditionError{Err: fmt.Errorf("vault is locked")}
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.wiped {
		return nil, &errortypes.PreconditionError{Err: fmt.Errorf("vault key has been cleared")}
	}
	if k.dataKey == nil {
		return nil, &errortypes.PreconditionError{Err: fmt.Errorf("key is not bound to a master key record")}
	}
	return crypto.FernetKey(crypto.Expand(k.dataKey, historyInfo))
}

// Wipe zeroes the key material. It is safe to call more than once.
func (k *Key) Wipe() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	crypto.Zero(k.password)
	crypto.Zero(k.dataKey)
	k.password = nil
	k.dataKey = nil
	k.wiped = true
}

// Wiped reports whether Wipe has been called.
func (k *Key) Wiped() bool {
	if k == nil {
		return true
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.wiped
}
