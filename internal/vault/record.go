package vault

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/gluk-w/ttyvault/internal/crypto"
	"github.com/gluk-w/ttyvault/internal/errortypes"
)

// ErrNoRecord is returned by RecordStore.Load when no master password has
// been set up.
var ErrNoRecord = errors.New("no master key record")

// Record versions.
const (
	// VersionLegacy records store the raw PBKDF2 output as the verifier.
	VersionLegacy = 1
	// VersionSeparated records store an HKDF-expanded verifier, distinct
	// from the in-memory data key.
	VersionSeparated = 2
)

// Record is the persisted master key record.
type Record struct {
	Salt       []byte
	Hash       []byte
	Iterations int
	Version    int
}

// RecordStore persists the single master key record.
type RecordStore interface {
	Exists() (bool, error)
	Load() (*Record, error)
	Save(rec *Record) error
}

// Record field names, shared by every store.
const (
	fieldSalt       = "salt"
	fieldHash       = "hash"
	fieldIterations = "iterations"
	fieldVersion    = "version"
)

func (r *Record) fields() map[string]string {
	return map[string]string{
		fieldSalt:       base64.StdEncoding.EncodeToString(r.Salt),
		fieldHash:       base64.StdEncoding.EncodeToString(r.Hash),
		fieldIterations: strconv.Itoa(r.Iterations),
		fieldVersion:    strconv.Itoa(r.Version),
	}
}

// recordFromFields decodes a record. Missing iterations default to the
// current cost and a missing version means a legacy record.
func recordFromFields(get func(string) (string, bool)) (*Record, error) {
	saltStr, ok := get(fieldSalt)
	if !ok || saltStr == "" {
		return nil, &errortypes.FormatError{Err: fmt.Errorf("master key record: missing salt")}
	}
	hashStr, ok := get(fieldHash)
	if !ok || hashStr == "" {
		return nil, &errortypes.FormatError{Err: fmt.Errorf("master key record: missing hash")}
	}

	rec := &Record{Iterations: crypto.Iterations, Version: VersionLegacy}
	var err error
	if rec.Salt, err = base64.StdEncoding.DecodeString(saltStr); err != nil {
		return nil, &errortypes.FormatError{Err: fmt.Errorf("master key record: decode salt: %w", err)}
	}
	if rec.Hash, err = base64.StdEncoding.DecodeString(hashStr); err != nil {
		return nil, &errortypes.FormatError{Err: fmt.Errorf("master key record: decode hash: %w", err)}
	}
	if len(rec.Hash) != crypto.KeySize {
		return nil, &errortypes.FormatError{Err: fmt.Errorf("master key record: hash is %d bytes, want %d", len(rec.Hash), crypto.KeySize)}
	}

	if v, ok := get(fieldIterations); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, &errortypes.FormatError{Err: fmt.Errorf("master key record: bad iterations %q", v)}
		}
		rec.Iterations = n
	}
	if v, ok := get(fieldVersion); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || (n != VersionLegacy && n != VersionSeparated) {
			return nil, &errortypes.FormatError{Err: fmt.Errorf("master key record: unsupported version %q", v)}
		}
		rec.Version = n
	}
	return rec, nil
}
