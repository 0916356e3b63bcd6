package sshkeys

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/gluk-w/ttyvault/internal/database"
	"github.com/gluk-w/ttyvault/internal/errortypes"
	"github.com/gluk-w/ttyvault/internal/logging"
	"github.com/gluk-w/ttyvault/internal/secrets"
	"github.com/gluk-w/ttyvault/internal/sshterminal"
	"github.com/gluk-w/ttyvault/internal/vault"
)

// Store registers private keys in the database and optionally keeps a
// private copy of each key file under Dir.
type Store struct {
	db  *database.Store
	dir string
	log zerolog.Logger
}

// NewStore creates a key store copying files into dir.
func NewStore(db *database.Store, dir string, log zerolog.Logger) *Store {
	return &Store{db: db, dir: dir, log: logging.Component(log, "sshkeys")}
}

// AddOptions describe a key being registered.
type AddOptions struct {
	Name       string
	SourcePath string
	Passphrase string
	// Copy stores a private copy under the key directory.
	Copy bool
}

// Add registers a key. The passphrase, if any, is encrypted with key.
func (s *Store) Add(opts AddOptions, key *vault.Key) (*database.SSHKey, error) {
	if _, err := os.Stat(opts.SourcePath); err != nil {
		return nil, &errortypes.ResourceError{Err: fmt.Errorf("key file %s: %w", opts.SourcePath, err)}
	}
	fp, err := FileFingerprint(opts.SourcePath, opts.Passphrase)
	if err != nil {
		return nil, err
	}

	rec := &database.SSHKey{
		Name:        opts.Name,
		SourcePath:  opts.SourcePath,
		Fingerprint: fp,
	}
	if opts.Passphrase != "" {
		rec.EncryptedPassphrase, err = secrets.Store(opts.Passphrase, key)
		if err != nil {
			return nil, fmt.Errorf("encrypt passphrase for key %q: %w", opts.Name, err)
		}
	}
	if err := s.db.CreateSSHKey(rec); err != nil {
		return nil, err
	}

	if opts.Copy {
		if _, err := s.CopyToUserDir(rec); err != nil {
			if derr := s.db.DeleteSSHKey(rec.ID); derr != nil {
				s.log.Warn().Err(derr).Str("key", logging.Sanitize(rec.Name)).Msg("remove key record after failed copy")
			}
			return nil, err
		}
	}
	s.log.Info().Str("key", logging.Sanitize(rec.Name)).Str("fingerprint", fp).Msg("key registered")
	return rec, nil
}

// CopyToUserDir copies the key file, and its .pub sibling when present, to
// <dir>/<id>_<filename> and records the copy.
func (s *Store) CopyToUserDir(k *database.SSHKey) (string, error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return "", &errortypes.ResourceError{Err: fmt.Errorf("create key dir: %w", err)}
	}
	base := filepath.Base(k.SourcePath)
	target := filepath.Join(s.dir, strconv.FormatUint(uint64(k.ID), 10)+"_"+base)

	if err := copyFile(k.SourcePath, target, 0o600); err != nil {
		os.Remove(target)
		return "", &errortypes.ResourceError{Err: fmt.Errorf("copy key %q: %w", k.Name, err)}
	}
	if _, err := os.Stat(k.SourcePath + ".pub"); err == nil {
		if err := copyFile(k.SourcePath+".pub", target+".pub", 0o644); err != nil {
			os.Remove(target)
			os.Remove(target + ".pub")
			return "", &errortypes.ResourceError{Err: fmt.Errorf("copy public key %q: %w", k.Name, err)}
		}
	}

	k.CopiedToUserDir = true
	k.UserDirPath = target
	if err := s.db.SaveSSHKey(k); err != nil {
		k.CopiedToUserDir, k.UserDirPath = false, ""
		os.Remove(target)
		os.Remove(target + ".pub")
		return "", fmt.Errorf("save key %q: %w", k.Name, err)
	}
	s.log.Info().Str("key", logging.Sanitize(k.Name)).Str("path", target).Msg("copied key to user directory")
	return target, nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// EffectivePath is the private copy when one exists, else the source.
func EffectivePath(k *database.SSHKey) string {
	if k.CopiedToUserDir && k.UserDirPath != "" {
		return k.UserDirPath
	}
	return k.SourcePath
}

// Passphrase decrypts the stored passphrase. ok is false when none is set.
func Passphrase(k *database.SSHKey, key *vault.Key) (string, bool, error) {
	pp, ok, err := secrets.Retrieve(k.EncryptedPassphrase, key)
	if err != nil {
		return "", false, fmt.Errorf("passphrase for key %q: %w", k.Name, err)
	}
	return pp, ok, nil
}

// Remove deletes a key record by name along with its private copy.
func (s *Store) Remove(name string) error {
	k, err := s.db.GetSSHKeyByName(name)
	if err != nil {
		return err
	}
	if err := s.db.DeleteSSHKey(k.ID); err != nil {
		return err
	}
	if k.CopiedToUserDir && k.UserDirPath != "" {
		for _, p := range []string{k.UserDirPath, k.UserDirPath + ".pub"} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.log.Warn().Err(err).Str("path", p).Msg("remove key copy")
			}
		}
	}
	s.log.Info().Str("key", logging.Sanitize(name)).Msg("key removed")
	return nil
}

// Resolver returns a sshterminal.KeyResolver decrypting passphrases with
// key.
func (s *Store) Resolver(key *vault.Key) sshterminal.KeyResolver {
	return &resolver{db: s.db, key: key}
}

type resolver struct {
	db  *database.Store
	key *vault.Key
}

func (r *resolver) ResolveKey(id uint) (sshterminal.KeyMaterial, bool, error) {
	k, err := r.db.GetSSHKey(id)
	if errors.Is(err, database.ErrNotFound) {
		return sshterminal.KeyMaterial{}, false, nil
	}
	if err != nil {
		return sshterminal.KeyMaterial{}, false, err
	}
	pp, _, err := Passphrase(k, r.key)
	if err != nil {
		return sshterminal.KeyMaterial{}, false, err
	}
	return sshterminal.KeyMaterial{Path: EffectivePath(k), Passphrase: pp}, true, nil
}
