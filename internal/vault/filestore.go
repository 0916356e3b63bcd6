package vault

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/magiconair/properties"

	"github.com/gluk-w/ttyvault/internal/errortypes"
)

// FileRecordStore keeps the master key record in a properties file
// (key=value lines, '#' comments, backslash escapes), the same layout the
// desktop client writes, so an existing master.key can be reused.
type FileRecordStore struct {
	Path string
	now  func() time.Time
}

func NewFileRecordStore(path string) *FileRecordStore {
	return &FileRecordStore{Path: path, now: time.Now}
}

func (s *FileRecordStore) Exists() (bool, error) {
	_, err := os.Stat(s.Path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", s.Path, err)
}

func (s *FileRecordStore) Load() (*Record, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoRecord
		}
		return nil, fmt.Errorf("read master key record: %w", err)
	}
	loader := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	props, err := loader.LoadBytes(data)
	if err != nil {
		return nil, &errortypes.FormatError{Err: fmt.Errorf("master key record: %w", err)}
	}
	return recordFromFields(props.Get)
}

// Save writes the record atomically with owner-only permissions.
func (s *FileRecordStore) Save(rec *Record) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("#ttyvault master key record\n")
	fmt.Fprintf(&buf, "#%s\n", s.now().Format(time.UnixDate))
	fields := rec.fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	props := properties.NewProperties()
	props.DisableExpansion = true
	for _, k := range keys {
		if _, _, err := props.Set(k, fields[k]); err != nil {
			return fmt.Errorf("encode master key record: %w", err)
		}
	}
	if _, err := props.Write(&buf, properties.UTF8); err != nil {
		return fmt.Errorf("encode master key record: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".master.key-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp record: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("replace master key record: %w", err)
	}
	return nil
}
