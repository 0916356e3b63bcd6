package vault

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gluk-w/ttyvault/internal/crypto"
	"github.com/gluk-w/ttyvault/internal/database"
	"github.com/gluk-w/ttyvault/internal/errortypes"
	"github.com/rs/zerolog"
)

func sampleRecord() *Record {
	return &Record{
		Salt:       bytes.Repeat([]byte{0xAB}, crypto.SaltSize),
		Hash:       bytes.Repeat([]byte{0xCD}, crypto.KeySize),
		Iterations: crypto.Iterations,
		Version:    VersionSeparated,
	}
}

func TestFileRecordStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "master.key")
	s := NewFileRecordStore(path)

	if ok, err := s.Exists(); ok || err != nil {
		t.Fatalf("Exists on missing file = %v, %v", ok, err)
	}
	if _, err := s.Load(); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("Load missing: want ErrNoRecord, got %v", err)
	}

	want := sampleRecord()
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	data, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(data), "#ttyvault master key record\n") {
		t.Errorf("missing header comment in %s", data)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(got.Salt, want.Salt) || !bytes.Equal(got.Hash, want.Hash) {
		t.Error("record bytes changed in round trip")
	}
	if got.Iterations != want.Iterations || got.Version != want.Version {
		t.Errorf("got iterations=%d version=%d", got.Iterations, got.Version)
	}
}

func TestFileRecordStoreReadsLegacyProperties(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	salt := bytes.Repeat([]byte{1}, 32)
	hash := bytes.Repeat([]byte{2}, 32)
	rec := &Record{Salt: salt, Hash: hash}
	fields := rec.fields()
	legacy := "#Master Password Hash\n#Mon Jan 01 00:00:00 CET 2024\n" +
		"hash=" + strings.ReplaceAll(fields[fieldHash], "=", `\=`) + "\n" +
		"salt=" + strings.ReplaceAll(fields[fieldSalt], "=", `\=`) + "\n"
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := NewFileRecordStore(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Version != VersionLegacy {
		t.Errorf("version = %d, want legacy", got.Version)
	}
	if got.Iterations != crypto.Iterations {
		t.Errorf("iterations = %d", got.Iterations)
	}
	if !bytes.Equal(got.Salt, salt) || !bytes.Equal(got.Hash, hash) {
		t.Error("legacy record decoded incorrectly")
	}
}

func TestFileRecordStoreMalformed(t *testing.T) {
	cases := map[string]string{
		"missing hash": "salt=AAAA\n",
		"bad base64":   "salt=!!!\nhash=AAAA\n",
		"short hash":   "salt=AAAA\nhash=AAAA\n",
		"bad version":  "salt=AAAA\nhash=" + strings.Repeat("A", 43) + "\\=\nversion=9\n",
		"continuation": "salt=AAAA\\\n",
		"bad unicode":  "salt=\\uZZZZ\nhash=AAAA\n",
	}
	for name, body := range cases {
		path := filepath.Join(t.TempDir(), "master.key")
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := NewFileRecordStore(path).Load(); !errortypes.IsFormat(err) {
			t.Errorf("%s: want FormatError, got %v", name, err)
		}
	}
}

func TestFileRecordStoreReadsContinuationsAndUnicode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	want := sampleRecord()
	fields := want.fields()
	salt := fields[fieldSalt]
	hash := fields[fieldHash]
	// Split the salt across a continuation line and spell the hash's first
	// character as a \u escape.
	body := "! written by hand\n" +
		"salt : " + salt[:10] + "\\\n    " + salt[10:] + "\n" +
		fmt.Sprintf("hash=\\u%04X", hash[0]) + hash[1:] + "\n" +
		"iterations " + fields[fieldIterations] + "\n" +
		"version=" + fields[fieldVersion] + "\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := NewFileRecordStore(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(got.Salt, want.Salt) || !bytes.Equal(got.Hash, want.Hash) {
		t.Error("record decoded incorrectly")
	}
	if got.Version != want.Version || got.Iterations != want.Iterations {
		t.Errorf("got iterations=%d version=%d", got.Iterations, got.Version)
	}
}

func TestDBRecordStoreRoundTrip(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "t.db"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := NewDBRecordStore(db)

	if ok, err := s.Exists(); ok || err != nil {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	if _, err := s.Load(); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("want ErrNoRecord, got %v", err)
	}
	want := sampleRecord()
	if err := s.Save(want); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Salt, want.Salt) || !bytes.Equal(got.Hash, want.Hash) || got.Version != want.Version {
		t.Errorf("got %+v", got)
	}
}

func TestManagerWithFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	m := NewManager(NewFileRecordStore(path), zerolog.Nop())
	if err := m.Setup([]byte("file-backed")); err != nil {
		t.Fatal(err)
	}

	// A second manager over the same file sees the persisted record.
	m2 := NewManager(NewFileRecordStore(path), zerolog.Nop())
	mustState(t, m2, StateLocked)
	ok, err := m2.Verify([]byte("file-backed"))
	if err != nil || !ok {
		t.Fatalf("Verify = %v, %v", ok, err)
	}
}
