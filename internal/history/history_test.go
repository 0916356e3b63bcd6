package history

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gluk-w/ttyvault/internal/database"
	"github.com/gluk-w/ttyvault/internal/errortypes"
	"github.com/gluk-w/ttyvault/internal/sshterminal"
	"github.com/gluk-w/ttyvault/internal/vault"
)

type fixture struct {
	store *database.Store
	vault *vault.Manager
	conn  *database.Connection
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := database.Open(filepath.Join(dir, "history.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	m := vault.NewManager(vault.NewFileRecordStore(filepath.Join(dir, "master.key")), zerolog.Nop())
	if err := m.Setup([]byte("correct horse")); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	conn := &database.Connection{Name: "web", Host: "web.internal", Username: "deploy"}
	if err := store.CreateConnection(conn); err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return &fixture{store: store, vault: m, conn: conn}
}

func (f *fixture) key(t *testing.T) *vault.Key {
	t.Helper()
	k, err := f.vault.Key()
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	return k
}

func (f *fixture) session(text string) *sshterminal.Session {
	s := sshterminal.NewSession("sess-1", sshterminal.FromRecord(f.conn), sshterminal.PasswordAuth{}, sshterminal.Options{Log: zerolog.Nop()})
	if text != "" {
		s.RestoreHistory(text)
	}
	return s
}

func TestSaveAndRestore(t *testing.T) {
	f := newFixture(t)
	key := f.key(t)

	if err := Save(f.store, f.session("$ uptime\n up 3 days\n"), key, 0); err != nil {
		t.Fatalf("Save: %v", err)
	}

	h, err := f.store.LatestHistory(f.conn.ID)
	if err != nil {
		t.Fatalf("LatestHistory: %v", err)
	}
	if h.Sealed == "" || h.Sealed == "$ uptime\n up 3 days\n" {
		t.Fatalf("history stored unsealed: %q", h.Sealed)
	}
	if h.SessionID != "sess-1" {
		t.Errorf("SessionID = %q", h.SessionID)
	}

	fresh := f.session("")
	if err := Restore(f.store, fresh, key); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := fresh.State().Text; got != "$ uptime\n up 3 days\n" {
		t.Errorf("restored text = %q", got)
	}
}

func TestSaveSkipsEmptyBuffer(t *testing.T) {
	f := newFixture(t)
	if err := Save(f.store, f.session(""), f.key(t), 0); err != nil {
		t.Fatalf("Save: %v", err)
	}
	text, err := Latest(f.store, f.conn.ID, f.key(t))
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if text != "" {
		t.Errorf("Latest = %q, want empty", text)
	}
}

func TestSavePrunes(t *testing.T) {
	f := newFixture(t)
	key := f.key(t)
	for _, text := range []string{"one", "two", "three"} {
		if err := Save(f.store, f.session(text), key, 2); err != nil {
			t.Fatalf("Save %s: %v", text, err)
		}
	}
	rows, err := f.store.ListHistory()
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	text, _ := Latest(f.store, f.conn.ID, key)
	if text != "three" {
		t.Errorf("Latest = %q, want three", text)
	}
}

func TestLockedVault(t *testing.T) {
	f := newFixture(t)
	err := Save(f.store, f.session("data"), nil, 0)
	if !errortypes.IsPrecondition(err) {
		t.Errorf("Save with nil key: err = %v, want precondition", err)
	}

	unbound := vault.NewKey([]byte("pw"))
	err = Save(f.store, f.session("data"), unbound, 0)
	if !errortypes.IsPrecondition(err) {
		t.Errorf("Save with unbound key: err = %v, want precondition", err)
	}
}

func TestResealAfterPasswordChange(t *testing.T) {
	f := newFixture(t)
	if err := Save(f.store, f.session("before change"), f.key(t), 0); err != nil {
		t.Fatalf("Save: %v", err)
	}

	previous, err := f.vault.ChangePassword([]byte("correct horse"), []byte("battery staple"))
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	defer previous.Wipe()
	current := f.key(t)

	if _, err := Latest(f.store, f.conn.ID, current); !errortypes.IsIntegrity(err) {
		t.Fatalf("Latest under new key before reseal: err = %v, want integrity", err)
	}

	resealed, skipped, err := Reseal(f.store, previous, current)
	if err != nil {
		t.Fatalf("Reseal: %v", err)
	}
	if resealed != 1 || skipped != 0 {
		t.Errorf("resealed = %d, skipped = %d", resealed, skipped)
	}

	text, err := Latest(f.store, f.conn.ID, current)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if text != "before change" {
		t.Errorf("Latest = %q", text)
	}
}
