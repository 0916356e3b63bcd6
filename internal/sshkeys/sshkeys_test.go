package sshkeys

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/ttyvault/internal/database"
	"github.com/gluk-w/ttyvault/internal/errortypes"
	"github.com/gluk-w/ttyvault/internal/vault"
)

func openTestStore(t *testing.T) *database.Store {
	t.Helper()
	s, err := database.Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeKeyPair(t *testing.T, passphrase string) (path string, pub []byte) {
	t.Helper()
	pub, priv, err := GenerateKeyPair("test@example", passphrase)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	path = filepath.Join(t.TempDir(), "id_ed25519")
	if err := SaveKeyPair(path, priv, pub); err != nil {
		t.Fatalf("SaveKeyPair: %v", err)
	}
	return path, pub
}

func TestGenerateKeyPairParses(t *testing.T) {
	pub, priv, err := GenerateKeyPair("", "")
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	signer, err := ssh.ParsePrivateKey(priv)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	want, err := PublicKeyFingerprint(pub)
	if err != nil {
		t.Fatalf("PublicKeyFingerprint: %v", err)
	}
	if got := ssh.FingerprintSHA256(signer.PublicKey()); got != want {
		t.Errorf("fingerprint = %s, want %s", got, want)
	}
}

func TestFileFingerprint(t *testing.T) {
	path, pub := writeKeyPair(t, "s3cret")
	want, _ := PublicKeyFingerprint(pub)

	got, err := FileFingerprint(path, "")
	if err != nil || got != want {
		t.Fatalf("from .pub: %q, %v", got, err)
	}

	if err := os.Remove(path + ".pub"); err != nil {
		t.Fatal(err)
	}
	got, err = FileFingerprint(path, "s3cret")
	if err != nil || got != want {
		t.Fatalf("from private key: %q, %v", got, err)
	}

	if _, err := FileFingerprint(filepath.Join(t.TempDir(), "missing"), ""); !errortypes.IsResource(err) {
		t.Errorf("missing file: %v", err)
	}
	if _, err := PublicKeyFingerprint(nil); !errortypes.IsFormat(err) {
		t.Errorf("empty public key: %v", err)
	}
}

func TestStoreAddCopyResolveRemove(t *testing.T) {
	db := openTestStore(t)
	keysDir := filepath.Join(t.TempDir(), "keys")
	store := NewStore(db, keysDir, zerolog.Nop())
	key := vault.NewKey([]byte("master"))

	path, pub := writeKeyPair(t, "pp")
	rec, err := store.Add(AddOptions{Name: "deploy", SourcePath: path, Passphrase: "pp", Copy: true}, key)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	want, _ := PublicKeyFingerprint(pub)
	if rec.Fingerprint != want {
		t.Errorf("Fingerprint = %s, want %s", rec.Fingerprint, want)
	}
	if rec.EncryptedPassphrase == "" || rec.EncryptedPassphrase == "pp" {
		t.Errorf("passphrase not encrypted: %q", rec.EncryptedPassphrase)
	}

	wantCopy := filepath.Join(keysDir, "1_id_ed25519")
	if rec.UserDirPath != wantCopy || !rec.CopiedToUserDir {
		t.Errorf("copy = %q (%v)", rec.UserDirPath, rec.CopiedToUserDir)
	}
	info, err := os.Stat(wantCopy)
	if err != nil {
		t.Fatalf("stat copy: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("copy mode = %v", info.Mode().Perm())
	}
	if _, err := os.Stat(wantCopy + ".pub"); err != nil {
		t.Errorf("public key not copied: %v", err)
	}

	km, ok, err := store.Resolver(key).ResolveKey(rec.ID)
	if err != nil || !ok {
		t.Fatalf("ResolveKey: %v, %v", ok, err)
	}
	if km.Path != wantCopy || km.Passphrase != "pp" {
		t.Errorf("resolved = %+v", km)
	}
	if _, ok, err := store.Resolver(key).ResolveKey(99); ok || err != nil {
		t.Errorf("unknown key: ok=%v err=%v", ok, err)
	}

	other := vault.NewKey([]byte("other"))
	if _, _, err := store.Resolver(other).ResolveKey(rec.ID); !errortypes.IsIntegrity(err) {
		t.Errorf("wrong vault key: %v", err)
	}

	if err := store.Remove("deploy"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(wantCopy); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("copy still present: %v", err)
	}
	if _, err := db.GetSSHKeyByName("deploy"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("record still present: %v", err)
	}
}

func TestStoreAddWithoutCopy(t *testing.T) {
	store := NewStore(openTestStore(t), t.TempDir(), zerolog.Nop())
	path, _ := writeKeyPair(t, "")
	rec, err := store.Add(AddOptions{Name: "plain", SourcePath: path}, vault.NewKey([]byte("m")))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if EffectivePath(rec) != path {
		t.Errorf("EffectivePath = %q", EffectivePath(rec))
	}
	if _, ok, err := Passphrase(rec, vault.NewKey([]byte("m"))); ok || err != nil {
		t.Errorf("Passphrase: ok=%v err=%v", ok, err)
	}
}

func TestStoreAddMissingFile(t *testing.T) {
	store := NewStore(openTestStore(t), t.TempDir(), zerolog.Nop())
	_, err := store.Add(AddOptions{Name: "gone", SourcePath: filepath.Join(t.TempDir(), "nope")}, vault.NewKey([]byte("m")))
	if !errortypes.IsResource(err) {
		t.Fatalf("err = %v, want resource error", err)
	}
}

func TestStoreAddFailedCopyLeavesNoRecord(t *testing.T) {
	db := openTestStore(t)
	// The key directory's parent is a regular file, so MkdirAll fails.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	store := NewStore(db, filepath.Join(blocker, "keys"), zerolog.Nop())
	path, _ := writeKeyPair(t, "")

	rec, err := store.Add(AddOptions{Name: "copied", SourcePath: path, Copy: true}, vault.NewKey([]byte("m")))
	if !errortypes.IsResource(err) {
		t.Fatalf("err = %v, want resource error", err)
	}
	if rec != nil {
		t.Errorf("Add returned a record on failure: %+v", rec)
	}
	if _, err := db.GetSSHKeyByName("copied"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("record kept after failed copy: %v", err)
	}
	if _, err := store.Add(AddOptions{Name: "copied", SourcePath: path}, vault.NewKey([]byte("m"))); err != nil {
		t.Errorf("re-adding under the same name: %v", err)
	}
}

type fakeFingerprints struct {
	calls int
	saved string
}

func (f *fakeFingerprints) SetHostKeyFingerprint(id uint, fp string) error {
	f.calls++
	f.saved = fp
	return nil
}

func hostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := GenerateKeyPair("", "")
	if err != nil {
		t.Fatal(err)
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestHostKeyCallbackTrustOnFirstUse(t *testing.T) {
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 22}
	first, second := hostKey(t), hostKey(t)
	store := &fakeFingerprints{}

	cb := HostKeyCallback(store, 1, "", true, zerolog.Nop())
	if err := cb("web:22", addr, first); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if store.calls != 1 || store.saved != ssh.FingerprintSHA256(first) {
		t.Errorf("pinned %q after %d calls", store.saved, store.calls)
	}
	if err := cb("web:22", addr, first); err != nil {
		t.Errorf("same key: %v", err)
	}

	err := cb("web:22", addr, second)
	if !errortypes.IsAuthentication(err) {
		t.Fatalf("changed key in strict mode: %v", err)
	}
	var mismatch *FingerprintMismatchError
	if !errors.As(err, &mismatch) || mismatch.Actual != ssh.FingerprintSHA256(second) {
		t.Errorf("mismatch error = %v", err)
	}

	lenient := HostKeyCallback(store, 1, ssh.FingerprintSHA256(first), false, zerolog.Nop())
	if err := lenient("web:22", addr, second); err != nil {
		t.Errorf("changed key in lenient mode: %v", err)
	}
	if store.calls != 1 {
		t.Errorf("pinned fingerprint rewritten (%d calls)", store.calls)
	}
}
