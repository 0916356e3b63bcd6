package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/gluk-w/ttyvault/internal/config"
	"github.com/gluk-w/ttyvault/internal/credentials"
	"github.com/gluk-w/ttyvault/internal/database"
	"github.com/gluk-w/ttyvault/internal/errortypes"
	"github.com/gluk-w/ttyvault/internal/history"
	"github.com/gluk-w/ttyvault/internal/logging"
	"github.com/gluk-w/ttyvault/internal/secrets"
	"github.com/gluk-w/ttyvault/internal/sshaudit"
	"github.com/gluk-w/ttyvault/internal/sshkeys"
	"github.com/gluk-w/ttyvault/internal/sshterminal"
	"github.com/gluk-w/ttyvault/internal/sshtunnel"
	"github.com/gluk-w/ttyvault/internal/vault"
)

// app holds everything a command needs. It is built once per invocation.
type app struct {
	settings *config.Settings
	log      zerolog.Logger
	closers  []io.Closer

	store    *database.Store
	vault    *vault.Manager
	audit    *sshaudit.Auditor
	keys     *sshkeys.Store
	creds    *credentials.Manager
	tunnels  *sshtunnel.Manager
	registry *sshterminal.Registry
}

func newApp(settings *config.Settings, log zerolog.Logger) (*app, error) {
	store, err := database.Open(settings.DatabasePath, log)
	if err != nil {
		return nil, err
	}
	a := &app{settings: settings, log: log, store: store}
	a.closers = append(a.closers, store)

	var records vault.RecordStore
	switch settings.MasterKeyStore {
	case "database":
		records = vault.NewDBRecordStore(store)
	default:
		records = vault.NewFileRecordStore(settings.MasterKeyPath)
	}

	a.audit = sshaudit.NewAuditor(store.DB(), settings.AuditRetentionDays, log)
	a.vault = vault.NewManager(records, log, vault.WithAuditor(a.audit))
	a.keys = sshkeys.NewStore(store, settings.KeysDir, log)
	a.creds = credentials.NewManager(store, log)
	a.tunnels = sshtunnel.NewManager(log)

	a.registry = sshterminal.NewRegistry(sshterminal.Options{
		Term:            settings.TermType,
		Timeout:         settings.ConnectTimeout,
		OutputQueueSize: settings.OutputQueueSize,
		ScrollbackBytes: settings.ScrollbackBytes,
		Record:          settings.RecordSessions,
		Transport:       &pinnedTransport{store: store, strict: settings.StrictHostKeys, log: log},
		Log:             log,
	})
	a.registry.AddListener(a.audit)
	a.registry.AddListener(a.tunnels)
	return a, nil
}

// Close disconnects every session, locks the vault and releases the
// database.
func (a *app) Close() error {
	a.registry.CloseAll()
	a.tunnels.CloseAll()
	a.vault.Clear()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

// unlock verifies the master password and returns the vault key.
func (a *app) unlock(p *prompter) (*vault.Key, error) {
	state, err := a.vault.State()
	if err != nil {
		return nil, err
	}
	switch state {
	case vault.StateUnlocked:
		return a.vault.Key()
	case vault.StateUnconfigured:
		return nil, &errortypes.PreconditionError{Err: fmt.Errorf("no master password set; run 'ttyvault init' first")}
	}

	pw, err := p.password("Master password: ")
	if err != nil {
		return nil, err
	}
	defer zero(pw)
	ok, err := a.vault.Verify(pw)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &errortypes.AuthenticationError{Err: fmt.Errorf("wrong master password")}
	}
	return a.vault.Key()
}

// rekeyResult summarizes a master password change.
type rekeyResult struct {
	Secrets        int
	History        int
	HistorySkipped int
}

// changeMasterPassword installs newPassword and re-encrypts every stored
// secret and history snapshot. Secrets that fail to re-encrypt keep their
// old blob and are reported in the returned error.
func (a *app) changeMasterPassword(ctx context.Context, oldPassword, newPassword []byte) (rekeyResult, error) {
	var res rekeyResult
	previous, err := a.vault.ChangePassword(oldPassword, newPassword)
	if err != nil {
		return res, err
	}
	defer previous.Wipe()

	current, err := a.vault.Key()
	if err != nil {
		return res, err
	}

	refs, err := a.store.ListSecrets()
	if err != nil {
		return res, err
	}
	items := make([]secrets.Item, len(refs))
	byLabel := make(map[string]database.SecretRef, len(refs))
	for i, ref := range refs {
		items[i] = secrets.Item{Label: ref.Label, Blob: ref.Blob}
		byLabel[ref.Label] = ref
	}
	res.Secrets, err = secrets.Rekey(ctx, items, previous, current, func(it secrets.Item, blob string) error {
		return a.store.UpdateSecret(byLabel[it.Label], blob)
	})

	var herr error
	res.History, res.HistorySkipped, herr = history.Reseal(a.store, previous, current)
	if herr != nil {
		err = errors.Join(err, fmt.Errorf("reseal history: %w", herr))
	}
	if res.HistorySkipped > 0 {
		a.log.Warn().Int("skipped", res.HistorySkipped).Msg("history snapshots could not be resealed")
	}

	a.audit.Log(sshaudit.Entry{
		EventType: sshaudit.EventSecretsReEncrypt,
		Details:   fmt.Sprintf("secrets=%d history=%d", res.Secrets, res.History),
	})
	return res, err
}

// pinnedTransport dials through SSHTransport with a host key callback that
// pins the fingerprint stored on the connection record.
type pinnedTransport struct {
	store  *database.Store
	strict bool
	log    zerolog.Logger
}

func (t *pinnedTransport) Open(ctx context.Context, conn sshterminal.Connection, auth sshterminal.AuthMethod, pty sshterminal.PTY) (sshterminal.Channel, error) {
	var pinned string
	if conn.ID != 0 {
		rec, err := t.store.GetConnectionByID(conn.ID)
		if err != nil {
			return nil, err
		}
		pinned = rec.HostKeyFingerprint
	}
	inner := &sshterminal.SSHTransport{
		HostKeyCallback: sshkeys.HostKeyCallback(t.store, conn.ID, pinned, t.strict, t.log),
		Log:             logging.Component(t.log, "transport"),
	}
	return inner.Open(ctx, conn, auth, pty)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// sessionAuth decrypts the secrets for rec and resolves its auth method.
// A connection without its own password borrows the linked credential's.
// ask is called when password auth still has no password; it may be nil.
func (a *app) sessionAuth(rec *database.Connection, key *vault.Key, ask func(label string) ([]byte, error)) (sshterminal.Connection, sshterminal.AuthMethod, error) {
	conn := sshterminal.FromRecord(rec)

	var secret sshterminal.Secret
	pw, _, err := secrets.Retrieve(rec.EncryptedPassword, key)
	if err != nil {
		return conn, nil, fmt.Errorf("password for %q: %w", rec.Name, err)
	}
	secret.Password = pw
	if secret.Password == "" && rec.CredentialID != nil {
		cred, err := a.creds.Get(*rec.CredentialID)
		if err != nil {
			return conn, nil, err
		}
		if secret.Password, err = a.creds.Password(cred, key); err != nil {
			return conn, nil, err
		}
		if conn.Username == "" {
			conn.Username = cred.Username
		}
	}
	if secret.Passphrase, _, err = secrets.Retrieve(rec.EncryptedPassphrase, key); err != nil {
		return conn, nil, fmt.Errorf("passphrase for %q: %w", rec.Name, err)
	}

	if secret.Password == "" && ask != nil && conn.Method != database.AuthPublicKey {
		b, err := ask(fmt.Sprintf("Password for %s@%s: ", conn.Username, conn.Host))
		if err != nil {
			return conn, nil, err
		}
		secret.Password = string(b)
		zero(b)
	}

	auth, err := sshterminal.ResolveAuth(conn, secret, a.keys.Resolver(key))
	if err != nil {
		return conn, nil, err
	}
	return conn, auth, nil
}
