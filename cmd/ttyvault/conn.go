package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gluk-w/ttyvault/internal/database"
	"github.com/gluk-w/ttyvault/internal/errortypes"
	"github.com/gluk-w/ttyvault/internal/secrets"
	"github.com/gluk-w/ttyvault/internal/sshtunnel"
)

func connCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conn",
		Aliases: []string{"connection"},
		Short:   "Manage saved connections",
	}
	cmd.AddCommand(connAddCmd(env), connListCmd(env), connRemoveCmd(env), tunnelCmd(env))
	return cmd
}

type connFlags struct {
	host, user, auth, group string
	port                    int
	askPassword             bool
	keyName, keyPath        string
	askPassphrase           bool
	credential              string
	cols, rows              int
	timeoutSeconds, retries int
}

func connAddCmd(env *environment) *cobra.Command {
	var f connFlags
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Save a new connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := env.buildConnection(args[0], f)
			if err != nil {
				return err
			}
			if err := env.app.store.CreateConnection(c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved connection %q (%s@%s:%d).\n", c.Name, c.Username, c.Host, c.Port)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.host, "host", "", "Remote host name or address")
	fl.IntVar(&f.port, "port", 22, "SSH port")
	fl.StringVarP(&f.user, "user", "u", "", "Remote user name")
	fl.StringVar(&f.auth, "auth", database.AuthPassword, "Auth method: password, keyboard-interactive or publickey")
	fl.BoolVar(&f.askPassword, "ask-password", false, "Prompt for a password and store it encrypted")
	fl.StringVar(&f.keyName, "key", "", "Name of a managed SSH key")
	fl.StringVar(&f.keyPath, "key-path", "", "Path to a private key file")
	fl.BoolVar(&f.askPassphrase, "ask-passphrase", false, "Prompt for the key passphrase and store it encrypted")
	fl.StringVar(&f.credential, "credential", "", "Name of a stored credential to log in with")
	fl.StringVar(&f.group, "group", "", "Group shown in listings")
	fl.IntVar(&f.cols, "cols", 0, "Terminal columns (default from settings)")
	fl.IntVar(&f.rows, "rows", 0, "Terminal rows (default from settings)")
	fl.IntVar(&f.timeoutSeconds, "timeout", 0, "Connect timeout in seconds (default from settings)")
	fl.IntVar(&f.retries, "retries", 4, "Connect attempts for network failures")
	cmd.MarkFlagRequired("host")
	return cmd
}

// buildConnection validates flags and encrypts any prompted secrets.
func (e *environment) buildConnection(name string, f connFlags) (*database.Connection, error) {
	a := e.app
	switch f.auth {
	case database.AuthPassword, database.AuthKeyboardInteractive, database.AuthPublicKey:
	default:
		return nil, &errortypes.FormatError{Err: fmt.Errorf("unknown auth method %q", f.auth)}
	}
	if f.port <= 0 || f.port > 65535 {
		return nil, &errortypes.FormatError{Err: fmt.Errorf("invalid port %d", f.port)}
	}

	c := &database.Connection{
		Name:           name,
		Host:           f.host,
		Port:           f.port,
		Username:       f.user,
		AuthMethod:     f.auth,
		PrivateKeyPath: f.keyPath,
		GroupName:      f.group,
		TermCols:       orDefault(f.cols, e.settings.TermCols),
		TermRows:       orDefault(f.rows, e.settings.TermRows),
		RetryCount:     f.retries,
	}
	c.ConnectTimeoutSeconds = f.timeoutSeconds
	if c.ConnectTimeoutSeconds <= 0 {
		c.ConnectTimeoutSeconds = int(e.settings.ConnectTimeout.Seconds())
	}

	if f.keyName != "" {
		k, err := a.store.GetSSHKeyByName(f.keyName)
		if err != nil {
			return nil, err
		}
		c.SSHKeyID = &k.ID
	}
	if f.credential != "" {
		cred, err := e.findCredential(f.credential)
		if err != nil {
			return nil, err
		}
		c.CredentialID = &cred.ID
		if c.Username == "" {
			c.Username = cred.Username
		}
	}
	if c.AuthMethod == database.AuthPublicKey && c.SSHKeyID == nil && c.PrivateKeyPath == "" {
		return nil, &errortypes.FormatError{Err: fmt.Errorf("publickey auth needs --key or --key-path")}
	}

	if f.askPassword || f.askPassphrase {
		key, err := a.unlock(e.prompt)
		if err != nil {
			return nil, err
		}
		if f.askPassword {
			pw, err := e.prompt.password("Password for " + c.Username + "@" + c.Host + ": ")
			if err != nil {
				return nil, err
			}
			c.EncryptedPassword, err = secrets.Store(string(pw), key)
			zero(pw)
			if err != nil {
				return nil, err
			}
		}
		if f.askPassphrase {
			pp, err := e.prompt.password("Key passphrase: ")
			if err != nil {
				return nil, err
			}
			c.EncryptedPassphrase, err = secrets.Store(string(pp), key)
			zero(pp)
			if err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

func (e *environment) findCredential(name string) (*database.StoredCredential, error) {
	creds, err := e.app.creds.List()
	if err != nil {
		return nil, err
	}
	for i := range creds {
		if creds[i].Name == name {
			return &creds[i], nil
		}
	}
	return nil, fmt.Errorf("credential %q: %w", name, database.ErrNotFound)
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func connListCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List saved connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			conns, err := env.app.store.ListConnections()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tGROUP\tTARGET\tAUTH\tSECRET\tTUNNELS")
			for _, c := range conns {
				secret := "-"
				switch {
				case c.EncryptedPassword != "":
					secret = "password"
				case c.CredentialID != nil:
					secret = "credential"
				case c.SSHKeyID != nil:
					secret = "managed key"
				case c.PrivateKeyPath != "":
					secret = "key file"
				}
				fmt.Fprintf(w, "%s\t%s\t%s@%s:%d\t%s\t%s\t%d\n",
					c.Name, dash(c.GroupName), c.Username, c.Host, c.Port, c.AuthMethod, secret, len(c.Tunnels))
			}
			return w.Flush()
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func connRemoveCmd(env *environment) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:     "rm NAME",
		Aliases: []string{"remove"},
		Short:   "Delete a saved connection with its tunnels and history",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				ok, err := env.confirm(fmt.Sprintf("Delete connection %q? [y/N] ", args[0]))
				if err != nil || !ok {
					return err
				}
			}
			if err := env.app.store.DeleteConnection(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted connection %q.\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func (e *environment) confirm(question string) (bool, error) {
	answer, err := e.prompt.line(question)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func tunnelCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Manage port forwards opened with a connection",
	}

	var t database.Tunnel
	var disabled bool
	add := &cobra.Command{
		Use:   "add CONNECTION",
		Short: "Add a local, remote or dynamic (SOCKS) port forward",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := env.app.store.GetConnection(args[0])
			if err != nil {
				return err
			}
			switch t.Type {
			case database.TunnelLocal, database.TunnelRemote:
				if t.LocalPort <= 0 || t.RemotePort <= 0 {
					return &errortypes.FormatError{Err: fmt.Errorf("--local-port and --remote-port are required")}
				}
			case database.TunnelDynamic:
				if t.LocalPort <= 0 {
					return &errortypes.FormatError{Err: fmt.Errorf("--local-port is required")}
				}
				t.RemoteHost, t.RemotePort = "", 0
			default:
				return &errortypes.FormatError{Err: fmt.Errorf("unknown tunnel type %q (want local, remote or dynamic)", t.Type)}
			}
			t.ConnectionID = c.ID
			t.Enabled = !disabled
			if err := env.app.store.AddTunnel(&t); err != nil {
				return err
			}
			cfg := sshtunnel.FromRecords([]database.Tunnel{t})
			if len(cfg) == 1 {
				fmt.Fprintf(cmd.OutOrStdout(), "Added tunnel %s to %q.\n", cfg[0], c.Name)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Added disabled tunnel to %q.\n", c.Name)
			}
			return nil
		},
	}
	fl := add.Flags()
	fl.StringVar(&t.Type, "type", database.TunnelLocal, "Forward type: local (-L), remote (-R) or dynamic (-D)")
	fl.StringVar(&t.LocalHost, "local-host", "", "Local bind or target host (default 127.0.0.1)")
	fl.IntVar(&t.LocalPort, "local-port", 0, "Local port")
	fl.StringVar(&t.RemoteHost, "remote-host", "", "Remote target or bind host")
	fl.IntVar(&t.RemotePort, "remote-port", 0, "Remote port")
	fl.StringVar(&t.Description, "description", "", "Free-form note")
	fl.BoolVar(&disabled, "disabled", false, "Save the tunnel without enabling it")

	cmd.AddCommand(add)
	return cmd
}
