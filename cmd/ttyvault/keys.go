package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gluk-w/ttyvault/internal/sshaudit"
	"github.com/gluk-w/ttyvault/internal/sshkeys"
)

func keyCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage SSH private keys",
	}
	cmd.AddCommand(keyAddCmd(env), keyGenerateCmd(env), keyListCmd(env), keyRemoveCmd(env))
	return cmd
}

func keyAddCmd(env *environment) *cobra.Command {
	var copyKey, askPassphrase bool
	cmd := &cobra.Command{
		Use:   "add NAME PATH",
		Short: "Register an existing private key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			opts := sshkeys.AddOptions{Name: args[0], SourcePath: path, Copy: copyKey}
			return env.addKey(cmd, opts, askPassphrase)
		},
	}
	cmd.Flags().BoolVar(&copyKey, "copy", false, "Keep a private copy in the key directory")
	cmd.Flags().BoolVar(&askPassphrase, "ask-passphrase", false, "Prompt for the key passphrase and store it encrypted")
	return cmd
}

func (e *environment) addKey(cmd *cobra.Command, opts sshkeys.AddOptions, askPassphrase bool) error {
	key, err := e.app.unlock(e.prompt)
	if err != nil {
		return err
	}
	if askPassphrase && opts.Passphrase == "" {
		pp, err := e.prompt.password("Key passphrase: ")
		if err != nil {
			return err
		}
		opts.Passphrase = string(pp)
		zero(pp)
	}
	rec, err := e.app.keys.Add(opts, key)
	if err != nil {
		return err
	}
	e.app.audit.Log(sshaudit.Entry{EventType: sshaudit.EventKeyAdded, Details: "key=" + rec.Name + " fingerprint=" + rec.Fingerprint})
	fmt.Fprintf(cmd.OutOrStdout(), "Registered key %q (%s).\n", rec.Name, rec.Fingerprint)
	return nil
}

func keyGenerateCmd(env *environment) *cobra.Command {
	var comment string
	var askPassphrase bool
	cmd := &cobra.Command{
		Use:   "generate NAME",
		Short: "Generate an ed25519 key pair in the key directory and register it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if filepath.Base(name) != name {
				return fmt.Errorf("key name %q must not contain a path separator", name)
			}
			var passphrase string
			if askPassphrase {
				pp, err := env.prompt.newPassword("Key passphrase: ")
				if err != nil {
					return err
				}
				passphrase = string(pp)
				zero(pp)
			}
			if comment == "" {
				host, _ := os.Hostname()
				comment = "ttyvault@" + host
			}

			pub, priv, err := sshkeys.GenerateKeyPair(comment, passphrase)
			if err != nil {
				return err
			}
			path := filepath.Join(env.settings.KeysDir, name)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("key file %s already exists", path)
			}
			if err := os.MkdirAll(env.settings.KeysDir, 0o700); err != nil {
				return fmt.Errorf("create key directory: %w", err)
			}
			if err := sshkeys.SaveKeyPair(path, priv, pub); err != nil {
				return err
			}
			if err := env.addKey(cmd, sshkeys.AddOptions{Name: name, SourcePath: path, Passphrase: passphrase}, false); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s", pub)
			return nil
		},
	}
	cmd.Flags().StringVarP(&comment, "comment", "C", "", "Public key comment")
	cmd.Flags().BoolVar(&askPassphrase, "ask-passphrase", false, "Protect the private key with a passphrase")
	return cmd
}

func keyListCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := env.app.store.ListSSHKeys()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tFINGERPRINT\tPATH\tPASSPHRASE")
			for i := range keys {
				k := &keys[i]
				pp := "no"
				if k.EncryptedPassphrase != "" {
					pp = "stored"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", k.ID, k.Name, k.Fingerprint, sshkeys.EffectivePath(k), pp)
			}
			return w.Flush()
		},
	}
}

func keyRemoveCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:     "rm NAME",
		Aliases: []string{"remove"},
		Short:   "Unregister a key and delete its private copy",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := env.app.keys.Remove(args[0]); err != nil {
				return err
			}
			env.app.audit.Log(sshaudit.Entry{EventType: sshaudit.EventKeyRemoved, Details: "key=" + args[0]})
			fmt.Fprintf(cmd.OutOrStdout(), "Removed key %q.\n", args[0])
			return nil
		},
	}
}
