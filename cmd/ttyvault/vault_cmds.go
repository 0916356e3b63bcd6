package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gluk-w/ttyvault/internal/errortypes"
	"github.com/gluk-w/ttyvault/internal/vault"
)

func initCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Set the master password for a new vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := env.app.vault.State()
			if err != nil {
				return err
			}
			if state != vault.StateUnconfigured {
				return &errortypes.PreconditionError{Err: fmt.Errorf("vault is already initialized; use 'ttyvault passwd' to change the password")}
			}
			pw, err := env.prompt.newPassword("New master password: ")
			if err != nil {
				return err
			}
			defer zero(pw)
			if err := env.app.vault.Setup(pw); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Vault initialized.")
			return nil
		},
	}
}

func passwdCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Change the master password and re-encrypt stored secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := env.prompt.password("Current master password: ")
			if err != nil {
				return err
			}
			defer zero(current)
			next, err := env.prompt.newPassword("New master password: ")
			if err != nil {
				return err
			}
			defer zero(next)

			res, err := env.app.changeMasterPassword(cmd.Context(), current, next)
			fmt.Fprintf(cmd.OutOrStdout(), "Re-encrypted %d secret(s) and %d history snapshot(s).\n", res.Secrets, res.History)
			if err != nil {
				return fmt.Errorf("some items were not re-encrypted: %w", err)
			}
			return nil
		},
	}
}

func statusCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show vault state and record counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := env.app
			state, err := a.vault.State()
			if err != nil {
				return err
			}
			conns, err := a.store.ListConnections()
			if err != nil {
				return err
			}
			keys, err := a.store.ListSSHKeys()
			if err != nil {
				return err
			}
			creds, err := a.creds.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "vault:        %s (%s store)\n", state, env.settings.MasterKeyStore)
			fmt.Fprintf(out, "data path:    %s\n", env.settings.DataPath)
			fmt.Fprintf(out, "connections:  %d\n", len(conns))
			fmt.Fprintf(out, "ssh keys:     %d\n", len(keys))
			fmt.Fprintf(out, "credentials:  %d\n", len(creds))
			return nil
		},
	}
}
