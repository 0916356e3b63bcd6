package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gluk-w/ttyvault/internal/crypto"
	"github.com/gluk-w/ttyvault/internal/database"
)

func credCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cred",
		Aliases: []string{"credential"},
		Short:   "Manage reusable credentials",
	}
	cmd.AddCommand(credAddCmd(env), credListCmd(env), credMatchCmd(env), credRemoveCmd(env))
	return cmd
}

func credAddCmd(env *environment) *cobra.Command {
	var c database.StoredCredential
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Store a username and password for matching servers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := env.app.unlock(env.prompt)
			if err != nil {
				return err
			}
			pw, err := env.prompt.password("Password for " + c.Username + ": ")
			if err != nil {
				return err
			}
			defer zero(pw)
			c.Name = args[0]
			if err := env.app.creds.Add(&c, string(pw), key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored credential %q for %s.\n", c.Name, dash(c.ServerPattern))
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&c.Username, "user", "u", "", "User name")
	fl.StringVar(&c.Environment, "env", database.EnvDevelopment, "Environment: production, staging, development or test")
	fl.StringVar(&c.ServerPattern, "servers", "", "Comma-separated host globs, e.g. '*.prod.example.com'")
	fl.StringVar(&c.Description, "description", "", "Free-form note")
	cmd.MarkFlagRequired("user")
	return cmd
}

// printCredentials writes a table of creds. When passwords is non-nil
// it holds each credential's decrypted password, shown masked.
func printCredentials(cmd *cobra.Command, creds []database.StoredCredential, passwords []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	header := "NAME\tUSER\tENV\tSERVERS\tDESCRIPTION"
	if passwords != nil {
		header += "\tPASSWORD"
	}
	fmt.Fprintln(w, header)
	for i, c := range creds {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s", c.Name, c.Username, c.Environment, dash(c.ServerPattern), dash(c.Description))
		if passwords != nil {
			fmt.Fprintf(w, "\t%s", dash(crypto.Mask(passwords[i])))
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}

func credListCmd(env *environment) *cobra.Command {
	var masked bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := env.app.creds.List()
			if err != nil {
				return err
			}
			if !masked {
				return printCredentials(cmd, creds, nil)
			}
			key, err := env.app.unlock(env.prompt)
			if err != nil {
				return err
			}
			passwords := make([]string, len(creds))
			for i := range creds {
				if passwords[i], err = env.app.creds.Password(&creds[i], key); err != nil {
					return err
				}
			}
			return printCredentials(cmd, creds, passwords)
		},
	}
	cmd.Flags().BoolVar(&masked, "show-masked", false, "Unlock the vault and show the last characters of each password")
	return cmd
}

func credMatchCmd(env *environment) *cobra.Command {
	var environment string
	cmd := &cobra.Command{
		Use:   "match HOST",
		Short: "Show credentials offered for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := env.app.creds.FindMatching(args[0], environment)
			if err != nil {
				return err
			}
			return printCredentials(cmd, creds, nil)
		},
	}
	cmd.Flags().StringVar(&environment, "env", "", "Only credentials for this environment")
	return cmd
}

func credRemoveCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:     "rm NAME",
		Aliases: []string{"remove"},
		Short:   "Delete a credential",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := env.app.creds.Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed credential %q.\n", args[0])
			return nil
		},
	}
}
