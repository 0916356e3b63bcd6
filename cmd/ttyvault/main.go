// Command ttyvault manages saved SSH connections whose secrets are
// encrypted under a master password, and opens interactive shells to them.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/gluk-w/ttyvault/internal/config"
	"github.com/gluk-w/ttyvault/internal/logging"
)

// consoleLogAnnotation on a command keeps log output off the terminal;
// the log file still receives everything.
const consoleLogAnnotation = "console-log"

// environment is built by the root command's pre-run hook.
type environment struct {
	logLevel string
	noColor  bool

	settings  *config.Settings
	app       *app
	prompt    *prompter
	logCloser io.Closer
}

func (e *environment) setup(cmd *cobra.Command) error {
	settings, err := config.Load()
	if err != nil {
		return err
	}
	if e.logLevel != "" {
		settings.LogLevel = e.logLevel
	}

	opts := logging.Options{Path: settings.LogPath, Level: settings.LogLevel, NoColor: e.noColor}
	if cmd.Annotations[consoleLogAnnotation] == "off" {
		opts.Console = io.Discard
	} else {
		opts.Console = cmd.ErrOrStderr()
	}
	log, closer, err := logging.New(opts)
	if err != nil {
		return err
	}
	e.logCloser = closer
	if err := os.MkdirAll(settings.DataPath, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	a, err := newApp(settings, log)
	if err != nil {
		return err
	}
	e.settings = settings
	e.app = a
	e.prompt = newPrompter(cmd.InOrStdin(), cmd.ErrOrStderr())
	return nil
}

func (e *environment) close() error {
	var errs []error
	if e.app != nil {
		errs = append(errs, e.app.Close())
	}
	if e.logCloser != nil {
		errs = append(errs, e.logCloser.Close())
	}
	return errors.Join(errs...)
}

func newRootCmd(env *environment) *cobra.Command {
	root := &cobra.Command{
		Use:           "ttyvault",
		Short:         "SSH connection manager with an encrypted vault",
		Long:          "Stores SSH connections, keys and credentials with secrets encrypted under a master password, and opens interactive shells.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return env.setup(cmd)
		},
	}
	root.PersistentFlags().StringVar(&env.logLevel, "log-level", "", "Log level (overrides TTYVAULT_LOG_LEVEL)")
	root.PersistentFlags().BoolVar(&env.noColor, "no-color", false, "Disable colored console logs")

	root.AddCommand(
		initCmd(env),
		passwdCmd(env),
		statusCmd(env),
		connCmd(env),
		keyCmd(env),
		credCmd(env),
		connectCmd(env),
		auditCmd(env),
		logsCmd(env),
	)
	return root
}

func main() {
	env := &environment{}
	err := newRootCmd(env).Execute()
	if cerr := env.close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
