package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gluk-w/ttyvault/internal/history"
	"github.com/gluk-w/ttyvault/internal/sshaudit"
	"github.com/gluk-w/ttyvault/internal/sshkeys"
	"github.com/gluk-w/ttyvault/internal/sshterminal"
	"github.com/gluk-w/ttyvault/internal/sshtunnel"
)

type connectOptions struct {
	restore   bool
	save      bool
	noTunnels bool
}

func connectCmd(env *environment) *cobra.Command {
	var opts connectOptions
	cmd := &cobra.Command{
		Use:         "connect NAME",
		Short:       "Open an interactive shell on a saved connection",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{consoleLogAnnotation: "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.runConnect(cmd, args[0], opts)
		},
	}
	fl := cmd.Flags()
	fl.BoolVar(&opts.restore, "restore", true, "Print the previous session's output before connecting")
	fl.BoolVar(&opts.save, "save-history", true, "Save the session output, encrypted, when it ends")
	fl.BoolVar(&opts.noTunnels, "no-tunnels", false, "Do not open the connection's port forwards")
	return cmd
}

func (e *environment) runConnect(cmd *cobra.Command, name string, opts connectOptions) error {
	a := e.app
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	key, err := a.unlock(e.prompt)
	if err != nil {
		return err
	}
	rec, err := a.store.GetConnection(name)
	if err != nil {
		return err
	}
	conn, auth, err := a.sessionAuth(rec, key, e.prompt.password)
	if err != nil {
		return err
	}

	stdin, stdout := os.Stdin, cmd.OutOrStdout()
	inFd, outFd := int(stdin.Fd()), int(os.Stdout.Fd())
	interactive := term.IsTerminal(inFd)
	if w, h, err := term.GetSize(outFd); err == nil && w > 0 && h > 0 {
		conn.TermCols, conn.TermRows = clamp(w, sshterminal.MaxCols), clamp(h, sshterminal.MaxRows)
	}

	s := a.registry.Create(conn, auth)
	defer a.registry.Close(s.ID())

	s.SetOutputConsumer(func(text string) {
		io.WriteString(stdout, text)
	})
	if opts.restore {
		if err := history.Restore(a.store, s, key); err != nil {
			a.log.Warn().Err(err).Msg("could not restore history")
		}
	}

	attempts := uint64(rec.RetryCount)
	if err := sshterminal.ConnectWithRetry(ctx, s, attempts, sshterminal.DefaultRetryBase); err != nil {
		a.auditConnectFailure(s, err)
		return err
	}

	if !opts.noTunnels {
		if fwd, ok := s.Forwarder(); ok {
			active, err := a.tunnels.StartAll(ctx, s.ID(), fwd, sshtunnel.FromRecords(rec.Tunnels))
			for _, t := range active {
				a.log.Info().Str("tunnel", t.Config.String()).Str("addr", t.Addr).Msg("tunnel open")
			}
			if err != nil {
				a.log.Warn().Err(err).Msg("some tunnels failed to start")
			}
		}
	}

	if interactive {
		old, err := term.MakeRaw(inFd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(inFd, old)
		fmt.Fprintf(stdout, "\x1b]0;%s\x07", s.TabTitle())
	}

	stopResize := watchResize(outFd, s, a.log)
	defer stopResize()

	go pumpInput(stdin, s)

	select {
	case <-s.Done():
	case <-ctx.Done():
		s.Disconnect()
		<-s.Done()
	}

	snap := s.State()
	if opts.save {
		if err := history.Save(a.store, s, key, history.DefaultKeep); err != nil {
			a.log.Warn().Err(err).Msg("could not save history")
		}
	}
	if s.Recording() != nil {
		if path, err := e.writeRecording(s); err != nil {
			a.log.Warn().Err(err).Msg("could not write recording")
		} else {
			fmt.Fprintf(cmd.ErrOrStderr(), "\r\nRecording saved to %s\r\n", path)
		}
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "\r\n%s\r\n", snap.DisconnectReason)
	return nil
}

// pumpInput forwards local keystrokes to the session until stdin closes or
// the session ends.
func pumpInput(in io.Reader, s *sshterminal.Session) {
	buf := make([]byte, 1024)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if werr := s.SendInput(string(buf[:n])); werr != nil || !s.IsConnected() {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (a *app) auditConnectFailure(s *sshterminal.Session, err error) {
	conn := s.Connection()
	entry := sshaudit.Entry{
		EventType:      sshaudit.EventConnectFailed,
		ConnectionName: conn.DisplayName(),
		Username:       conn.Username,
		Host:           conn.Addr(),
		Details:        err.Error(),
	}
	var mismatch *sshkeys.FingerprintMismatchError
	if errors.As(err, &mismatch) {
		entry.EventType = sshaudit.EventHostKeyMismatch
		entry.Details = fmt.Sprintf("expected=%s actual=%s", mismatch.Expected, mismatch.Actual)
	}
	a.audit.Log(entry)
}

func (e *environment) writeRecording(s *sshterminal.Session) (string, error) {
	dir := filepath.Join(e.settings.DataPath, "recordings")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	snap := s.State()
	name := fmt.Sprintf("%s-%s.cast", snap.Connection.DisplayName(), time.Now().Format("20060102-150405"))
	path := filepath.Join(dir, filepath.Base(name))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}
	if err := s.Recording().WriteCast(f, snap.Cols, snap.Rows, snap.TabTitle); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

func clamp(v, limit int) int {
	if v > limit {
		return limit
	}
	return v
}
