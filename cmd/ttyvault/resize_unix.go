//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/gluk-w/ttyvault/internal/sshterminal"
)

// watchResize forwards local window size changes to the session.
func watchResize(fd int, s *sshterminal.Session, log zerolog.Logger) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				w, h, err := term.GetSize(fd)
				if err != nil {
					continue
				}
				if err := s.Resize(clamp(w, sshterminal.MaxCols), clamp(h, sshterminal.MaxRows)); err != nil {
					log.Debug().Err(err).Msg("resize")
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
