package main

import (
	"github.com/rs/zerolog"

	"github.com/gluk-w/ttyvault/internal/sshterminal"
)

// watchResize is a no-op: Windows consoles have no SIGWINCH.
func watchResize(fd int, s *sshterminal.Session, log zerolog.Logger) (stop func()) {
	return func() {}
}
