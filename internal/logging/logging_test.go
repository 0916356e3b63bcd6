package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesConsoleAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "ttyvault.log")
	var console bytes.Buffer

	logger, closer, err := New(Options{Path: path, Level: "debug", Console: &console, NoColor: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vaultLogger := Component(logger, "vault")
	vaultLogger.Info().Msg("vault unlocked")
	logger.Debug().Msg("debug line")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(console.String(), "vault unlocked") {
		t.Errorf("console output missing message: %q", console.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"component":"vault"`) {
		t.Errorf("file output missing component field: %s", data)
	}
	if !strings.Contains(string(data), "debug line") {
		t.Errorf("debug line filtered at debug level: %s", data)
	}
}

func TestNewLevelFilters(t *testing.T) {
	var console bytes.Buffer
	logger, _, err := New(Options{Level: "warn", Console: &console, NoColor: true})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	if strings.Contains(console.String(), "hidden") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(console.String(), "shown") {
		t.Error("warn line missing")
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestReadTailAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\nfour\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := ReadTail(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got != "three\nfour" {
		t.Errorf("ReadTail = %q", got)
	}

	if err := Clear(path); err != nil {
		t.Fatal(err)
	}
	got, err = ReadTail(path, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Errorf("after Clear got %q", got)
	}
}

func TestReadTailMissingFile(t *testing.T) {
	got, err := ReadTail(filepath.Join(t.TempDir(), "absent.log"), 5)
	if err != nil || got != "" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"web-1", "web-1"},
		{"evil\nINFO fake entry", "evil INFO fake entry"},
		{"tab\there", "tab here"},
		{"bell\x07\x1b[31m", "bell[31m"},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
