package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/gluk-w/ttyvault/internal/errortypes"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// prompter asks the user for input on the controlling terminal.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	fd := -1
	if f, ok := in.(*os.File); ok {
		fd = int(f.Fd())
	}
	return &prompter{in: bufio.NewReader(in), out: out, fd: fd}
}

// password reads a line without echo. The caller should zero the result.
func (p *prompter) password(label string) ([]byte, error) {
	fmt.Fprint(p.out, label)
	pw, err := readPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	return pw, nil
}

// newPassword asks twice and rejects empty or mismatched input.
func (p *prompter) newPassword(label string) ([]byte, error) {
	first, err := p.password(label)
	if err != nil {
		return nil, err
	}
	if len(first) == 0 {
		return nil, &errortypes.PreconditionError{Err: errors.New("password must not be empty")}
	}
	second, err := p.password("Repeat " + strings.ToLower(label[:1]) + label[1:])
	if err != nil {
		zero(first)
		return nil, err
	}
	defer zero(second)
	if !bytes.Equal(first, second) {
		zero(first)
		return nil, &errortypes.PreconditionError{Err: errors.New("passwords do not match")}
	}
	return first, nil
}

// line prints label and reads one trimmed line.
func (p *prompter) line(label string) (string, error) {
	fmt.Fprint(p.out, label)
	s, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && s != "") {
		return "", err
	}
	return strings.TrimSpace(s), nil
}
