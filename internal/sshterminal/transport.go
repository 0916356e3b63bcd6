package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/ttyvault/internal/errortypes"
)

// DefaultTerm is the terminal type requested for every PTY.
const DefaultTerm = "xterm-256color"

// authTimeout bounds the SSH handshake when the caller's context has no
// deadline.
const authTimeout = 30 * time.Second

// PTY describes the pseudo terminal requested on the remote side.
type PTY struct {
	Term string
	Cols int
	Rows int
}

// Transport opens an authenticated shell channel.
type Transport interface {
	Open(ctx context.Context, conn Connection, auth AuthMethod, pty PTY) (Channel, error)
}

// Channel is a running remote shell.
type Channel interface {
	Stdout() io.Reader
	Write(p []byte) (int, error)
	WindowChange(cols, rows int) error
	// Wait blocks until the remote command exits. It returns nil on a clean
	// exit, *ssh.ExitError for a non-zero status or signal, or the
	// transport error.
	Wait() error
	Close() error
}

// Forwarder dials and listens through an established connection. Used for
// port forwards.
type Forwarder interface {
	Dial(network, addr string) (net.Conn, error)
	Listen(network, addr string) (net.Listener, error)
}

// terminalModes is the full mode table sent with every PTY request.
var terminalModes = ssh.TerminalModes{
	ssh.ICRNL:   1,
	ssh.IXON:    1,
	ssh.IXANY:   1,
	ssh.IMAXBEL: 1,
	ssh.OPOST:   1,
	ssh.ONLCR:   1,
	ssh.ISIG:    1,
	ssh.ICANON:  1,
	ssh.ECHO:    1,
	ssh.ECHOE:   1,
	ssh.ECHOK:   1,
	ssh.ECHONL:  0,
	ssh.IEXTEN:  1,

	ssh.VINTR:    3,
	ssh.VQUIT:    28,
	ssh.VERASE:   8,
	ssh.VKILL:    21,
	ssh.VEOF:     4,
	ssh.VEOL:     0,
	ssh.VSTART:   17,
	ssh.VSTOP:    19,
	ssh.VSUSP:    26,
	ssh.VREPRINT: 18,
	ssh.VWERASE:  23,
	ssh.VLNEXT:   22,

	ssh.TTY_OP_ISPEED: 14400,
	ssh.TTY_OP_OSPEED: 14400,
}

// SSHTransport opens shells with golang.org/x/crypto/ssh.
type SSHTransport struct {
	// HostKeyCallback verifies the server key. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
	Log             zerolog.Logger
}

// Open dials conn, authenticates, requests a PTY and starts a shell.
func (t *SSHTransport) Open(ctx context.Context, conn Connection, auth AuthMethod, pty PTY) (Channel, error) {
	methods, err := clientAuth(auth)
	if err != nil {
		return nil, err
	}

	hostKeyCallback := t.HostKeyCallback
	if hostKeyCallback == nil {
		t.Log.Warn().Str("host", conn.Host).Msg("host key verification disabled")
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	addr := conn.Addr()
	cfg := &ssh.ClientConfig{
		User:            conn.Username,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         authTimeout,
	}

	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &errortypes.TransportError{Err: fmt.Errorf("dial %s: %w", addr, err)}
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(authTimeout)
	}
	netConn.SetDeadline(deadline)
	// Closing the socket is the only way to interrupt a handshake in progress.
	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	defer stop()

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		if ctx.Err() != nil {
			return nil, &errortypes.TransportError{Err: fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())}
		}
		return nil, classifyHandshake(addr, conn.Username, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	ch, err := startShell(client, pty)
	if err != nil {
		client.Close()
		netConn.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &errortypes.TransportError{Err: fmt.Errorf("open shell on %s: %w", addr, err)}
	}
	if !stop() {
		ch.Close()
		return nil, &errortypes.TransportError{Err: fmt.Errorf("open shell on %s: %w", addr, ctx.Err())}
	}
	netConn.SetDeadline(time.Time{})
	ch.netConn = netConn
	return ch, nil
}

// x/crypto/ssh reports rejected credentials only as an untyped error whose
// text contains "unable to authenticate", so the match is on the message.
func classifyHandshake(addr, user string, err error) error {
	if errortypes.IsAuthentication(err) || strings.Contains(err.Error(), "unable to authenticate") {
		return &errortypes.AuthenticationError{Err: fmt.Errorf("authenticate %s@%s: %w", user, addr, err)}
	}
	return &errortypes.TransportError{Err: fmt.Errorf("ssh handshake with %s: %w", addr, err)}
}

func startShell(client *ssh.Client, pty PTY) (*sshChannel, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	term := pty.Term
	if term == "" {
		term = DefaultTerm
	}
	if err := session.RequestPty(term, pty.Rows, pty.Cols, terminalModes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &sshChannel{
		client:  client,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
	}, nil
}

type sshChannel struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	netConn net.Conn
}

func (c *sshChannel) Stdout() io.Reader { return c.stdout }

func (c *sshChannel) Write(p []byte) (int, error) { return c.stdin.Write(p) }

func (c *sshChannel) WindowChange(cols, rows int) error {
	return c.session.WindowChange(rows, cols)
}

func (c *sshChannel) Wait() error { return c.session.Wait() }

// Forwarder exposes the underlying client for port forwarding.
func (c *sshChannel) Forwarder() Forwarder { return c.client }

// Close tears down the shell channel, then the SSH client, then the socket.
func (c *sshChannel) Close() error {
	var errs []error
	if err := c.session.Close(); err != nil && !errors.Is(err, io.EOF) {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("close ssh client: %w", err))
	}
	if c.netConn != nil {
		if err := c.netConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close socket: %w", err))
		}
	}
	return errors.Join(errs...)
}
