package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/ttyvault/internal/errortypes"
	"github.com/gluk-w/ttyvault/internal/logging"
)

const (
	// readBufferSize is the size of each blocking read from the shell.
	readBufferSize = 8192
	// defaultQueueSize is the dispatcher queue length when Options leaves it
	// unset.
	defaultQueueSize = 256
	// exitWaitTimeout bounds the wait for an exit status after EOF.
	exitWaitTimeout = 5 * time.Second
)

// Terminal size bounds accepted by Resize.
const (
	MaxCols = 500
	MaxRows = 200
)

// Disconnect reasons reported to OnDisconnect callbacks.
const (
	ReasonNormalExit = "Normal exit"
	ReasonLocal      = "Disconnected"
)

// Options configure a session.
type Options struct {
	Term string
	// Timeout applies when the connection carries none.
	Timeout         time.Duration
	OutputQueueSize int
	// ScrollbackBytes caps the buffer; zero keeps all output.
	ScrollbackBytes int
	Record          bool
	Transport       Transport
	Log             zerolog.Logger
}

// Snapshot is a consistent view of a session.
type Snapshot struct {
	ID               string
	Connection       Connection
	State            State
	Connected        bool
	Text             string
	Hints            Hints
	TabTitle         string
	Cols             int
	Rows             int
	CreatedAt        time.Time
	ConnectedAt      time.Time
	DisconnectReason string
	DisconnectError  bool
}

// Session is one remote shell. All methods are safe for concurrent use.
type Session struct {
	id        string
	conn      Connection
	auth      AuthMethod
	opts      Options
	transport Transport
	log       zerolog.Logger
	createdAt time.Time
	recording *Recording
	state     *stateTracker

	// mu guards everything below it, including the buffer shared with the
	// reader goroutine.
	mu             sync.Mutex
	buf            outputBuffer
	hints          Hints
	channel        Channel
	connecting     bool
	consumer       func(string)
	onDisconnect   []func(reason string, wasError bool)
	connectedAt    time.Time
	cols, rows     int
	reason         string
	reasonWasError bool

	writeMu   sync.Mutex
	connected atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	doneOnce  sync.Once
	queue     chan string
	done      chan struct{}
}

// NewSession creates a session in StateCreated. Nothing is dialed until
// Connect.
func NewSession(id string, conn Connection, auth AuthMethod, opts Options) *Session {
	if opts.Term == "" {
		opts.Term = DefaultTerm
	}
	if opts.OutputQueueSize <= 0 {
		opts.OutputQueueSize = defaultQueueSize
	}
	if conn.TermCols <= 0 {
		conn.TermCols = 80
	}
	if conn.TermRows <= 0 {
		conn.TermRows = 24
	}
	transport := opts.Transport
	if transport == nil {
		transport = &SSHTransport{Log: opts.Log}
	}

	s := &Session{
		id:        id,
		conn:      conn,
		auth:      auth,
		opts:      opts,
		transport: transport,
		createdAt: time.Now(),
		state:     newStateTracker(),
		buf:       outputBuffer{maxLen: opts.ScrollbackBytes},
		hints:     Hints{Dir: defaultDir},
		cols:      conn.TermCols,
		rows:      conn.TermRows,
		stop:      make(chan struct{}),
		queue:     make(chan string, opts.OutputQueueSize),
		done:      make(chan struct{}),
	}
	s.log = logging.Component(opts.Log, "session").With().
		Str("session_id", id).
		Str("connection", logging.Sanitize(conn.DisplayName())).
		Logger()
	if opts.Record {
		s.recording = NewRecording(0)
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Connection returns the connection the session was created for.
func (s *Session) Connection() Connection { return s.conn }

// Recording returns the session recording, or nil when recording is off.
func (s *Session) Recording() *Recording { return s.recording }

// Connect authenticates, opens a PTY shell and starts streaming output.
// It blocks until the shell is running or ctx is done.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped() {
		s.mu.Unlock()
		return &errortypes.PreconditionError{Err: fmt.Errorf("session %s is closed", s.id)}
	}
	if s.connecting || s.channel != nil {
		s.mu.Unlock()
		return &errortypes.PreconditionError{Err: fmt.Errorf("session %s is already %s", s.id, s.state.get())}
	}
	s.connecting = true
	cols, rows := s.cols, s.rows
	s.mu.Unlock()

	s.state.set(StateAuthenticating)

	timeout := s.conn.Timeout
	if timeout <= 0 {
		timeout = s.opts.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s.log.Info().Str("host", logging.Sanitize(s.conn.Addr())).Str("user", logging.Sanitize(s.conn.Username)).Msg("connecting")
	ch, err := s.transport.Open(ctx, s.conn, s.auth, PTY{Term: s.opts.Term, Cols: cols, Rows: rows})

	s.mu.Lock()
	s.connecting = false
	if s.stopped() {
		s.mu.Unlock()
		if ch != nil {
			if cerr := ch.Close(); cerr != nil {
				s.log.Debug().Err(cerr).Msg("close after disconnect")
			}
		}
		s.state.set(StateClosed)
		s.closeDone()
		return &errortypes.PreconditionError{Err: fmt.Errorf("session %s disconnected while connecting", s.id)}
	}
	if err != nil {
		s.mu.Unlock()
		s.state.set(StateCreated)
		s.log.Warn().Err(err).Msg("connect failed")
		return fmt.Errorf("connect %s: %w", s.conn.DisplayName(), err)
	}
	s.channel = ch
	s.connectedAt = time.Now()
	s.connected.Store(true)
	s.mu.Unlock()

	s.state.set(StateConnected)
	s.log.Info().Msg("connected")

	go s.readLoop(ch)
	go s.dispatch()
	return nil
}

func (s *Session) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Session) readLoop(ch Channel) {
	defer close(s.queue)

	stdout := ch.Stdout()
	buf := make([]byte, readBufferSize)
	var pending []byte
	var readErr error
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			if cut := completeUTF8(pending); cut > 0 {
				s.emit(pending[:cut])
				pending = append(pending[:0], pending[cut:]...)
			}
		}
		if err != nil {
			readErr = err
			break
		}
	}
	if len(pending) > 0 {
		s.emit(pending)
	}

	s.connected.Store(false)
	reason, wasError := s.exitReason(ch, readErr)

	s.mu.Lock()
	s.reason, s.reasonWasError = reason, wasError
	s.mu.Unlock()

	if wasError {
		s.log.Warn().Str("reason", reason).Msg("session ended")
	} else {
		s.log.Info().Str("reason", reason).Msg("session ended")
	}
	s.teardown(ch)
}

// emit appends p to the buffer, then queues it for the consumer. p is only
// valid for the duration of the call.
func (s *Session) emit(p []byte) {
	text := string(p)

	s.mu.Lock()
	s.buf.append(p)
	if dir, ok := parseCwd(p); ok {
		s.hints.Dir = dir
	}
	s.mu.Unlock()

	if s.recording != nil {
		s.recording.RecordOutput(p)
	}

	if s.stopped() {
		return
	}
	select {
	case s.queue <- text:
	case <-s.stop:
	}
}

func (s *Session) exitReason(ch Channel, readErr error) (string, bool) {
	if s.stopped() {
		return ReasonLocal, false
	}
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		return "Connection error: " + readErr.Error(), true
	}

	result := make(chan error, 1)
	go func() { result <- ch.Wait() }()
	timer := time.NewTimer(exitWaitTimeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return disconnectReason(err)
	case <-timer.C:
		return ReasonNormalExit, false
	case <-s.stop:
		return ReasonLocal, false
	}
}

// disconnectReason maps the result of waiting on the remote shell to a
// human readable reason.
func disconnectReason(err error) (string, bool) {
	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case err == nil:
		return ReasonNormalExit, false
	case errors.As(err, &exitErr):
		if sig := exitErr.Signal(); sig != "" {
			return "Connection terminated with signal: " + sig, true
		}
		if code := exitErr.ExitStatus(); code != 0 {
			return fmt.Sprintf("Connection closed with exit code: %d", code), true
		}
		return ReasonNormalExit, false
	case errors.As(err, &missing), errors.Is(err, io.EOF):
		return ReasonNormalExit, false
	default:
		return "Connection error: " + err.Error(), true
	}
}

func (s *Session) dispatch() {
	defer s.closeDone()
	for text := range s.queue {
		s.mu.Lock()
		consumer := s.consumer
		s.mu.Unlock()
		s.deliver(consumer, text)
	}

	s.mu.Lock()
	reason, wasError := s.reason, s.reasonWasError
	callbacks := append([]func(string, bool){}, s.onDisconnect...)
	s.mu.Unlock()
	for _, cb := range callbacks {
		s.safeCall("disconnect callback", func() { cb(reason, wasError) })
	}
}

func (s *Session) deliver(consumer func(string), text string) {
	if consumer == nil {
		return
	}
	s.safeCall("output consumer", func() { consumer(text) })
}

func (s *Session) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msgf("%s panicked", what)
		}
	}()
	fn()
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// teardown closes the channel once and marks the session closed.
func (s *Session) teardown(ch Channel) {
	s.closeOnce.Do(func() {
		if err := ch.Close(); err != nil {
			s.log.Debug().Err(err).Msg("teardown")
		}
		s.state.set(StateClosed)
	})
}

// Disconnect stops the session. It is idempotent and does not wait for the
// reader; use Done for that. Teardown errors are logged, not returned.
func (s *Session) Disconnect() {
	s.connected.Store(false)
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	ch := s.channel
	connecting := s.connecting
	s.mu.Unlock()

	switch {
	case ch != nil:
		s.teardown(ch)
	case !connecting:
		// Never connected: no goroutines will close done.
		s.state.set(StateClosed)
		s.closeDone()
	}
	s.log.Debug().Msg("disconnect requested")
}

// Done is closed once the reader has stopped and every queued chunk and
// disconnect callback has been delivered.
func (s *Session) Done() <-chan struct{} { return s.done }

// IsConnected reports whether the shell is running.
func (s *Session) IsConnected() bool { return s.connected.Load() }

// SendInput writes text to the remote shell. It is a no-op when the
// session is not connected.
func (s *Session) SendInput(text string) error {
	return s.write([]byte(text))
}

// SendSpecialKey writes the escape sequence for key.
func (s *Session) SendSpecialKey(key SpecialKey) error {
	seq := key.Sequence()
	if seq == "" {
		return &errortypes.FormatError{Err: fmt.Errorf("unknown special key %d", key)}
	}
	return s.write([]byte(seq))
}

func (s *Session) write(p []byte) error {
	if !s.connected.Load() || len(p) == 0 {
		return nil
	}
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := ch.Write(p); err != nil {
		if !s.connected.Load() {
			return nil
		}
		return &errortypes.TransportError{Err: fmt.Errorf("send input to %s: %w", s.conn.DisplayName(), err)}
	}
	if s.recording != nil {
		s.recording.RecordInput(p)
	}
	return nil
}

// Resize changes the remote window size. Bounds are checked first; the
// call is then a no-op when not connected.
func (s *Session) Resize(cols, rows int) error {
	if cols < 1 || cols > MaxCols || rows < 1 || rows > MaxRows {
		return &errortypes.FormatError{Err: fmt.Errorf("terminal size %dx%d out of range (max %dx%d)", cols, rows, MaxCols, MaxRows)}
	}
	if !s.connected.Load() {
		return nil
	}
	s.mu.Lock()
	ch := s.channel
	s.cols, s.rows = cols, rows
	s.mu.Unlock()

	if err := ch.WindowChange(cols, rows); err != nil {
		return &errortypes.TransportError{Err: fmt.Errorf("resize %s to %dx%d: %w", s.conn.DisplayName(), cols, rows, err)}
	}
	return nil
}

// SetOutputConsumer sets the function receiving output in order. It takes
// effect from the next chunk.
func (s *Session) SetOutputConsumer(fn func(text string)) {
	s.mu.Lock()
	s.consumer = fn
	s.mu.Unlock()
}

// OnDisconnect registers a callback run once after the last output chunk
// has been delivered.
func (s *Session) OnDisconnect(fn func(reason string, wasError bool)) {
	s.mu.Lock()
	s.onDisconnect = append(s.onDisconnect, fn)
	s.mu.Unlock()
}

// SetHints records the remote working directory and foreground
// application. Empty values clear the hint.
func (s *Session) SetHints(h Hints) {
	s.mu.Lock()
	s.hints = h
	s.mu.Unlock()
}

// TabTitle returns a short title such as "alice @ vim" or "alice @ .../src".
func (s *Session) TabTitle() string {
	s.mu.Lock()
	h := s.hints
	s.mu.Unlock()
	return tabTitle(s.conn.Username, s.conn.Host, h)
}

// RestoreHistory replaces the buffer with text and pushes it to the
// consumer. Once Connect has started the consumer belongs to the
// dispatcher, so a restore then is a PreconditionError.
func (s *Session) RestoreHistory(text string) error {
	s.mu.Lock()
	if s.connecting || s.channel != nil || s.stopped() {
		s.mu.Unlock()
		return &errortypes.PreconditionError{Err: fmt.Errorf("session %s: history can only be restored before connecting", s.id)}
	}
	s.buf.replace(text)
	consumer := s.consumer
	s.mu.Unlock()
	s.deliver(consumer, text)
	return nil
}

// BufferedBytes returns the size of the output buffer.
func (s *Session) BufferedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// Transitions returns the recent state changes.
func (s *Session) Transitions() []StateTransition {
	return s.state.history()
}

// Forwarder returns the connection's port forwarder when the transport
// provides one and the session is connected.
func (s *Session) Forwarder() (Forwarder, bool) {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil || !s.connected.Load() {
		return nil, false
	}
	f, ok := ch.(interface{ Forwarder() Forwarder })
	if !ok {
		return nil, false
	}
	return f.Forwarder(), true
}

// State returns a snapshot taken under the buffer lock.
func (s *Session) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:               s.id,
		Connection:       s.conn,
		State:            s.state.get(),
		Connected:        s.connected.Load(),
		Text:             s.buf.String(),
		Hints:            s.hints,
		TabTitle:         tabTitle(s.conn.Username, s.conn.Host, s.hints),
		Cols:             s.cols,
		Rows:             s.rows,
		CreatedAt:        s.createdAt,
		ConnectedAt:      s.connectedAt,
		DisconnectReason: s.reason,
		DisconnectError:  s.reasonWasError,
	}
}
