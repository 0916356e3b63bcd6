package sshterminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/ttyvault/internal/errortypes"
)

// fakeChannel hands out queued chunks one per Read.
type fakeChannel struct {
	chunks    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	waitErr   error

	mu      sync.Mutex
	written bytes.Buffer
	sizes   [][2]int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		chunks: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeChannel) Read(p []byte) (int, error) {
	select {
	case b, ok := <-c.chunks:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, b), nil
	case <-c.closed:
		return 0, io.EOF
	}
}

func (c *fakeChannel) Stdout() io.Reader { return c }

func (c *fakeChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.Write(p)
}

func (c *fakeChannel) WindowChange(cols, rows int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sizes = append(c.sizes, [2]int{cols, rows})
	return nil
}

func (c *fakeChannel) Wait() error { return c.waitErr }

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) Written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.String()
}

// fakeTransport returns errs in order, then ch.
type fakeTransport struct {
	mu    sync.Mutex
	ch    *fakeChannel
	errs  []error
	calls int
	pty   PTY
}

func (t *fakeTransport) Open(ctx context.Context, conn Connection, auth AuthMethod, pty PTY) (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	t.pty = pty
	if len(t.errs) > 0 {
		err := t.errs[0]
		t.errs = t.errs[1:]
		return nil, err
	}
	return t.ch, nil
}

func (t *fakeTransport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func testConn() Connection {
	return Connection{ID: 1, Name: "web", Host: "example.test", Port: 22, Username: "alice", Method: "password"}
}

func newFakeSession(t *testing.T) (*Session, *fakeChannel, *fakeTransport) {
	t.Helper()
	ch := newFakeChannel()
	tr := &fakeTransport{ch: ch}
	s := NewSession("s1", testConn(), PasswordAuth{Password: "pw"}, Options{
		Transport: tr,
		Log:       zerolog.New(zerolog.NewTestWriter(t)),
	})
	t.Cleanup(func() {
		s.Disconnect()
		<-s.Done()
	})
	return s, ch, tr
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestOutputOrdering(t *testing.T) {
	s, ch, _ := newFakeSession(t)

	var mu sync.Mutex
	var got []string
	s.SetOutputConsumer(func(text string) {
		mu.Lock()
		got = append(got, text)
		mu.Unlock()
	})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch.chunks <- []byte("a")
	ch.chunks <- []byte("b")
	ch.chunks <- []byte("c")
	close(ch.chunks)
	waitDone(t, s)

	if text := s.State().Text; text != "abc" {
		t.Errorf("buffer = %q, want %q", text, "abc")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("consumer calls = %q, want [a b c]", got)
	}
}

func TestSplitRuneCarriedToNextChunk(t *testing.T) {
	s, ch, _ := newFakeSession(t)
	var got []string
	s.SetOutputConsumer(func(text string) { got = append(got, text) })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch.chunks <- []byte("h\xc3")
	ch.chunks <- []byte("\xa9llo")
	close(ch.chunks)
	waitDone(t, s)

	if strings.Join(got, "") != "héllo" {
		t.Fatalf("output = %q", got)
	}
	for _, part := range got {
		if strings.ContainsRune(part, '�') {
			t.Errorf("chunk %q contains a broken rune", part)
		}
	}
}

func TestDisconnectReasonAfterEOF(t *testing.T) {
	s, ch, _ := newFakeSession(t)
	ch.waitErr = errors.New("connection reset")

	var reason string
	var wasError bool
	s.OnDisconnect(func(r string, e bool) { reason, wasError = r, e })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	close(ch.chunks)
	waitDone(t, s)

	if reason != "Connection error: connection reset" || !wasError {
		t.Errorf("reason = %q, %v", reason, wasError)
	}
	if s.IsConnected() {
		t.Error("still connected after EOF")
	}
	if st := s.State().State; st != StateClosed {
		t.Errorf("state = %s, want closed", st)
	}
}

func TestDisconnectReasonMapping(t *testing.T) {
	tests := []struct {
		err      error
		reason   string
		wasError bool
	}{
		{nil, "Normal exit", false},
		{&ssh.ExitMissingError{}, "Normal exit", false},
		{io.EOF, "Normal exit", false},
		{errors.New("boom"), "Connection error: boom", true},
	}
	for _, tt := range tests {
		reason, wasError := disconnectReason(tt.err)
		if reason != tt.reason || wasError != tt.wasError {
			t.Errorf("disconnectReason(%v) = %q, %v; want %q, %v", tt.err, reason, wasError, tt.reason, tt.wasError)
		}
	}
}

func TestLocalDisconnect(t *testing.T) {
	s, ch, _ := newFakeSession(t)
	var reason string
	s.OnDisconnect(func(r string, _ bool) { reason = r })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !s.IsConnected() {
		t.Fatal("not connected")
	}
	s.Disconnect()
	s.Disconnect()
	waitDone(t, s)

	if reason != ReasonLocal {
		t.Errorf("reason = %q", reason)
	}
	select {
	case <-ch.closed:
	default:
		t.Error("channel not closed")
	}
	if err := s.SendInput("ls\n"); err != nil {
		t.Errorf("SendInput after disconnect: %v", err)
	}
	if ch.Written() != "" {
		t.Errorf("input written after disconnect: %q", ch.Written())
	}
	if err := s.Connect(context.Background()); !errortypes.IsPrecondition(err) {
		t.Errorf("reconnect after disconnect: %v", err)
	}
}

func TestDisconnectClearsConnectedBeforeStopping(t *testing.T) {
	s, _, _ := newFakeSession(t)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	seen := make(chan bool, 1)
	go func() {
		<-s.stop
		seen <- s.IsConnected()
	}()
	s.Disconnect()
	waitDone(t, s)

	select {
	case connected := <-seen:
		if connected {
			t.Error("stop signalled while the session still reported connected")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stop never signalled")
	}
}

func TestDisconnectBeforeConnect(t *testing.T) {
	s, _, tr := newFakeSession(t)
	s.Disconnect()
	waitDone(t, s)
	if err := s.Connect(context.Background()); !errortypes.IsPrecondition(err) {
		t.Fatalf("Connect = %v, want precondition error", err)
	}
	if tr.Calls() != 0 {
		t.Errorf("transport opened %d times", tr.Calls())
	}
}

func TestSendInputAndSpecialKeys(t *testing.T) {
	s, ch, _ := newFakeSession(t)

	if err := s.SendInput("early"); err != nil {
		t.Fatalf("SendInput before connect: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect()

	if err := s.SendInput("ls"); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	if err := s.SendSpecialKey(KeyEnter); err != nil {
		t.Fatalf("SendSpecialKey: %v", err)
	}
	if err := s.SendSpecialKey(KeyUp); err != nil {
		t.Fatalf("SendSpecialKey: %v", err)
	}
	if got := ch.Written(); got != "ls\r\x1b[A" {
		t.Errorf("written = %q", got)
	}
	if err := s.SendSpecialKey(SpecialKey(999)); !errortypes.IsFormat(err) {
		t.Errorf("unknown key error = %v", err)
	}
}

func TestSpecialKeySequences(t *testing.T) {
	cases := map[SpecialKey]string{
		KeyBackspace: "\b",
		KeyEscape:    "\x1b",
		KeyHome:      "\x1b[H",
		KeyPageDown:  "\x1b[6~",
		KeyDelete:    "\x1b[3~",
		KeyF1:        "\x1bOP",
		KeyF5:        "\x1b[15~",
		KeyF12:       "\x1b[24~",
	}
	for key, want := range cases {
		if got := key.Sequence(); got != want {
			t.Errorf("key %d = %q, want %q", key, got, want)
		}
	}
}

func TestResize(t *testing.T) {
	s, ch, _ := newFakeSession(t)

	if err := s.Resize(100, 40); err != nil {
		t.Fatalf("Resize before connect: %v", err)
	}
	for _, size := range [][2]int{{0, 24}, {501, 24}, {80, 0}, {80, 201}} {
		if err := s.Resize(size[0], size[1]); !errortypes.IsFormat(err) {
			t.Errorf("Resize(%d, %d) = %v, want format error", size[0], size[1], err)
		}
	}

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect()
	if err := s.Resize(500, 200); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	ch.mu.Lock()
	sizes := ch.sizes
	ch.mu.Unlock()
	if len(sizes) != 1 || sizes[0] != [2]int{500, 200} {
		t.Errorf("window changes = %v", sizes)
	}
	if st := s.State(); st.Cols != 500 || st.Rows != 200 {
		t.Errorf("snapshot size = %dx%d", st.Cols, st.Rows)
	}
}

func TestConnectPassesGeometry(t *testing.T) {
	ch := newFakeChannel()
	tr := &fakeTransport{ch: ch}
	conn := testConn()
	conn.TermCols, conn.TermRows = 132, 43
	s := NewSession("s1", conn, PasswordAuth{}, Options{Transport: tr, Log: zerolog.Nop()})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect()
	if tr.pty.Term != DefaultTerm || tr.pty.Cols != 132 || tr.pty.Rows != 43 {
		t.Errorf("pty = %+v", tr.pty)
	}
}

func TestConnectFailureAllowsRetry(t *testing.T) {
	s, _, tr := newFakeSession(t)
	tr.errs = []error{&errortypes.TransportError{Err: errors.New("dial: refused")}}

	err := s.Connect(context.Background())
	if !errortypes.IsTransport(err) {
		t.Fatalf("first Connect = %v, want transport error", err)
	}
	if st := s.State().State; st != StateCreated {
		t.Fatalf("state after failure = %s", st)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	s.Disconnect()
	waitDone(t, s)
}

func TestConnectWithRetry(t *testing.T) {
	transportErr := &errortypes.TransportError{Err: errors.New("dial: refused")}
	authErr := &errortypes.AuthenticationError{Err: errors.New("unable to authenticate")}

	t.Run("transport errors are retried", func(t *testing.T) {
		s, _, tr := newFakeSession(t)
		tr.errs = []error{transportErr, transportErr}
		if err := ConnectWithRetry(context.Background(), s, 3, time.Millisecond); err != nil {
			t.Fatalf("ConnectWithRetry: %v", err)
		}
		defer s.Disconnect()
		if tr.Calls() != 3 {
			t.Errorf("calls = %d, want 3", tr.Calls())
		}
	})

	t.Run("attempts are bounded", func(t *testing.T) {
		s, _, tr := newFakeSession(t)
		tr.errs = []error{transportErr, transportErr, transportErr}
		err := ConnectWithRetry(context.Background(), s, 2, time.Millisecond)
		if !errortypes.IsTransport(err) {
			t.Fatalf("err = %v, want transport error", err)
		}
		if tr.Calls() != 2 {
			t.Errorf("calls = %d, want 2", tr.Calls())
		}
	})

	t.Run("authentication errors are not retried", func(t *testing.T) {
		s, _, tr := newFakeSession(t)
		tr.errs = []error{authErr, transportErr}
		err := ConnectWithRetry(context.Background(), s, 5, time.Millisecond)
		if !errortypes.IsAuthentication(err) {
			t.Fatalf("err = %v, want authentication error", err)
		}
		if tr.Calls() != 1 {
			t.Errorf("calls = %d, want 1", tr.Calls())
		}
	})
}

func TestPanickingConsumerDoesNotStopDelivery(t *testing.T) {
	s, ch, _ := newFakeSession(t)
	var calls int
	s.SetOutputConsumer(func(text string) {
		calls++
		if text == "a" {
			panic("consumer bug")
		}
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch.chunks <- []byte("a")
	ch.chunks <- []byte("b")
	close(ch.chunks)
	waitDone(t, s)
	if calls != 2 {
		t.Errorf("consumer calls = %d, want 2", calls)
	}
}

func TestRestoreHistory(t *testing.T) {
	s, _, _ := newFakeSession(t)
	var got string
	s.SetOutputConsumer(func(text string) { got += text })

	if err := s.RestoreHistory("previous output\n"); err != nil {
		t.Fatalf("RestoreHistory: %v", err)
	}
	if got != "previous output\n" {
		t.Errorf("consumer got %q", got)
	}
	if text := s.State().Text; text != "previous output\n" {
		t.Errorf("buffer = %q", text)
	}
	if s.BufferedBytes() != len("previous output\n") {
		t.Errorf("BufferedBytes = %d", s.BufferedBytes())
	}
}

func TestRestoreHistoryAfterConnect(t *testing.T) {
	s, ch, _ := newFakeSession(t)
	var mu sync.Mutex
	var got []string
	s.SetOutputConsumer(func(text string) {
		mu.Lock()
		got = append(got, text)
		mu.Unlock()
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch.chunks <- []byte("live")

	if err := s.RestoreHistory("stale"); !errortypes.IsPrecondition(err) {
		t.Fatalf("RestoreHistory after Connect = %v, want PreconditionError", err)
	}
	close(ch.chunks)
	waitDone(t, s)

	if text := s.State().Text; text != "live" {
		t.Errorf("buffer = %q, want %q", text, "live")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "live" {
		t.Errorf("consumer calls = %q, want [live]", got)
	}
}

func TestScrollbackCap(t *testing.T) {
	ch := newFakeChannel()
	s := NewSession("s1", testConn(), PasswordAuth{}, Options{
		Transport:       &fakeTransport{ch: ch},
		ScrollbackBytes: 4,
		Log:             zerolog.Nop(),
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch.chunks <- []byte("abc")
	ch.chunks <- []byte("def")
	close(ch.chunks)
	waitDone(t, s)
	if text := s.State().Text; text != "cdef" {
		t.Errorf("buffer = %q, want %q", text, "cdef")
	}
}

func TestRecording(t *testing.T) {
	ch := newFakeChannel()
	s := NewSession("s1", testConn(), PasswordAuth{}, Options{
		Transport: &fakeTransport{ch: ch},
		Record:    true,
		Log:       zerolog.Nop(),
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.SendInput("ls\r"); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	ch.chunks <- []byte("file.txt\r\n")
	close(ch.chunks)
	waitDone(t, s)

	events := s.Recording().Events()
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Kind != EventInput || events[1].Kind != EventOutput || events[1].Data != "file.txt\r\n" {
		t.Errorf("events = %+v", events)
	}

	var out bytes.Buffer
	if err := s.Recording().WriteCast(&out, 80, 24, "alice @ web"); err != nil {
		t.Fatalf("WriteCast: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("cast lines = %q", lines)
	}
	if !strings.Contains(lines[0], `"version":2`) || !strings.Contains(lines[0], `"width":80`) {
		t.Errorf("header = %s", lines[0])
	}
	if !strings.Contains(lines[2], `"o","file.txt\r\n"`) {
		t.Errorf("output event = %s", lines[2])
	}
}

func TestRecordingLimit(t *testing.T) {
	r := NewRecording(2)
	for i := 0; i < 5; i++ {
		r.RecordOutput([]byte(fmt.Sprint(i)))
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestTabTitle(t *testing.T) {
	tests := []struct {
		hints Hints
		want  string
	}{
		{Hints{Application: "vim", Dir: "/etc"}, "alice @ vim"},
		{Hints{Dir: "/etc"}, "alice @ /etc"},
		{Hints{Dir: "/home/alice/projects/src"}, "alice @ .../src"},
		{Hints{Dir: "/averyveryverylongname"}, "alice @ /averyveryverylongname"},
		{Hints{}, "alice @ example.test"},
	}
	for _, tt := range tests {
		if got := tabTitle("alice", "example.test", tt.hints); got != tt.want {
			t.Errorf("tabTitle(%+v) = %q, want %q", tt.hints, got, tt.want)
		}
	}

	s, _, _ := newFakeSession(t)
	if got := s.TabTitle(); got != "alice @ ~" {
		t.Errorf("default title = %q", got)
	}
	s.SetHints(Hints{Application: "htop"})
	if got := s.TabTitle(); got != "alice @ htop" {
		t.Errorf("title = %q", got)
	}
}

func TestWorkingDirectoryFromOSC7(t *testing.T) {
	s, ch, _ := newFakeSession(t)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch.chunks <- []byte("\x1b]7;file://host/var/log\a$ ")
	close(ch.chunks)
	waitDone(t, s)
	if dir := s.State().Hints.Dir; dir != "/var/log" {
		t.Errorf("dir = %q", dir)
	}
}

func TestParseCwd(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"\x1b]7;file://h/a\a", "/a", true},
		{"\x1b]7;file://h/a\x1b\\ more \x1b]7;file://h/b\a", "/b", true},
		{"\x1b]7;file://h/a\a \x1b]7;file://h/partial", "/a", true},
		{"plain text", "", false},
		{"\x1b]7;http://h/a\a", "", false},
	}
	for _, tt := range tests {
		got, ok := parseCwd([]byte(tt.in))
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseCwd(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCompleteUTF8(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"abc", 3},
		{"a\xc3", 1},
		{"a\xc3\xa9", 3},
		{"\xe2\x82", 0},
		{"\xe2\x82\xac", 3},
		{"a\xff", 2},
	}
	for _, tt := range tests {
		if got := completeUTF8([]byte(tt.in)); got != tt.want {
			t.Errorf("completeUTF8(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
