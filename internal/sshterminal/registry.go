package sshterminal

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gluk-w/ttyvault/internal/logging"
)

// Listener is notified synchronously when sessions are created or closed.
type Listener interface {
	SessionCreated(s *Session)
	SessionClosed(s *Session)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Created func(s *Session)
	Closed  func(s *Session)
}

func (l ListenerFuncs) SessionCreated(s *Session) {
	if l.Created != nil {
		l.Created(s)
	}
}

func (l ListenerFuncs) SessionClosed(s *Session) {
	if l.Closed != nil {
		l.Closed(s)
	}
}

// Registry tracks the live sessions of the process. Reads are lock-free.
type Registry struct {
	sessions sync.Map // session ID → *Session
	opts     Options
	log      zerolog.Logger

	mu        sync.Mutex
	listeners []Listener
}

// NewRegistry creates a registry whose sessions are built with opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts: opts,
		log:  logging.Component(opts.Log, "session-registry"),
	}
}

// AddListener registers l for future events.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Create registers a new, unconnected session for conn.
func (r *Registry) Create(conn Connection, auth AuthMethod) *Session {
	s := NewSession(uuid.New().String(), conn, auth, r.opts)
	r.sessions.Store(s.ID(), s)
	r.log.Info().Str("session_id", s.ID()).Str("connection", logging.Sanitize(conn.DisplayName())).Msg("session created")
	r.fire("created", s, Listener.SessionCreated)
	return s
}

// Close removes and disconnects the session. Unknown ids are ignored.
func (r *Registry) Close(id string) {
	v, ok := r.sessions.LoadAndDelete(id)
	if !ok {
		return
	}
	s := v.(*Session)
	s.Disconnect()
	r.log.Info().Str("session_id", id).Msg("session closed")
	r.fire("closed", s, Listener.SessionClosed)
}

// CloseAll closes every registered session.
func (r *Registry) CloseAll() {
	r.sessions.Range(func(key, _ any) bool {
		r.Close(key.(string))
		return true
	})
}

func (r *Registry) fire(event string, s *Session, call func(Listener, *Session)) {
	r.mu.Lock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()
	for _, l := range listeners {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error().Interface("panic", p).Str("event", event).Str("session_id", s.ID()).Msg("session listener panicked")
				}
			}()
			call(l, s)
		}()
	}
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// All returns every registered session, oldest first.
func (r *Registry) All() []*Session {
	var out []*Session
	r.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].createdAt.Before(out[j].createdAt) })
	return out
}

// TotalBufferedBytes sums the buffer sizes of all sessions.
func (r *Registry) TotalBufferedBytes() int {
	total := 0
	r.sessions.Range(func(_, v any) bool {
		total += v.(*Session).BufferedBytes()
		return true
	})
	return total
}

// ActiveCount returns the number of connected sessions.
func (r *Registry) ActiveCount() int {
	n := 0
	r.sessions.Range(func(_, v any) bool {
		if v.(*Session).IsConnected() {
			n++
		}
		return true
	})
	return n
}

// States returns a snapshot of every session keyed by id.
func (r *Registry) States() map[string]Snapshot {
	out := make(map[string]Snapshot)
	r.sessions.Range(func(k, v any) bool {
		out[k.(string)] = v.(*Session).State()
		return true
	})
	return out
}

// ActiveConnectionNames lists the distinct connection names with a
// connected session, sorted.
func (r *Registry) ActiveConnectionNames() []string {
	seen := make(map[string]bool)
	r.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		if s.IsConnected() {
			seen[s.conn.DisplayName()] = true
		}
		return true
	})
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
