package sshterminal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Event kinds in a recording.
const (
	EventOutput = "o"
	EventInput  = "i"
)

// RecordingEvent is one timestamped chunk of terminal I/O.
type RecordingEvent struct {
	Elapsed float64
	Kind    string
	Data    string
}

// Recording captures session I/O and writes it as an asciicast v2 file.
// It is safe for concurrent use.
type Recording struct {
	mu        sync.Mutex
	events    []RecordingEvent
	start     time.Time
	maxEvents int
	now       func() time.Time
}

// NewRecording starts a recording. maxEvents <= 0 means unlimited; once the
// limit is reached further events are dropped.
func NewRecording(maxEvents int) *Recording {
	return &Recording{
		start:     time.Now(),
		maxEvents: maxEvents,
		now:       time.Now,
	}
}

func (r *Recording) record(kind string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxEvents > 0 && len(r.events) >= r.maxEvents {
		return
	}
	r.events = append(r.events, RecordingEvent{
		Elapsed: r.now().Sub(r.start).Seconds(),
		Kind:    kind,
		Data:    string(data),
	})
}

// RecordOutput appends remote output.
func (r *Recording) RecordOutput(data []byte) { r.record(EventOutput, data) }

// RecordInput appends local keystrokes.
func (r *Recording) RecordInput(data []byte) { r.record(EventInput, data) }

// Events returns a copy of the recorded events.
func (r *Recording) Events() []RecordingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordingEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Len returns the number of recorded events.
func (r *Recording) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type castHeader struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// WriteCast writes the recording in asciicast v2 format: a JSON header line
// followed by one [elapsed, kind, data] array per event.
func (r *Recording) WriteCast(w io.Writer, cols, rows int, title string) error {
	r.mu.Lock()
	events := make([]RecordingEvent, len(r.events))
	copy(events, r.events)
	start := r.start
	r.mu.Unlock()

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	header := castHeader{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: start.Unix(),
		Title:     title,
		Env:       map[string]string{"TERM": DefaultTerm},
	}
	if err := enc.Encode(header); err != nil {
		return fmt.Errorf("write cast header: %w", err)
	}
	for _, ev := range events {
		if err := enc.Encode([]any{ev.Elapsed, ev.Kind, ev.Data}); err != nil {
			return fmt.Errorf("write cast event: %w", err)
		}
	}
	return bw.Flush()
}
