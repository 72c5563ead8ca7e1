// Package eventlog records structured pipeline events.
package eventlog

import (
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TypeStatsPipeline is the event type emitted once per refresh decision.
const TypeStatsPipeline = "stats_pipeline"

// Event is one logged occurrence.
type Event struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Context map[string]any `json:"context"`
	At      time.Time      `json:"at"`
}

// Stage returns Context["stage"] as a string.
func (e Event) Stage() string {
	s, _ := e.Context["stage"].(string)
	return s
}

// Logger records events. Log never fails; sinks that can fail handle errors
// internally.
type Logger interface {
	Log(eventType string, fields map[string]any) Event
}

// New builds an event stamped with a fresh ID and the current time.
func New(eventType string, fields map[string]any) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Context: maps.Clone(fields),
		At:      time.Now().UTC(),
	}
}

// Sink receives an already built event. Zap, Recent and Postgres are sinks.
type Sink interface {
	write(Event)
}

// Multi fans one event out to several sinks and returns it once.
type Multi struct {
	sinks []Sink
}

// NewMulti combines sinks built by this package.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) Log(eventType string, fields map[string]any) Event {
	ev := New(eventType, fields)
	for _, s := range m.sinks {
		s.write(ev)
	}
	return ev
}

// Zap writes events to a zap logger.
type Zap struct {
	logger *zap.Logger
}

// NewZap creates a zap-backed sink. A nil logger discards events.
func NewZap(logger *zap.Logger) *Zap {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Zap{logger: logger}
}

func (z *Zap) Log(eventType string, fields map[string]any) Event {
	ev := New(eventType, fields)
	z.write(ev)
	return ev
}

func (z *Zap) write(ev Event) {
	fields := make([]zap.Field, 0, len(ev.Context)+2)
	fields = append(fields, zap.String("eventId", ev.ID), zap.String("type", ev.Type))
	for k, v := range ev.Context {
		fields = append(fields, zap.Any(k, v))
	}
	z.logger.Info("event", fields...)
}

// Recent keeps the last N events in memory for the admin API.
type Recent struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

// NewRecent creates a ring of capacity n (at least 1).
func NewRecent(n int) *Recent {
	return &Recent{buf: make([]Event, max(n, 1))}
}

func (r *Recent) Log(eventType string, fields map[string]any) Event {
	ev := New(eventType, fields)
	r.write(ev)
	return ev
}

func (r *Recent) write(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Events returns stored events, newest first.
func (r *Recent) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
