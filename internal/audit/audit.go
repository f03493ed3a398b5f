// Package audit keeps a bounded, append-only trail of security events.
//
// The log holds at most Capacity entries; once full, the oldest entry is
// evicted on every append (FIFO). Every append rewrites the persisted buffer
// in the plain tier; at this bound that is a scaling limit, not a correctness
// one. The log performs no notification I/O itself: appended
// events are handed to registered sinks after the write is durable.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/payguard/internal/idgen"
	"github.com/mbd888/payguard/internal/storage"
)

// Capacity is the maximum number of retained events.
const Capacity = 100

// EventsTotal counts appended audit events by level.
var EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "payguard",
	Subsystem: "audit",
	Name:      "events_total",
	Help:      "Total security events appended by level.",
}, []string{"level"})

func init() {
	prometheus.MustRegister(EventsTotal)
}

// Level is the severity of a security event.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event is one immutable audit entry.
type Event struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Level     Level             `json:"level"`
	Timestamp time.Time         `json:"timestamp"`
	Platform  string            `json:"platform,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sink consumes events after they have been durably appended.
type Sink interface {
	Consume(event Event)
}

// Log is the capacity-bounded audit log. Appends are serialized behind a
// single mutex: the persisted buffer is read-modify-write and unsynchronized
// concurrent appends would lose events.
type Log struct {
	store    storage.Store
	logger   *slog.Logger
	platform string

	mu    sync.Mutex
	sinks []Sink
}

// New creates an audit log backed by the plain tier.
func New(store storage.Store, logger *slog.Logger) *Log {
	return &Log{store: store, logger: logger}
}

// WithPlatform stamps every appended event with a platform tag.
func (l *Log) WithPlatform(platform string) *Log {
	l.platform = platform
	return l
}

// Subscribe registers a sink for appended events.
func (l *Log) Subscribe(s Sink) {
	l.mu.Lock()
	l.sinks = append(l.sinks, s)
	l.mu.Unlock()
}

// Append adds an event to the log, evicting the oldest entry if the log is
// full, and persists the whole buffer. Sinks run only after the persist
// succeeds.
func (l *Log) Append(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = idgen.WithPrefix("evt_")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}
	if event.Platform == "" {
		event.Platform = l.platform
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.load(ctx)
	if err != nil {
		return err
	}

	events = append(events, event)
	if len(events) > Capacity {
		events = events[len(events)-Capacity:]
	}

	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}
	if err := l.store.Set(ctx, storage.KeySecurityEvents, data); err != nil {
		return fmt.Errorf("failed to persist events: %w", err)
	}

	EventsTotal.WithLabelValues(string(event.Level)).Inc()

	for _, s := range l.sinks {
		s.Consume(event)
	}
	return nil
}

// Record is a convenience wrapper that builds and appends an event. Failures
// are logged, not returned: callers audit as a side effect of their own
// operation and must not fail because the trail is unavailable.
func (l *Log) Record(ctx context.Context, name string, level Level, metadata map[string]string) {
	if err := l.Append(ctx, Event{Name: name, Level: level, Metadata: metadata}); err != nil {
		l.logger.Warn("audit append failed", "event", name, "error", err)
	}
}

// List returns events in chronological order, optionally filtered by level.
// Read failures degrade to an empty list.
func (l *Log) List(ctx context.Context, levelFilter Level) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.load(ctx)
	if err != nil {
		l.logger.Warn("audit read failed", "error", err)
		return []Event{}
	}
	if levelFilter == "" {
		return events
	}

	filtered := make([]Event, 0, len(events))
	for _, e := range events {
		if e.Level == levelFilter {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// load reads the persisted buffer. Caller holds l.mu.
func (l *Log) load(ctx context.Context) ([]Event, error) {
	data, err := l.store.Get(ctx, storage.KeySecurityEvents)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}

	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		// Corrupt buffer: start fresh rather than wedge the log.
		l.logger.Warn("audit buffer corrupt, resetting", "error", err)
		return nil, nil
	}
	return events, nil
}
