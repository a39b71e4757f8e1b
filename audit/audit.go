// Package audit defines the audit sink consumed by the CA engine. Every
// engine operation reports exactly one event, success or failure.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status is the outcome of an audited operation.
type Status string

const (
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
)

// Event describes one security-relevant CA operation.
type Event struct {
	Name      string            // operation name, e.g. "enroll_cert"
	CA        string            // canonical CA name
	Requestor string            // requestor name, empty when unresolved
	TID       string            // transaction / correlation id
	Status    Status
	Level     slog.Level
	Time      time.Time
	Data      map[string]string
}

// Sink receives audit events. Implementations must be safe for concurrent
// use; Record must not fail the calling operation.
type Sink interface {
	Record(event Event)
}

// SlogSink writes audit events through a structured logger.
type SlogSink struct {
	logger *slog.Logger
}

var _ Sink = (*SlogSink)(nil)

// NewSlogSink returns a Sink logging through the given slog.Logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger.With("component", "audit")}
}

func (s *SlogSink) Record(event Event) {
	attrs := []slog.Attr{
		slog.String("event", event.Name),
		slog.String("ca", event.CA),
		slog.String("status", string(event.Status)),
		slog.String("tid", event.TID),
		slog.Time("time", event.Time),
	}
	if event.Requestor != "" {
		attrs = append(attrs, slog.String("requestor", event.Requestor))
	}
	for k, v := range event.Data {
		attrs = append(attrs, slog.String(k, v))
	}
	s.logger.LogAttrs(context.Background(), event.Level, "audit", attrs...)
}

// NopSink discards all events.
type NopSink struct{}

var _ Sink = NopSink{}

func (NopSink) Record(Event) {}

// Recorder captures events in memory. Intended for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ Sink = (*Recorder)(nil)

func (r *Recorder) Record(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
