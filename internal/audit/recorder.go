// Package audit fans engine events out to the configured sinks: a SQLite
// journal, a Redis stream and a websocket feed.
package audit

import (
	"context"
	"sync"
	"time"

	"etf_arb/internal/core"
	"etf_arb/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sink persists or forwards audit events
type Sink interface {
	Write(ctx context.Context, ev core.AuditEvent) error
}

type namedSink struct {
	name string
	sink Sink
}

// Recorder implements core.Recorder over a set of sinks. A failing sink is
// logged and never blocks the trading loop.
type Recorder struct {
	mu           sync.RWMutex
	sinks        []namedSink
	logger       core.ILogger
	writeTimeout time.Duration
}

// NewRecorder creates a recorder with no sinks
func NewRecorder(logger core.ILogger) *Recorder {
	return &Recorder{
		logger:       logger.WithField("component", "audit"),
		writeTimeout: 2 * time.Second,
	}
}

// Add registers a sink under name
func (r *Recorder) Add(name string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, namedSink{name: name, sink: sink})
}

// Sinks returns the registered sink names
func (r *Recorder) Sinks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sinks))
	for _, s := range r.sinks {
		names = append(names, s.name)
	}
	return names
}

// Record writes ev to every sink. Writes outlive the caller's cancellation
// so the events around a shutdown are still kept.
func (r *Recorder) Record(ctx context.Context, ev core.AuditEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	r.logger.Debug("Audit event", "kind", ev.Kind, "ticker", ev.Ticker, "action", ev.Action, "quantity", ev.Quantity, "reason", ev.Reason)

	r.mu.RLock()
	sinks := r.sinks
	r.mu.RUnlock()
	if len(sinks) == 0 {
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()
	for _, s := range sinks {
		if err := s.sink.Write(wctx, ev); err != nil {
			telemetry.GetGlobalMetrics().AuditFailures.Add(wctx, 1, metric.WithAttributes(attribute.String("sink", s.name)))
			r.logger.Warn("Audit sink write failed", "sink", s.name, "kind", ev.Kind, "error", err)
		}
	}
}
