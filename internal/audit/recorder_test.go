package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"etf_arb/internal/core"
	"etf_arb/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu     sync.Mutex
	events []core.AuditEvent
	ctxErr []error
	err    error
}

func (m *memorySink) Write(ctx context.Context, ev core.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	m.ctxErr = append(m.ctxErr, ctx.Err())
	return m.err
}

func TestRecorder_FansOutToEverySink(t *testing.T) {
	r := NewRecorder(logging.NewNop())
	failing := &memorySink{err: errors.New("disk full")}
	ok := &memorySink{}
	r.Add("journal", failing)
	r.Add("stream", ok)

	r.Record(context.Background(), core.AuditEvent{Kind: core.AuditTenderDecision, Ticker: "RITC"})

	assert.Equal(t, []string{"journal", "stream"}, r.Sinks())
	require.Len(t, failing.events, 1)
	require.Len(t, ok.events, 1, "a failing sink does not starve the others")
	assert.False(t, ok.events[0].Time.IsZero(), "time is filled in")
}

func TestRecorder_WritesSurviveCancellation(t *testing.T) {
	r := NewRecorder(logging.NewNop())
	sink := &memorySink{}
	r.Add("journal", sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Record(ctx, core.AuditEvent{Kind: core.AuditUnwind})

	require.Len(t, sink.events, 1)
	assert.NoError(t, sink.ctxErr[0])
}

func TestRecorder_NoSinks(t *testing.T) {
	r := NewRecorder(logging.NewNop())
	assert.NotPanics(t, func() {
		r.Record(context.Background(), core.AuditEvent{Kind: core.AuditStatus})
	})
	assert.Empty(t, r.Sinks())
}
