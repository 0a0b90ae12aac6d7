package execution

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"etf_arb/internal/core"
	"etf_arb/internal/mock"
	"etf_arb/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = append(s.sleeps, d)
	return ctx.Err()
}

type captureRecorder struct {
	mu     sync.Mutex
	events []core.AuditEvent
}

func (c *captureRecorder) Record(_ context.Context, ev core.AuditEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureRecorder) kinds() []core.AuditKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.AuditKind, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newSlicer(v *mock.Venue, cfg Config) (*Slicer, *sleepRecorder, *captureRecorder) {
	sleeper := &sleepRecorder{}
	rec := &captureRecorder{}
	return NewSlicer(v, cfg, rec, logging.NewNop(), WithSleeper(sleeper.sleep)), sleeper, rec
}

func hint(s string) *decimal.Decimal {
	p := decimal.RequireFromString(s)
	return &p
}

func TestClips(t *testing.T) {
	assert.Equal(t, []int64{10000, 10000, 5000}, Clips(25000, 10000))
	assert.Equal(t, []int64{10000}, Clips(10000, 10000))
	assert.Equal(t, []int64{1}, Clips(1, 10000))
	assert.Nil(t, Clips(0, 10000))
	assert.Nil(t, Clips(100, 0))
}

func TestClips_Property(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		q := r.Int63n(200000) + 1
		m := r.Int63n(15000) + 1

		clips := Clips(q, m)
		assert.Len(t, clips, int((q+m-1)/m))
		var sum int64
		for _, c := range clips {
			assert.LessOrEqual(t, c, m)
			assert.Positive(t, c)
			sum += c
		}
		assert.Equal(t, q, sum)
	}
}

func TestExecute_AggressiveOnly(t *testing.T) {
	v := mock.NewVenue()
	s, sleeper, _ := newSlicer(v, Config{MaxOrderSize: 10000, ClipPause: 100 * time.Millisecond})

	res := s.Execute(context.Background(), Request{Ticker: "RITC", Side: core.SideSell, Quantity: 25000})

	require.NoError(t, res.Err)
	assert.Equal(t, int64(25000), res.Executed)
	assert.Zero(t, res.Unexecuted)
	assert.Equal(t, int64(-25000), v.Position("RITC"))
	require.Len(t, v.Orders, 3)
	for _, o := range v.Orders {
		assert.Equal(t, core.OrderKindAggressive, o.Kind)
		assert.LessOrEqual(t, o.Quantity, int64(10000))
	}
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond}, sleeper.sleeps, "pause between clips")
}

func TestExecute_ZeroWaitCountsOnlyImmediateFill(t *testing.T) {
	v := mock.NewVenue()
	v.PassiveFillRatio = 0.5
	s, _, _ := newSlicer(v, Config{
		MaxOrderSize:   10000,
		PassiveEnabled: true,
		LimitImprove:   decimal.RequireFromString("0.01"),
	})

	res := s.Execute(context.Background(), Request{Ticker: "RITC", Side: core.SideBuy, Quantity: 15000, PriceHint: hint("25.02")})

	require.NoError(t, res.Err)
	assert.Equal(t, int64(15000), res.Executed)
	assert.Equal(t, int64(15000), v.Position("RITC"))
	require.Len(t, res.Clips, 2)
	assert.Equal(t, int64(5000), res.Clips[0].PassiveFilled)
	assert.Equal(t, int64(5000), res.Clips[0].Aggressive)
	assert.Equal(t, int64(2500), res.Clips[1].PassiveFilled)
	assert.Equal(t, int64(2500), res.Clips[1].Aggressive)

	require.Len(t, v.Orders, 4)
	assert.Equal(t, core.OrderKindPassive, v.Orders[0].Kind)
	assert.Equal(t, "25.03", v.Orders[0].LimitPrice.String())
	assert.Equal(t, core.OrderKindAggressive, v.Orders[1].Kind)
	assert.Len(t, v.Cancelled, 2, "unfilled limits are pulled before the market order")
	assert.Empty(t, s.Resting())
	assert.Empty(t, v.RestingOrders())
}

func TestExecute_ZeroWaitUnfilledLimitGoesToMarket(t *testing.T) {
	v := mock.NewVenue()
	s, _, _ := newSlicer(v, Config{MaxOrderSize: 10000, PassiveEnabled: true})

	res := s.Execute(context.Background(), Request{Ticker: "BEAR", Side: core.SideSell, Quantity: 3000, PriceHint: hint("9.99")})

	require.NoError(t, res.Err)
	assert.Zero(t, res.Clips[0].PassiveFilled)
	assert.Equal(t, int64(3000), res.Clips[0].Aggressive)
	assert.True(t, res.Clips[0].FellBack)
	assert.Equal(t, int64(-3000), v.Position("BEAR"))
	assert.Empty(t, v.RestingOrders())
}

func TestExecute_FailedCancelHaltsClip(t *testing.T) {
	v := mock.NewVenue()
	v.PassiveFillRatio = 0.4
	v.Fail["CancelOrder"] = errors.New("venue busy")
	s, _, rec := newSlicer(v, Config{MaxOrderSize: 10000, PassiveEnabled: true, PassiveWait: time.Millisecond})

	res := s.Execute(context.Background(), Request{Ticker: "RITC", Side: core.SideBuy, Quantity: 20000, PriceHint: hint("25")})

	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrOrderStillResting)
	assert.ErrorContains(t, res.Err, "venue busy")
	assert.Equal(t, int64(4000), res.Executed, "only the passive fill counts")
	assert.Equal(t, int64(16000), res.Unexecuted)
	assert.Equal(t, res.Requested, res.Executed+res.Unexecuted)

	require.Len(t, v.Orders, 1, "no market order while the limit may still fill")
	assert.Equal(t, int64(4000), v.Position("RITC"))
	require.Len(t, res.Clips, 1)
	assert.False(t, res.Clips[0].FellBack)
	assert.Equal(t, []int64{1001}, s.Resting())
	assert.Equal(t, []int64{1001}, v.RestingOrders())
	assert.NotContains(t, rec.kinds(), core.AuditFallback)
}

func TestExecute_PassivePartialFillFallsBack(t *testing.T) {
	v := mock.NewVenue()
	v.PassiveFillRatio = 0.4
	s, sleeper, rec := newSlicer(v, Config{
		MaxOrderSize:   10000,
		PassiveEnabled: true,
		LimitImprove:   decimal.RequireFromString("0.01"),
		PassiveWait:    600 * time.Millisecond,
	})

	res := s.Execute(context.Background(), Request{Ticker: "RITC", Side: core.SideSell, Quantity: 10000, PriceHint: hint("24.98")})

	require.NoError(t, res.Err)
	assert.Equal(t, int64(-10000), v.Position("RITC"), "remainder sent aggressively")
	require.Len(t, res.Clips, 1)
	assert.Equal(t, int64(4000), res.Clips[0].PassiveFilled)
	assert.Equal(t, int64(6000), res.Clips[0].Aggressive)
	assert.True(t, res.Clips[0].FellBack)

	require.Len(t, v.Orders, 2)
	assert.Equal(t, "24.97", v.Orders[0].LimitPrice.String())
	assert.Equal(t, int64(6000), v.Orders[1].Quantity)
	assert.Len(t, v.Cancelled, 1)
	assert.Empty(t, s.Resting())
	assert.Equal(t, []time.Duration{600 * time.Millisecond}, sleeper.sleeps)
	assert.Contains(t, rec.kinds(), core.AuditFallback)
}

func TestExecute_PassiveFullFillNeedsNoFallback(t *testing.T) {
	v := mock.NewVenue()
	v.PassiveFillRatio = 1
	s, _, _ := newSlicer(v, Config{MaxOrderSize: 10000, PassiveEnabled: true, PassiveWait: time.Second})

	res := s.Execute(context.Background(), Request{Ticker: "BULL", Side: core.SideBuy, Quantity: 8000, PriceHint: hint("12.01")})

	require.NoError(t, res.Err)
	assert.Len(t, v.Orders, 1)
	assert.False(t, res.Clips[0].FellBack)
	assert.Empty(t, s.Resting(), "already-filled order counts as cancelled")
}

func TestExecute_RejectedPassiveFallsBack(t *testing.T) {
	v := mock.NewVenue()
	v.RejectPassive = true
	s, _, _ := newSlicer(v, Config{MaxOrderSize: 5000, PassiveEnabled: true})

	res := s.Execute(context.Background(), Request{Ticker: "RITC", Side: core.SideBuy, Quantity: 5000, PriceHint: hint("25")})

	require.NoError(t, res.Err)
	assert.Equal(t, int64(5000), v.Position("RITC"))
	assert.True(t, res.Clips[0].FellBack)
}

func TestExecute_AggressiveFailureReportsAllRemainingClips(t *testing.T) {
	v := mock.NewVenue()
	v.RejectPassive = true
	v.FailAggressiveFrom = 2
	s, _, rec := newSlicer(v, Config{MaxOrderSize: 10000, PassiveEnabled: true})

	res := s.Execute(context.Background(), Request{Ticker: "RITC", Side: core.SideSell, Quantity: 35000, PriceHint: hint("25")})

	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, mock.ErrRejected)
	assert.Equal(t, int64(10000), res.Executed)
	assert.Equal(t, int64(25000), res.Unexecuted, "failing clip plus every later clip")
	assert.Equal(t, res.Requested, res.Executed+res.Unexecuted)
	assert.Len(t, res.Clips, 2, "no clips attempted after the failure")
	assert.Contains(t, rec.kinds(), core.AuditExecution)
}

func TestExecute_PartialPassiveThenAggressiveFailure(t *testing.T) {
	v := mock.NewVenue()
	v.PassiveFillRatio = 0.25
	v.FailAggressiveFrom = 1
	s, _, _ := newSlicer(v, Config{MaxOrderSize: 10000, PassiveEnabled: true, PassiveWait: time.Millisecond})

	res := s.Execute(context.Background(), Request{Ticker: "RITC", Side: core.SideBuy, Quantity: 20000, PriceHint: hint("25")})

	require.Error(t, res.Err)
	assert.Equal(t, int64(2500), res.Executed)
	assert.Equal(t, int64(17500), res.Unexecuted)
}

func TestExecute_InvalidRequest(t *testing.T) {
	s, _, _ := newSlicer(mock.NewVenue(), Config{MaxOrderSize: 100})

	res := s.Execute(context.Background(), Request{Ticker: "RITC", Quantity: 50})
	assert.Error(t, res.Err)
	assert.Equal(t, int64(50), res.Unexecuted)

	res = s.Execute(context.Background(), Request{Ticker: "RITC", Side: core.SideBuy})
	assert.NoError(t, res.Err)
	assert.Zero(t, res.Requested)
}

func TestCancelResting(t *testing.T) {
	v := mock.NewVenue()
	v.Fail["CancelOrder"] = errors.New("venue busy")
	s, _, _ := newSlicer(v, Config{MaxOrderSize: 10000, PassiveEnabled: true, PassiveWait: time.Millisecond})

	_ = s.Execute(context.Background(), Request{Ticker: "RITC", Side: core.SideBuy, Quantity: 1000, PriceHint: hint("25")})
	require.Len(t, s.Resting(), 1, "order stays tracked when its cancel fails")

	assert.Error(t, s.CancelResting(context.Background()))
	assert.Len(t, s.Resting(), 1)

	delete(v.Fail, "CancelOrder")
	require.NoError(t, s.CancelResting(context.Background()))
	assert.Empty(t, s.Resting())
	assert.Empty(t, v.RestingOrders())
}
