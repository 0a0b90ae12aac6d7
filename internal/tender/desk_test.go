package tender

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"etf_arb/internal/core"
	"etf_arb/internal/execution"
	"etf_arb/internal/mock"
	"etf_arb/internal/unwind"
	apperrors "etf_arb/pkg/errors"
	"etf_arb/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUnwinder struct {
	venue *mock.Venue
	plans []unwind.Plan
	// positions seen when each unwind started
	seen []int64
	err  error
}

func (f *fakeUnwinder) Flatten(_ context.Context, plan unwind.Plan) (*unwind.Report, error) {
	f.plans = append(f.plans, plan)
	pos := f.venue.Position("RITC")
	f.seen = append(f.seen, pos)
	f.venue.SetPosition("RITC", 0)
	return &unwind.Report{StartPosition: pos}, f.err
}

type captureRecorder struct {
	events []core.AuditEvent
}

func (c *captureRecorder) Record(_ context.Context, ev core.AuditEvent) {
	c.events = append(c.events, ev)
}

func newDesk(v *mock.Venue, u Unwinder, risk RiskConfig) (*Desk, *captureRecorder) {
	rec := &captureRecorder{}
	return NewDesk(v, u, params, risk, rec, logging.NewNop()), rec
}

func TestProcess_AcceptsAndUnwindsBeforeNextOffer(t *testing.T) {
	v := mock.NewVenue()
	v.SetOffers(
		core.TenderOffer{ID: 1, Ticker: "RITC", Side: core.SideBuy, Quantity: 20000, Price: d("19.50"), FixedBid: true},
		core.TenderOffer{ID: 2, Ticker: "RITC", Side: core.SideSell, Quantity: 15000, Price: d("20.50"), FixedBid: true},
	)
	u := &fakeUnwinder{venue: v}
	desk, rec := newDesk(v, u, RiskConfig{})

	val := flatValuation("20.00", "0.05")
	val.PreferConversion = true
	outcomes, err := desk.Process(context.Background(), val)
	require.NoError(t, err)

	require.Len(t, outcomes, 2)
	assert.Equal(t, []int64{1, 2}, v.Accepted)
	assert.Equal(t, []int64{20000, -15000}, u.seen, "each unwind sees only its own offer")
	require.Len(t, u.plans, 2)
	assert.True(t, u.plans[0].PreferConversion)
	assert.Equal(t, int64(1), u.plans[0].TenderID)
	assert.NotNil(t, outcomes[0].Unwind)
	assert.Len(t, rec.events, 2)
	assert.Equal(t, core.AuditTenderDecision, rec.events[0].Kind)
	assert.Equal(t, "0.5", rec.events[0].Details["edge"])
}

func TestProcess_DeclinesAreSentExplicitly(t *testing.T) {
	v := mock.NewVenue()
	v.SetOffers(
		core.TenderOffer{ID: 3, Ticker: "RITC", Side: core.SideBuy, Quantity: 1000, Price: d("19.97"), FixedBid: true},
		core.TenderOffer{ID: 4, Ticker: "BULL", Side: core.SideBuy, Quantity: 1000, Price: d("1"), FixedBid: true},
		core.TenderOffer{ID: 5, Ticker: "RITC", Quantity: 1000, Price: d("19"), FixedBid: true, Invalid: fmt.Errorf("action: %w", apperrors.ErrMissingField)},
	)
	u := &fakeUnwinder{venue: v}
	desk, rec := newDesk(v, u, RiskConfig{})

	outcomes, err := desk.Process(context.Background(), flatValuation("20.00", "0.05"))
	require.NoError(t, err)

	assert.Equal(t, []int64{3, 4, 5}, v.Declined)
	assert.Empty(t, v.Accepted)
	assert.Empty(t, u.plans)
	assert.Equal(t, ReasonBelowThreshold, outcomes[0].Reason)
	assert.Equal(t, ReasonWrongTicker, outcomes[1].Reason)
	assert.Equal(t, ReasonMalformed, outcomes[2].Reason)
	for _, o := range outcomes {
		assert.True(t, o.Sent)
	}
	assert.Contains(t, rec.events[2].Details["error"], "missing")
}

func TestProcess_RiskLimitGate(t *testing.T) {
	tests := []struct {
		name     string
		limits   []core.RiskLimit
		risk     RiskConfig
		position int64
		accepted bool
	}{
		{"within gross", []core.RiskLimit{{Name: "LIMIT-STOCK", GrossLimit: d("100000")}}, RiskConfig{GrossWeight: d("2")}, 10000, true},
		// 2*30000 + 2*20000 = 100000 is not above the limit
		{"at gross", []core.RiskLimit{{Name: "LIMIT-STOCK", GrossLimit: d("100000")}}, RiskConfig{GrossWeight: d("2")}, 30000, true},
		{"over gross", []core.RiskLimit{{Name: "LIMIT-STOCK", GrossLimit: d("100000")}}, RiskConfig{GrossWeight: d("2")}, 30001, false},
		{"over net", []core.RiskLimit{{Name: "LIMIT-STOCK", NetLimit: d("50000")}}, RiskConfig{}, 31000, false},
		{"fallback gross", nil, RiskConfig{GrossWeight: d("2"), GrossLimitFallback: d("50000")}, 10000, false},
		{"no limits known", nil, RiskConfig{}, 500000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := mock.NewVenue()
			v.SetPosition("RITC", tt.position)
			v.SetLimits(tt.limits...)
			v.SetOffers(core.TenderOffer{ID: 9, Ticker: "RITC", Side: core.SideBuy, Quantity: 20000, Price: d("19.50"), FixedBid: true})
			desk, _ := newDesk(v, &fakeUnwinder{venue: v}, tt.risk)

			outcomes, err := desk.Process(context.Background(), flatValuation("20.00", "0.05"))
			require.NoError(t, err)
			require.Len(t, outcomes, 1)
			assert.Equal(t, tt.accepted, outcomes[0].Accepted())
			if !tt.accepted {
				assert.Equal(t, ReasonRiskLimit, outcomes[0].Reason)
				assert.Equal(t, []int64{9}, v.Declined)
			}
		})
	}
}

func TestProcess_NotFoundIsNotAnError(t *testing.T) {
	v := mock.NewVenue()
	v.SetOffers(core.TenderOffer{ID: 1, Ticker: "RITC", Side: core.SideBuy, Quantity: 100, Price: d("19.50"), FixedBid: true})
	v.Fail["AcceptTender"] = fmt.Errorf("tender 1: %w", apperrors.ErrNotFound)
	u := &fakeUnwinder{venue: v}
	desk, _ := newDesk(v, u, RiskConfig{})

	outcomes, err := desk.Process(context.Background(), flatValuation("20.00", "0.05"))
	require.NoError(t, err)
	assert.False(t, outcomes[0].Sent)
	assert.Empty(t, u.plans, "nothing to unwind when the accept did not land")
}

func TestProcess_AuthFailureStops(t *testing.T) {
	v := mock.NewVenue()
	v.SetOffers(
		core.TenderOffer{ID: 1, Ticker: "RITC", Side: core.SideBuy, Quantity: 100, Price: d("19.99"), FixedBid: true},
		core.TenderOffer{ID: 2, Ticker: "RITC", Side: core.SideBuy, Quantity: 100, Price: d("19.99"), FixedBid: true},
	)
	v.Fail["DeclineTender"] = apperrors.ErrAuthenticationFailed
	desk, _ := newDesk(v, nil, RiskConfig{})

	outcomes, err := desk.Process(context.Background(), flatValuation("20.00", "0.05"))
	assert.ErrorIs(t, err, apperrors.ErrAuthenticationFailed)
	assert.Len(t, outcomes, 1)
}

func TestProcess_TransientResolveErrorContinues(t *testing.T) {
	v := mock.NewVenue()
	v.SetOffers(core.TenderOffer{ID: 1, Ticker: "RITC", Side: core.SideBuy, Quantity: 100, Price: d("19.99"), FixedBid: true})
	v.Fail["DeclineTender"] = errors.New("503")
	desk, _ := newDesk(v, nil, RiskConfig{})

	outcomes, err := desk.Process(context.Background(), flatValuation("20.00", "0.05"))
	require.NoError(t, err)
	assert.False(t, outcomes[0].Sent)
}

func TestProcess_NonFixedBidSendsPrice(t *testing.T) {
	v := mock.NewVenue()
	v.SetOffers(
		core.TenderOffer{ID: 1, Ticker: "RITC", Side: core.SideBuy, Quantity: 100},
		core.TenderOffer{ID: 2, Ticker: "RITC", Side: core.SideBuy, Quantity: 100, Price: d("19.50"), FixedBid: true},
	)
	desk, _ := newDesk(v, &fakeUnwinder{venue: v}, RiskConfig{})

	_, err := desk.Process(context.Background(), flatValuation("20.00", "0.05"))
	require.NoError(t, err)

	require.NotNil(t, v.AcceptPrices[1])
	assert.True(t, d("19.94").Equal(*v.AcceptPrices[1]))
	assert.Nil(t, v.AcceptPrices[2], "fixed bids are accepted without a price")
}

func TestProcess_TendersUnavailable(t *testing.T) {
	v := mock.NewVenue()
	v.Fail["Tenders"] = apperrors.ErrTransientServer
	desk, _ := newDesk(v, nil, RiskConfig{})

	_, err := desk.Process(context.Background(), flatValuation("20", "0.05"))
	assert.ErrorIs(t, err, apperrors.ErrTransientServer)
}

func TestProcess_WithRealController(t *testing.T) {
	v := mock.NewVenue()
	v.SetOffers(core.TenderOffer{ID: 1, Ticker: "RITC", Side: core.SideSell, Quantity: 25000, Price: d("20.50"), FixedBid: true})

	ctrl := unwind.NewController(v, &instantSlicer{v: v}, unwind.Config{Composite: "RITC", BlockSize: 10000}, nil, logging.NewNop())
	desk, _ := newDesk(v, ctrl, RiskConfig{})

	val := flatValuation("20.00", "0.30")
	val.PreferConversion = true
	outcomes, err := desk.Process(context.Background(), val)
	require.NoError(t, err)

	require.NotNil(t, outcomes[0].Unwind)
	assert.Equal(t, int64(2), outcomes[0].Unwind.Blocks)
	assert.Equal(t, core.ConversionCreate, outcomes[0].Unwind.Direction)
	assert.Zero(t, v.Position("RITC"))
	assert.True(t, outcomes[0].Unwind.Resolved())
}

// instantSlicer fills everything with one market order
type instantSlicer struct{ v *mock.Venue }

func (s *instantSlicer) Execute(ctx context.Context, req execution.Request) execution.Result {
	_, err := s.v.SubmitOrder(ctx, core.OrderIntent{Ticker: req.Ticker, Side: req.Side, Quantity: req.Quantity, Kind: core.OrderKindAggressive})
	if err != nil {
		return execution.Result{Ticker: req.Ticker, Side: req.Side, Requested: req.Quantity, Unexecuted: req.Quantity, Err: err}
	}
	return execution.Result{Ticker: req.Ticker, Side: req.Side, Requested: req.Quantity, Executed: req.Quantity}
}
