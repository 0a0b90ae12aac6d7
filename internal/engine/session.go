// Package engine runs the single sequential decision loop of a trading session
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"etf_arb/internal/core"
	"etf_arb/internal/execution"
	"etf_arb/internal/market"
	"etf_arb/internal/pricing"
	"etf_arb/internal/tender"
	"etf_arb/internal/unwind"
	apperrors "etf_arb/pkg/errors"
	"etf_arb/pkg/retry"
	"etf_arb/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Venue is what the session itself calls directly
type Venue interface {
	CaseStatus(ctx context.Context) (*core.CaseStatus, error)
	CancelAll(ctx context.Context) error
}

// Snapshotter produces one market snapshot per cycle
type Snapshotter interface {
	Snapshot(ctx context.Context) (*market.Snapshot, error)
}

// TenderDesk resolves pending offers
type TenderDesk interface {
	Process(ctx context.Context, val pricing.Valuation) ([]tender.Outcome, error)
}

// Unwinder flattens residual inventory
type Unwinder interface {
	Flatten(ctx context.Context, plan unwind.Plan) (*unwind.Report, error)
	Residual(positions map[string]int64) map[string]int64
}

// Executor is the slicer as seen by the session
type Executor interface {
	Execute(ctx context.Context, req execution.Request) execution.Result
	CancelResting(ctx context.Context) error
}

// SpotArbConfig controls opportunistic composite-vs-basket trades
type SpotArbConfig struct {
	Enabled         bool
	CompositeClip   int64
	MinRelativeEdge decimal.Decimal
	Cooldown        time.Duration
}

// Config is the session-level configuration
type Config struct {
	TickLimit        int
	PollInterval     time.Duration
	StatusEveryTicks int
	CancelOnExit     bool
	ShutdownTimeout  time.Duration
	Costs            pricing.Costs
	Params           tender.Params
	SpotArb          SpotArbConfig
}

// Deps bundles the collaborators of a session
type Deps struct {
	// SessionID is generated when empty
	SessionID string
	Venue     Venue
	Reader    Snapshotter
	Desk      TenderDesk
	Unwinder  Unwinder
	Slicer    Executor
	Recorder  core.Recorder
	Logger    core.ILogger
}

// Option configures a Session
type Option func(*Session)

// WithSleeper replaces the poll and cooldown wait
func WithSleeper(sleep retry.SleepFunc) Option {
	return func(s *Session) { s.sleep = sleep }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithHeartbeat is called after every cycle that completed without error
func WithHeartbeat(beat func()) Option {
	return func(s *Session) { s.beat = beat }
}

// Session is one run of the decision loop against one venue session
type Session struct {
	id  string
	rel core.CompositeRelationship
	cfg Config

	venue    Venue
	reader   Snapshotter
	desk     TenderDesk
	unwinder Unwinder
	slicer   Executor
	recorder core.Recorder
	logger   core.ILogger

	sleep retry.SleepFunc
	now   func() time.Time
	beat  func()

	lastTick     int
	cycles       int
	spotCooldown time.Time
}

// NewSession wires a session
func NewSession(rel core.CompositeRelationship, cfg Config, deps Deps, opts ...Option) *Session {
	id := deps.SessionID
	if id == "" {
		id = NewSessionID()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = core.NopRecorder{}
	}
	s := &Session{
		id:       id,
		rel:      rel,
		cfg:      cfg,
		venue:    deps.Venue,
		reader:   deps.Reader,
		desk:     deps.Desk,
		unwinder: deps.Unwinder,
		slicer:   deps.Slicer,
		recorder: Stamp(id, recorder),
		logger:   deps.Logger.WithField("component", "session").WithField("session_id", id),
		sleep:    retry.Sleep,
		now:      time.Now,
		lastTick: -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session id stamped on every audit event
func (s *Session) ID() string {
	return s.id
}

// Run loops until the tick limit, the case stops or ctx is cancelled.
// Only fatal errors are returned. Working orders are cancelled on exit.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("Session starting", "tick_limit", s.cfg.TickLimit, "poll_interval", s.cfg.PollInterval)
	defer s.shutdown()

	for {
		if ctx.Err() != nil {
			s.logger.Info("Session stopped", "cycles", s.cycles)
			return nil
		}

		done, err := s.Cycle(ctx)
		switch {
		case apperrors.IsFatal(err):
			s.logger.Error("Fatal venue error, aborting session", "error", err)
			return err
		case err != nil && ctx.Err() != nil:
			s.logger.Info("Session stopped", "cycles", s.cycles)
			return nil
		case err != nil:
			s.logger.Warn("Cycle skipped", "error", err)
		case s.beat != nil:
			s.beat()
		}
		if done {
			s.logger.Info("Session over", "tick", s.lastTick, "cycles", s.cycles)
			return nil
		}

		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			s.logger.Info("Session stopped", "cycles", s.cycles)
			return nil
		}
	}
}

// Cycle runs one snapshot → tenders → unwind → spot arbitrage pass.
// done is true once no further decisions may be initiated.
func (s *Session) Cycle(ctx context.Context) (done bool, err error) {
	start := s.now()
	s.cycles++
	defer func() {
		telemetry.GetGlobalMetrics().CycleLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	status, err := s.venue.CaseStatus(ctx)
	if err != nil {
		return false, fmt.Errorf("case status: %w", err)
	}
	if !status.Active() {
		s.logger.Info("Case not active", "status", status.Status, "tick", status.Tick)
		return true, nil
	}
	if status.Tick >= s.cfg.TickLimit {
		s.lastTick = status.Tick
		return true, nil
	}

	snap, err := s.reader.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	val := pricing.Value(snap.View, s.rel, s.cfg.Costs)
	s.observe(ctx, status, snap, val)

	outcomes, err := s.desk.Process(ctx, val)
	if err != nil {
		if apperrors.IsFatal(err) || ctx.Err() != nil {
			return false, err
		}
		s.logger.Warn("Tender processing incomplete", "error", err)
	}

	if err := s.sweepResidual(ctx, snap, outcomes, val); err != nil {
		return false, err
	}

	if s.cfg.SpotArb.Enabled {
		if err := s.spotArb(ctx, snap, val); err != nil {
			return false, err
		}
	}
	return false, nil
}

// sweepResidual unwinds inventory found at the cycle boundary
func (s *Session) sweepResidual(ctx context.Context, snap *market.Snapshot, outcomes []tender.Outcome, val pricing.Valuation) error {
	if s.unwinder == nil {
		return nil
	}
	positions := snap.Positions
	for _, o := range outcomes {
		if o.Sent && o.Accepted() {
			// Accepted tenders were already unwound; the snapshot is stale.
			return nil
		}
	}

	residual := s.unwinder.Residual(positions)
	if len(residual) == 0 {
		return nil
	}
	s.logger.Info("Residual inventory at cycle boundary", "residual", residual)
	_, err := s.unwinder.Flatten(ctx, unwind.Plan{PreferConversion: val.PreferConversion, Reason: "residual"})
	if err != nil && (apperrors.IsFatal(err) || ctx.Err() != nil) {
		return err
	}
	if err != nil {
		s.logger.Warn("Residual unwind failed", "error", err)
	}
	return nil
}

// spotArb trades one composite clip against the basket when the live
// mispricing clears the same threshold a tender would have to
func (s *Session) spotArb(ctx context.Context, snap *market.Snapshot, val pricing.Valuation) error {
	cfg := s.cfg.SpotArb
	if s.now().Before(s.spotCooldown) || cfg.CompositeClip <= 0 || !val.ConstituentSum.IsPositive() {
		return nil
	}

	threshold := tender.MinRequiredEdge(val.EffectiveCost, s.cfg.Params)
	edge := val.Mispricing.Abs()
	relative := edge.Div(val.ConstituentSum)
	if edge.LessThanOrEqual(threshold) || relative.LessThan(cfg.MinRelativeEdge) {
		return nil
	}

	compositeSide := core.SideBuy
	if val.Mispricing.IsPositive() {
		compositeSide = core.SideSell
	}
	log := s.logger.WithFields(map[string]interface{}{
		"mispricing": val.Mispricing.StringFixed(4),
		"threshold":  threshold.StringFixed(4),
		"side":       compositeSide,
	})
	log.Info("Spot arbitrage")

	res := s.slicer.Execute(ctx, execution.Request{
		Ticker:    s.rel.Composite,
		Side:      compositeSide,
		Quantity:  cfg.CompositeClip,
		PriceHint: opposingQuote(snap, s.rel.Composite, compositeSide),
		Reason:    "spot_arb",
	})
	if res.Err != nil && (apperrors.IsFatal(res.Err) || ctx.Err() != nil) {
		return res.Err
	}

	// Hedge only what the composite leg actually executed.
	basketSide := compositeSide.Opposite()
	for _, t := range s.rel.Constituents {
		qty := s.rel.Weight(t).Mul(decimal.NewFromInt(res.Executed)).IntPart()
		if qty <= 0 {
			continue
		}
		leg := s.slicer.Execute(ctx, execution.Request{
			Ticker:    t,
			Side:      basketSide,
			Quantity:  qty,
			PriceHint: opposingQuote(snap, t, basketSide),
			Reason:    "spot_arb",
		})
		if leg.Err != nil && (apperrors.IsFatal(leg.Err) || ctx.Err() != nil) {
			return leg.Err
		}
	}

	s.recorder.Record(ctx, core.AuditEvent{
		Kind:     core.AuditSpotArb,
		Ticker:   s.rel.Composite,
		Action:   string(compositeSide),
		Quantity: res.Executed,
		Reason:   "mispricing",
		Details: map[string]string{
			"mispricing": val.Mispricing.String(),
			"threshold":  threshold.String(),
			"relative":   relative.StringFixed(6),
		},
	})
	s.spotCooldown = s.now().Add(cfg.Cooldown)
	return nil
}

func (s *Session) observe(ctx context.Context, status *core.CaseStatus, snap *market.Snapshot, val pricing.Valuation) {
	m := telemetry.GetGlobalMetrics()
	m.SetMispricing(val.Mispricing.InexactFloat64())
	for ticker, qty := range snap.Positions {
		m.SetPosition(ticker, qty)
	}

	every := s.cfg.StatusEveryTicks
	newTick := status.Tick != s.lastTick
	s.lastTick = status.Tick
	if every <= 0 || !newTick || status.Tick%every != 0 {
		return
	}

	tickers := make([]string, 0, len(snap.Positions))
	for t := range snap.Positions {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	positions := make(map[string]interface{}, len(tickers))
	for _, t := range tickers {
		positions[t] = snap.Positions[t]
	}

	s.logger.Info("Status",
		"tick", status.Tick,
		"fx", val.FX.String(),
		"composite", snap.View.CompositePrice.String(),
		"fair_value", val.FairValue.StringFixed(4),
		"mispricing", val.Mispricing.StringFixed(4),
		"unwind_cost", val.EffectiveCost.StringFixed(4),
		"positions", positions)
	s.recorder.Record(ctx, core.AuditEvent{
		Kind:   core.AuditStatus,
		Ticker: s.rel.Composite,
		Price:  snap.View.CompositePrice.String(),
		Details: map[string]string{
			"tick":       fmt.Sprint(status.Tick),
			"fx":         val.FX.String(),
			"fair_value": val.FairValue.String(),
			"mispricing": val.Mispricing.String(),
		},
	})
}

// shutdown cancels working orders with a fresh context so it still runs
// after the session context is gone
func (s *Session) shutdown() {
	if !s.cfg.CancelOnExit {
		return
	}
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := retry.Do(ctx, retry.DefaultPolicy, func(err error) bool {
		return !apperrors.IsFatal(err) && !errors.Is(err, context.DeadlineExceeded)
	}, func() error {
		return s.venue.CancelAll(ctx)
	})
	if err != nil {
		s.logger.Error("Cancel-all on exit failed", "error", err)
	}
	if s.slicer != nil {
		if err := s.slicer.CancelResting(ctx); err != nil {
			s.logger.Error("Failed to cancel resting orders on exit", "error", err)
		}
	}
	s.logger.Info("Working orders cancelled")
}

func opposingQuote(snap *market.Snapshot, ticker string, side core.Side) *decimal.Decimal {
	var px decimal.Decimal
	var ok bool
	if side == core.SideBuy {
		px, ok = snap.Book(ticker).BestAsk()
	} else {
		px, ok = snap.Book(ticker).BestBid()
	}
	if !ok {
		q, found := snap.Quote(ticker)
		if !found {
			return nil
		}
		px = q.Bid
		if side == core.SideBuy {
			px = q.Ask
		}
		if !px.IsPositive() {
			return nil
		}
	}
	return &px
}

// NewSessionID returns a fresh session id
func NewSessionID() string {
	return uuid.New().String()
}

// Stamp wraps next so every event carries the session id and a timestamp
func Stamp(id string, next core.Recorder) core.Recorder {
	if r, ok := next.(sessionRecorder); ok && r.id == id {
		return r
	}
	return sessionRecorder{id: id, next: next}
}

type sessionRecorder struct {
	id   string
	next core.Recorder
}

func (r sessionRecorder) Record(ctx context.Context, ev core.AuditEvent) {
	ev.SessionID = r.id
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	r.next.Record(ctx, ev)
}
