// Package execution slices large quantities into venue-sized orders
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"etf_arb/internal/core"
	apperrors "etf_arb/pkg/errors"
	"etf_arb/pkg/retry"
	"etf_arb/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrOrderStillResting means a passive order could not be cancelled and may
// still fill. The clip stops there rather than doubling up at market.
var ErrOrderStillResting = errors.New("passive order may still be resting")

// Gateway is the venue surface the slicer needs
type Gateway interface {
	core.OrderGateway
	Positions(ctx context.Context) (map[string]int64, error)
}

// Config drives clip sizing and the passive attempt
type Config struct {
	MaxOrderSize   int64
	PassiveEnabled bool
	// LimitImprove moves the passive price through the opposing quote
	LimitImprove decimal.Decimal
	// PassiveWait is how long a passive clip may rest before it is
	// cancelled and the unfilled part sent aggressively. Zero cancels
	// straight away, so only an immediate fill counts.
	PassiveWait time.Duration
	ClipPause   time.Duration
}

// Request is one call to Execute
type Request struct {
	Ticker   string
	Side     core.Side
	Quantity int64
	// PriceHint is the best opposing quote; nil skips the passive attempt
	PriceHint *decimal.Decimal
	// Reason is carried into audit events
	Reason string
}

// Clip is the outcome of one slice
type Clip struct {
	Quantity      int64
	PassiveFilled int64
	Aggressive    int64
	FellBack      bool
}

// Result reports how much of a request was executed.
// Executed + Unexecuted always equals the requested quantity.
type Result struct {
	Ticker     string
	Side       core.Side
	Requested  int64
	Executed   int64
	Unexecuted int64
	Clips      []Clip
	Err        error
}

// Option configures a Slicer
type Option func(*Slicer)

// WithSleeper replaces the wait used for passive waits and clip pauses
func WithSleeper(sleep retry.SleepFunc) Option {
	return func(s *Slicer) { s.sleep = sleep }
}

// Slicer submits clipped orders, passive first with aggressive fallback
type Slicer struct {
	venue    Gateway
	cfg      Config
	recorder core.Recorder
	logger   core.ILogger
	sleep    retry.SleepFunc
	tracer   trace.Tracer

	mu      sync.Mutex
	resting map[int64]string
}

// NewSlicer creates a slicer
func NewSlicer(venue Gateway, cfg Config, recorder core.Recorder, logger core.ILogger, opts ...Option) *Slicer {
	if recorder == nil {
		recorder = core.NopRecorder{}
	}
	s := &Slicer{
		venue:    venue,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger.WithField("component", "slicer"),
		sleep:    retry.Sleep,
		tracer:   telemetry.GetTracer("slicer"),
		resting:  make(map[int64]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Clips splits quantity into ceil(quantity/max) clips of at most max each
func Clips(quantity, max int64) []int64 {
	if quantity <= 0 || max <= 0 {
		return nil
	}
	n := (quantity + max - 1) / max
	clips := make([]int64, 0, n)
	for remaining := quantity; remaining > 0; remaining -= max {
		if remaining < max {
			clips = append(clips, remaining)
			break
		}
		clips = append(clips, max)
	}
	return clips
}

// PassivePrice is the hint moved LimitImprove through the opposing quote
func PassivePrice(side core.Side, hint, improve decimal.Decimal) decimal.Decimal {
	if side == core.SideBuy {
		return hint.Add(improve)
	}
	return hint.Sub(improve)
}

// Execute works the request clip by clip. A failed aggressive order stops
// the call and everything not yet executed is reported as unexecuted.
func (s *Slicer) Execute(ctx context.Context, req Request) Result {
	ctx, span := s.tracer.Start(ctx, "Execute", trace.WithAttributes(
		attribute.String("ticker", req.Ticker),
		attribute.String("side", string(req.Side)),
		attribute.Int64("quantity", req.Quantity),
	))
	defer span.End()

	res := Result{Ticker: req.Ticker, Side: req.Side, Requested: req.Quantity}
	if req.Quantity <= 0 {
		return res
	}
	if req.Ticker == "" || !req.Side.Valid() {
		res.Unexecuted = req.Quantity
		res.Err = fmt.Errorf("%w: slicer request needs ticker and side", apperrors.ErrValidation)
		return res
	}

	log := s.logger.WithFields(map[string]interface{}{"ticker": req.Ticker, "side": req.Side})
	clips := Clips(req.Quantity, s.cfg.MaxOrderSize)
	for i, qty := range clips {
		clip, err := s.executeClip(ctx, req, qty, log)
		res.Clips = append(res.Clips, clip)
		res.Executed += clip.PassiveFilled + clip.Aggressive
		if err != nil {
			res.Unexecuted = req.Quantity - res.Executed
			res.Err = err
			span.RecordError(err)
			log.Error("Slicing halted", "clip", i+1, "clips", len(clips), "unexecuted", res.Unexecuted, "error", err)
			telemetry.GetGlobalMetrics().Unexecuted.Add(ctx, res.Unexecuted, metric.WithAttributes(attribute.String("ticker", req.Ticker)))
			s.recorder.Record(ctx, core.AuditEvent{
				Kind:     core.AuditExecution,
				Ticker:   req.Ticker,
				Action:   string(req.Side),
				Quantity: res.Executed,
				Reason:   "halted",
				Details: map[string]string{
					"requested":  fmt.Sprint(req.Quantity),
					"unexecuted": fmt.Sprint(res.Unexecuted),
					"error":      err.Error(),
					"context":    req.Reason,
				},
			})
			return res
		}

		if i < len(clips)-1 {
			if err := s.sleep(ctx, s.cfg.ClipPause); err != nil {
				res.Unexecuted = req.Quantity - res.Executed
				res.Err = err
				return res
			}
		}
	}

	log.Debug("Slicing complete", "executed", res.Executed, "clips", len(clips))
	s.recorder.Record(ctx, core.AuditEvent{
		Kind:     core.AuditExecution,
		Ticker:   req.Ticker,
		Action:   string(req.Side),
		Quantity: res.Executed,
		Reason:   req.Reason,
		Details:  map[string]string{"clips": fmt.Sprint(len(clips))},
	})
	return res
}

func (s *Slicer) executeClip(ctx context.Context, req Request, qty int64, log core.ILogger) (Clip, error) {
	clip := Clip{Quantity: qty}

	if s.cfg.PassiveEnabled && req.PriceHint != nil && req.PriceHint.IsPositive() {
		filled, err := s.passive(ctx, req, qty, log)
		clip.PassiveFilled = filled
		switch {
		case err == nil && filled >= qty:
			return clip, nil
		case err != nil && (apperrors.IsFatal(err) || ctx.Err() != nil || errors.Is(err, ErrOrderStillResting)):
			return clip, err
		case err != nil:
			log.Warn("Passive clip rejected, falling back to market", "quantity", qty, "error", err)
		default:
			log.Info("Passive clip partially filled, sending remainder to market", "filled", filled, "remainder", qty-filled)
		}
		clip.FellBack = true
		telemetry.GetGlobalMetrics().Fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("ticker", req.Ticker)))
		s.recorder.Record(ctx, core.AuditEvent{
			Kind:     core.AuditFallback,
			Ticker:   req.Ticker,
			Action:   string(req.Side),
			Quantity: qty - filled,
			Price:    req.PriceHint.String(),
			Reason:   fallbackReason(err),
			Details:  map[string]string{"passive_filled": fmt.Sprint(filled), "clip": fmt.Sprint(qty)},
		})
	}

	remainder := qty - clip.PassiveFilled
	if _, err := s.submit(ctx, core.OrderIntent{
		Ticker:   req.Ticker,
		Side:     req.Side,
		Quantity: remainder,
		Kind:     core.OrderKindAggressive,
	}); err != nil {
		return clip, fmt.Errorf("market order for %d %s: %w", remainder, req.Ticker, err)
	}
	clip.Aggressive = remainder
	return clip, nil
}

// passive rests a limit order and returns how much of it filled
func (s *Slicer) passive(ctx context.Context, req Request, qty int64, log core.ILogger) (int64, error) {
	price := PassivePrice(req.Side, *req.PriceHint, s.cfg.LimitImprove)

	positions, err := s.venue.Positions(ctx)
	if err != nil {
		return 0, fmt.Errorf("position before passive clip: %w", err)
	}
	before := positions[req.Ticker]

	ack, err := s.submit(ctx, core.OrderIntent{
		Ticker:     req.Ticker,
		Side:       req.Side,
		Quantity:   qty,
		Kind:       core.OrderKindPassive,
		LimitPrice: &price,
	})
	if err != nil {
		return 0, err
	}

	s.track(ack.OrderID, req.Ticker)
	if err := s.sleep(ctx, s.cfg.PassiveWait); err != nil {
		return 0, err
	}

	cancelErr := s.venue.CancelOrder(ctx, ack.OrderID)
	if cancelErr == nil || errors.Is(cancelErr, apperrors.ErrNotFound) {
		s.untrack(ack.OrderID)
		cancelErr = nil
	}

	filled := clamp(ack.QuantityFilled, qty)
	if positions, err := s.venue.Positions(ctx); err != nil {
		log.Warn("Position re-read failed, trusting order ack", "order_id", ack.OrderID, "error", err)
	} else {
		filled = clamp((positions[req.Ticker]-before)*req.Side.Sign(), qty)
	}

	if cancelErr != nil {
		// Left tracked so shutdown retries the cancel
		log.Warn("Failed to cancel passive order", "order_id", ack.OrderID, "filled", filled, "error", cancelErr)
		return filled, fmt.Errorf("order %d: %w: %w", ack.OrderID, ErrOrderStillResting, cancelErr)
	}
	return filled, nil
}

func (s *Slicer) submit(ctx context.Context, intent core.OrderIntent) (*core.OrderAck, error) {
	ack, err := s.venue.SubmitOrder(ctx, intent)
	status := "ok"
	if err != nil {
		status = "error"
	}
	telemetry.GetGlobalMetrics().OrdersSubmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(intent.Kind)),
		attribute.String("status", status),
	))
	return ack, err
}

// CancelResting cancels every passive order the slicer still tracks
func (s *Slicer) CancelResting(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.resting))
	for id := range s.resting {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		err := s.venue.CancelOrder(ctx, id)
		if err == nil || errors.Is(err, apperrors.ErrNotFound) {
			s.untrack(id)
			continue
		}
		errs = append(errs, fmt.Errorf("cancel order %d: %w", id, err))
	}
	return errors.Join(errs...)
}

// Resting returns the ids of passive orders that may still be working
func (s *Slicer) Resting() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.resting))
	for id := range s.resting {
		ids = append(ids, id)
	}
	return ids
}

func (s *Slicer) track(id int64, ticker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resting[id] = ticker
}

func (s *Slicer) untrack(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resting, id)
}

func clamp(v, max int64) int64 {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

func fallbackReason(err error) string {
	if err != nil {
		return "passive_rejected"
	}
	return "passive_unfilled"
}
