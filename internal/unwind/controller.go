// Package unwind flattens inventory through conversion blocks and the slicer
package unwind

import (
	"context"
	"fmt"

	"etf_arb/internal/core"
	"etf_arb/internal/execution"
	apperrors "etf_arb/pkg/errors"
	"etf_arb/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Venue is the read and conversion surface the controller needs
type Venue interface {
	Positions(ctx context.Context) (map[string]int64, error)
	Book(ctx context.Context, ticker string) (*core.OrderBook, error)
	core.Converter
}

// Executor works a quantity through the order book
type Executor interface {
	Execute(ctx context.Context, req execution.Request) execution.Result
}

// Config holds the static unwind parameters
type Config struct {
	Composite           string
	Constituents        []string
	Weights             map[string]decimal.Decimal
	BlockSize           int64
	FlattenConstituents bool
	// PreserveHedged leaves composite inventory that is offset by an
	// opposite basket position in place (the spot arbitrage book)
	PreserveHedged bool
}

// Plan is one unwind instruction
type Plan struct {
	// PreferConversion is set when conversion is the cheaper unwind path
	PreferConversion bool
	Reason           string
	TenderID         int64
}

// Report describes what an unwind did and what it left behind
type Report struct {
	StartPosition  int64
	Direction      core.ConversionDirection
	Blocks         int64
	ConversionErr  error
	Executions     []execution.Result
	Unresolved     map[string]int64
	UnresolvedNote string
}

// Resolved reports whether nothing was left behind
func (r *Report) Resolved() bool {
	return len(r.Unresolved) == 0
}

// Controller drives a residual position to zero
type Controller struct {
	venue    Venue
	slicer   Executor
	cfg      Config
	recorder core.Recorder
	logger   core.ILogger
}

// NewController creates an unwind controller
func NewController(venue Venue, slicer Executor, cfg Config, recorder core.Recorder, logger core.ILogger) *Controller {
	if recorder == nil {
		recorder = core.NopRecorder{}
	}
	return &Controller{
		venue:    venue,
		slicer:   slicer,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger.WithField("component", "unwind_controller"),
	}
}

// Flatten neutralizes the live composite position. Conversion runs one block
// at a time while at least a full block remains and the plan prefers it; the
// rest goes to the slicer. Only fatal or cancellation errors are returned,
// every other failure ends up in the report.
func (c *Controller) Flatten(ctx context.Context, plan Plan) (*Report, error) {
	positions, err := c.venue.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("unwind position read: %w", err)
	}
	targets := c.Targets(positions)
	pos := positions[c.cfg.Composite] - targets[c.cfg.Composite]
	report := &Report{StartPosition: pos}

	log := c.logger.WithFields(map[string]interface{}{"reason": plan.Reason, "tender_id": plan.TenderID})
	if len(c.residual(positions, targets)) == 0 {
		return report, nil
	}

	if pos != 0 && plan.PreferConversion && c.cfg.BlockSize > 0 && abs(pos) >= c.cfg.BlockSize {
		pos, err = c.convert(ctx, pos, targets[c.cfg.Composite], report, log)
		if err != nil {
			return report, err
		}
	}

	if pos != 0 {
		res, err := c.trade(ctx, c.cfg.Composite, pos, plan.Reason)
		if err != nil {
			return report, err
		}
		report.Executions = append(report.Executions, res)
	}

	if c.cfg.FlattenConstituents {
		if err := c.flattenConstituents(ctx, targets, report, plan.Reason); err != nil {
			return report, err
		}
	}

	c.settle(ctx, targets, report, log)
	c.recorder.Record(ctx, core.AuditEvent{
		Kind:     core.AuditUnwind,
		Ticker:   c.cfg.Composite,
		Quantity: report.StartPosition,
		Reason:   plan.Reason,
		Details: map[string]string{
			"tender_id":  fmt.Sprint(plan.TenderID),
			"blocks":     fmt.Sprint(report.Blocks),
			"direction":  string(report.Direction),
			"unresolved": fmt.Sprint(report.Unresolved),
		},
	})
	return report, nil
}

// Residual returns every position the controller would trade away
func (c *Controller) Residual(positions map[string]int64) map[string]int64 {
	return c.residual(positions, c.Targets(positions))
}

// Targets is the position each ticker should be left at. Everything is
// flattened unless PreserveHedged keeps the composite quantity that is
// fully offset by an opposite basket.
func (c *Controller) Targets(positions map[string]int64) map[string]int64 {
	targets := make(map[string]int64, len(c.cfg.Constituents)+1)
	if !c.cfg.PreserveHedged {
		return targets
	}
	hedged := HedgedUnits(positions, c.cfg.Composite, c.cfg.Constituents, c.weight)
	if hedged == 0 {
		return targets
	}
	targets[c.cfg.Composite] = hedged
	for _, t := range c.cfg.Constituents {
		targets[t] = -c.weight(t).Mul(decimal.NewFromInt(hedged)).IntPart()
	}
	return targets
}

// HedgedUnits is the signed composite quantity matched by an opposite
// position in every constituent, scaled by its weight
func HedgedUnits(positions map[string]int64, composite string, constituents []string, weight func(string) decimal.Decimal) int64 {
	pos := positions[composite]
	if pos == 0 || len(constituents) == 0 {
		return 0
	}
	units := abs(pos)
	for _, t := range constituents {
		leg := positions[t]
		if leg == 0 || (leg > 0) == (pos > 0) {
			return 0
		}
		w := weight(t)
		if !w.IsPositive() {
			return 0
		}
		if u := decimal.NewFromInt(abs(leg)).Div(w).IntPart(); u < units {
			units = u
		}
	}
	if pos < 0 {
		return -units
	}
	return units
}

func (c *Controller) weight(ticker string) decimal.Decimal {
	if w, ok := c.cfg.Weights[ticker]; ok {
		return w
	}
	return decimal.NewFromInt(1)
}

func (c *Controller) residual(positions, targets map[string]int64) map[string]int64 {
	out := make(map[string]int64)
	if r := positions[c.cfg.Composite] - targets[c.cfg.Composite]; r != 0 {
		out[c.cfg.Composite] = r
	}
	if c.cfg.FlattenConstituents {
		for _, t := range c.cfg.Constituents {
			if r := positions[t] - targets[t]; r != 0 {
				out[t] = r
			}
		}
	}
	return out
}

// convert runs blocks until less than one remains or conversion stops
// making progress. pos is relative to target; the returned residual is too.
func (c *Controller) convert(ctx context.Context, pos, target int64, report *Report, log core.ILogger) (int64, error) {
	dir := core.ConversionRedeem
	if pos < 0 {
		dir = core.ConversionCreate
	}
	report.Direction = dir

	if !c.venue.CanConvert(dir) {
		log.Info("Conversion unavailable, trading out directly", "direction", dir)
		return pos, nil
	}

	metrics := telemetry.GetGlobalMetrics()
	for abs(pos) >= c.cfg.BlockSize {
		if err := c.venue.Convert(ctx, core.ConversionRequest{Direction: dir, Blocks: 1}); err != nil {
			metrics.Conversions.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", string(dir)), attribute.String("result", "error")))
			if apperrors.IsFatal(err) || ctx.Err() != nil {
				return pos, err
			}
			report.ConversionErr = err
			log.Warn("Conversion failed, falling back to direct execution", "direction", dir, "blocks_done", report.Blocks, "error", err)
			return pos, nil
		}

		positions, err := c.venue.Positions(ctx)
		if err != nil {
			if apperrors.IsFatal(err) || ctx.Err() != nil {
				return pos, err
			}
			report.ConversionErr = fmt.Errorf("position re-read after conversion: %w", err)
			log.Warn("Position re-read failed after conversion", "error", err)
			return pos, nil
		}
		next := positions[c.cfg.Composite] - target
		if next == pos {
			report.ConversionErr = fmt.Errorf("conversion of %s left position at %d", dir, pos)
			log.Warn("Conversion did not move the position, falling back to direct execution", "direction", dir, "position", pos)
			metrics.Conversions.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", string(dir)), attribute.String("result", "no_effect")))
			return pos, nil
		}

		report.Blocks++
		metrics.Conversions.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", string(dir)), attribute.String("result", "ok")))
		c.recorder.Record(ctx, core.AuditEvent{
			Kind:     core.AuditConversion,
			Ticker:   c.cfg.Composite,
			Action:   string(dir),
			Quantity: c.cfg.BlockSize,
			Details:  map[string]string{"position_before": fmt.Sprint(pos), "position_after": fmt.Sprint(next)},
		})
		log.Info("Conversion block done", "direction", dir, "position", next)
		pos = next
	}
	return pos, nil
}

func (c *Controller) flattenConstituents(ctx context.Context, targets map[string]int64, report *Report, reason string) error {
	positions, err := c.venue.Positions(ctx)
	if err != nil {
		if apperrors.IsFatal(err) {
			return err
		}
		c.logger.Warn("Position read for constituents failed", "error", err)
		return nil
	}
	for _, t := range c.cfg.Constituents {
		residual := positions[t] - targets[t]
		if residual == 0 {
			continue
		}
		res, err := c.trade(ctx, t, residual, reason)
		if err != nil {
			return err
		}
		report.Executions = append(report.Executions, res)
	}
	return nil
}

// trade sends the opposite of position through the slicer
func (c *Controller) trade(ctx context.Context, ticker string, position int64, reason string) (execution.Result, error) {
	side := core.SideSell
	if position < 0 {
		side = core.SideBuy
	}

	hint, err := c.priceHint(ctx, ticker, side)
	if err != nil {
		return execution.Result{}, err
	}

	res := c.slicer.Execute(ctx, execution.Request{
		Ticker:    ticker,
		Side:      side,
		Quantity:  abs(position),
		PriceHint: hint,
		Reason:    reason,
	})
	if res.Err != nil && (apperrors.IsFatal(res.Err) || ctx.Err() != nil) {
		return res, res.Err
	}
	return res, nil
}

// priceHint is the best opposing quote, or nil without one
func (c *Controller) priceHint(ctx context.Context, ticker string, side core.Side) (*decimal.Decimal, error) {
	book, err := c.venue.Book(ctx, ticker)
	if err != nil {
		if apperrors.IsFatal(err) {
			return nil, err
		}
		c.logger.Debug("No book for price hint", "ticker", ticker, "error", err)
		return nil, nil
	}
	var px decimal.Decimal
	var ok bool
	if side == core.SideBuy {
		px, ok = book.BestAsk()
	} else {
		px, ok = book.BestBid()
	}
	if !ok {
		return nil, nil
	}
	return &px, nil
}

// settle records whatever is still open after the unwind
func (c *Controller) settle(ctx context.Context, targets map[string]int64, report *Report, log core.ILogger) {
	positions, err := c.venue.Positions(ctx)
	if err != nil {
		// Fall back to what the slicer could not execute.
		report.UnresolvedNote = fmt.Sprintf("final position read failed: %v", err)
		for _, res := range report.Executions {
			if res.Unexecuted > 0 {
				if report.Unresolved == nil {
					report.Unresolved = make(map[string]int64)
				}
				report.Unresolved[res.Ticker] += res.Side.Opposite().Sign() * res.Unexecuted
			}
		}
	} else if residual := c.residual(positions, targets); len(residual) > 0 {
		report.Unresolved = residual
	}

	if !report.Resolved() {
		log.Warn("Unwind left residual inventory", "unresolved", report.Unresolved, "note", report.UnresolvedNote)
		return
	}
	log.Info("Unwind complete", "start_position", report.StartPosition, "blocks", report.Blocks)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
