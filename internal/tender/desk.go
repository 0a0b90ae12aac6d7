package tender

import (
	"context"
	"errors"
	"fmt"

	"etf_arb/internal/core"
	"etf_arb/internal/pricing"
	"etf_arb/internal/unwind"
	apperrors "etf_arb/pkg/errors"
	"etf_arb/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Venue is the surface the desk needs to see and resolve offers
type Venue interface {
	Tenders(ctx context.Context) ([]core.TenderOffer, error)
	Limits(ctx context.Context) ([]core.RiskLimit, error)
	Positions(ctx context.Context) (map[string]int64, error)
	core.TenderGateway
}

// Unwinder neutralizes the position an accepted offer leaves behind
type Unwinder interface {
	Flatten(ctx context.Context, plan unwind.Plan) (*unwind.Report, error)
}

// RiskConfig gates accepts on the venue's gross and net limits
type RiskConfig struct {
	// GrossWeight multiplies composite quantities in gross exposure
	GrossWeight decimal.Decimal
	// GrossLimitFallback applies when the venue reports no limits; zero disables the gate
	GrossLimitFallback decimal.Decimal
}

// Outcome is one resolved offer
type Outcome struct {
	Evaluation
	// Sent is false when the venue said the offer was already gone
	Sent   bool
	Unwind *unwind.Report
}

// Desk evaluates every pending offer and resolves it at the venue
type Desk struct {
	venue    Venue
	unwinder Unwinder
	params   Params
	risk     RiskConfig
	recorder core.Recorder
	logger   core.ILogger
}

// NewDesk creates a tender desk
func NewDesk(venue Venue, unwinder Unwinder, params Params, risk RiskConfig, recorder core.Recorder, logger core.ILogger) *Desk {
	if recorder == nil {
		recorder = core.NopRecorder{}
	}
	if risk.GrossWeight.IsZero() {
		risk.GrossWeight = decimal.NewFromInt(1)
	}
	return &Desk{
		venue:    venue,
		unwinder: unwinder,
		params:   params,
		risk:     risk,
		recorder: recorder,
		logger:   logger.WithField("component", "tender_desk"),
	}
}

// Process resolves every pending offer against one valuation. Accepted
// offers are unwound before the next offer is looked at. Only fatal or
// cancellation errors stop the loop.
func (d *Desk) Process(ctx context.Context, val pricing.Valuation) ([]Outcome, error) {
	offers, err := d.venue.Tenders(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch tenders: %w", err)
	}

	outcomes := make([]Outcome, 0, len(offers))
	for _, offer := range offers {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		ev := Evaluate(offer, val, d.params)
		if ev.Accepted() {
			if breach, err := d.breachesLimits(ctx, offer); err != nil {
				if apperrors.IsFatal(err) {
					return outcomes, err
				}
				d.logger.Warn("Risk check failed, declining", "tender_id", offer.ID, "error", err)
				ev.Decision, ev.Reason = Decline, ReasonRiskLimit
			} else if breach != "" {
				d.logger.Warn("Tender would breach limits", "tender_id", offer.ID, "limit", breach)
				ev.Decision, ev.Reason = Decline, ReasonRiskLimit
			}
		}

		out, err := d.resolve(ctx, ev, val)
		outcomes = append(outcomes, out)
		if err != nil {
			return outcomes, err
		}
	}
	return outcomes, nil
}

func (d *Desk) resolve(ctx context.Context, ev Evaluation, val pricing.Valuation) (Outcome, error) {
	out := Outcome{Evaluation: ev}
	offer := ev.Offer
	log := d.logger.WithFields(map[string]interface{}{
		"tender_id": offer.ID,
		"ticker":    offer.Ticker,
		"side":      offer.Side,
		"quantity":  offer.Quantity,
	})

	d.report(ctx, ev)

	var err error
	if ev.Accepted() {
		err = d.venue.AcceptTender(ctx, offer.ID, acceptPrice(ev))
	} else {
		err = d.venue.DeclineTender(ctx, offer.ID)
	}

	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		log.Info("Tender already resolved at venue", "decision", ev.Decision)
		return out, nil
	case err != nil && (apperrors.IsFatal(err) || ctx.Err() != nil):
		return out, err
	case err != nil:
		log.Error("Failed to resolve tender", "decision", ev.Decision, "error", err)
		return out, nil
	}
	out.Sent = true

	if offer.Invalid != nil {
		log.Warn("Declined malformed tender", "reason", offer.Invalid)
	} else {
		log.Info("Tender resolved",
			"decision", ev.Decision,
			"reason", ev.Reason,
			"price", ev.Price.StringFixed(2),
			"edge", ev.Edge.StringFixed(4),
			"min_required", ev.MinRequired.StringFixed(4),
			"unwind_cost", ev.UnwindCost.StringFixed(4),
			"fair_value", ev.FairValue.StringFixed(4),
			"fx", ev.FX.String())
	}

	if !ev.Accepted() || d.unwinder == nil {
		return out, nil
	}

	report, err := d.unwinder.Flatten(ctx, unwind.Plan{
		PreferConversion: val.PreferConversion,
		Reason:           "tender",
		TenderID:         offer.ID,
	})
	out.Unwind = report
	if err != nil {
		if apperrors.IsFatal(err) || ctx.Err() != nil {
			return out, err
		}
		log.Error("Unwind after tender failed", "error", err)
	}
	return out, nil
}

// breachesLimits names the first limit the offer would push past, or ""
func (d *Desk) breachesLimits(ctx context.Context, offer core.TenderOffer) (string, error) {
	positions, err := d.venue.Positions(ctx)
	if err != nil {
		return "", fmt.Errorf("positions for risk check: %w", err)
	}

	limits, err := d.venue.Limits(ctx)
	if err != nil {
		if apperrors.IsFatal(err) {
			return "", err
		}
		d.logger.Debug("Limits unavailable, using fallback", "error", err)
		limits = nil
	}
	if len(limits) == 0 {
		if !d.risk.GrossLimitFallback.IsPositive() {
			return "", nil
		}
		limits = []core.RiskLimit{{Name: "fallback", GrossLimit: d.risk.GrossLimitFallback}}
	}

	gross, net := d.exposure(positions)
	qty := decimal.NewFromInt(offer.Quantity).Mul(d.weight(offer.Ticker))
	projectedGross := gross.Add(qty)
	projectedNet := net.Add(qty.Mul(decimal.NewFromInt(offer.Side.Sign())))

	for _, l := range limits {
		if l.GrossLimit.IsPositive() && projectedGross.GreaterThan(l.GrossLimit) {
			return fmt.Sprintf("%s gross %s > %s", l.Name, projectedGross, l.GrossLimit), nil
		}
		if l.NetLimit.IsPositive() && projectedNet.Abs().GreaterThan(l.NetLimit) {
			return fmt.Sprintf("%s net %s > %s", l.Name, projectedNet.Abs(), l.NetLimit), nil
		}
	}
	return "", nil
}

func (d *Desk) exposure(positions map[string]int64) (gross, net decimal.Decimal) {
	for ticker, qty := range positions {
		w := d.weight(ticker)
		q := decimal.NewFromInt(qty).Mul(w)
		gross = gross.Add(q.Abs())
		net = net.Add(q)
	}
	return gross, net
}

func (d *Desk) weight(ticker string) decimal.Decimal {
	if ticker == d.params.Composite {
		return d.risk.GrossWeight
	}
	return decimal.NewFromInt(1)
}

func (d *Desk) report(ctx context.Context, ev Evaluation) {
	m := telemetry.GetGlobalMetrics()
	attrs := metric.WithAttributes(attribute.String("decision", string(ev.Decision)), attribute.String("reason", ev.Reason))
	m.TenderDecisions.Add(ctx, 1, attrs)
	if ev.Offer.Invalid == nil && ev.Reason != ReasonWrongTicker {
		m.TenderEdge.Record(ctx, ev.Edge.InexactFloat64(), attrs)
	}

	details := map[string]string{
		"tender_id":    fmt.Sprint(ev.Offer.ID),
		"edge":         ev.Edge.String(),
		"min_required": ev.MinRequired.String(),
		"unwind_cost":  ev.UnwindCost.String(),
		"fair_value":   ev.FairValue.String(),
		"fx":           ev.FX.String(),
		"decision":     string(ev.Decision),
	}
	if ev.Offer.Invalid != nil {
		details["error"] = ev.Offer.Invalid.Error()
	}
	d.recorder.Record(ctx, core.AuditEvent{
		Kind:     core.AuditTenderDecision,
		Ticker:   ev.Offer.Ticker,
		Action:   string(ev.Offer.Side),
		Quantity: ev.Offer.Quantity,
		Price:    ev.Price.String(),
		Reason:   ev.Reason,
		Details:  details,
	})
}

// acceptPrice is only sent for offers that are not fixed-bid
func acceptPrice(ev Evaluation) *decimal.Decimal {
	if ev.Offer.FixedBid {
		return nil
	}
	p := ev.Price
	return &p
}
