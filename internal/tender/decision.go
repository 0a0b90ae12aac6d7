// Package tender decides and resolves block tender offers
package tender

import (
	"fmt"

	"etf_arb/internal/core"
	"etf_arb/internal/pricing"

	"github.com/shopspring/decimal"
)

// Decision is the terminal outcome of an offer
type Decision string

const (
	Accept  Decision = "ACCEPT"
	Decline Decision = "DECLINE"
)

// Decline and accept reasons
const (
	ReasonWrongTicker    = "wrong_ticker"
	ReasonNegativeEdge   = "negative_edge"
	ReasonBelowThreshold = "below_threshold"
	ReasonEdgeOK         = "edge_ok"
	ReasonMalformed      = "malformed"
	ReasonRiskLimit      = "risk_limit"
	ReasonNoBid          = "no_bid"
)

// Params are the decision thresholds, in common currency per share
type Params struct {
	Composite    string
	MinEdge      decimal.Decimal
	SafetyBuffer decimal.Decimal
}

// Evaluation is a decision together with the numbers that drove it
type Evaluation struct {
	Offer       core.TenderOffer
	Decision    Decision
	Reason      string
	Price       decimal.Decimal // offer price or computed bid, composite currency
	PriceCommon decimal.Decimal
	Edge        decimal.Decimal
	MinRequired decimal.Decimal
	UnwindCost  decimal.Decimal
	FairValue   decimal.Decimal
	FX          decimal.Decimal
	// BidPrice is set when the engine priced a non fixed-bid offer itself
	BidPrice *decimal.Decimal
}

// Accepted reports whether the evaluation is an accept
func (e Evaluation) Accepted() bool {
	return e.Decision == Accept
}

// String renders the evaluation for logs
func (e Evaluation) String() string {
	return fmt.Sprintf("%s %s id=%d %s %d@%s edge=%s min=%s cost=%s",
		e.Decision, e.Reason, e.Offer.ID, e.Offer.Side, e.Offer.Quantity, e.Price.StringFixed(2),
		e.Edge.StringFixed(4), e.MinRequired.StringFixed(4), e.UnwindCost.StringFixed(4))
}

// MinRequiredEdge is max(floor, unwind cost + buffer)
func MinRequiredEdge(unwindCost decimal.Decimal, p Params) decimal.Decimal {
	return decimal.Max(p.MinEdge, unwindCost.Add(p.SafetyBuffer))
}

// Edge is the per-share edge in common currency of taking side at price
func Edge(side core.Side, price decimal.Decimal, val pricing.Valuation) decimal.Decimal {
	priceCommon := pricing.ToCommon(price, val.FX)
	if side == core.SideBuy {
		return val.ConstituentSum.Sub(priceCommon)
	}
	return priceCommon.Sub(val.ConstituentSum)
}

// BidPrice is the breakeven price, in composite currency, at which an offer
// on side clears the required edge. Buys round down and sells round up to
// the cent so the rounded price still clears.
func BidPrice(side core.Side, val pricing.Valuation, p Params) decimal.Decimal {
	minRequired := MinRequiredEdge(val.EffectiveCost, p)
	if side == core.SideBuy {
		return pricing.FromCommon(val.ConstituentSum.Sub(minRequired), val.FX).RoundFloor(2)
	}
	return pricing.FromCommon(val.ConstituentSum.Add(minRequired), val.FX).RoundCeil(2)
}

// Evaluate is the pure accept/decline decision for one offer
func Evaluate(offer core.TenderOffer, val pricing.Valuation, p Params) Evaluation {
	ev := Evaluation{
		Offer:       offer,
		Decision:    Decline,
		Price:       offer.Price,
		UnwindCost:  val.EffectiveCost,
		FairValue:   val.FairValue,
		FX:          val.FX,
		MinRequired: MinRequiredEdge(val.EffectiveCost, p),
	}

	if offer.Invalid != nil {
		ev.Reason = ReasonMalformed
		return ev
	}
	if offer.Ticker != p.Composite {
		ev.Reason = ReasonWrongTicker
		return ev
	}

	if !offer.FixedBid && !offer.Price.IsPositive() {
		bid := BidPrice(offer.Side, val, p)
		if !bid.IsPositive() {
			ev.Reason = ReasonNoBid
			return ev
		}
		ev.BidPrice = &bid
		ev.Price = bid
	}

	ev.PriceCommon = pricing.ToCommon(ev.Price, val.FX)
	ev.Edge = Edge(offer.Side, ev.Price, val)

	switch {
	case ev.Edge.IsNegative():
		ev.Reason = ReasonNegativeEdge
	case ev.Edge.GreaterThanOrEqual(ev.MinRequired):
		ev.Decision = Accept
		ev.Reason = ReasonEdgeOK
	default:
		ev.Reason = ReasonBelowThreshold
	}
	return ev
}
