package tender

import (
	"errors"
	"math/rand"
	"testing"

	"etf_arb/internal/core"
	"etf_arb/internal/pricing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var params = Params{Composite: "RITC", MinEdge: d("0.03"), SafetyBuffer: d("0.01")}

// valuation with FX=1 so fair value and basket sum coincide
func flatValuation(fair, cost string) pricing.Valuation {
	return pricing.Valuation{
		ConstituentSum: d(fair),
		FairValue:      d(fair),
		FX:             decimal.NewFromInt(1),
		EffectiveCost:  d(cost),
	}
}

func offer(side core.Side, price string) core.TenderOffer {
	return core.TenderOffer{ID: 7, Ticker: "RITC", Side: side, Quantity: 20000, Price: d(price), FixedBid: true}
}

func TestEvaluate_Scenarios(t *testing.T) {
	val := flatValuation("20.00", "0.05")

	tests := []struct {
		name     string
		offer    core.TenderOffer
		decision Decision
		reason   string
		edge     string
	}{
		{"cheap buy accepted", offer(core.SideBuy, "19.50"), Accept, ReasonEdgeOK, "0.50"},
		{"thin buy declined", offer(core.SideBuy, "19.97"), Decline, ReasonBelowThreshold, "0.03"},
		{"exact threshold accepted", offer(core.SideBuy, "19.94"), Accept, ReasonEdgeOK, "0.06"},
		{"rich sell accepted", offer(core.SideSell, "20.40"), Accept, ReasonEdgeOK, "0.40"},
		{"sell below fair declined", offer(core.SideSell, "19.90"), Decline, ReasonNegativeEdge, "-0.10"},
		{"buy above fair declined", offer(core.SideBuy, "20.01"), Decline, ReasonNegativeEdge, "-0.01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Evaluate(tt.offer, val, params)
			assert.Equal(t, tt.decision, ev.Decision)
			assert.Equal(t, tt.reason, ev.Reason)
			assert.True(t, d(tt.edge).Equal(ev.Edge), "edge %s", ev.Edge)
			assert.True(t, d("0.06").Equal(ev.MinRequired))
		})
	}
}

func TestEvaluate_WrongTicker(t *testing.T) {
	o := offer(core.SideBuy, "1.00")
	o.Ticker = "BULL"
	ev := Evaluate(o, flatValuation("20", "0.05"), params)
	assert.Equal(t, Decline, ev.Decision)
	assert.Equal(t, ReasonWrongTicker, ev.Reason)
}

func TestEvaluate_Malformed(t *testing.T) {
	o := offer(core.SideBuy, "1.00")
	o.Invalid = errors.New("missing action")
	ev := Evaluate(o, flatValuation("20", "0.05"), params)
	assert.Equal(t, Decline, ev.Decision)
	assert.Equal(t, ReasonMalformed, ev.Reason)
}

func TestEvaluate_FloorDominatesCheapUnwind(t *testing.T) {
	ev := Evaluate(offer(core.SideBuy, "19.975"), flatValuation("20.00", "0.005"), params)
	assert.True(t, d("0.03").Equal(ev.MinRequired))
	assert.Equal(t, Decline, ev.Decision)
}

func TestEvaluate_ConvertsWithFX(t *testing.T) {
	// basket 25.00 CAD, FX 1.25 => fair 20.00 USD
	val := pricing.Valuation{ConstituentSum: d("25.00"), FairValue: d("20.00"), FX: d("1.25"), EffectiveCost: d("0.05")}

	ev := Evaluate(offer(core.SideBuy, "19.90"), val, params)
	// 25.00 - 19.90*1.25
	assert.True(t, d("0.125").Equal(ev.Edge))
	assert.True(t, d("24.875").Equal(ev.PriceCommon))
	assert.Equal(t, Accept, ev.Decision)
}

func TestEvaluate_NonFixedBidGetsBreakevenPrice(t *testing.T) {
	val := pricing.Valuation{ConstituentSum: d("25.00"), FairValue: d("20.00"), FX: d("1.25"), EffectiveCost: d("0.05")}

	buy := core.TenderOffer{ID: 1, Ticker: "RITC", Side: core.SideBuy, Quantity: 10000}
	ev := Evaluate(buy, val, params)
	require.NotNil(t, ev.BidPrice)
	// (25.00 - 0.06) / 1.25 = 19.952 -> 19.95
	assert.Equal(t, "19.95", ev.BidPrice.StringFixed(2))
	assert.Equal(t, Accept, ev.Decision)

	sell := core.TenderOffer{ID: 2, Ticker: "RITC", Side: core.SideSell, Quantity: 10000}
	ev = Evaluate(sell, val, params)
	require.NotNil(t, ev.BidPrice)
	// (25.00 + 0.06) / 1.25 = 20.048 -> 20.05
	assert.Equal(t, "20.05", ev.BidPrice.StringFixed(2))
	assert.Equal(t, Accept, ev.Decision)
}

func TestEvaluate_Property(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for i := 0; i < 2000; i++ {
		fx := decimal.NewFromFloat(0.5 + r.Float64()).Round(4)
		sum := decimal.NewFromFloat(10 + r.Float64()*40).Round(2)
		cost := decimal.NewFromFloat(r.Float64() * 0.2).Round(3)
		p := Params{
			Composite:    "RITC",
			MinEdge:      decimal.NewFromFloat(r.Float64() * 0.1).Round(3),
			SafetyBuffer: decimal.NewFromFloat(r.Float64() * 0.05).Round(3),
		}
		side := core.SideBuy
		if r.Intn(2) == 0 {
			side = core.SideSell
		}
		fair := pricing.FromCommon(sum, fx)
		price := fair.Add(decimal.NewFromFloat((r.Float64() - 0.5) * 1.0)).Round(2)
		if !price.IsPositive() {
			continue
		}

		val := pricing.Valuation{ConstituentSum: sum, FairValue: fair, FX: fx, EffectiveCost: cost}
		ev := Evaluate(core.TenderOffer{Ticker: "RITC", Side: side, Quantity: 100, Price: price, FixedBid: true}, val, p)

		edge := sum.Sub(price.Mul(fx))
		if side == core.SideSell {
			edge = edge.Neg()
		}
		want := edge.GreaterThanOrEqual(decimal.Max(p.MinEdge, cost.Add(p.SafetyBuffer)))

		assert.Equal(t, want, ev.Accepted(), "side=%s price=%s fx=%s sum=%s", side, price, fx, sum)
		if edge.IsNegative() {
			assert.Equal(t, Decline, ev.Decision)
		}
	}
}
