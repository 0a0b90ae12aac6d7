// Package pricing computes fair value, mispricing and unwind costs.
// Everything here is pure; callers supply one snapshot's worth of inputs.
package pricing

import (
	"etf_arb/internal/core"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// View is the normalized pricing input derived from one market snapshot
type View struct {
	// ConstituentPrices are reference prices in each constituent's native currency
	ConstituentPrices     map[string]decimal.Decimal
	ConstituentCurrencies map[string]string
	// FX is units of common currency per unit of composite currency
	FX decimal.Decimal
	// CompositePrice is the composite reference price in its own currency
	CompositePrice decimal.Decimal
	// CompositeBid and CompositeAsk are zero when that side is empty
	CompositeBid decimal.Decimal
	CompositeAsk decimal.Decimal
}

// HasTwoSidedBook reports whether a usable composite spread exists
func (v View) HasTwoSidedBook() bool {
	return v.CompositeBid.IsPositive() && v.CompositeAsk.IsPositive() && v.CompositeAsk.GreaterThanOrEqual(v.CompositeBid)
}

// Costs holds the per-share cost parameters, all in common currency
type Costs struct {
	MarketFee      decimal.Decimal
	FallbackSpread decimal.Decimal
	// ConversionPerShare is zero when conversion is unavailable
	ConversionPerShare decimal.Decimal
	ConversionEnabled  bool
}

// Valuation is everything derived from one View
type Valuation struct {
	ConstituentSum  decimal.Decimal // common currency
	FairValue       decimal.Decimal // composite currency
	CompositeCommon decimal.Decimal // composite price in common currency
	Mispricing      decimal.Decimal // CompositeCommon - ConstituentSum
	FX              decimal.Decimal
	SpreadCommon    decimal.Decimal
	UsedFallback    bool
	OrderCost       decimal.Decimal
	EffectiveCost   decimal.Decimal
	// PreferConversion is true when converting is strictly cheaper than trading
	PreferConversion bool
}

// ConstituentSum is the weighted basket value in common currency.
// Constituents quoted in the composite currency are converted with FX.
func ConstituentSum(v View, rel core.CompositeRelationship) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range rel.Constituents {
		p := v.ConstituentPrices[t]
		if rel.CompositeCurrency != rel.CommonCurrency && v.ConstituentCurrencies[t] == rel.CompositeCurrency {
			p = p.Mul(v.FX)
		}
		sum = sum.Add(p.Mul(rel.Weight(t)))
	}
	return sum
}

// ToCommon converts a composite-currency price into common currency
func ToCommon(price, fx decimal.Decimal) decimal.Decimal {
	return price.Mul(fx)
}

// FromCommon converts a common-currency amount into composite currency
func FromCommon(amount, fx decimal.Decimal) decimal.Decimal {
	if fx.IsZero() {
		return decimal.Zero
	}
	return amount.Div(fx)
}

// FairValue is the basket value expressed in the composite's currency
func FairValue(v View, rel core.CompositeRelationship) decimal.Decimal {
	return FromCommon(ConstituentSum(v, rel), v.FX)
}

// Mispricing is the composite price less the basket, both in common currency
func Mispricing(v View, rel core.CompositeRelationship) decimal.Decimal {
	return ToCommon(v.CompositePrice, v.FX).Sub(ConstituentSum(v, rel))
}

// OrderUnwindCost is half the composite spread in common currency plus half
// the per-share fee. Without a two-sided book the fallback spread is used.
func OrderUnwindCost(v View, c Costs) (cost decimal.Decimal, spreadCommon decimal.Decimal, usedFallback bool) {
	spreadCommon = c.FallbackSpread
	usedFallback = true
	if v.HasTwoSidedBook() {
		spreadCommon = ToCommon(v.CompositeAsk.Sub(v.CompositeBid), v.FX)
		usedFallback = false
	}
	cost = spreadCommon.Div(two).Add(c.MarketFee.Div(two))
	return cost, spreadCommon, usedFallback
}

// EffectiveUnwindCost is the cheaper of trading out and converting
func EffectiveUnwindCost(orderCost decimal.Decimal, c Costs) (decimal.Decimal, bool) {
	if c.ConversionEnabled && c.ConversionPerShare.LessThan(orderCost) {
		return c.ConversionPerShare, true
	}
	return orderCost, false
}

// Value derives a full Valuation from one View
func Value(v View, rel core.CompositeRelationship, c Costs) Valuation {
	sum := ConstituentSum(v, rel)
	compositeCommon := ToCommon(v.CompositePrice, v.FX)
	orderCost, spread, fallback := OrderUnwindCost(v, c)
	effective, preferConversion := EffectiveUnwindCost(orderCost, c)

	return Valuation{
		ConstituentSum:   sum,
		FairValue:        FromCommon(sum, v.FX),
		CompositeCommon:  compositeCommon,
		Mispricing:       compositeCommon.Sub(sum),
		FX:               v.FX,
		SpreadCommon:     spread,
		UsedFallback:     fallback,
		OrderCost:        orderCost,
		EffectiveCost:    effective,
		PreferConversion: preferConversion,
	}
}
