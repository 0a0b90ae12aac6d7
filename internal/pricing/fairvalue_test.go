package pricing

import (
	"math/rand"
	"testing"

	"etf_arb/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var ritc = core.CompositeRelationship{
	Composite:         "RITC",
	Constituents:      []string{"BULL", "BEAR"},
	FXTicker:          "USD",
	CompositeCurrency: "USD",
	CommonCurrency:    "CAD",
}

func view(bull, bear, fx, composite string) View {
	return View{
		ConstituentPrices:     map[string]decimal.Decimal{"BULL": d(bull), "BEAR": d(bear)},
		ConstituentCurrencies: map[string]string{"BULL": "CAD", "BEAR": "CAD"},
		FX:                    d(fx),
		CompositePrice:        d(composite),
	}
}

func TestFairValueIsConvertedBasket(t *testing.T) {
	v := view("12.00", "13.00", "1.25", "20.10")

	assert.True(t, d("25.00").Equal(ConstituentSum(v, ritc)))
	assert.True(t, d("20.00").Equal(FairValue(v, ritc)))
	// 20.10 * 1.25 - 25.00
	assert.True(t, d("0.125").Equal(Mispricing(v, ritc)))
}

func TestFXScalesCompositeNotBasket(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		bull := decimal.NewFromFloat(5 + r.Float64()*20).Round(2)
		bear := decimal.NewFromFloat(5 + r.Float64()*20).Round(2)
		comp := decimal.NewFromFloat(10 + r.Float64()*30).Round(2)
		fx1 := decimal.NewFromFloat(0.7 + r.Float64()).Round(4)
		fx2 := fx1.Mul(d("1.1"))

		v1 := View{
			ConstituentPrices: map[string]decimal.Decimal{"BULL": bull, "BEAR": bear},
			FX:                fx1, CompositePrice: comp,
		}
		v2 := v1
		v2.FX = fx2

		assert.True(t, ConstituentSum(v1, ritc).Equal(ConstituentSum(v2, ritc)))
		assert.True(t, ConstituentSum(v1, ritc).Equal(bull.Add(bear)))

		ratio := ToCommon(comp, fx2).Div(ToCommon(comp, fx1))
		assert.True(t, ratio.Round(10).Equal(d("1.1")), "converted composite price scales with FX")
	}
}

func TestConstituentInCompositeCurrencyIsConverted(t *testing.T) {
	v := view("10.00", "8.00", "1.5", "20")
	v.ConstituentCurrencies["BEAR"] = "USD"
	// 10 + 8*1.5
	assert.True(t, d("22.00").Equal(ConstituentSum(v, ritc)))
}

func TestWeightedBasket(t *testing.T) {
	rel := ritc
	rel.Weights = map[string]decimal.Decimal{"BULL": d("2")}
	v := view("10", "5", "1", "25")
	assert.True(t, d("25").Equal(ConstituentSum(v, rel)))
}

func TestOrderUnwindCost(t *testing.T) {
	costs := Costs{MarketFee: d("0.02"), FallbackSpread: d("0.04")}

	tests := []struct {
		name         string
		bid, ask     string
		fx           string
		want         string
		wantFallback bool
	}{
		{"book spread", "24.98", "25.02", "1.25", "0.035", false},
		{"no bids", "0", "25.02", "1.25", "0.03", true},
		{"crossed book", "25.05", "25.00", "1", "0.03", true},
		{"same currency", "10.00", "10.10", "1", "0.06", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := view("1", "1", tt.fx, "25")
			v.CompositeBid = d(tt.bid)
			v.CompositeAsk = d(tt.ask)

			cost, _, fallback := OrderUnwindCost(v, costs)
			assert.True(t, d(tt.want).Equal(cost), "got %s", cost)
			assert.Equal(t, tt.wantFallback, fallback)
		})
	}
}

func TestEffectiveUnwindCostPicksCheaper(t *testing.T) {
	conv := Costs{ConversionPerShare: d("0.15"), ConversionEnabled: true}

	cost, prefer := EffectiveUnwindCost(d("0.05"), conv)
	assert.True(t, d("0.05").Equal(cost))
	assert.False(t, prefer)

	cost, prefer = EffectiveUnwindCost(d("0.40"), conv)
	assert.True(t, d("0.15").Equal(cost))
	assert.True(t, prefer)

	cost, prefer = EffectiveUnwindCost(d("0.15"), conv)
	assert.True(t, d("0.15").Equal(cost))
	assert.False(t, prefer, "ties go to direct execution")

	conv.ConversionEnabled = false
	cost, prefer = EffectiveUnwindCost(d("0.40"), conv)
	assert.True(t, d("0.40").Equal(cost))
	assert.False(t, prefer)
}

func TestValue(t *testing.T) {
	v := view("12.00", "13.00", "1.25", "20.10")
	v.CompositeBid = d("20.08")
	v.CompositeAsk = d("20.12")

	val := Value(v, ritc, Costs{MarketFee: d("0.02"), FallbackSpread: d("0.04"), ConversionPerShare: d("0.15"), ConversionEnabled: true})

	assert.True(t, d("25").Equal(val.ConstituentSum))
	assert.True(t, d("20").Equal(val.FairValue))
	assert.True(t, d("25.125").Equal(val.CompositeCommon))
	assert.True(t, d("0.125").Equal(val.Mispricing))
	assert.True(t, d("0.05").Equal(val.SpreadCommon))
	assert.True(t, d("0.035").Equal(val.OrderCost))
	assert.True(t, d("0.035").Equal(val.EffectiveCost))
	assert.False(t, val.PreferConversion)
	assert.False(t, val.UsedFallback)
}

func TestFromCommonZeroFX(t *testing.T) {
	assert.True(t, FromCommon(d("10"), decimal.Zero).IsZero())
}
