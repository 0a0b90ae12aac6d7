package venue

import (
	"fmt"
	"math"
	"strings"

	"etf_arb/internal/core"
	apperrors "etf_arb/pkg/errors"

	"github.com/shopspring/decimal"
)

type caseDTO struct {
	Tick           int    `json:"tick"`
	Period         int    `json:"period"`
	TicksPerPeriod int    `json:"ticks_per_period"`
	Status         string `json:"status"`
}

type securityDTO struct {
	Ticker   string          `json:"ticker"`
	Type     string          `json:"type"`
	Position float64         `json:"position"`
	Last     decimal.Decimal `json:"last"`
	Bid      decimal.Decimal `json:"bid"`
	Ask      decimal.Decimal `json:"ask"`
	Currency string          `json:"currency"`
}

func (s securityDTO) toQuote() core.InstrumentQuote {
	return core.InstrumentQuote{
		Ticker:   s.Ticker,
		Last:     s.Last,
		Bid:      s.Bid,
		Ask:      s.Ask,
		Currency: s.Currency,
		Position: shares(s.Position),
	}
}

type levelDTO struct {
	Price          decimal.Decimal `json:"price"`
	Quantity       float64         `json:"quantity"`
	QuantityFilled float64         `json:"quantity_filled"`
}

type bookDTO struct {
	Bids []levelDTO `json:"bids"`
	Asks []levelDTO `json:"asks"`
}

func toLevels(in []levelDTO) []core.BookLevel {
	out := make([]core.BookLevel, 0, len(in))
	for _, l := range in {
		remaining := shares(l.Quantity - l.QuantityFilled)
		if remaining <= 0 {
			continue
		}
		out = append(out, core.BookLevel{Price: l.Price, Quantity: remaining})
	}
	return out
}

type tenderDTO struct {
	TenderID   int64            `json:"tender_id"`
	Ticker     string           `json:"ticker"`
	Price      *decimal.Decimal `json:"price"`
	Quantity   float64          `json:"quantity"`
	Action     *string          `json:"action"`
	IsFixedBid bool             `json:"is_fixed_bid"`
	Expires    int              `json:"expires"`
	Caption    string           `json:"caption"`
}

// toOffer normalizes a tender. A missing action is never defaulted.
func (t tenderDTO) toOffer(actionIsCounterparty bool) core.TenderOffer {
	offer := core.TenderOffer{
		ID:       t.TenderID,
		Ticker:   t.Ticker,
		Quantity: shares(t.Quantity),
		FixedBid: t.IsFixedBid,
		Expires:  t.Expires,
		Caption:  t.Caption,
	}
	if t.Price != nil {
		offer.Price = *t.Price
	}

	switch {
	case t.Action == nil || strings.TrimSpace(*t.Action) == "":
		offer.Invalid = fmt.Errorf("tender %d: %w: action", t.TenderID, apperrors.ErrMissingField)
		return offer
	case t.Ticker == "":
		offer.Invalid = fmt.Errorf("tender %d: %w: ticker", t.TenderID, apperrors.ErrMissingField)
		return offer
	case offer.Quantity <= 0:
		offer.Invalid = fmt.Errorf("tender %d: %w: non-positive quantity", t.TenderID, apperrors.ErrValidation)
		return offer
	case t.IsFixedBid && t.Price == nil:
		offer.Invalid = fmt.Errorf("tender %d: %w: price", t.TenderID, apperrors.ErrMissingField)
		return offer
	}

	side := core.Side(strings.ToUpper(strings.TrimSpace(*t.Action)))
	if !side.Valid() {
		offer.Invalid = fmt.Errorf("tender %d: %w: unknown action %q", t.TenderID, apperrors.ErrValidation, *t.Action)
		return offer
	}
	if actionIsCounterparty {
		side = side.Opposite()
	}
	offer.Side = side
	return offer
}

type limitDTO struct {
	Name       string          `json:"name"`
	Gross      decimal.Decimal `json:"gross"`
	Net        decimal.Decimal `json:"net"`
	GrossLimit decimal.Decimal `json:"gross_limit"`
	NetLimit   decimal.Decimal `json:"net_limit"`
}

type orderDTO struct {
	OrderID        int64   `json:"order_id"`
	Ticker         string  `json:"ticker"`
	Status         string  `json:"status"`
	QuantityFilled float64 `json:"quantity_filled"`
}

type assetDTO struct {
	Ticker string `json:"ticker"`
	Type   string `json:"type"`
}

type leaseDTO struct {
	ID     int64  `json:"id"`
	Ticker string `json:"ticker"`
}

// shares rounds venue quantities, which arrive as JSON numbers, to whole shares
func shares(v float64) int64 {
	return int64(math.Round(v))
}
