package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade from the engine's point of view
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign is +1 for buys and -1 for sells
func (s Side) Sign() int64 {
	if s == SideBuy {
		return 1
	}
	return -1
}

// Valid reports whether s is a known side
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderKind distinguishes resting from marketable orders
type OrderKind string

const (
	OrderKindPassive    OrderKind = "LIMIT"
	OrderKindAggressive OrderKind = "MARKET"
)

// InstrumentQuote is one row of a per-cycle market snapshot
type InstrumentQuote struct {
	Ticker   string
	Last     decimal.Decimal
	Bid      decimal.Decimal
	Ask      decimal.Decimal
	Currency string
	Position int64
}

// Mid returns the bid/ask midpoint, or zero when either side is missing
func (q InstrumentQuote) Mid() decimal.Decimal {
	if !q.Bid.IsPositive() || !q.Ask.IsPositive() {
		return decimal.Zero
	}
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// ReferencePrice prefers last, then mid, then ask, then bid
func (q InstrumentQuote) ReferencePrice() decimal.Decimal {
	switch {
	case q.Last.IsPositive():
		return q.Last
	case q.Mid().IsPositive():
		return q.Mid()
	case q.Ask.IsPositive():
		return q.Ask
	default:
		return q.Bid
	}
}

// BookLevel is one price level of an order book
type BookLevel struct {
	Price    decimal.Decimal
	Quantity int64
}

// OrderBook holds ranked levels, best first
type OrderBook struct {
	Ticker string
	Bids   []BookLevel
	Asks   []BookLevel
}

// BestBid returns the top bid if present
func (b *OrderBook) BestBid() (decimal.Decimal, bool) {
	if b == nil || len(b.Bids) == 0 {
		return decimal.Zero, false
	}
	return b.Bids[0].Price, true
}

// BestAsk returns the top ask if present
func (b *OrderBook) BestAsk() (decimal.Decimal, bool) {
	if b == nil || len(b.Asks) == 0 {
		return decimal.Zero, false
	}
	return b.Asks[0].Price, true
}

// Position is a signed venue-owned holding
type Position struct {
	Ticker   string
	Quantity int64
}

// TenderState tracks an offer through its decision
type TenderState string

const (
	TenderPending  TenderState = "PENDING"
	TenderAccepted TenderState = "ACCEPTED"
	TenderDeclined TenderState = "DECLINED"
)

// TenderOffer is a take-it-or-leave-it block trade proposal.
// Side is the side the engine takes if it accepts.
type TenderOffer struct {
	ID       int64
	Ticker   string
	Price    decimal.Decimal
	Quantity int64
	Side     Side
	FixedBid bool
	Expires  int
	Caption  string

	// Invalid is set when the venue payload could not be fully decoded.
	// Such offers are declined without evaluation.
	Invalid error
}

// OrderIntent is a single order the slicer wants sent
type OrderIntent struct {
	Ticker     string
	Side       Side
	Quantity   int64
	Kind       OrderKind
	LimitPrice *decimal.Decimal
}

// OrderAck is the venue's acknowledgement of a submitted order
type OrderAck struct {
	OrderID        int64
	Ticker         string
	Status         string
	QuantityFilled int64
}

// ConversionDirection selects which way a conversion moves exposure
type ConversionDirection string

const (
	// ConversionCreate turns constituents into the composite
	ConversionCreate ConversionDirection = "create"
	// ConversionRedeem turns the composite into constituents
	ConversionRedeem ConversionDirection = "redeem"
)

// ConversionRequest asks for a number of fixed-size blocks to be converted
type ConversionRequest struct {
	Direction ConversionDirection
	Blocks    int64
}

// CompositeRelationship maps the composite to its basket
type CompositeRelationship struct {
	Composite         string
	Constituents      []string
	Weights           map[string]decimal.Decimal
	FXTicker          string
	CompositeCurrency string
	CommonCurrency    string
}

// Weight returns the basket weight of a constituent, defaulting to one
func (r CompositeRelationship) Weight(ticker string) decimal.Decimal {
	if w, ok := r.Weights[ticker]; ok {
		return w
	}
	return decimal.NewFromInt(1)
}

// Tickers lists every instrument the relationship needs priced
func (r CompositeRelationship) Tickers() []string {
	out := []string{r.Composite}
	out = append(out, r.Constituents...)
	if r.FXTicker != "" {
		out = append(out, r.FXTicker)
	}
	return out
}

// RiskLimit is one venue-enforced gross/net limit
type RiskLimit struct {
	Name       string
	Gross      decimal.Decimal
	Net        decimal.Decimal
	GrossLimit decimal.Decimal
	NetLimit   decimal.Decimal
}

// CaseStatus reports session progress
type CaseStatus struct {
	Tick           int
	Period         int
	TicksPerPeriod int
	Status         string
}

// Active reports whether the venue is accepting decisions
func (c CaseStatus) Active() bool {
	return c.Status == "" || c.Status == "ACTIVE"
}

// AuditKind classifies an audit event
type AuditKind string

const (
	AuditTenderDecision AuditKind = "tender_decision"
	AuditExecution      AuditKind = "execution"
	AuditFallback       AuditKind = "execution_fallback"
	AuditConversion     AuditKind = "conversion"
	AuditUnwind         AuditKind = "unwind"
	AuditSpotArb        AuditKind = "spot_arb"
	AuditStatus         AuditKind = "status"
)

// AuditEvent is one auditable decision or action with the numbers behind it
type AuditEvent struct {
	SessionID string            `json:"session_id"`
	Kind      AuditKind         `json:"kind"`
	Time      time.Time         `json:"time"`
	Ticker    string            `json:"ticker,omitempty"`
	Action    string            `json:"action,omitempty"`
	Quantity  int64             `json:"quantity,omitempty"`
	Price     string            `json:"price,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}
