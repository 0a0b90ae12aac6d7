// Package mock provides an in-memory venue for tests
package mock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"etf_arb/internal/core"
	apperrors "etf_arb/pkg/errors"

	"github.com/shopspring/decimal"
)

// ErrRejected is returned for orders the venue refuses
var ErrRejected = errors.New("mock: order rejected")

type restingOrder struct {
	intent    core.OrderIntent
	remaining int64
}

// Venue implements core.Venue in memory. Market orders fill in full,
// limit orders fill PassiveFillRatio immediately and rest the remainder.
type Venue struct {
	mu sync.Mutex

	quotes    map[string]core.InstrumentQuote
	books     map[string]*core.OrderBook
	positions map[string]int64
	offers    []core.TenderOffer
	limits    []core.RiskLimit
	status    core.CaseStatus
	resting   map[int64]*restingOrder
	nextID    int64

	// Behaviour knobs
	PassiveFillRatio float64
	RejectPassive    bool
	// FailAggressiveFrom makes the Nth and later market orders fail (1-based, 0 = never)
	FailAggressiveFrom int
	// FailConvertFrom makes the Nth and later conversions fail (1-based, 0 = never)
	FailConvertFrom int
	ConvertNoEffect bool
	Convertible     map[core.ConversionDirection]bool
	BlockSize       int64
	Composite       string
	Constituents    []string
	// Fail injects an error per method name, e.g. "Tenders" or "AcceptTender"
	Fail map[string]error
	// OnTick runs at the start of every CaseStatus call
	OnTick func(v *Venue)

	// Recorded calls
	Orders         []core.OrderIntent
	Cancelled      []int64
	CancelAllCalls int
	Accepted       []int64
	AcceptPrices   map[int64]*decimal.Decimal
	Declined       []int64
	Conversions    []core.ConversionRequest
	aggressiveN    int
	conversionN    int
}

// NewVenue creates an empty venue for the RITC/BULL/BEAR basket
func NewVenue() *Venue {
	return &Venue{
		quotes:       make(map[string]core.InstrumentQuote),
		books:        make(map[string]*core.OrderBook),
		positions:    make(map[string]int64),
		resting:      make(map[int64]*restingOrder),
		nextID:       1000,
		status:       core.CaseStatus{Tick: 1, Period: 1, Status: "ACTIVE"},
		Convertible:  map[core.ConversionDirection]bool{core.ConversionCreate: true, core.ConversionRedeem: true},
		BlockSize:    10000,
		Composite:    "RITC",
		Constituents: []string{"BULL", "BEAR"},
		Fail:         make(map[string]error),
		AcceptPrices: make(map[int64]*decimal.Decimal),
	}
}

// SetQuote installs a quote row; bid/ask/last are decimal strings
func (v *Venue) SetQuote(ticker, currency, last, bid, ask string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.quotes[ticker] = core.InstrumentQuote{
		Ticker:   ticker,
		Currency: currency,
		Last:     decimal.RequireFromString(last),
		Bid:      decimal.RequireFromString(bid),
		Ask:      decimal.RequireFromString(ask),
	}
}

// RemoveQuote drops an instrument from the securities feed
func (v *Venue) RemoveQuote(ticker string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.quotes, ticker)
}

// SetBook installs an order book
func (v *Venue) SetBook(book *core.OrderBook) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.books[book.Ticker] = book
}

// SetPosition overrides a position
func (v *Venue) SetPosition(ticker string, qty int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions[ticker] = qty
}

// Position returns the current position of ticker
func (v *Venue) Position(ticker string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positions[ticker]
}

// SetOffers replaces the pending tender list
func (v *Venue) SetOffers(offers ...core.TenderOffer) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.offers = append([]core.TenderOffer(nil), offers...)
}

// SetLimits replaces the risk limits
func (v *Venue) SetLimits(limits ...core.RiskLimit) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.limits = limits
}

// SetStatus replaces the case status
func (v *Venue) SetStatus(status core.CaseStatus) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.status = status
}

// RestingOrders returns the ids of orders still working
func (v *Venue) RestingOrders() []int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	ids := make([]int64, 0, len(v.resting))
	for id := range v.resting {
		ids = append(ids, id)
	}
	return ids
}

func (v *Venue) failure(method string) error {
	if err, ok := v.Fail[method]; ok {
		return err
	}
	return nil
}

func (v *Venue) CaseStatus(ctx context.Context) (*core.CaseStatus, error) {
	if v.OnTick != nil {
		v.OnTick(v)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failure("CaseStatus"); err != nil {
		return nil, err
	}
	s := v.status
	return &s, nil
}

func (v *Venue) Securities(ctx context.Context, ticker string) ([]core.InstrumentQuote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failure("Securities"); err != nil {
		return nil, err
	}
	out := make([]core.InstrumentQuote, 0, len(v.quotes))
	for t, q := range v.quotes {
		if ticker != "" && t != ticker {
			continue
		}
		q.Position = v.positions[t]
		out = append(out, q)
	}
	return out, nil
}

func (v *Venue) Book(ctx context.Context, ticker string) (*core.OrderBook, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failure("Book"); err != nil {
		return nil, err
	}
	if b, ok := v.books[ticker]; ok {
		cp := *b
		return &cp, nil
	}
	return &core.OrderBook{Ticker: ticker}, nil
}

func (v *Venue) Positions(ctx context.Context) (map[string]int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failure("Positions"); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(v.positions))
	for k, q := range v.positions {
		out[k] = q
	}
	return out, nil
}

func (v *Venue) Tenders(ctx context.Context) ([]core.TenderOffer, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failure("Tenders"); err != nil {
		return nil, err
	}
	return append([]core.TenderOffer(nil), v.offers...), nil
}

func (v *Venue) Limits(ctx context.Context) ([]core.RiskLimit, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failure("Limits"); err != nil {
		return nil, err
	}
	return append([]core.RiskLimit(nil), v.limits...), nil
}

func (v *Venue) SubmitOrder(ctx context.Context, intent core.OrderIntent) (*core.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failure("SubmitOrder"); err != nil {
		return nil, err
	}
	if intent.Kind == core.OrderKindPassive && intent.LimitPrice == nil {
		return nil, fmt.Errorf("%w: limit order without price", apperrors.ErrValidation)
	}

	v.Orders = append(v.Orders, intent)
	v.nextID++
	id := v.nextID

	if intent.Kind == core.OrderKindAggressive {
		v.aggressiveN++
		if v.FailAggressiveFrom > 0 && v.aggressiveN >= v.FailAggressiveFrom {
			return nil, ErrRejected
		}
		v.positions[intent.Ticker] += intent.Side.Sign() * intent.Quantity
		return &core.OrderAck{OrderID: id, Ticker: intent.Ticker, Status: "TRANSACTED", QuantityFilled: intent.Quantity}, nil
	}

	if v.RejectPassive {
		return nil, ErrRejected
	}
	filled := int64(math.Floor(float64(intent.Quantity) * v.PassiveFillRatio))
	v.positions[intent.Ticker] += intent.Side.Sign() * filled
	if remaining := intent.Quantity - filled; remaining > 0 {
		v.resting[id] = &restingOrder{intent: intent, remaining: remaining}
		return &core.OrderAck{OrderID: id, Ticker: intent.Ticker, Status: "OPEN", QuantityFilled: filled}, nil
	}
	return &core.OrderAck{OrderID: id, Ticker: intent.Ticker, Status: "TRANSACTED", QuantityFilled: filled}, nil
}

func (v *Venue) CancelOrder(ctx context.Context, orderID int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failure("CancelOrder"); err != nil {
		return err
	}
	if _, ok := v.resting[orderID]; !ok {
		return fmt.Errorf("order %d: %w", orderID, apperrors.ErrNotFound)
	}
	delete(v.resting, orderID)
	v.Cancelled = append(v.Cancelled, orderID)
	return nil
}

func (v *Venue) CancelAll(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.CancelAllCalls++
	if err := v.failure("CancelAll"); err != nil {
		return err
	}
	for id := range v.resting {
		v.Cancelled = append(v.Cancelled, id)
		delete(v.resting, id)
	}
	return nil
}

func (v *Venue) AcceptTender(ctx context.Context, tenderID int64, price *decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failure("AcceptTender"); err != nil {
		return err
	}
	for i, o := range v.offers {
		if o.ID != tenderID {
			continue
		}
		v.positions[o.Ticker] += o.Side.Sign() * o.Quantity
		v.offers = append(v.offers[:i], v.offers[i+1:]...)
		v.Accepted = append(v.Accepted, tenderID)
		v.AcceptPrices[tenderID] = price
		return nil
	}
	return fmt.Errorf("tender %d: %w", tenderID, apperrors.ErrNotFound)
}

func (v *Venue) DeclineTender(ctx context.Context, tenderID int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failure("DeclineTender"); err != nil {
		return err
	}
	for i, o := range v.offers {
		if o.ID == tenderID {
			v.offers = append(v.offers[:i], v.offers[i+1:]...)
			v.Declined = append(v.Declined, tenderID)
			return nil
		}
	}
	return fmt.Errorf("tender %d: %w", tenderID, apperrors.ErrNotFound)
}

func (v *Venue) CanConvert(direction core.ConversionDirection) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.Convertible[direction]
}

func (v *Venue) Convert(ctx context.Context, req core.ConversionRequest) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.Convertible[req.Direction] {
		return apperrors.ErrConversionUnsupported
	}
	v.conversionN++
	if v.FailConvertFrom > 0 && v.conversionN >= v.FailConvertFrom {
		return fmt.Errorf("mock: conversion failed: %w", apperrors.ErrTransientServer)
	}
	v.Conversions = append(v.Conversions, req)
	if v.ConvertNoEffect {
		return nil
	}

	qty := req.Blocks * v.BlockSize
	sign := int64(1)
	if req.Direction == core.ConversionCreate {
		sign = -1
	}
	v.positions[v.Composite] -= sign * qty
	for _, t := range v.Constituents {
		v.positions[t] += sign * qty
	}
	return nil
}
