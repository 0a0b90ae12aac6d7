// Package market reads one consistent market snapshot per cycle
package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"etf_arb/internal/core"
	"etf_arb/internal/pricing"
	"etf_arb/pkg/concurrency"
	apperrors "etf_arb/pkg/errors"

	"github.com/shopspring/decimal"
)

// Snapshot is every piece of market state one cycle decides on
type Snapshot struct {
	TakenAt   time.Time
	Quotes    map[string]core.InstrumentQuote
	Books     map[string]*core.OrderBook
	Positions map[string]int64
	View      pricing.View
}

// Quote returns the row for ticker
func (s *Snapshot) Quote(ticker string) (core.InstrumentQuote, bool) {
	q, ok := s.Quotes[ticker]
	return q, ok
}

// Book returns the order book for ticker, nil when not fetched
func (s *Snapshot) Book(ticker string) *core.OrderBook {
	return s.Books[ticker]
}

// Reader builds snapshots from the venue
type Reader struct {
	venue  core.MarketReader
	rel    core.CompositeRelationship
	pool   *concurrency.WorkerPool
	books  []string
	logger core.ILogger
}

// NewReader creates a snapshot reader. Books are fetched for the composite
// and every constituent so execution can derive price hints.
func NewReader(venue core.MarketReader, rel core.CompositeRelationship, pool *concurrency.WorkerPool, logger core.ILogger) *Reader {
	books := append([]string{rel.Composite}, rel.Constituents...)
	return &Reader{
		venue:  venue,
		rel:    rel,
		pool:   pool,
		books:  books,
		logger: logger.WithField("component", "snapshot_reader"),
	}
}

// Snapshot fetches quotes and books concurrently and normalizes them.
// A missing required instrument fails the whole snapshot.
func (r *Reader) Snapshot(ctx context.Context) (*Snapshot, error) {
	var quotes []core.InstrumentQuote
	books := make([]*core.OrderBook, len(r.books))
	bookErrs := make([]error, len(r.books))

	tasks := []func() error{
		func() error {
			var err error
			quotes, err = r.venue.Securities(ctx, "")
			return err
		},
	}
	for i, ticker := range r.books {
		i, ticker := i, ticker
		tasks = append(tasks, func() error {
			books[i], bookErrs[i] = r.venue.Book(ctx, ticker)
			return nil
		})
	}

	if errs := r.pool.RunAll(tasks...); errs[0] != nil {
		return nil, fmt.Errorf("snapshot securities: %w", errs[0])
	}

	snap := &Snapshot{
		TakenAt:   time.Now(),
		Quotes:    make(map[string]core.InstrumentQuote, len(quotes)),
		Books:     make(map[string]*core.OrderBook, len(r.books)),
		Positions: make(map[string]int64, len(quotes)),
	}
	for _, q := range quotes {
		snap.Quotes[q.Ticker] = q
		snap.Positions[q.Ticker] = q.Position
	}

	for i, ticker := range r.books {
		if err := bookErrs[i]; err != nil {
			if apperrors.IsFatal(err) {
				return nil, fmt.Errorf("snapshot book %s: %w", ticker, err)
			}
			if !errors.Is(err, context.Canceled) {
				r.logger.Warn("Order book unavailable, using quote", "ticker", ticker, "error", err)
			}
			continue
		}
		snap.Books[ticker] = books[i]
	}

	view, err := BuildView(snap, r.rel)
	if err != nil {
		return nil, err
	}
	snap.View = view
	return snap, nil
}

// BuildView normalizes a snapshot into the pricing input
func BuildView(snap *Snapshot, rel core.CompositeRelationship) (pricing.View, error) {
	view := pricing.View{
		ConstituentPrices:     make(map[string]decimal.Decimal, len(rel.Constituents)),
		ConstituentCurrencies: make(map[string]string, len(rel.Constituents)),
		FX:                    decimal.NewFromInt(1),
	}

	composite, err := requirePrice(snap, rel.Composite)
	if err != nil {
		return view, err
	}
	view.CompositePrice = composite.ReferencePrice()

	for _, t := range rel.Constituents {
		q, err := requirePrice(snap, t)
		if err != nil {
			return view, err
		}
		view.ConstituentPrices[t] = q.ReferencePrice()
		view.ConstituentCurrencies[t] = q.Currency
	}

	if rel.FXTicker != "" {
		fx, err := requirePrice(snap, rel.FXTicker)
		if err != nil {
			return view, err
		}
		view.FX = fx.ReferencePrice()
	}

	view.CompositeBid, view.CompositeAsk = composite.Bid, composite.Ask
	if book := snap.Book(rel.Composite); book != nil {
		if bid, ok := book.BestBid(); ok {
			view.CompositeBid = bid
		}
		if ask, ok := book.BestAsk(); ok {
			view.CompositeAsk = ask
		}
	}
	return view, nil
}

func requirePrice(snap *Snapshot, ticker string) (core.InstrumentQuote, error) {
	q, ok := snap.Quote(ticker)
	if !ok {
		return q, fmt.Errorf("%w: %s absent from securities", apperrors.ErrMissingMarketData, ticker)
	}
	if !q.ReferencePrice().IsPositive() {
		return q, fmt.Errorf("%w: %s has no usable price", apperrors.ErrMissingMarketData, ticker)
	}
	return q, nil
}
