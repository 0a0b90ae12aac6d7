package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"etf_arb/internal/core"
	apperrors "etf_arb/pkg/errors"

	"github.com/shopspring/decimal"
)

// CaseStatus returns the session tick and status
func (c *Client) CaseStatus(ctx context.Context) (*core.CaseStatus, error) {
	var dto caseDTO
	if err := c.get(ctx, "/case", nil, &dto); err != nil {
		return nil, err
	}
	return &core.CaseStatus{
		Tick:           dto.Tick,
		Period:         dto.Period,
		TicksPerPeriod: dto.TicksPerPeriod,
		Status:         dto.Status,
	}, nil
}

// Securities returns quotes for all instruments, or one if ticker is set
func (c *Client) Securities(ctx context.Context, ticker string) ([]core.InstrumentQuote, error) {
	var params url.Values
	if ticker != "" {
		params = url.Values{"ticker": {ticker}}
	}

	var dtos []securityDTO
	if err := c.get(ctx, "/securities", params, &dtos); err != nil {
		return nil, err
	}
	quotes := make([]core.InstrumentQuote, 0, len(dtos))
	for _, d := range dtos {
		quotes = append(quotes, d.toQuote())
	}
	return quotes, nil
}

// Book returns the ranked order book for ticker
func (c *Client) Book(ctx context.Context, ticker string) (*core.OrderBook, error) {
	if ticker == "" {
		return nil, fmt.Errorf("%w: book requires a ticker", apperrors.ErrValidation)
	}
	var dto bookDTO
	if err := c.get(ctx, "/securities/book", url.Values{"ticker": {ticker}}, &dto); err != nil {
		return nil, err
	}
	return &core.OrderBook{
		Ticker: ticker,
		Bids:   toLevels(dto.Bids),
		Asks:   toLevels(dto.Asks),
	}, nil
}

// Positions returns the signed position of every instrument
func (c *Client) Positions(ctx context.Context) (map[string]int64, error) {
	quotes, err := c.Securities(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(quotes))
	for _, q := range quotes {
		out[q.Ticker] = q.Position
	}
	return out, nil
}

// Tenders returns pending offers. Offers that fail to decode are returned
// with Invalid set rather than dropped, so they can still be declined.
func (c *Client) Tenders(ctx context.Context) ([]core.TenderOffer, error) {
	var dtos []tenderDTO
	if err := c.get(ctx, "/tenders", nil, &dtos); err != nil {
		return nil, err
	}
	offers := make([]core.TenderOffer, 0, len(dtos))
	for _, d := range dtos {
		offers = append(offers, d.toOffer(c.cfg.TenderActionIsCounterparty))
	}
	return offers, nil
}

// Limits returns the venue's gross/net risk limits
func (c *Client) Limits(ctx context.Context) ([]core.RiskLimit, error) {
	var dtos []limitDTO
	if err := c.get(ctx, "/limits", nil, &dtos); err != nil {
		return nil, err
	}
	limits := make([]core.RiskLimit, 0, len(dtos))
	for _, d := range dtos {
		limits = append(limits, core.RiskLimit{
			Name:       d.Name,
			Gross:      d.Gross,
			Net:        d.Net,
			GrossLimit: d.GrossLimit,
			NetLimit:   d.NetLimit,
		})
	}
	return limits, nil
}

// ValidateIntent rejects intents that must never reach the venue
func ValidateIntent(intent core.OrderIntent) error {
	switch {
	case intent.Ticker == "":
		return fmt.Errorf("%w: order without ticker", apperrors.ErrValidation)
	case intent.Quantity <= 0:
		return fmt.Errorf("%w: order quantity %d", apperrors.ErrValidation, intent.Quantity)
	case !intent.Side.Valid():
		return fmt.Errorf("%w: order side %q", apperrors.ErrValidation, intent.Side)
	case intent.Kind == core.OrderKindPassive && intent.LimitPrice == nil:
		return fmt.Errorf("%w: limit order without price", apperrors.ErrValidation)
	case intent.Kind != core.OrderKindPassive && intent.Kind != core.OrderKindAggressive:
		return fmt.Errorf("%w: order kind %q", apperrors.ErrValidation, intent.Kind)
	}
	return nil
}

// SubmitOrder sends one order. Invalid intents are rejected locally.
func (c *Client) SubmitOrder(ctx context.Context, intent core.OrderIntent) (*core.OrderAck, error) {
	if err := ValidateIntent(intent); err != nil {
		return nil, err
	}

	params := url.Values{
		"ticker":   {intent.Ticker},
		"type":     {string(intent.Kind)},
		"quantity": {strconv.FormatInt(intent.Quantity, 10)},
		"action":   {string(intent.Side)},
	}
	if intent.Kind == core.OrderKindPassive {
		params.Set("price", intent.LimitPrice.String())
	}

	body, err := c.do(ctx, http.MethodPost, "/orders", params)
	if err != nil {
		return nil, err
	}

	var dto orderDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return nil, fmt.Errorf("decode order ack: %w", err)
	}
	return &core.OrderAck{
		OrderID:        dto.OrderID,
		Ticker:         dto.Ticker,
		Status:         dto.Status,
		QuantityFilled: shares(dto.QuantityFilled),
	}, nil
}

// CancelOrder cancels one resting order
func (c *Client) CancelOrder(ctx context.Context, orderID int64) error {
	_, err := c.do(ctx, http.MethodDelete, "/orders/"+strconv.FormatInt(orderID, 10), nil)
	return err
}

// CancelAll cancels every open order
func (c *Client) CancelAll(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/commands/cancel", url.Values{"all": {"1"}})
	return err
}

// AcceptTender accepts an offer; price is sent only when given
func (c *Client) AcceptTender(ctx context.Context, tenderID int64, price *decimal.Decimal) error {
	var params url.Values
	if price != nil {
		params = url.Values{"price": {price.String()}}
	}
	_, err := c.do(ctx, http.MethodPost, "/tenders/"+strconv.FormatInt(tenderID, 10), params)
	return err
}

// DeclineTender declines an offer
func (c *Client) DeclineTender(ctx context.Context, tenderID int64) error {
	_, err := c.do(ctx, http.MethodDelete, "/tenders/"+strconv.FormatInt(tenderID, 10), nil)
	return err
}

// Asset is a non-tradable venue asset such as a converter
type Asset struct {
	Ticker string
	Type   string
}

// Lease is a held converter lease
type Lease struct {
	ID     int64
	Ticker string
}

// Assets lists the venue's assets. Venues without converters answer 404.
func (c *Client) Assets(ctx context.Context) ([]Asset, error) {
	var dtos []assetDTO
	if err := c.get(ctx, "/assets", nil, &dtos); err != nil {
		return nil, err
	}
	out := make([]Asset, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, Asset{Ticker: d.Ticker, Type: d.Type})
	}
	return out, nil
}

// Leases lists the leases currently held
func (c *Client) Leases(ctx context.Context) ([]Lease, error) {
	var dtos []leaseDTO
	if err := c.get(ctx, "/leases", nil, &dtos); err != nil {
		return nil, err
	}
	out := make([]Lease, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, Lease{ID: d.ID, Ticker: d.Ticker})
	}
	return out, nil
}
