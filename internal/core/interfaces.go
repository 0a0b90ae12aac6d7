// Package core defines the shared types and interfaces of the arbitrage engine
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// MarketReader exposes read-only venue state
type MarketReader interface {
	CaseStatus(ctx context.Context) (*CaseStatus, error)
	// Securities returns all instruments, or a single one when ticker is set
	Securities(ctx context.Context, ticker string) ([]InstrumentQuote, error)
	Book(ctx context.Context, ticker string) (*OrderBook, error)
	Positions(ctx context.Context) (map[string]int64, error)
	Tenders(ctx context.Context) ([]TenderOffer, error)
	Limits(ctx context.Context) ([]RiskLimit, error)
}

// OrderGateway submits and cancels orders
type OrderGateway interface {
	SubmitOrder(ctx context.Context, intent OrderIntent) (*OrderAck, error)
	CancelOrder(ctx context.Context, orderID int64) error
	CancelAll(ctx context.Context) error
}

// TenderGateway resolves tender offers
type TenderGateway interface {
	// AcceptTender accepts an offer; price is only sent for non fixed-bid offers
	AcceptTender(ctx context.Context, tenderID int64, price *decimal.Decimal) error
	DeclineTender(ctx context.Context, tenderID int64) error
}

// Converter moves exposure between the composite and its constituents
type Converter interface {
	CanConvert(direction ConversionDirection) bool
	Convert(ctx context.Context, req ConversionRequest) error
}

// Venue is the full call surface the engine needs
type Venue interface {
	MarketReader
	OrderGateway
	TenderGateway
	Converter
}

// Recorder receives auditable engine events
type Recorder interface {
	Record(ctx context.Context, event AuditEvent)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// NopRecorder discards every event
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, AuditEvent) {}
