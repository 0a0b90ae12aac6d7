package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"etf_arb/internal/core"
	apperrors "etf_arb/pkg/errors"
)

// Capabilities records which conversion shapes the venue supports.
// It is filled once at startup and never probed again at decision time.
type Capabilities struct {
	Negotiated bool
	Create     bool
	Redeem     bool
	// Leases maps converter ticker to an already held lease id
	Leases map[string]int64
}

// Capabilities returns a copy of the negotiated capabilities
func (c *Client) Capabilities() Capabilities {
	c.capsMu.RLock()
	defer c.capsMu.RUnlock()
	out := c.caps
	out.Leases = make(map[string]int64, len(c.caps.Leases))
	for k, v := range c.caps.Leases {
		out.Leases[k] = v
	}
	return out
}

// NegotiateCapabilities queries the venue's assets and leases once and
// records which converters exist. A venue without the assets endpoint
// simply has no conversion support.
func (c *Client) NegotiateCapabilities(ctx context.Context) (Capabilities, error) {
	caps := Capabilities{Negotiated: true, Leases: make(map[string]int64)}
	shape := c.cfg.Conversion

	if !shape.Enabled {
		c.storeCaps(caps)
		return caps, nil
	}

	assets, err := c.Assets(ctx)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			return caps, fmt.Errorf("negotiate capabilities: %w", err)
		}
		c.logger.Warn("Venue exposes no assets endpoint, conversion disabled")
	}
	for _, a := range assets {
		switch a.Ticker {
		case shape.CreateConverter:
			caps.Create = shape.CreateConverter != ""
		case shape.RedeemConverter:
			caps.Redeem = shape.RedeemConverter != ""
		}
	}

	if caps.Create || caps.Redeem {
		leases, err := c.Leases(ctx)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return caps, fmt.Errorf("negotiate capabilities: %w", err)
		}
		for _, l := range leases {
			if l.Ticker == shape.CreateConverter || l.Ticker == shape.RedeemConverter {
				caps.Leases[l.Ticker] = l.ID
			}
		}
	}

	c.storeCaps(caps)
	c.logger.Info("Venue capabilities negotiated",
		"create", caps.Create,
		"redeem", caps.Redeem,
		"held_leases", len(caps.Leases))
	return caps, nil
}

func (c *Client) storeCaps(caps Capabilities) {
	c.capsMu.Lock()
	defer c.capsMu.Unlock()
	c.caps = caps
}

// CanConvert reports whether the negotiated venue supports direction
func (c *Client) CanConvert(direction core.ConversionDirection) bool {
	c.capsMu.RLock()
	defer c.capsMu.RUnlock()
	switch direction {
	case core.ConversionCreate:
		return c.caps.Create
	case core.ConversionRedeem:
		return c.caps.Redeem
	}
	return false
}

// Convert runs req.Blocks conversions, one lease use per block
func (c *Client) Convert(ctx context.Context, req core.ConversionRequest) error {
	if req.Blocks <= 0 {
		return fmt.Errorf("%w: conversion of %d blocks", apperrors.ErrValidation, req.Blocks)
	}
	if !c.CanConvert(req.Direction) {
		return fmt.Errorf("%w: %s", apperrors.ErrConversionUnsupported, req.Direction)
	}

	converter, params := c.conversionParams(req.Direction)
	leaseID, err := c.lease(ctx, converter)
	if err != nil {
		return err
	}

	path := "/leases/" + strconv.FormatInt(leaseID, 10)
	for i := int64(0); i < req.Blocks; i++ {
		if _, err := c.do(ctx, http.MethodPost, path, params); err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				// lease expired between uses
				c.forgetLease(converter)
			}
			return fmt.Errorf("convert block %d/%d: %w", i+1, req.Blocks, err)
		}
	}
	return nil
}

// conversionParams builds the fromN/quantityN inputs of one block
func (c *Client) conversionParams(direction core.ConversionDirection) (string, url.Values) {
	shape := c.cfg.Conversion

	var converter string
	var inputs []string
	if direction == core.ConversionRedeem {
		converter = shape.RedeemConverter
		inputs = []string{shape.Composite}
	} else {
		converter = shape.CreateConverter
		inputs = shape.Constituents
	}

	params := url.Values{}
	n := 0
	for _, t := range inputs {
		n++
		params.Set("from"+strconv.Itoa(n), t)
		qty := shape.BlockSize
		if direction == core.ConversionCreate {
			qty = shape.blockQuantity(t)
		}
		params.Set("quantity"+strconv.Itoa(n), strconv.FormatInt(qty, 10))
	}
	if shape.FeeTicker != "" && shape.FeePerBlock > 0 {
		n++
		params.Set("from"+strconv.Itoa(n), shape.FeeTicker)
		params.Set("quantity"+strconv.Itoa(n), strconv.FormatFloat(shape.FeePerBlock, 'f', -1, 64))
	}
	return converter, params
}

func (c *Client) lease(ctx context.Context, converter string) (int64, error) {
	c.capsMu.RLock()
	id, ok := c.caps.Leases[converter]
	c.capsMu.RUnlock()
	if ok {
		return id, nil
	}

	body, err := c.do(ctx, http.MethodPost, "/leases", url.Values{"ticker": {converter}})
	if err != nil {
		return 0, fmt.Errorf("lease %s: %w", converter, err)
	}
	var dto leaseDTO
	if err := json.Unmarshal(body, &dto); err != nil || dto.ID == 0 {
		return 0, fmt.Errorf("lease %s: %w: id", converter, apperrors.ErrMissingField)
	}

	c.capsMu.Lock()
	if c.caps.Leases == nil {
		c.caps.Leases = make(map[string]int64)
	}
	c.caps.Leases[converter] = dto.ID
	c.capsMu.Unlock()
	return dto.ID, nil
}

func (c *Client) forgetLease(converter string) {
	c.capsMu.Lock()
	defer c.capsMu.Unlock()
	delete(c.caps.Leases, converter)
}
