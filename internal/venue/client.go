// Package venue provides the RIT REST client with retry, throttling and error classification
package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"etf_arb/internal/core"
	apperrors "etf_arb/pkg/errors"
	"etf_arb/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Config configures a Client
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	MaxServerRetries int
	BackoffBase      time.Duration
	BackoffMax       time.Duration

	MaxRateLimitRetries  int
	RateLimitUnit        time.Duration
	DefaultRateLimitWait float64

	RequestsPerSecond float64
	Burst             int

	// TenderActionIsCounterparty flips the venue's tender action field
	TenderActionIsCounterparty bool

	Conversion ConversionShape
}

// ConversionShape describes how converters are driven on this venue
type ConversionShape struct {
	Enabled         bool
	BlockSize       int64
	CreateConverter string
	RedeemConverter string
	Composite       string
	Constituents    []string
	// Weights scale each constituent's share of a creation block; absent means one
	Weights     map[string]decimal.Decimal
	FeeTicker   string
	FeePerBlock float64
}

func (s ConversionShape) blockQuantity(ticker string) int64 {
	w, ok := s.Weights[ticker]
	if !ok {
		w = decimal.NewFromInt(1)
	}
	return w.Mul(decimal.NewFromInt(s.BlockSize)).Round(0).IntPart()
}

// Signer is an interface for signing requests
type Signer interface {
	SignRequest(req *http.Request) error
}

// APIKeySigner sets the RIT X-API-Key header
type APIKeySigner struct {
	Key string
}

func (s APIKeySigner) SignRequest(req *http.Request) error {
	if s.Key == "" {
		return fmt.Errorf("%w: empty API key", apperrors.ErrValidation)
	}
	req.Header.Set("X-API-Key", s.Key)
	return nil
}

// Option customizes a Client
type Option func(*Client)

// RetryListener observes every scheduled retry with its reason and delay
type RetryListener func(reason string, delay time.Duration)

// WithRetryListener registers a listener for scheduled retries
func WithRetryListener(l RetryListener) Option {
	return func(c *Client) { c.onRetry = l }
}

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// Client is the single venue session. It is safe for concurrent reads.
type Client struct {
	cfg     Config
	client  *http.Client
	baseURL string
	signer  Signer
	limiter *rate.Limiter
	reads   failsafe.Executor[*response]
	writes  failsafe.Executor[*response]
	onRetry RetryListener
	logger  core.ILogger

	capsMu sync.RWMutex
	caps   Capabilities

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
	metrics     *telemetry.MetricsHolder
}

// NewClient creates a venue client
func NewClient(cfg Config, logger core.ILogger, opts ...Option) *Client {
	if cfg.RateLimitUnit <= 0 {
		cfg.RateLimitUnit = time.Second
	}
	if cfg.DefaultRateLimitWait <= 0 {
		cfg.DefaultRateLimitWait = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase * 16
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	meter := telemetry.GetMeter("venue-client")
	reqCounter, _ := meter.Int64Counter("venue_requests_total",
		metric.WithDescription("Total number of venue requests"))
	errCounter, _ := meter.Int64Counter("venue_errors_total",
		metric.WithDescription("Total number of failed venue requests"))
	latencyHist, _ := meter.Float64Histogram("venue_request_duration_seconds",
		metric.WithDescription("Venue request latency in seconds"))

	c := &Client{
		cfg:         cfg,
		client:      &http.Client{Timeout: cfg.Timeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		signer:      APIKeySigner{Key: cfg.APIKey},
		limiter:     rate.NewLimiter(limit, burst),
		logger:      logger.WithField("component", "venue_client"),
		tracer:      telemetry.GetTracer("venue-client"),
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
		metrics:     telemetry.GetGlobalMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}

	// 429s wait exactly the advised time for every method
	rateLimitRetry := retrypolicy.NewBuilder[*response]().
		HandleIf(func(_ *response, err error) bool { return isRateLimited(err) }).
		WithDelayFunc(func(exec failsafe.ExecutionAttempt[*response]) time.Duration {
			var se *StatusError
			if errors.As(exec.LastError(), &se) {
				return se.RetryAfter
			}
			return 0
		}).
		WithMaxRetries(cfg.MaxRateLimitRetries).
		ReturnLastFailure().
		OnRetryScheduled(func(e failsafe.ExecutionScheduledEvent[*response]) {
			c.retryScheduled(e.Context(), "rate_limit", e.Delay)
		}).
		Build()

	// Network failures and 5xx back off and double, reads only
	serverRetry := retrypolicy.NewBuilder[*response]().
		HandleIf(func(_ *response, err error) bool { return isServerFailure(err) }).
		WithBackoff(cfg.BackoffBase, cfg.BackoffMax).
		WithMaxRetries(cfg.MaxServerRetries).
		ReturnLastFailure().
		OnRetryScheduled(func(e failsafe.ExecutionScheduledEvent[*response]) {
			c.retryScheduled(e.Context(), "server", e.Delay)
		}).
		Build()

	c.reads = failsafe.With[*response](rateLimitRetry, serverRetry)
	c.writes = failsafe.With[*response](rateLimitRetry)
	return c
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	body, err := c.do(ctx, http.MethodGet, path, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do runs one logical call. Rate-limited responses are retried after the
// advised wait for every method; server failures are retried for reads only
// so that mutations stay at-most-once.
func (c *Client) do(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, method+" "+path,
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("venue.path", path),
		),
	)
	defer span.End()

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	)

	executor := c.writes
	if method == http.MethodGet {
		executor = c.reads
	}
	resp, err := executor.WithContext(ctx).Get(func() (*response, error) {
		resp, err := c.send(ctx, method, path, params)
		if err != nil {
			return nil, err
		}
		return resp, classify(method, path, resp, c.advisedWait(resp))
	})
	if ctx.Err() != nil {
		err = ctx.Err()
	}

	c.reqCounter.Add(ctx, 1, attrs)
	c.latencyHist.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, attrs)
		var se *StatusError
		switch {
		case ctx.Err() != nil, errors.Is(err, apperrors.ErrValidation):
		case !errors.As(err, &se):
			err = fmt.Errorf("%s %s: %w: %w", method, path, apperrors.ErrTransientServer, err)
		case se.StatusCode == http.StatusTooManyRequests:
			c.logger.Warn("Rate limit retries exhausted", "method", method, "path", path, "retries", c.cfg.MaxRateLimitRetries)
		}
		return nil, err
	}
	return resp.body, nil
}

func (c *Client) retryScheduled(ctx context.Context, reason string, delay time.Duration) {
	c.metrics.VenueRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	c.logger.Debug("Retrying venue call", "reason", reason, "delay", delay)
	if c.onRetry != nil {
		c.onRetry(reason, delay)
	}
}

func isRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests
}

// isServerFailure reports network failures and 5xx answers. Cancellation and
// request-building failures are final.
func isServerFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, apperrors.ErrValidation) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return true
}

func (c *Client) send(ctx context.Context, method, path string, params url.Values) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if len(params) > 0 {
		req.URL.RawQuery = params.Encode()
	}
	if err := c.signer.SignRequest(req); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

// classify maps a status code onto the error taxonomy. Only the status is
// inspected; the body is carried for diagnostics.
func classify(method, path string, resp *response, wait time.Duration) error {
	if resp.status >= 200 && resp.status < 300 {
		return nil
	}

	se := &StatusError{Method: method, Path: path, StatusCode: resp.status, Body: resp.body}
	switch {
	case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
		se.Kind = apperrors.ErrAuthenticationFailed
	case resp.status == http.StatusNotFound:
		se.Kind = apperrors.ErrNotFound
	case resp.status == http.StatusTooManyRequests:
		se.Kind = apperrors.ErrRateLimitExceeded
		se.RetryAfter = wait
	case resp.status >= 500:
		se.Kind = apperrors.ErrTransientServer
	}
	return se
}

// advisedWait reads the Retry-After header, then a wait/retry_after body
// field, then falls back to the configured default, in rate-limit units.
func (c *Client) advisedWait(resp *response) time.Duration {
	if resp.status != http.StatusTooManyRequests {
		return 0
	}

	units := c.cfg.DefaultRateLimitWait
	if h := resp.header.Get("Retry-After"); h != "" {
		if v, err := strconv.ParseFloat(strings.TrimSpace(h), 64); err == nil && v >= 0 {
			units = v
		}
	} else {
		var payload struct {
			Wait       *float64 `json:"wait"`
			RetryAfter *float64 `json:"retry_after"`
		}
		if json.Unmarshal(resp.body, &payload) == nil {
			switch {
			case payload.Wait != nil:
				units = *payload.Wait
			case payload.RetryAfter != nil:
				units = *payload.RetryAfter
			}
		}
	}
	return time.Duration(units * float64(c.cfg.RateLimitUnit))
}
