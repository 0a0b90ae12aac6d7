// Package bootstrap wires configuration into a running trading session
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"etf_arb/internal/audit"
	"etf_arb/internal/config"
	"etf_arb/internal/core"
	"etf_arb/internal/engine"
	"etf_arb/internal/execution"
	"etf_arb/internal/infrastructure/health"
	"etf_arb/internal/infrastructure/metrics"
	"etf_arb/internal/market"
	"etf_arb/internal/pricing"
	"etf_arb/internal/tender"
	"etf_arb/internal/unwind"
	"etf_arb/internal/venue"
	"etf_arb/pkg/concurrency"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Runner is an interface for components that can be run and stopped gracefully.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// App holds the wired dependencies of one session
type App struct {
	Cfg      *config.Config
	Logger   core.ILogger
	Venue    *venue.Client
	Caps     venue.Capabilities
	Session  *engine.Session
	Health   *health.HealthManager
	Recorder *audit.Recorder

	pool      *concurrency.WorkerPool
	heartbeat *health.Heartbeat
	journal   *audit.Journal
	stream    *audit.Stream
	hub       *audit.Hub
	feed      *audit.Feed
	metrics   *metrics.Server
}

// NewApp validates credentials, negotiates venue capabilities once and
// builds the session. Call Close when done, even after Run.
func NewApp(ctx context.Context, cfg *config.Config, logger core.ILogger, venueOpts ...venue.Option) (*App, error) {
	a := &App{Cfg: cfg, Logger: logger}

	// 1. Venue client and credential check
	a.Venue = venue.NewClient(VenueConfig(cfg), logger, venueOpts...)
	status, err := a.Venue.CaseStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("credential check: %w", err)
	}
	logger.Info("Venue reachable", "tick", status.Tick, "period", status.Period, "status", status.Status)

	a.Caps, err = a.Venue.NegotiateCapabilities(ctx)
	if err != nil {
		return nil, err
	}

	// 2. Audit sinks
	a.Recorder = audit.NewRecorder(logger)
	if err := a.openSinks(ctx); err != nil {
		a.Close()
		return nil, err
	}

	// 3. Domain components
	a.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "snapshot",
		MaxWorkers:  len(cfg.Instruments.Constituents) + 2,
		MaxCapacity: 64,
		IdleTimeout: time.Minute,
	}, logger)

	rel := Relationship(cfg)
	id := engine.NewSessionID()
	rec := engine.Stamp(id, a.Recorder)

	slicer := execution.NewSlicer(a.Venue, execution.Config{
		MaxOrderSize:   cfg.Execution.MaxOrderSize,
		PassiveEnabled: cfg.Execution.PassiveEnabled,
		LimitImprove:   decimal.NewFromFloat(cfg.Execution.LimitImprove),
		PassiveWait:    cfg.Execution.PassiveWait,
		ClipPause:      cfg.Execution.ClipPause,
	}, rec, logger)

	ctrl := unwind.NewController(a.Venue, slicer, unwind.Config{
		Composite:           rel.Composite,
		Constituents:        rel.Constituents,
		Weights:             rel.Weights,
		BlockSize:           cfg.Conversion.BlockSize,
		FlattenConstituents: cfg.Conversion.FlattenConstituents,
		PreserveHedged:      cfg.SpotArb.Enabled,
	}, rec, logger)

	sessCfg := SessionConfig(cfg, a.Caps)
	desk := tender.NewDesk(a.Venue, ctrl, sessCfg.Params, tender.RiskConfig{
		GrossWeight:        decimal.NewFromFloat(cfg.Tender.GrossWeight),
		GrossLimitFallback: decimal.NewFromFloat(cfg.Tender.GrossLimitFallback),
	}, rec, logger)

	a.heartbeat = health.NewHeartbeat(heartbeatAge(cfg.Session.PollInterval))
	a.Session = engine.NewSession(rel, sessCfg, engine.Deps{
		SessionID: id,
		Venue:     a.Venue,
		Reader:    market.NewReader(a.Venue, rel, a.pool, logger),
		Desk:      desk,
		Unwinder:  ctrl,
		Slicer:    slicer,
		Recorder:  a.Recorder,
		Logger:    logger,
	}, engine.WithHeartbeat(a.heartbeat.Beat))

	// 4. Health and metrics
	a.Health = health.NewHealthManager(logger)
	a.Health.Register("session", a.heartbeat.Check)
	if a.stream != nil {
		a.Health.Register("audit_stream", func() error {
			pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return a.stream.Ping(pctx)
		})
	}
	if cfg.Telemetry.EnableMetrics {
		a.metrics = metrics.NewServer(cfg.Telemetry.MetricsPort, a.Health.Handler(), logger)
	}

	logger.Info("Session wired", "session_id", id, "sinks", a.Recorder.Sinks(),
		"conversion", sessCfg.Costs.ConversionEnabled, "spot_arb", cfg.SpotArb.Enabled)
	return a, nil
}

func (a *App) openSinks(ctx context.Context) error {
	ac := a.Cfg.Audit
	if ac.SQLitePath != "" {
		j, err := audit.OpenJournal(ac.SQLitePath)
		if err != nil {
			return err
		}
		a.journal = j
		a.Recorder.Add("journal", j)
	}
	if ac.RedisAddr != "" {
		s, err := audit.DialStream(ctx, audit.StreamConfig{
			Addr:     ac.RedisAddr,
			Password: ac.RedisPassword.Reveal(),
			Stream:   ac.RedisStream,
			MaxLen:   ac.RedisMaxLen,
		})
		if err != nil {
			return err
		}
		a.stream = s
		a.Recorder.Add("stream", s)
	}
	if ac.WebsocketAddr != "" {
		a.hub = audit.NewHub(200, a.Logger)
		a.feed = audit.NewFeed(a.hub, audit.FeedConfig{AllowedOrigins: ac.AllowedOrigins}, a.Logger)
		a.Recorder.Add("feed", a.hub)
	}
	return nil
}

// Run drives the session until it ends or a termination signal arrives.
// Auxiliary servers stop once the session returns.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.metrics != nil {
		if err := a.metrics.Start(); err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.metrics.Stop(sctx); err != nil {
				a.Logger.Warn("Metrics server shutdown failed", "error", err)
			}
		}()
	}

	auxCtx, cancelAux := context.WithCancel(ctx)
	defer cancelAux()
	g, gctx := errgroup.WithContext(auxCtx)

	a.Logger.Info("Starting session", "session_id", a.Session.ID())

	g.Go(func() error {
		defer cancelAux()
		return a.Session.Run(gctx)
	})
	for _, r := range a.runners() {
		g.Go(func() error {
			return r.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Session stopped with error", "error", err)
		return err
	}

	a.Logger.Info("Session shut down gracefully")
	return nil
}

func (a *App) runners() []Runner {
	var out []Runner
	if a.hub != nil {
		out = append(out, RunnerFunc(func(ctx context.Context) error {
			a.hub.Run(ctx)
			return nil
		}))
	}
	if a.feed != nil {
		addr := a.Cfg.Audit.WebsocketAddr
		out = append(out, RunnerFunc(func(ctx context.Context) error {
			return a.feed.Start(ctx, addr)
		}))
	}
	return out
}

// Close releases the audit sinks and the worker pool
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Stop()
	}
	if a.stream != nil {
		if err := a.stream.Close(); err != nil {
			a.Logger.Warn("Failed to close audit stream", "error", err)
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.Logger.Warn("Failed to close audit journal", "error", err)
		}
	}
}

// Relationship builds the composite relationship from the instruments section
func Relationship(cfg *config.Config) core.CompositeRelationship {
	in := cfg.Instruments
	weights := make(map[string]decimal.Decimal, len(in.Weights))
	for ticker, w := range in.Weights {
		weights[ticker] = decimal.NewFromFloat(w)
	}
	return core.CompositeRelationship{
		Composite:         in.Composite,
		Constituents:      append([]string(nil), in.Constituents...),
		Weights:           weights,
		FXTicker:          in.FXTicker,
		CompositeCurrency: in.CompositeCurrency,
		CommonCurrency:    in.CommonCurrency,
	}
}

// VenueConfig maps configuration onto the venue client
func VenueConfig(cfg *config.Config) venue.Config {
	v := cfg.Venue
	return venue.Config{
		BaseURL:                    v.BaseURL,
		APIKey:                     v.APIKey.Reveal(),
		Timeout:                    v.Timeout,
		MaxServerRetries:           v.MaxServerRetries,
		BackoffBase:                v.BackoffBase,
		BackoffMax:                 v.BackoffMax,
		MaxRateLimitRetries:        v.MaxRateLimitRetries,
		RateLimitUnit:              v.RateLimitUnit,
		DefaultRateLimitWait:       v.DefaultRateLimitWait,
		RequestsPerSecond:          v.RequestsPerSecond,
		Burst:                      v.Burst,
		TenderActionIsCounterparty: cfg.Tender.SidePerspective == config.PerspectiveCounterparty,
		Conversion: venue.ConversionShape{
			Enabled:         cfg.Conversion.Enabled,
			BlockSize:       cfg.Conversion.BlockSize,
			CreateConverter: cfg.Conversion.CreateConverter,
			RedeemConverter: cfg.Conversion.RedeemConverter,
			Composite:       cfg.Instruments.Composite,
			Constituents:    append([]string(nil), cfg.Instruments.Constituents...),
			Weights:         Relationship(cfg).Weights,
			FeeTicker:       cfg.Conversion.FeeTicker,
			FeePerBlock:     cfg.Conversion.CostPerBlock,
		},
	}
}

// Costs prices execution; conversion only counts when the venue offers it
func Costs(cfg *config.Config, caps venue.Capabilities) pricing.Costs {
	enabled := cfg.Conversion.Enabled && (caps.Create || caps.Redeem)
	costs := pricing.Costs{
		MarketFee:         decimal.NewFromFloat(cfg.Execution.MarketFee),
		FallbackSpread:    decimal.NewFromFloat(cfg.Execution.FallbackSpread),
		ConversionEnabled: enabled,
	}
	if enabled {
		costs.ConversionPerShare = decimal.NewFromFloat(cfg.ConversionCostPerShare())
	}
	return costs
}

// SessionConfig maps configuration onto the engine
func SessionConfig(cfg *config.Config, caps venue.Capabilities) engine.Config {
	s := cfg.Session
	return engine.Config{
		TickLimit:        s.TickLimit,
		PollInterval:     s.PollInterval,
		StatusEveryTicks: s.StatusEveryTicks,
		CancelOnExit:     s.CancelOnExit,
		ShutdownTimeout:  s.ShutdownTimeout,
		Costs:            Costs(cfg, caps),
		Params: tender.Params{
			Composite:    cfg.Instruments.Composite,
			MinEdge:      decimal.NewFromFloat(cfg.Tender.MinEdge),
			SafetyBuffer: decimal.NewFromFloat(cfg.Tender.SafetyBuffer),
		},
		SpotArb: engine.SpotArbConfig{
			Enabled:         cfg.SpotArb.Enabled,
			CompositeClip:   cfg.SpotArb.CompositeClip,
			MinRelativeEdge: decimal.NewFromFloat(cfg.SpotArb.MinRelativeEdge),
			Cooldown:        cfg.SpotArb.Cooldown,
		},
	}
}

// heartbeatAge tolerates a run of skipped cycles before the session is unhealthy
func heartbeatAge(poll time.Duration) time.Duration {
	age := 20 * poll
	if age < 5*time.Second {
		age = 5 * time.Second
	}
	return age
}
