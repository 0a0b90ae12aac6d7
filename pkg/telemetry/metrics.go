package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTenderDecisionsTotal = "etf_arb_tender_decisions_total"
	MetricTenderEdge           = "etf_arb_tender_edge"
	MetricOrdersSubmittedTotal = "etf_arb_orders_submitted_total"
	MetricFallbacksTotal       = "etf_arb_execution_fallbacks_total"
	MetricUnexecutedTotal      = "etf_arb_unexecuted_shares_total"
	MetricConversionsTotal     = "etf_arb_conversions_total"
	MetricVenueRetriesTotal    = "etf_arb_venue_retries_total"
	MetricCycleLatency         = "etf_arb_cycle_latency_ms"
	MetricPosition             = "etf_arb_position"
	MetricMispricing           = "etf_arb_mispricing"
	MetricAuditFailuresTotal   = "etf_arb_audit_failures_total"
)

// MetricsHolder holds the engine's instruments
type MetricsHolder struct {
	TenderDecisions metric.Int64Counter
	TenderEdge      metric.Float64Histogram
	OrdersSubmitted metric.Int64Counter
	Fallbacks       metric.Int64Counter
	Unexecuted      metric.Int64Counter
	Conversions     metric.Int64Counter
	VenueRetries    metric.Int64Counter
	CycleLatency    metric.Float64Histogram
	Position        metric.Int64ObservableGauge
	Mispricing      metric.Float64ObservableGauge
	AuditFailures   metric.Int64Counter

	mu          sync.RWMutex
	positionMap map[string]int64
	mispricing  float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
// Instruments are bound to the global delegating meter, so they are usable
// before Setup and start exporting once a real provider is installed.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			positionMap: make(map[string]int64),
		}
		if err := globalMetrics.InitMetrics(otel.Meter("etf_arb")); err != nil {
			otel.Handle(err)
		}
	})
	return globalMetrics
}

// InitMetrics creates instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.TenderDecisions, err = meter.Int64Counter(MetricTenderDecisionsTotal, metric.WithDescription("Tender decisions by outcome and reason"))
	if err != nil {
		return err
	}

	m.TenderEdge, err = meter.Float64Histogram(MetricTenderEdge, metric.WithDescription("Per-share edge of evaluated tenders in common currency"))
	if err != nil {
		return err
	}

	m.OrdersSubmitted, err = meter.Int64Counter(MetricOrdersSubmittedTotal, metric.WithDescription("Orders submitted by kind"))
	if err != nil {
		return err
	}

	m.Fallbacks, err = meter.Int64Counter(MetricFallbacksTotal, metric.WithDescription("Passive clips that fell back to aggressive orders"))
	if err != nil {
		return err
	}

	m.Unexecuted, err = meter.Int64Counter(MetricUnexecutedTotal, metric.WithDescription("Shares the slicer reported as unexecuted"))
	if err != nil {
		return err
	}

	m.Conversions, err = meter.Int64Counter(MetricConversionsTotal, metric.WithDescription("Conversion blocks by direction and result"))
	if err != nil {
		return err
	}

	m.VenueRetries, err = meter.Int64Counter(MetricVenueRetriesTotal, metric.WithDescription("Venue call retries by reason"))
	if err != nil {
		return err
	}

	m.CycleLatency, err = meter.Float64Histogram(MetricCycleLatency, metric.WithDescription("Duration of one decision cycle"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.AuditFailures, err = meter.Int64Counter(MetricAuditFailuresTotal, metric.WithDescription("Audit sink writes that failed"))
	if err != nil {
		return err
	}

	m.Position, err = meter.Int64ObservableGauge(MetricPosition, metric.WithDescription("Last observed position per ticker"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for ticker, qty := range m.positionMap {
				obs.Observe(qty, metric.WithAttributes(attribute.String("ticker", ticker)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.Mispricing, err = meter.Float64ObservableGauge(MetricMispricing, metric.WithDescription("Composite price minus basket value in common currency"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.mispricing)
			return nil
		}))
	return err
}

func (m *MetricsHolder) SetPosition(ticker string, qty int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionMap[ticker] = qty
}

func (m *MetricsHolder) SetMispricing(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mispricing = v
}

func (m *MetricsHolder) GetPositions() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64, len(m.positionMap))
	for k, v := range m.positionMap {
		res[k] = v
	}
	return res
}
