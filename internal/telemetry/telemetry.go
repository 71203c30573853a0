// Package telemetry bridges in-process activity onto OpenTelemetry metric
// instruments and periodically republishes an aggregate snapshot to
// telemetry.metrics, so any component can observe system health off the
// bus without importing the metrics SDK itself.
package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/blackforestdev/njord-quant/internal/bus"
	"github.com/blackforestdev/njord-quant/internal/contracts"
)

const (
	TopicTelemetryMetrics = "telemetry.metrics"
	TopicFillsNew         = "fills.new"
	TopicRiskDecisions    = "risk.decisions"
	TopicOrdersAccepted   = "orders.accepted"

	meterName = "njord"
)

// Snapshot is the aggregate published to telemetry.metrics on each
// collection interval.
type Snapshot struct {
	FillsTotal          int64 `json:"fills_total"`
	RiskDenialsTotal    int64 `json:"risk_denials_total"`
	OrdersAcceptedTotal int64 `json:"orders_accepted_total"`
	TSNs                int64 `json:"ts_ns"`
}

// Recorder consumes fills.new, risk.decisions, and orders.accepted,
// incrementing otel counters, and on Interval collects and republishes
// them as a Snapshot.
type Recorder struct {
	bus      *bus.Bus
	clock    contracts.Clock
	log      zerolog.Logger
	interval time.Duration

	reader             *sdkmetric.ManualReader
	fillsCounter       metric.Int64Counter
	riskDenialsCounter metric.Int64Counter
	ordersCounter      metric.Int64Counter
}

// NewRecorder builds a private otel MeterProvider backed by a manual
// reader — this process is the only consumer of these instruments, it
// does not export to a collector, so polling the reader on Interval is
// sufficient.
func NewRecorder(b *bus.Bus, clock contracts.Clock, log zerolog.Logger, interval time.Duration) (*Recorder, error) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter(meterName)

	fillsCounter, err := meter.Int64Counter("njord_fills_total")
	if err != nil {
		return nil, err
	}
	riskDenialsCounter, err := meter.Int64Counter("njord_risk_denials_total")
	if err != nil {
		return nil, err
	}
	ordersCounter, err := meter.Int64Counter("njord_orders_accepted_total")
	if err != nil {
		return nil, err
	}

	return &Recorder{
		bus:                b,
		clock:              clock,
		log:                log.With().Str("component", "telemetry").Logger(),
		interval:           interval,
		reader:             reader,
		fillsCounter:       fillsCounter,
		riskDenialsCounter: riskDenialsCounter,
		ordersCounter:      ordersCounter,
	}, nil
}

// Run subscribes to the activity topics and blocks until ctx is done.
func (r *Recorder) Run(ctx context.Context) error {
	fills := r.bus.Subscribe(TopicFillsNew)
	defer fills.Unsubscribe()
	riskDecisions := r.bus.Subscribe(TopicRiskDecisions)
	defer riskDecisions.Unsubscribe()
	ordersAccepted := r.bus.Subscribe(TopicOrdersAccepted)
	defer ordersAccepted.Unsubscribe()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-fills.C():
			if !ok {
				return nil
			}
			r.fillsCounter.Add(ctx, 1)
		case payload, ok := <-riskDecisions.C():
			if !ok {
				return nil
			}
			if dec, ok := payload.(contracts.RiskDecision); ok && !dec.Allowed {
				r.riskDenialsCounter.Add(ctx, 1)
			}
		case _, ok := <-ordersAccepted.C():
			if !ok {
				return nil
			}
			r.ordersCounter.Add(ctx, 1)
		case <-ticker.C:
			r.publish(ctx)
		}
	}
}

func (r *Recorder) publish(ctx context.Context) {
	var data metricdata.ResourceMetrics
	if err := r.reader.Collect(ctx, &data); err != nil {
		r.log.Warn().Err(err).Msg("failed to collect metrics")
		return
	}

	snap := Snapshot{TSNs: r.clock.NowNS()}
	for _, sm := range data.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			switch m.Name {
			case "njord_fills_total":
				snap.FillsTotal = total
			case "njord_risk_denials_total":
				snap.RiskDenialsTotal = total
			case "njord_orders_accepted_total":
				snap.OrdersAcceptedTotal = total
			}
		}
	}
	r.bus.Publish(TopicTelemetryMetrics, snap)
}
