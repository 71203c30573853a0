package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackforestdev/njord-quant/internal/bus"
	"github.com/blackforestdev/njord-quant/internal/contracts"
)

func TestRecorderPublishesAggregateCounts(t *testing.T) {
	b := bus.New()
	clock := contracts.NewFixedClock(1000)
	rec, err := NewRecorder(b, clock, zerolog.Nop(), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	// give Run a moment to subscribe before publishing
	time.Sleep(10 * time.Millisecond)

	sub := b.Subscribe(TopicTelemetryMetrics)
	defer sub.Unsubscribe()

	b.Publish(TopicFillsNew, contracts.FillEvent{ClientOrderID: "c1"})
	b.Publish(TopicOrdersAccepted, contracts.OrderEvent{ClientOrderID: "c1"})
	b.Publish(TopicRiskDecisions, contracts.RiskDecision{IntentID: "i1", Allowed: false})
	b.Publish(TopicRiskDecisions, contracts.RiskDecision{IntentID: "i2", Allowed: true})

	select {
	case payload := <-sub.C():
		snap := payload.(Snapshot)
		if snap.FillsTotal != 1 {
			t.Fatalf("expected 1 fill counted, got %d", snap.FillsTotal)
		}
		if snap.OrdersAcceptedTotal != 1 {
			t.Fatalf("expected 1 order counted, got %d", snap.OrdersAcceptedTotal)
		}
		if snap.RiskDenialsTotal != 1 {
			t.Fatalf("expected 1 risk denial counted (allowed=true must not count), got %d", snap.RiskDenialsTotal)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for telemetry.metrics")
	}
}
