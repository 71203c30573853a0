package execution

import (
	"math"
	"testing"
	"time"

	"github.com/blackforestdev/njord-quant/internal/contracts"
)

func TestPlanTWAPProducesEqualSlices(t *testing.T) {
	parent := contracts.OrderIntent{Symbol: "BTCUSD", Side: contracts.SideBuy, Type: contracts.OrderTypeMarket, Qty: 10}
	_, slices := PlanTWAP(parent, TWAPConfig{NumSlices: 5, Duration: 10 * time.Minute}, 0, nil)

	if len(slices) != 5 {
		t.Fatalf("expected 5 slices, got %d", len(slices))
	}
	var total float64
	for _, s := range slices {
		total += s.Qty
		if math.Abs(s.Qty-2) > 1e-9 {
			t.Fatalf("expected each slice to be 2, got %v", s.Qty)
		}
	}
	if math.Abs(total-10) > 1e-9 {
		t.Fatalf("slice quantities must sum to total_qty, got %v", total)
	}
}

func TestPlanTWAPUniformScheduleOffsets(t *testing.T) {
	parent := contracts.OrderIntent{Qty: 4}
	_, slices := PlanTWAP(parent, TWAPConfig{NumSlices: 4, Duration: 4 * time.Minute}, 1000, nil)

	stepNs := (4 * time.Minute).Nanoseconds() / 4
	for i, s := range slices {
		want := int64(1000) + int64(i)*stepNs
		if s.ScheduledTSNs != want {
			t.Fatalf("slice %d scheduled at %d, want %d", i, s.ScheduledTSNs, want)
		}
	}
}

func TestPlanTWAPLimitOrderUsesSuppliedMid(t *testing.T) {
	mid := 42.0
	parent := contracts.OrderIntent{Qty: 2}
	_, slices := PlanTWAP(parent, TWAPConfig{NumSlices: 2, Duration: time.Minute, OrderType: contracts.OrderTypeLimit}, 0, &mid)

	for _, s := range slices {
		if s.LimitPrice == nil || *s.LimitPrice != 42.0 {
			t.Fatalf("expected limit price 42.0, got %v", s.LimitPrice)
		}
	}
}

func TestPlanTWAPSingleSliceFallback(t *testing.T) {
	parent := contracts.OrderIntent{Qty: 3}
	_, slices := PlanTWAP(parent, TWAPConfig{NumSlices: 0, Duration: time.Minute}, 0, nil)
	if len(slices) != 1 || slices[0].Qty != 3 {
		t.Fatalf("expected a single slice carrying the full qty, got %+v", slices)
	}
}
