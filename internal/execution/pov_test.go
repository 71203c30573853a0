package execution

import (
	"math"
	"testing"
)

func TestPOVTickQtyTargetsParticipationRate(t *testing.T) {
	qty, debt := povTickQty(0.1, 1000, 0, 50, 1000)
	if math.Abs(qty-100) > 1e-9 {
		t.Fatalf("expected 10%% of 1000 = 100, got %v", qty)
	}
	if debt != 0 {
		t.Fatalf("expected no debt on a normal tick, got %v", debt)
	}
}

func TestPOVTickQtyStarvedTickAccumulatesDebtAndEmitsNothing(t *testing.T) {
	qty, debt := povTickQty(0.1, 10, 0, 50, 1000)
	if qty != 0 {
		t.Fatalf("expected a starved tick (observed < min_volume_threshold) to emit nothing, got %v", qty)
	}
	if math.Abs(debt-1) > 1e-9 {
		t.Fatalf("expected debt = 0.1*10 = 1, got %v", debt)
	}
}

func TestPOVTickQtyCatchesUpDebtOnNextNonStarvedTick(t *testing.T) {
	_, debt := povTickQty(0.1, 10, 0, 50, 1000) // starved, banks debt=1
	qty, newDebt := povTickQty(0.1, 1000, debt, 50, 1000)
	if math.Abs(qty-101) > 1e-9 {
		t.Fatalf("expected catch-up qty = 0.1*1000+1 = 101, got %v", qty)
	}
	if newDebt != 0 {
		t.Fatalf("expected debt cleared after a successful catch-up tick, got %v", newDebt)
	}
}

func TestPOVTickQtyBoundedByRemainingCapacity(t *testing.T) {
	qty, _ := povTickQty(0.5, 1000, 0, 50, 5)
	if qty != 5 {
		t.Fatalf("expected qty capped at remaining capacity 5, got %v", qty)
	}
}
