package execution_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackforestdev/njord-quant/internal/bus"
	"github.com/blackforestdev/njord-quant/internal/contracts"
	"github.com/blackforestdev/njord-quant/internal/execution"
	"github.com/blackforestdev/njord-quant/internal/paper"
)

// TestVWAPExecutorReplansAgainAfterSecondDivergence drives VWAPExecutor.Run
// end-to-end against a real bus and paper.Simulator (S4): a parent order is
// sliced against a 6-bucket volume profile, the first slice fills in full,
// the rest are starved of fills so every subsequent evaluation diverges
// from plan. A single replan can't keep realized fill in line with a
// schedule that never gets filled, so the executor must be willing to
// replan a second time once fill progress diverges again further into the
// run — not just once, permanently disabling any later replan.
func TestVWAPExecutorReplansAgainAfterSecondDivergence(t *testing.T) {
	buckets := make([]execution.VolumeBucket, 6)
	for i := range buckets {
		buckets[i] = execution.VolumeBucket{OffsetNs: int64(i) * time.Second.Nanoseconds(), Volume: 1}
	}
	cfg := execution.VWAPConfig{
		Duration:      6 * time.Second,
		Profile:       buckets,
		DivergencePct: 0.10,
	}
	parent := contracts.OrderIntent{Symbol: "BTCUSD", Side: contracts.SideBuy, Type: contracts.OrderTypeMarket, Qty: 60}

	b := bus.New()
	clock := contracts.NewFixedClock(0)
	tracker := execution.NewTracker()
	exec := execution.NewVWAPExecutor(clock, b, tracker, zerolog.Nop())

	paperSim := paper.NewSimulator(paper.Config{InitialBalanceUSD: 100000}, paper.ModeLivePaper, clock, b, execution.LinearSlippage{}, zerolog.Nop())
	paperSim.OnTrade(contracts.TradeEvent{Symbol: "BTCUSD", Price: 100})

	// Dispatcher stands in for risk-dispatch/order-dispatch: only the very
	// first slice (slice_idx 0) is ever filled, against the real paper
	// simulator, so realized fill progress permanently lags the plan.
	sub := b.Subscribe(execution.TopicStratIntent)
	defer sub.Unsubscribe()
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	go func() {
		for {
			select {
			case <-dispatchCtx.Done():
				return
			case payload, ok := <-sub.C():
				if !ok {
					return
				}
				intent, ok := payload.(contracts.OrderIntent)
				if !ok || intent.Meta.SliceIdx() != 0 {
					continue
				}
				order := contracts.OrderEvent{
					IntentID:   intent.IntentID,
					Symbol:     intent.Symbol,
					Side:       intent.Side,
					Type:       intent.Type,
					Qty:        intent.Qty,
					LimitPrice: intent.LimitPrice,
					TSNs:       intent.TSNs,
					Meta:       intent.Meta,
				}
				paperSim.OnOrder(order)
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	var report contracts.ExecutionReport
	runDone := make(chan struct{})
	go func() {
		r, _ := exec.Run(ctx, parent, cfg)
		report = r
		close(runDone)
	}()

	// Let the first slice submit, the first divergence replan fire, and the
	// slice-0 fill land in the tracker via watchFills.
	time.Sleep(50 * time.Millisecond)
	clock.Advance(time.Second.Nanoseconds())
	// Let the second slice submit and its divergence check re-plan again.
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-runDone

	slices := tracker.Slices(report.ExecutionID)
	byID := make(map[string]execution.Slice, len(slices))
	for _, s := range slices {
		byID[s.SliceID] = s
	}

	r1, ok := byID[report.ExecutionID+"-r1"]
	if !ok {
		t.Fatalf("expected the first replan's -r1 slice to be registered, got %+v", byID)
	}
	if math.Abs(r1.Qty-12) > 1e-6 {
		t.Fatalf("expected the first replan to size -r1 at 12, got %v", r1.Qty)
	}

	r2, ok := byID[report.ExecutionID+"-r2"]
	if !ok {
		t.Fatalf("expected a -r2 slice to be registered, got %+v", byID)
	}
	// The first replan sizes -r2 at 12 (60 remaining over 5 equal-weight
	// buckets, capacity-capped). If a second divergence replan never fires
	// (the bug under test), -r2 stays at 12 forever. A working second replan
	// recomputes -r2 against 50 remaining qty over 4 buckets, sizing it at
	// 12.5 instead.
	if math.Abs(r2.Qty-12) < 1e-6 {
		t.Fatalf("expected a second divergence replan to resize -r2 away from the first replan's 12, got %v — profile was likely never re-armed for a second replan", r2.Qty)
	}
	if math.Abs(r2.Qty-12.5) > 1e-6 {
		t.Fatalf("expected the second replan to size -r2 at 12.5, got %v", r2.Qty)
	}
}
