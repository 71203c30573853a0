package execution

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blackforestdev/njord-quant/internal/bus"
	"github.com/blackforestdev/njord-quant/internal/contracts"
)

// IcebergConfig tunes the planner: a single visible slice at a time,
// replenished once it has filled past ReplenishThreshold.
type IcebergConfig struct {
	VisibleRatio       float64 // fraction of total_qty shown per slice
	ReplenishThreshold float64 // fraction of the visible slice that must fill before replenishing
	LimitPrice         *float64
}

const (
	DefaultIcebergReplenishThreshold = 0.8
)

// planIcebergSlice sizes one visible slice: visible_ratio × total_qty,
// capped at remaining capacity.
func planIcebergSlice(executionID string, idx int, totalQty, alreadyFilled, inFlightQty, visibleRatio float64, limitPrice *float64, nowNs int64) Slice {
	target := totalQty * visibleRatio
	capacity := RemainingCapacity(totalQty, alreadyFilled, inFlightQty)
	if target > capacity {
		target = capacity
	}
	return Slice{
		ExecutionID:   executionID,
		SliceID:       fmt.Sprintf("%s-%d", executionID, idx),
		Idx:           idx,
		ScheduledTSNs: nowNs,
		Qty:           target,
		LimitPrice:    limitPrice,
		Status:        SliceStatusPending,
	}
}

// IcebergExecutor shows one visible slice at a time, replenishing the next
// once cumulative fill on the current slice passes replenish_threshold ×
// visible_qty, until Σ filled ≥ total_qty or the run is cancelled. Each
// replenishment is a fresh OrderIntent addressed through the Risk Engine.
type IcebergExecutor struct {
	clock   contracts.Clock
	bus     *bus.Bus
	tracker *Tracker
	log     zerolog.Logger
}

func NewIcebergExecutor(clock contracts.Clock, b *bus.Bus, tracker *Tracker, log zerolog.Logger) *IcebergExecutor {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	return &IcebergExecutor{clock: clock, bus: b, tracker: tracker, log: log.With().Str("component", "execution.iceberg").Logger()}
}

func (e *IcebergExecutor) Run(ctx context.Context, parent contracts.OrderIntent, cfg IcebergConfig) (contracts.ExecutionReport, error) {
	if cfg.VisibleRatio <= 0 || cfg.VisibleRatio > 1 {
		cfg.VisibleRatio = 0.1
	}
	if cfg.ReplenishThreshold <= 0 {
		cfg.ReplenishThreshold = DefaultIcebergReplenishThreshold
	}

	executionID := uuid.NewString()
	nowNs := e.clock.NowNS()
	e.tracker.RegisterExecution(executionID, parent.Symbol, parent.Qty, nowNs)

	stopWatching := watchFills(ctx, e.bus, e.tracker, executionID)
	defer stopWatching()

	idx := 0
	pollInterval := int64(200_000_000) // 200ms — the cadence at which fill progress is sampled
	for {
		if ctx.Err() != nil {
			break
		}
		alreadyFilled := e.tracker.AlreadyFilled(executionID)
		if alreadyFilled >= parent.Qty*(1-ConservationTolerance) {
			break
		}

		inFlight := e.tracker.InFlightQty(executionID)
		s := planIcebergSlice(executionID, idx, parent.Qty, alreadyFilled, inFlight, cfg.VisibleRatio, cfg.LimitPrice, e.clock.NowNS())
		if s.Qty <= 0 {
			if inFlight <= 0 {
				break
			}
			e.clock.Sleep(ctx, pollInterval)
			continue
		}
		e.tracker.RegisterSlice(s)
		e.tracker.MarkStatus(executionID, s.SliceID, SliceStatusSubmitted)
		submitIntent(e.bus, s.ToIntent(parent, e.clock.NowNS()))
		idx++

		visibleQty := s.Qty
		replenishAt := visibleQty * cfg.ReplenishThreshold
		for {
			if ctx.Err() != nil {
				break
			}
			filledOnSlice := e.filledOnSlice(executionID, s.SliceID)
			if filledOnSlice >= replenishAt || filledOnSlice >= visibleQty {
				break
			}
			e.clock.Sleep(ctx, pollInterval)
		}
	}

	stopWatching()
	e.tracker.Complete(executionID, e.clock.NowNS(), contracts.ExecStatusCompleted)
	return e.tracker.Report(executionID), ctx.Err()
}

func (e *IcebergExecutor) filledOnSlice(executionID, sliceID string) float64 {
	for _, s := range e.tracker.Slices(executionID) {
		if s.SliceID == sliceID {
			return s.FilledQty
		}
	}
	return 0
}
