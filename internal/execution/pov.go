package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blackforestdev/njord-quant/internal/bus"
	"github.com/blackforestdev/njord-quant/internal/contracts"
)

// POVConfig tunes the planner: a target participation rate of observed
// market volume, sampled at TickInterval.
type POVConfig struct {
	TargetPOV        float64 // e.g. 0.1 = 10% of observed volume per tick
	TickInterval     time.Duration
	Duration         time.Duration
	MinVolumeThreshold float64
	LimitPrice       *float64
}

// VolumeSource reports the market volume observed since the last call —
// the rolling estimate POV's scheduler consumes each tick.
type VolumeSource interface {
	VolumeSinceLastTick() float64
}

// povTickQty computes one tick's slice quantity and the carried-forward
// debt: a starved tick (observed < min_volume_threshold) emits nothing and
// banks target_pov×observed as debt; the next non-starved tick clears the
// debt into its own size (bounded by remaining capacity).
func povTickQty(targetPOV, observed, debt, minVolumeThreshold, capacity float64) (qty, newDebt float64) {
	if observed < minVolumeThreshold {
		return 0, debt + targetPOV*observed
	}
	target := targetPOV*observed + debt
	if target > capacity {
		target = capacity
	}
	if target < 0 {
		target = 0
	}
	return target, 0
}

// POVExecutor maintains a rolling volume-debt ledger: starved ticks (below
// min_volume_threshold) emit nothing and accumulate debt; the next
// non-starved tick may exceed its steady-state size to catch up, bounded
// by remaining capacity. Any residual left at duration expiry is flagged
// as a final catch-up slice.
type POVExecutor struct {
	clock   contracts.Clock
	bus     *bus.Bus
	tracker *Tracker
	log     zerolog.Logger
}

func NewPOVExecutor(clock contracts.Clock, b *bus.Bus, tracker *Tracker, log zerolog.Logger) *POVExecutor {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	return &POVExecutor{clock: clock, bus: b, tracker: tracker, log: log.With().Str("component", "execution.pov").Logger()}
}

func (e *POVExecutor) Run(ctx context.Context, parent contracts.OrderIntent, cfg POVConfig, volume VolumeSource) (contracts.ExecutionReport, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}

	executionID := uuid.NewString()
	startNs := e.clock.NowNS()
	deadlineNs := startNs + cfg.Duration.Nanoseconds()
	e.tracker.RegisterExecution(executionID, parent.Symbol, parent.Qty, startNs)

	stopWatching := watchFills(ctx, e.bus, e.tracker, executionID)
	defer stopWatching()

	var debt float64
	idx := 0
	for e.clock.NowNS() < deadlineNs && ctx.Err() == nil {
		e.clock.Sleep(ctx, cfg.TickInterval.Nanoseconds())
		if ctx.Err() != nil {
			break
		}

		observed := volume.VolumeSinceLastTick()
		alreadyFilled := e.tracker.AlreadyFilled(executionID)
		if alreadyFilled >= parent.Qty*(1-ConservationTolerance) {
			break
		}

		capacity := RemainingCapacity(parent.Qty, alreadyFilled, e.tracker.InFlightQty(executionID))
		target, newDebt := povTickQty(cfg.TargetPOV, observed, debt, cfg.MinVolumeThreshold, capacity)
		debt = newDebt
		if target <= 0 {
			continue
		}

		s := Slice{
			ExecutionID:   executionID,
			SliceID:       fmt.Sprintf("%s-%d", executionID, idx),
			Idx:           idx,
			ScheduledTSNs: e.clock.NowNS(),
			Qty:           target,
			LimitPrice:    cfg.LimitPrice,
			Status:        SliceStatusPending,
		}
		idx++
		e.tracker.RegisterSlice(s)
		e.tracker.MarkStatus(executionID, s.SliceID, SliceStatusSubmitted)
		submitIntent(e.bus, s.ToIntent(parent, e.clock.NowNS()))
	}

	// Final catch-up: any residual left at duration expiry is a flagged
	// residual slice, capacity-capped like every other slice.
	alreadyFilled := e.tracker.AlreadyFilled(executionID)
	residualQty := RemainingCapacity(parent.Qty, alreadyFilled, e.tracker.InFlightQty(executionID))
	if residualQty > ConservationTolerance {
		s := Slice{
			ExecutionID:   executionID,
			SliceID:       fmt.Sprintf("%s-residual", executionID),
			Idx:           idx,
			ScheduledTSNs: e.clock.NowNS(),
			Qty:           residualQty,
			LimitPrice:    cfg.LimitPrice,
			Status:        SliceStatusPending,
			Residual:      true,
		}
		e.tracker.RegisterSlice(s)
		e.tracker.MarkStatus(executionID, s.SliceID, SliceStatusSubmitted)
		submitIntent(e.bus, s.ToIntent(parent, e.clock.NowNS()))
	}

	stopWatching()
	e.tracker.Complete(executionID, e.clock.NowNS(), contracts.ExecStatusCompleted)
	return e.tracker.Report(executionID), ctx.Err()
}
