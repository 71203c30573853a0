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

// VolumeBucket is one bucketed point of a historical intraday volume
// profile (§4.H.VWAP), typically one per minute over the execution's
// duration, built from ≥7 sessions of lookback.
type VolumeBucket struct {
	OffsetNs    int64
	Volume      float64
	TypicalPrice float64
}

// VWAPConfig tunes the planner with a precomputed volume profile.
type VWAPConfig struct {
	Duration       time.Duration
	Profile        []VolumeBucket
	DivergencePct   float64 // replan trigger threshold, default 0.10
	OrderType      string
}

const DefaultVWAPDivergencePct = 0.10

// PlanVWAP normalizes the profile's bucket volumes to weights summing to
// 1.0, sizes each slice as total_qty×weight, and computes the benchmark
// VWAP (Σ typical_price×volume / Σ volume) reported in meta.benchmark_vwap.
func PlanVWAP(parent contracts.OrderIntent, cfg VWAPConfig, nowNs int64) (string, []Slice, float64) {
	executionID := uuid.NewString()
	totalVolume := 0.0
	var priceVolSum float64
	for _, b := range cfg.Profile {
		totalVolume += b.Volume
		priceVolSum += b.TypicalPrice * b.Volume
	}
	benchmark := 0.0
	if totalVolume > 0 {
		benchmark = priceVolSum / totalVolume
	}

	slices := make([]Slice, 0, len(cfg.Profile))
	for i, b := range cfg.Profile {
		weight := 0.0
		if totalVolume > 0 {
			weight = b.Volume / totalVolume
		}
		slices = append(slices, Slice{
			ExecutionID:   executionID,
			SliceID:       fmt.Sprintf("%s-%d", executionID, i),
			Idx:           i,
			ScheduledTSNs: nowNs + b.OffsetNs,
			DeadlineTSNs:  nowNs + b.OffsetNs + cfg.Duration.Nanoseconds()/int64(max(1, len(cfg.Profile))),
			Qty:           parent.Qty * weight,
			Status:        SliceStatusPending,
		})
	}
	return executionID, slices, benchmark
}

// replanRemainingSlices implements §4.H.VWAP's dynamic-adjustment rule:
// redistribute remaining_qty over the not-yet-scheduled buckets
// proportional to their recomputed forward-looking weights, capping each
// new slice at remaining_capacity, and appending a residual slice if
// un-allocated qty remains after the redistribution.
func replanRemainingSlices(executionID string, totalQty, alreadyFilled, inFlightQty float64, remaining []VolumeBucket, nowNs int64, startIdx int) []Slice {
	remainingQty := totalQty - alreadyFilled
	if remainingQty < 0 {
		remainingQty = 0
	}

	totalForwardVolume := 0.0
	for _, b := range remaining {
		totalForwardVolume += b.Volume
	}

	slices := make([]Slice, 0, len(remaining)+1)
	allocated := 0.0
	for i, b := range remaining {
		weight := 0.0
		if totalForwardVolume > 0 {
			weight = b.Volume / totalForwardVolume
		}
		target := remainingQty * weight
		capacity := RemainingCapacity(totalQty, alreadyFilled, inFlightQty+allocated)
		qty := target
		if qty > capacity {
			qty = capacity
		}
		if qty <= 0 {
			continue
		}
		allocated += qty
		slices = append(slices, Slice{
			ExecutionID:   executionID,
			SliceID:       fmt.Sprintf("%s-r%d", executionID, startIdx+i),
			Idx:           startIdx + i,
			ScheduledTSNs: nowNs + b.OffsetNs,
			Qty:           qty,
			Status:        SliceStatusPending,
		})
	}

	unallocated := remainingQty - allocated
	if unallocated > ConservationTolerance {
		capacity := RemainingCapacity(totalQty, alreadyFilled, inFlightQty+allocated)
		residualQty := unallocated
		if residualQty > capacity {
			residualQty = capacity
		}
		if residualQty > 0 {
			slices = append(slices, Slice{
				ExecutionID:   executionID,
				SliceID:       fmt.Sprintf("%s-residual", executionID),
				Idx:           startIdx + len(remaining),
				ScheduledTSNs: nowNs,
				Qty:           residualQty,
				Status:        SliceStatusPending,
				Residual:      true,
			})
		}
	}
	return slices
}

// VWAPExecutor drives a VWAP schedule, replanning the remaining slices
// whenever realized fill progress diverges from the planned cumulative
// weight by more than cfg.DivergencePct.
type VWAPExecutor struct {
	clock   contracts.Clock
	bus     *bus.Bus
	tracker *Tracker
	log     zerolog.Logger
}

func NewVWAPExecutor(clock contracts.Clock, b *bus.Bus, tracker *Tracker, log zerolog.Logger) *VWAPExecutor {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	return &VWAPExecutor{clock: clock, bus: b, tracker: tracker, log: log.With().Str("component", "execution.vwap").Logger()}
}

func (e *VWAPExecutor) Run(ctx context.Context, parent contracts.OrderIntent, cfg VWAPConfig) (contracts.ExecutionReport, error) {
	if cfg.DivergencePct <= 0 {
		cfg.DivergencePct = DefaultVWAPDivergencePct
	}
	nowNs := e.clock.NowNS()
	executionID, slices, benchmark := PlanVWAP(parent, cfg, nowNs)
	e.tracker.RegisterExecution(executionID, parent.Symbol, parent.Qty, nowNs)
	for _, s := range slices {
		e.tracker.RegisterSlice(s)
	}

	stopWatching := watchFills(ctx, e.bus, e.tracker, executionID)
	defer stopWatching()

	cumulativePlannedWeight := 0.0
	totalQty := parent.Qty
	profile := cfg.Profile

	for i := 0; i < len(slices); i++ {
		s := slices[i]
		wait := s.ScheduledTSNs - e.clock.NowNS()
		if wait > 0 {
			e.clock.Sleep(ctx, wait)
		}
		if ctx.Err() != nil {
			break
		}

		if totalQty > 0 {
			cumulativePlannedWeight += s.Qty / totalQty
		}
		e.submit(parent, s, executionID, benchmark)

		alreadyFilled := e.tracker.AlreadyFilled(executionID)
		realizedFrac := 0.0
		if totalQty > 0 {
			realizedFrac = alreadyFilled / totalQty
		}

		if cumulativePlannedWeight > 0 {
			divergence := (cumulativePlannedWeight - realizedFrac) / cumulativePlannedWeight
			if divergence < 0 {
				divergence = -divergence
			}
			if divergence > cfg.DivergencePct && i+1 < len(profile) {
				remaining := profile[i+1:]
				inFlight := e.tracker.InFlightQty(executionID)
				replanned := replanRemainingSlices(executionID, totalQty, alreadyFilled, inFlight, remaining, e.clock.NowNS(), i+1)
				for _, rs := range replanned {
					e.tracker.RegisterSlice(rs)
				}
				slices = append(slices[:i+1], replanned...)
				// profile (the forward-looking volume buckets) is left as-is: its
				// weights/offsets are what the next divergence check's
				// i+1 < len(profile) bound and remaining-bucket redistribution
				// consult, so a later iteration can replan again against whatever
				// of the original profile is still ahead of it.
			}
		}
	}

	stopWatching()
	e.tracker.Complete(executionID, e.clock.NowNS(), contracts.ExecStatusCompleted)
	return e.tracker.Report(executionID), ctx.Err()
}

func (e *VWAPExecutor) submit(parent contracts.OrderIntent, s Slice, executionID string, benchmark float64) {
	e.tracker.MarkStatus(executionID, s.SliceID, SliceStatusSubmitted)
	if e.bus == nil {
		return
	}
	intent := s.ToIntent(parent, e.clock.NowNS())
	intent.Meta = intent.Meta.With("benchmark_vwap", benchmark)
	e.bus.Publish(TopicStratIntent, intent)
}
