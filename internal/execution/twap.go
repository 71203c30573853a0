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

// TWAPConfig tunes the planner: N equal slices over duration.
type TWAPConfig struct {
	NumSlices int
	Duration  time.Duration
	OrderType string // market or limit; limit slices price at the mid supplied to PlanTWAP
}

// PlanTWAP produces N equal slices of total_qty/N, scheduled at uniform
// offsets across duration.
func PlanTWAP(parent contracts.OrderIntent, cfg TWAPConfig, nowNs int64, mid *float64) (string, []Slice) {
	executionID := uuid.NewString()
	n := cfg.NumSlices
	if n <= 0 {
		n = 1
	}
	sliceQty := parent.Qty / float64(n)
	stepNs := cfg.Duration.Nanoseconds() / int64(n)

	slices := make([]Slice, 0, n)
	for i := 0; i < n; i++ {
		scheduled := nowNs + int64(i)*stepNs
		s := Slice{
			ExecutionID:   executionID,
			SliceID:       fmt.Sprintf("%s-%d", executionID, i),
			Idx:           i,
			ScheduledTSNs: scheduled,
			DeadlineTSNs:  scheduled + stepNs,
			Qty:           sliceQty,
			Status:        SliceStatusPending,
		}
		if cfg.OrderType == contracts.OrderTypeLimit && mid != nil {
			s.LimitPrice = mid
		}
		slices = append(slices, s)
	}
	return executionID, slices
}

// TWAPExecutor drives a planned TWAP schedule: emits each slice at its
// scheduled time, cancels any slice whose deadline passes without a
// terminal status, and emits the final ExecutionReport on completion.
type TWAPExecutor struct {
	clock   contracts.Clock
	bus     *bus.Bus
	tracker *Tracker
	log     zerolog.Logger
}

func NewTWAPExecutor(clock contracts.Clock, b *bus.Bus, tracker *Tracker, log zerolog.Logger) *TWAPExecutor {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	return &TWAPExecutor{clock: clock, bus: b, tracker: tracker, log: log.With().Str("component", "execution.twap").Logger()}
}

// Run plans and drives parent to completion, blocking until every slice
// reaches a terminal status or ctx is cancelled.
func (e *TWAPExecutor) Run(ctx context.Context, parent contracts.OrderIntent, cfg TWAPConfig, mid *float64) (contracts.ExecutionReport, error) {
	nowNs := e.clock.NowNS()
	executionID, slices := PlanTWAP(parent, cfg, nowNs, mid)
	e.tracker.RegisterExecution(executionID, parent.Symbol, parent.Qty, nowNs)
	for _, s := range slices {
		e.tracker.RegisterSlice(s)
	}

	stopWatching := watchFills(ctx, e.bus, e.tracker, executionID)
	defer stopWatching()

	for _, s := range slices {
		wait := s.ScheduledTSNs - e.clock.NowNS()
		if wait > 0 {
			e.clock.Sleep(ctx, wait)
		}
		if ctx.Err() != nil {
			break
		}
		e.submit(parent, s, executionID)

		deadlineWait := s.DeadlineTSNs - e.clock.NowNS()
		if deadlineWait > 0 {
			e.clock.Sleep(ctx, deadlineWait)
		}
		if !e.sliceTerminal(executionID, s.SliceID) {
			e.cancel(executionID, s.SliceID)
		}
	}

	stopWatching()
	e.tracker.Complete(executionID, e.clock.NowNS(), contracts.ExecStatusCompleted)
	return e.tracker.Report(executionID), ctx.Err()
}

func (e *TWAPExecutor) submit(parent contracts.OrderIntent, s Slice, executionID string) {
	e.tracker.MarkStatus(executionID, s.SliceID, SliceStatusSubmitted)
	submitIntent(e.bus, s.ToIntent(parent, e.clock.NowNS()))
}

func (e *TWAPExecutor) cancel(executionID, sliceID string) {
	e.tracker.MarkStatus(executionID, sliceID, SliceStatusExpired)
	cancelIntent(e.bus, sliceID)
}

func (e *TWAPExecutor) sliceTerminal(executionID, sliceID string) bool {
	for _, s := range e.tracker.Slices(executionID) {
		if s.SliceID == sliceID {
			return s.Status == SliceStatusFilled || s.Status == SliceStatusCancelled
		}
	}
	return false
}
