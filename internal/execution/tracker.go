package execution

import (
	"sync"

	"github.com/blackforestdev/njord-quant/internal/contracts"
)

// executionState is one parent OrderIntent's running ledger: its planned
// slices, realized fills, and fee/price accumulators.
type executionState struct {
	executionID string
	symbol      string
	totalQty    float64
	startTSNs   int64
	endTSNs     *int64
	status      string

	slices map[string]*Slice

	filledQty   float64
	totalFees   float64
	priceQtySum float64 // Σ price×qty, for avg_fill_price
}

// Tracker monitors every in-flight execution: its slices, fills, and
// derived conservation-law accounting. One Tracker is shared by an
// executor's planning and fill-handling code.
type Tracker struct {
	mu         sync.RWMutex
	executions map[string]*executionState
	OnFill     func(contracts.FillEvent) // hook for portfolio/telemetry wiring
}

func NewTracker() *Tracker {
	return &Tracker{executions: make(map[string]*executionState)}
}

// RegisterExecution begins tracking a new parent OrderIntent.
func (t *Tracker) RegisterExecution(executionID, symbol string, totalQty float64, startTSNs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.executions[executionID] = &executionState{
		executionID: executionID,
		symbol:      symbol,
		totalQty:    totalQty,
		startTSNs:   startTSNs,
		status:      contracts.ExecStatusRunning,
		slices:      make(map[string]*Slice),
	}
}

// RegisterSlice records a newly planned (not yet submitted) slice.
func (t *Tracker) RegisterSlice(s Slice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	es, ok := t.executions[s.ExecutionID]
	if !ok {
		return
	}
	cp := s
	es.slices[s.SliceID] = &cp
}

// MarkStatus transitions a slice's status (submitted, cancelled, expired).
func (t *Tracker) MarkStatus(executionID, sliceID, status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	es, ok := t.executions[executionID]
	if !ok {
		return
	}
	if s, ok := es.slices[sliceID]; ok {
		s.Status = status
	}
}

// ProcessFill applies a FillEvent to the execution named in its meta,
// updating filled qty, fees, and the slice's status. Partial-fill
// detection uses filled_qty < planned_qty × 0.999 (§4.H.VWAP rule 5),
// applied uniformly across algorithms — a slice only completes once it
// has realized at least 99.9% of its planned quantity.
func (t *Tracker) ProcessFill(fill contracts.FillEvent) {
	executionID := fill.Meta.ExecutionID()
	sliceID := fill.Meta.SliceID()

	t.mu.Lock()
	es, ok := t.executions[executionID]
	if !ok {
		t.mu.Unlock()
		return
	}
	es.filledQty += fill.Qty
	es.totalFees += fill.Fee
	es.priceQtySum += fill.Price * fill.Qty

	if s, ok := es.slices[sliceID]; ok {
		s.FilledQty += fill.Qty
		if s.Complete() {
			s.Status = SliceStatusFilled
		}
	}
	cb := t.OnFill
	t.mu.Unlock()

	if cb != nil {
		cb(fill)
	}
}

// AlreadyFilled returns the total filled quantity realized so far.
func (t *Tracker) AlreadyFilled(executionID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	es, ok := t.executions[executionID]
	if !ok {
		return 0
	}
	return es.filledQty
}

// InFlightQty sums the remaining (unfilled) quantity of every submitted,
// not-yet-terminal slice.
func (t *Tracker) InFlightQty(executionID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	es, ok := t.executions[executionID]
	if !ok {
		return 0
	}
	var sum float64
	for _, s := range es.slices {
		if s.Status == SliceStatusSubmitted {
			sum += s.Qty - s.FilledQty
		}
	}
	return sum
}

// TotalQty returns the parent intent's total planned quantity.
func (t *Tracker) TotalQty(executionID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	es, ok := t.executions[executionID]
	if !ok {
		return 0
	}
	return es.totalQty
}

// Slices returns a snapshot of every slice currently tracked for an
// execution.
func (t *Tracker) Slices(executionID string) []Slice {
	t.mu.RLock()
	defer t.mu.RUnlock()
	es, ok := t.executions[executionID]
	if !ok {
		return nil
	}
	out := make([]Slice, 0, len(es.slices))
	for _, s := range es.slices {
		out = append(out, *s)
	}
	return out
}

// Complete marks an execution terminal (completed, cancelled, or failed).
func (t *Tracker) Complete(executionID string, nowNs int64, status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	es, ok := t.executions[executionID]
	if !ok {
		return
	}
	es.status = status
	end := nowNs
	es.endTSNs = &end
}

// Report renders the current ExecutionReport for an execution.
func (t *Tracker) Report(executionID string) contracts.ExecutionReport {
	t.mu.RLock()
	defer t.mu.RUnlock()
	es, ok := t.executions[executionID]
	if !ok {
		return contracts.ExecutionReport{ExecutionID: executionID, Status: contracts.ExecStatusFailed}
	}

	completed := 0
	for _, s := range es.slices {
		if s.Status == SliceStatusFilled {
			completed++
		}
	}

	avgPrice := 0.0
	if es.filledQty > 0 {
		avgPrice = es.priceQtySum / es.filledQty
	}

	return contracts.ExecutionReport{
		ExecutionID:     es.executionID,
		Symbol:          es.symbol,
		TotalQty:        es.totalQty,
		FilledQty:       es.filledQty,
		AvgFillPrice:    avgPrice,
		TotalFees:       es.totalFees,
		SlicesCompleted: completed,
		SlicesTotal:     len(es.slices),
		Status:          es.status,
		StartTSNs:       es.startTSNs,
		EndTSNs:         es.endTSNs,
	}
}
