// Package execution implements the slicing engines (§4.H): TWAP, VWAP,
// Iceberg, and POV executors that turn one parent OrderIntent into a
// scheduled series of child OrderIntents, each re-addressed through the
// Risk Engine. Package slippage.go holds the paper-trading slippage models
// consumed by internal/paper.
package execution

import "github.com/blackforestdev/njord-quant/internal/contracts"

const (
	SliceStatusPending   = "pending"
	SliceStatusSubmitted = "submitted"
	SliceStatusFilled    = "filled"
	SliceStatusCancelled = "cancelled"
	SliceStatusExpired   = "expired"

	TopicStratIntent  = "strat.intent"
	TopicOrdersCancel = "orders.cancel"

	// ConservationTolerance is the ±0.1% slack the quantity-conservation
	// law allows between Σ(already_filled + remaining planned qty) and
	// the parent's total_qty.
	ConservationTolerance = 0.001
)

// Slice is one child order an executor has planned or submitted. Qty is
// the planned quantity and never mutated after planning; FilledQty
// accumulates realized fills against it.
type Slice struct {
	ExecutionID   string
	SliceID       string
	Idx           int
	ScheduledTSNs int64
	DeadlineTSNs  int64
	Qty           float64
	FilledQty     float64
	LimitPrice    *float64
	Status        string
	Residual      bool
}

// Complete reports whether the slice has realized enough of its planned
// quantity to be considered done. Uses filled_qty < planned_qty × 0.999
// (§4.H.VWAP rule 5) rather than "any fill", so a thin partial fill does
// not prematurely retire a slice.
func (s Slice) Complete() bool {
	if s.Qty <= 0 {
		return true
	}
	return s.FilledQty >= s.Qty*0.999
}

// ToIntent renders a Slice as the OrderIntent an executor publishes to
// strat.intent, carrying execution provenance in Meta.
func (s Slice) ToIntent(parent contracts.OrderIntent, nowNs int64) contracts.OrderIntent {
	meta := parent.Meta.With("execution_id", s.ExecutionID).
		With("slice_id", s.SliceID).
		With("slice_idx", s.Idx)
	if s.Residual {
		meta = meta.With("residual", true)
	}
	orderType := parent.Type
	limitPrice := s.LimitPrice
	if limitPrice != nil {
		orderType = contracts.OrderTypeLimit
	}
	return contracts.OrderIntent{
		IntentID:   s.SliceID,
		TSNs:       nowNs,
		StrategyID: parent.StrategyID,
		Symbol:     parent.Symbol,
		Side:       parent.Side,
		Type:       orderType,
		Qty:        s.Qty,
		LimitPrice: limitPrice,
		Meta:       meta,
	}
}

// RemainingCapacity is the conservation-law cap applied to every replanned
// or newly emitted slice: it is impossible, by construction, to plan more
// than the parent has left to fill.
func RemainingCapacity(totalQty, alreadyFilled, inFlightQty float64) float64 {
	rem := totalQty - alreadyFilled - inFlightQty
	if rem < 0 {
		return 0
	}
	return rem
}

// WithinConservationLaw reports whether already-filled plus remaining
// planned quantity stays within ±tol of the parent's total_qty (§3
// invariant 2 / §4.H).
func WithinConservationLaw(totalQty, alreadyFilled, remainingPlannedQty, tol float64) bool {
	sum := alreadyFilled + remainingPlannedQty
	lo := totalQty * (1 - tol)
	hi := totalQty * (1 + tol)
	return sum >= lo && sum <= hi
}
