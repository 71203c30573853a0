package execution

import (
	"math"

	"github.com/blackforestdev/njord-quant/internal/contracts"
)

// SlippageModel computes a price adjustment for a fill of qty against a
// reference price and observed market volume. Applied asymmetrically: buys
// receive +slip, sells −slip (modeled as moving the effective price against
// the taker).
type SlippageModel interface {
	Slippage(qty, referencePrice, marketVolume float64) float64
}

// LinearSlippage scales with the order's share of market volume.
type LinearSlippage struct {
	ImpactCoef float64
}

func (m LinearSlippage) Slippage(qty, referencePrice, marketVolume float64) float64 {
	if marketVolume <= 0 {
		return 0
	}
	return m.ImpactCoef * (qty / marketVolume) * referencePrice
}

// SqrtSlippage scales with the square root of the order's share of market
// volume — concave, so slippage grows slower than linear for large orders
// relative to volume.
type SqrtSlippage struct {
	ImpactCoef float64
}

func (m SqrtSlippage) Slippage(qty, referencePrice, marketVolume float64) float64 {
	if marketVolume <= 0 {
		return 0
	}
	return m.ImpactCoef * math.Sqrt(qty/marketVolume) * referencePrice
}

// ApplyDirectional adds model's slippage to referencePrice, signed by side:
// buys pay more (+slip), sells receive less (−slip).
func ApplyDirectional(model SlippageModel, side string, qty, referencePrice, marketVolume float64) float64 {
	if model == nil {
		return referencePrice
	}
	slip := model.Slippage(qty, referencePrice, marketVolume)
	if side == contracts.SideSell {
		return referencePrice - slip
	}
	return referencePrice + slip
}
