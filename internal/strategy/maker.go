package strategy

import (
	"math"

	"github.com/google/uuid"

	"github.com/blackforestdev/njord-quant/internal/contracts"
)

// MakerConfig tunes a quote-both-sides strategy: spread around the last
// traded price, widened and re-centered by inventory.
type MakerConfig struct {
	MinSpreadBps         float64
	OrderQty             float64
	InventorySkewBps     float64 // shifts mid toward flat when net position grows; default 30
	InventoryWidenFactor float64 // widens spread at high |inventory ratio|; default 0.5
	MaxPositionQty       float64 // denominator of the inventory ratio
	MinOrderQty          float64
}

// inventoryQuote applies maker.go's inventory-skew pricing generalized
// from a 0..1 probability price space to an arbitrary symbol price: skew
// the mid toward flattening a net position, widen the spread and shrink
// size as |inventory ratio| grows.
func inventoryQuote(mid float64, cfg MakerConfig, netQty float64) (buy, sell, size float64) {
	halfSpreadBps := cfg.MinSpreadBps / 2
	size = cfg.OrderQty

	if cfg.MaxPositionQty > 0 {
		ratio := netQty / cfg.MaxPositionQty
		ratio = math.Max(-1, math.Min(1, ratio))

		skewBps := ratio * cfg.InventorySkewBps
		mid -= mid * skewBps / 10000

		widening := 1 + math.Abs(ratio)*cfg.InventoryWidenFactor
		halfSpreadBps *= widening

		size *= 1 - math.Abs(ratio)*0.5
		if cfg.MinOrderQty > 0 && size < cfg.MinOrderQty {
			size = cfg.MinOrderQty
		}
	}

	halfSpread := mid * halfSpreadBps / 10000
	buy = mid - halfSpread
	sell = mid + halfSpread
	if buy <= 0 {
		buy = mid * 0.0001
	}
	return buy, sell, size
}

// MakerStrategy quotes both sides of a symbol around its last traded
// price, re-quoting on every trade tick and adjusting for the
// strategy's own net position once a PositionSnapshot has arrived.
type MakerStrategy struct {
	cfg MakerConfig
}

// NewMakerStrategy is a Factory: the registered class is "maker".
func NewMakerStrategy(params map[string]any) (Strategy, error) {
	cfg := MakerConfig{
		MinSpreadBps:         paramFloat(params, "min_spread_bps", 20),
		OrderQty:             paramFloat(params, "order_qty", 1),
		InventorySkewBps:     paramFloat(params, "inventory_skew_bps", 30),
		InventoryWidenFactor: paramFloat(params, "inventory_widen_factor", 0.5),
		MaxPositionQty:       paramFloat(params, "max_position_qty", 0),
		MinOrderQty:          paramFloat(params, "min_order_qty", 0),
	}
	return &MakerStrategy{cfg: cfg}, nil
}

func (m *MakerStrategy) OnEvent(ctx *Context, topic string, payload any) ([]contracts.OrderIntent, error) {
	trade, ok := payload.(contracts.TradeEvent)
	if !ok {
		return nil, nil
	}

	var netQty float64
	if ps, ok := ctx.Position(trade.Symbol); ok {
		netQty = ps.NetQty
	}

	buy, sell, size := inventoryQuote(trade.Price, m.cfg, netQty)
	now := ctx.Clock.NowNS()

	return []contracts.OrderIntent{
		{
			IntentID:   uuid.NewString(),
			TSNs:       now,
			Symbol:     trade.Symbol,
			Side:       contracts.SideBuy,
			Type:       contracts.OrderTypeLimit,
			Qty:        size,
			LimitPrice: &buy,
		},
		{
			IntentID:   uuid.NewString(),
			TSNs:       now,
			Symbol:     trade.Symbol,
			Side:       contracts.SideSell,
			Type:       contracts.OrderTypeLimit,
			Qty:        size,
			LimitPrice: &sell,
		},
	}, nil
}

func paramFloat(params map[string]any, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return def
}
