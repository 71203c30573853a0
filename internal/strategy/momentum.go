package strategy

import (
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/blackforestdev/njord-quant/internal/contracts"
)

// MomentumConfig tunes a trade-flow/price-move momentum strategy.
type MomentumConfig struct {
	WindowNs          int64   // rolling window for net flow and price baseline
	MinPriceChangePct float64 // minimum |Δprice/price| over the window to consider a signal
	MinNetFlow        float64 // minimum |buy-sell volume ratio| over the window, in [0,1]
	CooldownNs        int64   // minimum time between signals per symbol
	OrderQty          float64
	MaxOrderQty       float64
}

type sample struct {
	price float64
	side  string
	qty   float64
	tsNs  int64
}

// MomentumStrategy tracks a rolling window of trades per symbol and
// emits an intent when both the net buy/sell flow and the price move
// over the window cross their configured thresholds. Signal strength
// (scaled size, capped at MaxOrderQty) grows with the magnitude of the
// price move, the same scale-by-magnitude rule as a price-change
// threshold trigger.
type MomentumStrategy struct {
	cfg MomentumConfig

	mu      sync.Mutex
	windows map[string][]sample
	lastFire map[string]int64
}

func NewMomentumStrategy(params map[string]any) (Strategy, error) {
	cfg := MomentumConfig{
		WindowNs:          int64(paramFloat(params, "window_s", 120)) * 1_000_000_000,
		MinPriceChangePct: paramFloat(params, "min_price_change_pct", 0.02),
		MinNetFlow:        paramFloat(params, "min_net_flow", 0.3),
		CooldownNs:        int64(paramFloat(params, "cooldown_s", 300)) * 1_000_000_000,
		OrderQty:          paramFloat(params, "order_qty", 1),
		MaxOrderQty:       paramFloat(params, "max_order_qty", 2),
	}
	return &MomentumStrategy{
		cfg:      cfg,
		windows:  make(map[string][]sample),
		lastFire: make(map[string]int64),
	}, nil
}

func (m *MomentumStrategy) OnEvent(ctx *Context, topic string, payload any) ([]contracts.OrderIntent, error) {
	trade, ok := payload.(contracts.TradeEvent)
	if !ok {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := trade.TSNs - m.cfg.WindowNs
	win := append(m.windows[trade.Symbol], sample{price: trade.Price, side: trade.Side, qty: trade.Qty, tsNs: trade.TSNs})
	win = evictBefore(win, cutoff)
	m.windows[trade.Symbol] = win

	if len(win) < 2 {
		return nil, nil
	}
	if last, ok := m.lastFire[trade.Symbol]; ok && trade.TSNs-last < m.cfg.CooldownNs {
		return nil, nil
	}

	oldPrice := win[0].price
	if oldPrice == 0 {
		return nil, nil
	}
	changePct := (trade.Price - oldPrice) / oldPrice
	if math.Abs(changePct) < m.cfg.MinPriceChangePct {
		return nil, nil
	}

	netFlow := netFlowRatio(win)
	if math.Abs(netFlow) < m.cfg.MinNetFlow {
		return nil, nil
	}
	// Flow and price move must agree in direction.
	if (netFlow > 0) != (changePct > 0) {
		return nil, nil
	}

	side := contracts.SideBuy
	if changePct < 0 {
		side = contracts.SideSell
	}

	scale := math.Min(math.Abs(changePct)/m.cfg.MinPriceChangePct, m.cfg.MaxOrderQty/m.cfg.OrderQty)
	qty := m.cfg.OrderQty * scale
	if qty > m.cfg.MaxOrderQty {
		qty = m.cfg.MaxOrderQty
	}

	m.lastFire[trade.Symbol] = trade.TSNs

	return []contracts.OrderIntent{{
		IntentID: uuid.NewString(),
		TSNs:     ctx.Clock.NowNS(),
		Symbol:   trade.Symbol,
		Side:     side,
		Type:     contracts.OrderTypeMarket,
		Qty:      qty,
	}}, nil
}

func netFlowRatio(win []sample) float64 {
	var buyVol, sellVol float64
	for _, s := range win {
		if s.side == contracts.SideBuy {
			buyVol += s.qty
		} else {
			sellVol += s.qty
		}
	}
	total := buyVol + sellVol
	if total == 0 {
		return 0
	}
	return (buyVol - sellVol) / total
}

func evictBefore(win []sample, cutoff int64) []sample {
	i := 0
	for i < len(win) && win[i].tsNs < cutoff {
		i++
	}
	if i == 0 {
		return win
	}
	return append([]sample{}, win[i:]...)
}
