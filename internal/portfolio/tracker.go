// Package portfolio aggregates fills into per-strategy capital and
// position, publishes PositionSnapshot on every change, and composes a
// rebalance plan when drift from target allocations crosses a threshold
// or a rebalance interval elapses.
package portfolio

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blackforestdev/njord-quant/internal/bus"
	"github.com/blackforestdev/njord-quant/internal/contracts"
)

const (
	TopicFillsNew          = "fills.new"
	TopicPositionsSnapshot = "positions.snapshot"
	TopicStratIntent       = "strat.intent"

	RebalanceSource = "rebalancer"
)

// Target is one strategy's target allocation of capital to a symbol, as
// a fraction of that strategy's total capital.
type Target struct {
	StrategyID string
	Symbol     string
	Weight     float64
}

// Config tunes drift detection and rebalance cadence.
type Config struct {
	Targets            []Target
	DriftThreshold      float64       // trigger rebalance when |actual-target| weight exceeds this
	RebalanceInterval   time.Duration // trigger rebalance unconditionally after this long
	RebalancePriceBook  PriceBook     // current mark price per symbol, for valuing positions
}

// PriceBook supplies the current mark price used to value positions and
// size rebalance intents.
type PriceBook interface {
	Price(symbol string) (float64, bool)
}

type position struct {
	netQty      float64
	avgEntry    float64
	realizedPnL float64
}

// Tracker implements risk.PositionProvider (NetQty) and drives the
// rebalance loop described in the spec's Portfolio Tracker.
type Tracker struct {
	bus   *bus.Bus
	clock contracts.Clock
	cfg   Config
	log   zerolog.Logger

	mu            sync.RWMutex
	positions     map[string]map[string]*position // strategyID -> symbol -> position
	capital       map[string]float64              // strategyID -> capital base for weighting
	lastRebalance map[string]int64                // strategyID -> last rebalance ts_ns
}

func NewTracker(b *bus.Bus, clock contracts.Clock, cfg Config, log zerolog.Logger) *Tracker {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	return &Tracker{
		bus:           b,
		clock:         clock,
		cfg:           cfg,
		log:           log.With().Str("component", "portfolio.tracker").Logger(),
		positions:     make(map[string]map[string]*position),
		capital:       make(map[string]float64),
		lastRebalance: make(map[string]int64),
	}
}

// NetQty implements risk.PositionProvider.
func (t *Tracker) NetQty(strategyID, symbol string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if byStrategy, ok := t.positions[strategyID]; ok {
		if p, ok := byStrategy[symbol]; ok {
			return p.netQty
		}
	}
	return 0
}

// Snapshot returns the current PositionSnapshot for a strategy/symbol.
func (t *Tracker) Snapshot(strategyID, symbol string) contracts.PositionSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := t.positions[strategyID][symbol]
	if p == nil {
		p = &position{}
	}
	return contracts.PositionSnapshot{
		StrategyID:  strategyID,
		Symbol:      symbol,
		NetQty:      p.netQty,
		AvgEntry:    p.avgEntry,
		RealizedPnL: p.realizedPnL,
		TSNs:        t.clock.NowNS(),
	}
}

// Run subscribes to fills.new and drives the rebalance-interval ticker
// until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	sub := t.bus.Subscribe(TopicFillsNew)
	defer sub.Unsubscribe()

	interval := t.cfg.RebalanceInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-sub.C():
			if !ok {
				return nil
			}
			fill, ok := payload.(contracts.FillEvent)
			if !ok {
				continue
			}
			t.applyFill(fill)
			t.maybeRebalance(fill.StrategyID, false)
		case <-ticker.C:
			for _, target := range t.cfg.Targets {
				t.maybeRebalance(target.StrategyID, true)
			}
		}
	}
}

func (t *Tracker) applyFill(fill contracts.FillEvent) {
	t.mu.Lock()
	byStrategy, ok := t.positions[fill.StrategyID]
	if !ok {
		byStrategy = make(map[string]*position)
		t.positions[fill.StrategyID] = byStrategy
	}
	p, ok := byStrategy[fill.Symbol]
	if !ok {
		p = &position{}
		byStrategy[fill.Symbol] = p
	}
	signedQty := fill.Qty
	if fill.Side == contracts.SideSell {
		signedQty = -fill.Qty
	}
	applyAverageCost(p, signedQty, fill.Price)
	t.mu.Unlock()

	snap := t.Snapshot(fill.StrategyID, fill.Symbol)
	if t.bus != nil {
		t.bus.Publish(TopicPositionsSnapshot, snap)
	}
}

// applyAverageCost updates a position's net qty, average entry price, and
// realized PnL for one signed fill: same-direction fills extend the
// average-cost basis, opposite-direction fills realize PnL against the
// existing basis before (if they flip the position) starting a new one.
func applyAverageCost(p *position, signedQty, price float64) {
	switch {
	case p.netQty == 0 || sameSign(p.netQty, signedQty):
		newQty := p.netQty + signedQty
		if newQty != 0 {
			p.avgEntry = (p.avgEntry*absf(p.netQty) + price*absf(signedQty)) / absf(newQty)
		}
		p.netQty = newQty
	default:
		closing := minAbs(p.netQty, signedQty)
		direction := 1.0
		if p.netQty < 0 {
			direction = -1.0
		}
		p.realizedPnL += direction * closing * (price - p.avgEntry)
		p.netQty += signedQty
		if sameSign(p.netQty, signedQty) && absf(signedQty) > absf(closing) {
			// the fill flipped the position past flat; the remainder opens
			// a fresh basis at the fill price.
			p.avgEntry = price
		} else if p.netQty == 0 {
			p.avgEntry = 0
		}
	}
}

func sameSign(a, b float64) bool { return (a >= 0) == (b >= 0) }
func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
func minAbs(a, b float64) float64 {
	if absf(a) < absf(b) {
		return absf(a)
	}
	return absf(b)
}

// maybeRebalance composes and publishes a rebalance plan for strategyID
// if drift exceeds the threshold or the interval has elapsed (forced).
func (t *Tracker) maybeRebalance(strategyID string, forced bool) {
	if strategyID == "" {
		return
	}
	now := t.clock.NowNS()
	t.mu.RLock()
	last := t.lastRebalance[strategyID]
	t.mu.RUnlock()

	interval := t.cfg.RebalanceInterval
	elapsed := interval > 0 && now-last >= interval.Nanoseconds()
	plan := t.rebalancePlan(strategyID)
	if len(plan) == 0 {
		return
	}
	if !forced && !elapsed && !t.driftExceeds(strategyID) {
		return
	}

	t.mu.Lock()
	t.lastRebalance[strategyID] = now
	t.mu.Unlock()

	for _, intent := range plan {
		t.bus.Publish(TopicStratIntent, intent)
	}
}

func (t *Tracker) driftExceeds(strategyID string) bool {
	threshold := t.cfg.DriftThreshold
	if threshold <= 0 {
		return false
	}
	for _, d := range t.drift(strategyID) {
		if absf(d.deltaWeight) > threshold {
			return true
		}
	}
	return false
}

type driftEntry struct {
	symbol      string
	targetQty   float64
	actualQty   float64
	deltaWeight float64
}

// drift computes, per target symbol, the gap between actual and target
// allocation weight. A nil RebalancePriceBook or missing price skips that
// symbol (no reliable valuation to drift against).
func (t *Tracker) drift(strategyID string) []driftEntry {
	if t.cfg.RebalancePriceBook == nil {
		return nil
	}
	t.mu.RLock()
	capital := t.capital[strategyID]
	byStrategy := t.positions[strategyID]
	t.mu.RUnlock()
	if capital <= 0 {
		return nil
	}

	var out []driftEntry
	for _, target := range t.cfg.Targets {
		if target.StrategyID != strategyID {
			continue
		}
		price, ok := t.cfg.RebalancePriceBook.Price(target.Symbol)
		if !ok || price <= 0 {
			continue
		}
		var actualQty float64
		if byStrategy != nil {
			if p, ok := byStrategy[target.Symbol]; ok {
				actualQty = p.netQty
			}
		}
		actualWeight := (actualQty * price) / capital
		targetQty := (target.Weight * capital) / price
		out = append(out, driftEntry{
			symbol:      target.Symbol,
			targetQty:   targetQty,
			actualQty:   actualQty,
			deltaWeight: target.Weight - actualWeight,
		})
	}
	return out
}

// rebalancePlan produces the list of OrderIntents needed to close each
// drift entry for strategyID, tagged meta.source = "rebalancer".
func (t *Tracker) rebalancePlan(strategyID string) []contracts.OrderIntent {
	var plan []contracts.OrderIntent
	now := t.clock.NowNS()
	for _, d := range t.drift(strategyID) {
		deltaQty := d.targetQty - d.actualQty
		if absf(deltaQty) < 1e-9 {
			continue
		}
		side := contracts.SideBuy
		if deltaQty < 0 {
			side = contracts.SideSell
		}
		plan = append(plan, contracts.OrderIntent{
			IntentID:   uuid.NewString(),
			TSNs:       now,
			StrategyID: strategyID,
			Symbol:     d.symbol,
			Side:       side,
			Type:       contracts.OrderTypeMarket,
			Qty:        absf(deltaQty),
			Meta:       contracts.IntentMeta{}.With("source", RebalanceSource),
		})
	}
	return plan
}

// SetCapital records a strategy's total capital base, used to weight
// drift calculations.
func (t *Tracker) SetCapital(strategyID string, capital float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.capital[strategyID] = capital
}
