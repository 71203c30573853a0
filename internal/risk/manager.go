// Package risk implements the Risk Engine guard chain: every OrderIntent
// is evaluated against six ordered, short-circuiting checks and always
// produces a RiskDecision, and an OrderEvent iff allowed. The engine never
// calls the broker directly — only the Bus.
package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blackforestdev/njord-quant/internal/bus"
	"github.com/blackforestdev/njord-quant/internal/contracts"
	"github.com/blackforestdev/njord-quant/internal/errtag"
	"github.com/blackforestdev/njord-quant/internal/killswitch"
)

const (
	TopicRiskDecisions  = "risk.decisions"
	TopicOrdersAccepted = "orders.accepted"

	DefaultLiveMicroCapUSD = 10.0
	DefaultStaleRefNs      = int64(30) * 1_000_000_000
)

// Config holds the Risk Engine's tunables, sourced from the layered
// config's risk.* keys.
type Config struct {
	AllowedSymbols     []string // empty means every symbol is allowed
	RateCapPerStrategy int
	RateWindowNs       int64
	PositionCapUSD     float64
	LiveMicroCapUSD    float64
	Live               bool // true when this engine gates a live venue
	StaleReferenceNs   int64
}

// PositionProvider exposes the net quantity a strategy currently holds in
// a symbol, consulted for the position-cap guard. Position state is owned
// by the Portfolio Tracker; the Risk Engine never holds it directly.
type PositionProvider interface {
	NetQty(strategyID, symbol string) float64
}

type refPrice struct {
	price float64
	tsNs  int64
}

// Manager is the Risk Engine.
type Manager struct {
	mu sync.Mutex

	cfg        Config
	killSwitch *killswitch.Switch
	clock      contracts.Clock
	positions  PositionProvider
	bus        *bus.Bus
	log        zerolog.Logger

	refPrices map[string]refPrice
	rateLog   map[string][]int64
}

func NewManager(cfg Config, ks *killswitch.Switch, clock contracts.Clock, positions PositionProvider, b *bus.Bus, log zerolog.Logger) *Manager {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	if cfg.LiveMicroCapUSD == 0 {
		cfg.LiveMicroCapUSD = DefaultLiveMicroCapUSD
	}
	if cfg.StaleReferenceNs == 0 {
		cfg.StaleReferenceNs = DefaultStaleRefNs
	}
	return &Manager{
		cfg:        cfg,
		killSwitch: ks,
		clock:      clock,
		positions:  positions,
		bus:        b,
		log:        log.With().Str("component", "risk").Logger(),
		refPrices:  make(map[string]refPrice),
		rateLog:    make(map[string][]int64),
	}
}

// Config returns a copy of the engine's tunables, for callers that need to
// report risk posture (the operator API) without holding guard-chain state.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// UpdateReferencePrice records the last-trade price the MD ingest path has
// observed for symbol, consulted by the position-cap and live-micro-cap
// guards.
func (m *Manager) UpdateReferencePrice(symbol string, price float64, tsNs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refPrices[symbol] = refPrice{price: price, tsNs: tsNs}
}

// Evaluate runs the ordered guard chain against intent, publishing the
// resulting RiskDecision (and OrderEvent, if allowed) on the Bus.
func (m *Manager) Evaluate(intent contracts.OrderIntent) (contracts.RiskDecision, *contracts.OrderEvent) {
	nowNs := m.clock.NowNS()

	if reason, ok := m.deny(intent, nowNs); !ok {
		decision := contracts.RiskDecision{IntentID: intent.IntentID, Allowed: false, Reason: string(reason), TSNs: nowNs}
		m.publishDecision(decision)
		return decision, nil
	}

	decision := contracts.RiskDecision{IntentID: intent.IntentID, Allowed: true, TSNs: nowNs}
	order := contracts.OrderEvent{
		IntentID:      intent.IntentID,
		ClientOrderID: DeriveClientOrderID(intent.IntentID),
		StrategyID:    intent.StrategyID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          intent.Type,
		Qty:           intent.Qty,
		LimitPrice:    intent.LimitPrice,
		TSNs:          nowNs,
		Meta:          intent.Meta,
	}

	m.publishDecision(decision)
	if m.bus != nil {
		m.bus.Publish(TopicOrdersAccepted, order)
	}
	return decision, &order
}

// deny runs the six ordered guards, short-circuiting on first denial:
// kill-switch, symbol allow-list, order-rate cap, position cap,
// live-only notional micro-cap, sanity.
func (m *Manager) deny(intent contracts.OrderIntent, nowNs int64) (errtag.Reason, bool) {
	if m.killSwitch != nil && m.killSwitch.Tripped() {
		return errtag.ReasonHalted, false
	}
	if !m.symbolAllowed(intent.Symbol) {
		return errtag.ReasonSymbolNotAllowed, false
	}
	if !m.checkRate(intent.StrategyID, nowNs) {
		return errtag.ReasonRateCap, false
	}
	positionOK, staleOK := m.checkPositionCap(intent, nowNs)
	if !staleOK {
		return errtag.ReasonStaleReference, false
	}
	if !positionOK {
		return errtag.ReasonPositionCap, false
	}
	if m.cfg.Live {
		microOK, staleOK := m.checkLiveMicroCap(intent, nowNs)
		if !staleOK {
			return errtag.ReasonStaleReference, false
		}
		if !microOK {
			return errtag.ReasonLiveMicroCap, false
		}
	}
	if !sane(intent) {
		return errtag.ReasonMalformed, false
	}
	return "", true
}

func sane(intent contracts.OrderIntent) bool {
	if intent.Qty <= 0 {
		return false
	}
	switch intent.Side {
	case contracts.SideBuy, contracts.SideSell:
	default:
		return false
	}
	return true
}

func (m *Manager) symbolAllowed(symbol string) bool {
	if len(m.cfg.AllowedSymbols) == 0 {
		return true
	}
	for _, s := range m.cfg.AllowedSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// checkRate implements the rolling-window order-rate cap: the k-th intent
// within a window of length W is allowed iff k ≤ rate_cap.
func (m *Manager) checkRate(strategyID string, nowNs int64) bool {
	if m.cfg.RateCapPerStrategy <= 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := nowNs - m.cfg.RateWindowNs
	ts := m.rateLog[strategyID]
	i := sort.Search(len(ts), func(i int) bool { return ts[i] >= cutoff })
	ts = ts[i:]

	allowed := len(ts) < m.cfg.RateCapPerStrategy
	ts = append(ts, nowNs)
	m.rateLog[strategyID] = ts
	return allowed
}

func (m *Manager) referencePrice(symbol string, nowNs int64) (float64, bool) {
	m.mu.Lock()
	rp, ok := m.refPrices[symbol]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	if nowNs-rp.tsNs > m.cfg.StaleReferenceNs {
		return 0, false
	}
	return rp.price, true
}

func (m *Manager) checkPositionCap(intent contracts.OrderIntent, nowNs int64) (positionOK, staleOK bool) {
	if m.cfg.PositionCapUSD <= 0 {
		return true, true
	}
	price, ok := m.referencePrice(intent.Symbol, nowNs)
	if !ok {
		return false, false
	}
	var netQty float64
	if m.positions != nil {
		netQty = m.positions.NetQty(intent.StrategyID, intent.Symbol)
	}
	delta := intent.Qty
	if intent.Side == contracts.SideSell {
		delta = -delta
	}
	projected := netQty + delta
	notional := absf(projected) * price
	return notional <= m.cfg.PositionCapUSD, true
}

func (m *Manager) checkLiveMicroCap(intent contracts.OrderIntent, nowNs int64) (microOK, staleOK bool) {
	price, ok := m.referencePrice(intent.Symbol, nowNs)
	if !ok {
		return false, false
	}
	notional := intent.Qty * price
	return notional <= m.cfg.LiveMicroCapUSD, true
}

func (m *Manager) publishDecision(decision contracts.RiskDecision) {
	if m.bus != nil {
		m.bus.Publish(TopicRiskDecisions, decision)
	}
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// DeriveClientOrderID derives a stable, venue-safe client order id from an
// intent_id: the same intent always yields the same id, which is how the
// Broker Adapter detects and idempotently replays duplicate placements.
// The id is "njord-" followed by the first 12 bytes of SHA-256(intentID),
// hex-encoded.
func DeriveClientOrderID(intentID string) string {
	sum := sha256.Sum256([]byte(intentID))
	return "njord-" + hex.EncodeToString(sum[:12])
}
