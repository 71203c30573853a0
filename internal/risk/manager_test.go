package risk

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/blackforestdev/njord-quant/internal/bus"
	"github.com/blackforestdev/njord-quant/internal/contracts"
	"github.com/blackforestdev/njord-quant/internal/errtag"
	"github.com/blackforestdev/njord-quant/internal/killswitch"
)

type fixedPositions struct {
	netQty float64
}

func (f fixedPositions) NetQty(strategyID, symbol string) float64 { return f.netQty }

func newTestManager(t *testing.T, cfg Config) (*Manager, *killswitch.Switch, *bus.Bus) {
	t.Helper()
	clock := contracts.NewFixedClock(0)
	ks := killswitch.New(t.TempDir()+"/kill", "k", killswitch.NewMemoryState(), clock, zerolog.Nop())
	b := bus.New()
	m := NewManager(cfg, ks, clock, fixedPositions{}, b, zerolog.Nop())
	return m, ks, b
}

func baseIntent() contracts.OrderIntent {
	return contracts.OrderIntent{
		IntentID:   "intent-1",
		StrategyID: "strat-a",
		Symbol:     "BTCUSD",
		Side:       contracts.SideBuy,
		Type:       contracts.OrderTypeMarket,
		Qty:        1,
	}
}

func TestAllowOrderBasic(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	decision, order := m.Evaluate(baseIntent())
	if !decision.Allowed {
		t.Fatalf("expected allowed, got reason %q", decision.Reason)
	}
	if order == nil {
		t.Fatalf("expected an OrderEvent when allowed")
	}
	if order.ClientOrderID != DeriveClientOrderID("intent-1") {
		t.Fatalf("client_order_id = %q", order.ClientOrderID)
	}
}

func TestKillSwitchDeniesWithHalted(t *testing.T) {
	m, ks, _ := newTestManager(t, Config{})
	if err := ks.Trip(); err != nil {
		t.Fatalf("Trip: %v", err)
	}
	decision, order := m.Evaluate(baseIntent())
	if decision.Allowed {
		t.Fatalf("expected denial after kill-switch trip")
	}
	if decision.Reason != string(errtag.ReasonHalted) {
		t.Fatalf("reason = %q, want %q", decision.Reason, errtag.ReasonHalted)
	}
	if order != nil {
		t.Fatalf("expected no OrderEvent when denied")
	}
}

func TestSymbolNotAllowed(t *testing.T) {
	m, _, _ := newTestManager(t, Config{AllowedSymbols: []string{"ETHUSD"}})
	decision, _ := m.Evaluate(baseIntent())
	if decision.Allowed || decision.Reason != string(errtag.ReasonSymbolNotAllowed) {
		t.Fatalf("decision = %+v, want symbol_not_allowed denial", decision)
	}
}

func TestRateCapDeniesAfterLimit(t *testing.T) {
	m, _, _ := newTestManager(t, Config{RateCapPerStrategy: 2, RateWindowNs: int64(60) * 1_000_000_000})
	for i := 0; i < 2; i++ {
		decision, _ := m.Evaluate(baseIntent())
		if !decision.Allowed {
			t.Fatalf("intent %d: expected allowed, got %q", i+1, decision.Reason)
		}
	}
	decision, _ := m.Evaluate(baseIntent())
	if decision.Allowed || decision.Reason != string(errtag.ReasonRateCap) {
		t.Fatalf("3rd intent: decision = %+v, want rate_cap denial", decision)
	}
}

func TestPositionCapDeniesOverProjectedNotional(t *testing.T) {
	clock := contracts.NewFixedClock(0)
	ks := killswitch.New(t.TempDir()+"/kill", "k", killswitch.NewMemoryState(), clock, zerolog.Nop())
	m := NewManager(Config{PositionCapUSD: 100}, ks, clock, fixedPositions{netQty: 0}, bus.New(), zerolog.Nop())
	m.UpdateReferencePrice("BTCUSD", 1000, clock.NowNS())

	intent := baseIntent()
	intent.Qty = 1 // 1 * 1000 = 1000 > 100 cap
	decision, _ := m.Evaluate(intent)
	if decision.Allowed || decision.Reason != string(errtag.ReasonPositionCap) {
		t.Fatalf("decision = %+v, want position_cap denial", decision)
	}
}

func TestStaleReferencePriceDeniesPositionCap(t *testing.T) {
	m, _, _ := newTestManager(t, Config{PositionCapUSD: 100})
	// No UpdateReferencePrice call: reference price is entirely missing.
	decision, _ := m.Evaluate(baseIntent())
	if decision.Allowed || decision.Reason != string(errtag.ReasonStaleReference) {
		t.Fatalf("decision = %+v, want stale_reference denial", decision)
	}
}

func TestLiveMicroCapDeniesSmallLiveOrder(t *testing.T) {
	clock := contracts.NewFixedClock(0)
	ks := killswitch.New(t.TempDir()+"/kill", "k", killswitch.NewMemoryState(), clock, zerolog.Nop())
	m := NewManager(Config{Live: true, LiveMicroCapUSD: 10}, ks, clock, fixedPositions{}, bus.New(), zerolog.Nop())
	m.UpdateReferencePrice("BTCUSD", 1000, clock.NowNS())

	intent := baseIntent()
	intent.Qty = 1 // 1 * 1000 = 1000 > 10 USD live cap
	decision, _ := m.Evaluate(intent)
	if decision.Allowed || decision.Reason != string(errtag.ReasonLiveMicroCap) {
		t.Fatalf("decision = %+v, want live_micro_cap denial", decision)
	}
}

func TestMalformedQtyDeniedLast(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	intent := baseIntent()
	intent.Qty = 0
	decision, _ := m.Evaluate(intent)
	if decision.Allowed || decision.Reason != string(errtag.ReasonMalformed) {
		t.Fatalf("decision = %+v, want malformed denial", decision)
	}
}

func TestRiskDecisionAlwaysPublished(t *testing.T) {
	m, _, b := newTestManager(t, Config{})
	sub := b.Subscribe(TopicRiskDecisions)
	m.Evaluate(baseIntent())
	select {
	case v := <-sub.C():
		d, ok := v.(contracts.RiskDecision)
		if !ok || !d.Allowed {
			t.Fatalf("unexpected decision payload: %+v", v)
		}
	default:
		t.Fatalf("expected a RiskDecision to be published")
	}
}
