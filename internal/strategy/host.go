package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blackforestdev/njord-quant/internal/bus"
	"github.com/blackforestdev/njord-quant/internal/contracts"
)

const TopicStratIntent = "strat.intent"
const TopicPositionsSnapshot = "positions.snapshot"

// Descriptor names one configured strategy instance: its class (looked
// up in the Host's registry), the topic patterns it wants dispatched to
// it, the symbols it trades, and its free-form params.
type Descriptor struct {
	Name    string
	Class   string
	Topics  []string
	Symbols []string
	Params  map[string]any
}

type instance struct {
	desc     Descriptor
	strategy Strategy
	ctx      *Context
	subs     []*bus.Subscription
}

// Host loads strategy descriptors, instantiates them against a registry
// of known classes, and dispatches bus events to every matching
// instance, isolating failures per strategy.
type Host struct {
	bus      *bus.Bus
	clock    contracts.Clock
	log      zerolog.Logger
	registry map[string]Factory

	mu        sync.Mutex
	instances []*instance
	cancels   []context.CancelFunc
	wg        sync.WaitGroup
}

func NewHost(b *bus.Bus, clock contracts.Clock, log zerolog.Logger) *Host {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	return &Host{
		bus:      b,
		clock:    clock,
		log:      log.With().Str("component", "strategy.host").Logger(),
		registry: make(map[string]Factory),
	}
}

// Register makes a strategy class available to Load. Built-in classes
// are registered by the caller at startup (see RegisterBuiltins).
func (h *Host) Register(class string, f Factory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registry[class] = f
}

// Load instantiates every descriptor against the registry. An unknown
// class fails Load entirely — a misconfigured strategy is a startup
// error, not a runtime isolation case.
func (h *Host) Load(descriptors []Descriptor) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, d := range descriptors {
		factory, ok := h.registry[d.Class]
		if !ok {
			return fmt.Errorf("strategy %q: unknown class %q", d.Name, d.Class)
		}
		strat, err := factory(d.Params)
		if err != nil {
			return fmt.Errorf("strategy %q: %w", d.Name, err)
		}
		name := d.Name
		if name == "" {
			name = d.Class + "-" + uuid.NewString()[:8]
		}
		d.Name = name
		h.instances = append(h.instances, &instance{
			desc:     d,
			strategy: strat,
			ctx:      NewContext(h.bus, h.clock, d.Params),
		})
	}
	return nil
}

// Run subscribes every loaded instance to its declared topics and
// dispatches events until ctx is cancelled. It returns once every
// dispatch loop has drained.
func (h *Host) Run(ctx context.Context) {
	h.mu.Lock()
	instances := h.instances
	h.mu.Unlock()

	for _, inst := range instances {
		inst := inst
		positionSub := inst.ctx.Bus.Subscribe(TopicPositionsSnapshot)
		inst.subs = append(inst.subs, positionSub)
		h.wg.Add(1)
		go h.watchPositions(ctx, inst, positionSub)

		for _, topic := range inst.desc.Topics {
			sub := h.bus.Subscribe(topic)
			inst.subs = append(inst.subs, sub)
			h.wg.Add(1)
			go h.dispatchLoop(ctx, inst, sub)
		}
	}
	<-ctx.Done()
	for _, inst := range instances {
		for _, sub := range inst.subs {
			sub.Unsubscribe()
		}
	}
	h.wg.Wait()
}

func (h *Host) watchPositions(ctx context.Context, inst *instance, sub *bus.Subscription) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.C():
			if !ok {
				return
			}
			if ps, ok := payload.(contracts.PositionSnapshot); ok {
				inst.ctx.UpdatePosition(ps)
			}
		}
	}
}

func (h *Host) dispatchLoop(ctx context.Context, inst *instance, sub *bus.Subscription) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.C():
			if !ok {
				return
			}
			h.rememberPrice(inst, payload)
			h.invoke(inst, payload)
		}
	}
}

func (h *Host) rememberPrice(inst *instance, payload any) {
	switch v := payload.(type) {
	case contracts.TradeEvent:
		inst.ctx.UpdateLastPrice(v.Symbol, v.Price)
	case contracts.OHLCVBar:
		inst.ctx.UpdateLastPrice(v.Symbol, v.Close)
	}
}

// invoke calls the strategy, recovering from panics so one misbehaving
// strategy never takes down the Host or its siblings.
func (h *Host) invoke(inst *instance, payload any) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Str("strategy", inst.desc.Name).Interface("panic", r).Msg("strategy panicked, isolating")
		}
	}()

	topic := topicOf(payload)
	intents, err := inst.strategy.OnEvent(inst.ctx, topic, payload)
	if err != nil {
		h.log.Warn().Str("strategy", inst.desc.Name).Err(err).Msg("strategy returned error")
		return
	}
	for _, intent := range intents {
		if intent.StrategyID == "" {
			intent.StrategyID = inst.desc.Name
		}
		if intent.IntentID == "" {
			intent.IntentID = uuid.NewString()
		}
		if intent.TSNs == 0 {
			intent.TSNs = h.clock.NowNS()
		}
		h.bus.Publish(TopicStratIntent, intent)
	}
}

func topicOf(payload any) string {
	switch v := payload.(type) {
	case contracts.TradeEvent:
		return "md.trades." + v.Symbol
	case contracts.OHLCVBar:
		return "md.ohlcv." + v.Timeframe + "." + v.Symbol
	case contracts.PositionSnapshot:
		return TopicPositionsSnapshot
	default:
		return ""
	}
}
