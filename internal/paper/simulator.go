// Package paper implements the bar-driven fill simulator (§4.F): the
// authoritative fill source for backtests and live-paper trading.
// Deterministic under a FixedClock — the same bar sequence plus the same
// intents always produces the same fills.
package paper

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blackforestdev/njord-quant/internal/bus"
	"github.com/blackforestdev/njord-quant/internal/contracts"
	"github.com/blackforestdev/njord-quant/internal/execution"
)

// Mode selects how market orders are filled.
type Mode int

const (
	// ModeBacktest fills market orders at the next bar's close.
	ModeBacktest Mode = iota
	// ModeLivePaper fills market orders immediately at the last trade price.
	ModeLivePaper
)

const TopicFillsNew = "fills.new"

type Config struct {
	InitialBalanceUSD float64
	CommissionRate    float64 // fraction of notional, e.g. 0.001 = 10 bps
}

type Snapshot struct {
	InitialBalanceUSD float64
	BalanceUSD        float64
	FeesPaidUSD       float64
	TotalVolumeUSD    float64
	TotalFills        int
}

// Simulator holds one pending order book (awaiting a qualifying bar) per
// symbol, and the running paper account.
type Simulator struct {
	mu sync.Mutex

	cfg      Config
	mode     Mode
	clock    contracts.Clock
	bus      *bus.Bus
	slippage execution.SlippageModel
	log      zerolog.Logger

	sequence int64
	balance  float64
	fees     float64
	volume   float64
	fills    int

	lastTrade map[string]contracts.TradeEvent
	pending   map[string][]contracts.OrderEvent
}

func NewSimulator(cfg Config, mode Mode, clock contracts.Clock, b *bus.Bus, slippage execution.SlippageModel, log zerolog.Logger) *Simulator {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	if cfg.InitialBalanceUSD <= 0 {
		cfg.InitialBalanceUSD = 100000
	}
	return &Simulator{
		cfg:       cfg,
		mode:      mode,
		clock:     clock,
		bus:       b,
		slippage:  slippage,
		log:       log.With().Str("component", "paper").Logger(),
		balance:   cfg.InitialBalanceUSD,
		lastTrade: make(map[string]contracts.TradeEvent),
		pending:   make(map[string][]contracts.OrderEvent),
	}
}

func (s *Simulator) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		InitialBalanceUSD: s.cfg.InitialBalanceUSD,
		BalanceUSD:        s.balance,
		FeesPaidUSD:       s.fees,
		TotalVolumeUSD:    s.volume,
		TotalFills:        s.fills,
	}
}

// OnTrade updates the last-trade cache used for immediate fills in
// ModeLivePaper.
func (s *Simulator) OnTrade(trade contracts.TradeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTrade[trade.Symbol] = trade
}

// OnOrder accepts an authorized OrderEvent. Market orders fill immediately
// in ModeLivePaper (against the last trade price); otherwise every order
// queues for the next bar that closes for its symbol.
func (s *Simulator) OnOrder(order contracts.OrderEvent) ([]contracts.FillEvent, error) {
	if order.Type == contracts.OrderTypeMarket && s.mode == ModeLivePaper {
		s.mu.Lock()
		trade, ok := s.lastTrade[order.Symbol]
		s.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("paper: no last-trade price for %s", order.Symbol)
		}
		fill, err := s.executeAgainst(order, trade.Price, 0)
		if err != nil {
			return nil, err
		}
		s.publish(fill)
		return []contracts.FillEvent{fill}, nil
	}

	s.mu.Lock()
	s.pending[order.Symbol] = append(s.pending[order.Symbol], order)
	s.mu.Unlock()
	return nil, nil
}

// OnBar feeds one closed bar to the simulator, attempting to fill every
// order pending against that symbol.
func (s *Simulator) OnBar(bar contracts.OHLCVBar) []contracts.FillEvent {
	s.mu.Lock()
	orders := s.pending[bar.Symbol]
	s.pending[bar.Symbol] = nil
	s.mu.Unlock()

	var fills []contracts.FillEvent
	var stillPending []contracts.OrderEvent

	for _, order := range orders {
		price, fillable := matchPrice(order, bar)
		if !fillable {
			stillPending = append(stillPending, order)
			continue
		}
		fillPrice := price
		if order.Type == contracts.OrderTypeMarket {
			fillPrice = execution.ApplyDirectional(s.slippage, order.Side, order.Qty, price, bar.Volume)
		}
		fill, err := s.executeAgainst(order, fillPrice, bar.Volume)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", order.Symbol).Msg("paper: order could not fill")
			continue
		}
		s.publish(fill)
		fills = append(fills, fill)
	}

	if len(stillPending) > 0 {
		s.mu.Lock()
		s.pending[bar.Symbol] = append(stillPending, s.pending[bar.Symbol]...)
		s.mu.Unlock()
	}
	return fills
}

// matchPrice implements the market/limit fill rule: market fills at the
// bar close (slippage applied by the caller); limit buy fills if low ≤
// limit, limit sell fills if high ≥ limit, at the limit price. Partial
// fills are not modeled in the baseline — it is all-or-nothing per bar.
func matchPrice(order contracts.OrderEvent, bar contracts.OHLCVBar) (price float64, fillable bool) {
	if order.Type == contracts.OrderTypeMarket {
		return bar.Close, true
	}
	if order.LimitPrice == nil {
		return 0, false
	}
	limit := *order.LimitPrice
	switch order.Side {
	case contracts.SideBuy:
		if bar.Low <= limit {
			return limit, true
		}
	case contracts.SideSell:
		if bar.High >= limit {
			return limit, true
		}
	}
	return 0, false
}

func (s *Simulator) executeAgainst(order contracts.OrderEvent, price, barVolume float64) (contracts.FillEvent, error) {
	if price <= 0 {
		return contracts.FillEvent{}, fmt.Errorf("paper: invalid fill price for %s", order.Symbol)
	}
	notional := order.Qty * price
	commission := notional * s.cfg.CommissionRate

	s.mu.Lock()
	defer s.mu.Unlock()

	if order.Side == contracts.SideBuy {
		s.balance -= notional + commission
	} else {
		s.balance += notional - commission
	}
	s.fees += commission
	s.volume += notional
	s.fills++
	s.sequence++

	return contracts.FillEvent{
		OrderID:       order.ClientOrderID,
		ClientOrderID: order.ClientOrderID,
		StrategyID:    order.StrategyID,
		IntentID:      order.IntentID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Qty:           order.Qty,
		Price:         price,
		Fee:           commission,
		TSNs:          s.clock.NowNS(),
		Meta:          order.Meta,
	}, nil
}

func (s *Simulator) publish(fill contracts.FillEvent) {
	if s.bus != nil {
		s.bus.Publish(TopicFillsNew, fill)
	}
}
