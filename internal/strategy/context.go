package strategy

import (
	"sync"

	"github.com/blackforestdev/njord-quant/internal/bus"
	"github.com/blackforestdev/njord-quant/internal/contracts"
)

// Context is the handle every strategy instance receives: the bus to
// publish intents on, the latest known position per symbol, the latest
// traded price per symbol, and the strategy's own params from its
// descriptor.
type Context struct {
	Bus    *bus.Bus
	Clock  contracts.Clock
	Params map[string]any

	mu        sync.RWMutex
	positions map[string]contracts.PositionSnapshot
	lastPrice map[string]float64
}

func NewContext(b *bus.Bus, clock contracts.Clock, params map[string]any) *Context {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	if params == nil {
		params = map[string]any{}
	}
	return &Context{
		Bus:       b,
		Clock:     clock,
		Params:    params,
		positions: make(map[string]contracts.PositionSnapshot),
		lastPrice: make(map[string]float64),
	}
}

// UpdatePosition records the latest PositionSnapshot for its symbol. The
// Portfolio Tracker publishes these; the Host forwards them here so
// strategies can read current exposure without touching shared memory.
func (c *Context) UpdatePosition(ps contracts.PositionSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[ps.Symbol] = ps
}

func (c *Context) Position(symbol string) (contracts.PositionSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ps, ok := c.positions[symbol]
	return ps, ok
}

func (c *Context) UpdateLastPrice(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPrice[symbol] = price
}

func (c *Context) LastPrice(symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.lastPrice[symbol]
	return p, ok
}

func (c *Context) ParamFloat(key string, def float64) float64 {
	if v, ok := c.Params[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return def
}

func (c *Context) ParamInt(key string, def int) int {
	if v, ok := c.Params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return def
}

func (c *Context) ParamString(key, def string) string {
	if v, ok := c.Params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}
