// Package strategy hosts pluggable trading strategies. Each strategy
// instance is bound to a descriptor (class, input topics, symbols,
// params), receives every bus event whose topic matches its subscribed
// patterns, and returns zero or more OrderIntents for the Host to
// publish on strat.intent. A panicking or error-returning strategy is
// isolated; it never stops the others.
package strategy

import "github.com/blackforestdev/njord-quant/internal/contracts"

// Strategy reacts to one bus event at a time. topic is the concrete
// topic the event arrived on (not the subscription pattern); payload is
// the decoded contracts value (contracts.TradeEvent, contracts.OHLCVBar,
// contracts.PositionSnapshot, ...).
type Strategy interface {
	OnEvent(ctx *Context, topic string, payload any) ([]contracts.OrderIntent, error)
}

// Factory builds a Strategy instance from a descriptor's params.
type Factory func(params map[string]any) (Strategy, error)
