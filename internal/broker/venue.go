// Package broker implements the venue-facing Broker Adapter (§4.G):
// idempotent order placement, exponential backoff honoring Retry-After,
// user-stream reconciliation, and the two live-placement safety gates.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/blackforestdev/njord-quant/internal/contracts"
	"github.com/blackforestdev/njord-quant/internal/errtag"
)

// CreateOrderRequest is what the Adapter sends a Venue to place an order.
type CreateOrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	Qty           float64
	LimitPrice    *float64
	ClientOrderID string
}

// OpenOrder is a venue-reported resting order.
type OpenOrder struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Status          string
	FilledQty       float64
}

// Venue is the minimal client surface the Adapter consumes (§6 "Venue
// interface (consumed)"). Implementations classify every error into one
// of ClassifiedError's reasons so the Adapter can decide whether to retry.
type Venue interface {
	FetchBalance(ctx context.Context) (map[string]float64, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	CreateOrder(ctx context.Context, req CreateOrderRequest) (contracts.BrokerOrderAck, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) (bool, error)
	FetchOrder(ctx context.Context, clientOrderID string) (contracts.BrokerOrderAck, error)
}

// ClassifiedError tags a Venue error with the reason the Adapter's retry
// loop needs: network-transient, rate-limited (with an optional
// Retry-After hint), duplicate-client-id, or permanent.
type ClassifiedError struct {
	Reason     errtag.Reason
	RetryAfter time.Duration
	Err        error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("broker: %s: %v", e.Reason, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

func classify(err error) (errtag.Reason, time.Duration) {
	if ce, ok := err.(*ClassifiedError); ok {
		return ce.Reason, ce.RetryAfter
	}
	return errtag.ReasonPermanent, 0
}
