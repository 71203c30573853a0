package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/blackforestdev/njord-quant/internal/bus"
	"github.com/blackforestdev/njord-quant/internal/contracts"
)

const (
	TopicBrokerOrderUpdates = "broker.order_updates"

	wsReadTimeout       = 90 * time.Second
	wsMaxReconnectWait  = 30 * time.Second
	wsWriteTimeout      = 10 * time.Second

	// pollFallbackInterval is used when no streaming transport is wired
	// (WSURL == "") — user_stream() falls back to REST polling, diffing
	// against the last-seen snapshot to emit only changes.
	pollFallbackInterval = 2 * time.Second
)

// UserStream reconciles venue order state into BrokerOrderUpdate events,
// preferring a streaming transport and falling back to REST polling,
// diffing against a local snapshot so only changed orders are emitted.
type UserStream struct {
	wsURL string
	venue Venue
	bus   *bus.Bus
	clock contracts.Clock
	log   zerolog.Logger

	pollInterval time.Duration

	mu       sync.Mutex
	snapshot map[string]OpenOrder // keyed by exchange_order_id
}

func NewUserStream(wsURL string, venue Venue, b *bus.Bus, clock contracts.Clock, log zerolog.Logger) *UserStream {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	return &UserStream{
		wsURL:        wsURL,
		venue:        venue,
		bus:          b,
		clock:        clock,
		log:          log.With().Str("component", "broker.userstream").Logger(),
		pollInterval: pollFallbackInterval,
		snapshot:     make(map[string]OpenOrder),
	}
}

// Run blocks until ctx is cancelled, maintaining a live reconciliation
// loop: streaming transport if wsURL is set, REST-diff polling otherwise.
// The streaming path reconnects with exponential backoff on failure; the
// polling path logs a failed fetch and tries again on its next tick.
func (u *UserStream) Run(ctx context.Context) error {
	if u.wsURL == "" {
		return u.pollLoop(ctx)
	}
	return u.streamLoop(ctx)
}

func (u *UserStream) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(u.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			orders, err := u.venue.FetchOpenOrders(ctx, "")
			if err != nil {
				u.log.Warn().Err(err).Msg("userstream: poll fetch failed")
				continue
			}
			u.diffAndEmit(orders)
		}
	}
}

func (u *UserStream) streamLoop(ctx context.Context) error {
	backoff := time.Second
	for {
		err := u.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		u.log.Warn().Err(err).Dur("backoff", backoff).Msg("userstream: disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

func (u *UserStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.wsURL, nil)
	if err != nil {
		return fmt.Errorf("userstream: dial: %w", err)
	}
	defer conn.Close()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("userstream: read: %w", err)
		}
		var update contracts.BrokerOrderUpdate
		if err := json.Unmarshal(msg, &update); err != nil {
			u.log.Debug().Err(err).Msg("userstream: ignoring unparseable ws message")
			continue
		}
		u.emit(update)
	}
}

// diffAndEmit compares a freshly fetched snapshot against the previous one
// and emits a BrokerOrderUpdate only for orders whose status or filled_qty
// changed since the last poll.
func (u *UserStream) diffAndEmit(orders []OpenOrder) {
	u.mu.Lock()
	defer u.mu.Unlock()

	seen := make(map[string]bool, len(orders))
	for _, o := range orders {
		seen[o.ExchangeOrderID] = true
		prev, ok := u.snapshot[o.ExchangeOrderID]
		if ok && prev.Status == o.Status && prev.FilledQty == o.FilledQty {
			continue
		}
		u.snapshot[o.ExchangeOrderID] = o
		u.emitLocked(contracts.BrokerOrderUpdate{
			ExchangeOrderID: o.ExchangeOrderID,
			Status:          o.Status,
			FilledQty:       o.FilledQty,
			TSNs:            u.clock.NowNS(),
		})
	}
	for id, prev := range u.snapshot {
		if !seen[id] && prev.Status != contracts.OrderStatusFilled && prev.Status != contracts.OrderStatusCancelled {
			// disappeared from the open-orders set without a terminal status
			// we previously observed: treat as cancelled.
			prev.Status = contracts.OrderStatusCancelled
			u.snapshot[id] = prev
			u.emitLocked(contracts.BrokerOrderUpdate{
				ExchangeOrderID: id,
				Status:          contracts.OrderStatusCancelled,
				FilledQty:       prev.FilledQty,
				TSNs:            u.clock.NowNS(),
			})
		}
	}
}

func (u *UserStream) emit(update contracts.BrokerOrderUpdate) {
	u.mu.Lock()
	u.emitLocked(update)
	u.mu.Unlock()
}

func (u *UserStream) emitLocked(update contracts.BrokerOrderUpdate) {
	if u.bus != nil {
		u.bus.Publish(TopicBrokerOrderUpdates, update)
	}
}
