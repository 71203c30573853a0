package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/blackforestdev/njord-quant/internal/bus"
	"github.com/blackforestdev/njord-quant/internal/contracts"
	"github.com/blackforestdev/njord-quant/internal/errtag"
	"github.com/blackforestdev/njord-quant/internal/killswitch"
)

const (
	TopicBrokerEcho   = "broker.echo"
	TopicBrokerAcks   = "broker.acks"
	TopicBrokerErrors = "broker.errors"

	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 5
)

// Config holds the Adapter's retry tunables and the live-placement gate.
// LiveEnabled must already be the AND of config's app.env == "live" and
// the NJORD_ENABLE_LIVE environment variable — the config loader performs
// that AND once at startup; the Adapter only reads the resulting flag.
type Config struct {
	LiveEnabled bool
	DryRun      bool
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Client is the Broker Adapter: two safety gates in front of any live
// placement (kill-switch, then LiveEnabled), idempotent placement via a
// deterministic client_order_id, and exponential backoff on transient
// errors honoring a venue Retry-After hint.
type Client struct {
	cfg        Config
	venue      Venue
	killSwitch *killswitch.Switch
	clock      contracts.Clock
	bus        *bus.Bus
	log        zerolog.Logger
}

func NewClient(cfg Config, venue Venue, ks *killswitch.Switch, clock contracts.Clock, b *bus.Bus, log zerolog.Logger) *Client {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Client{
		cfg:        cfg,
		venue:      venue,
		killSwitch: ks,
		clock:      clock,
		bus:        b,
		log:        log.With().Str("component", "broker").Logger(),
	}
}

// Place submits order, subject to the two safety gates. Dry-run and
// paper/shadow modes never touch the venue: the order is echoed to
// broker.echo (and journaled by whatever subscribes there) instead.
func (c *Client) Place(ctx context.Context, order contracts.OrderEvent) (contracts.BrokerOrderAck, error) {
	if c.killSwitch != nil && c.killSwitch.Tripped() {
		err := errtag.New(errtag.ReasonHalted, "kill-switch tripped, refusing to place %s", order.ClientOrderID)
		c.publishError(order, err)
		return contracts.BrokerOrderAck{}, err
	}

	if c.cfg.DryRun || !c.cfg.LiveEnabled {
		if c.bus != nil {
			c.bus.Publish(TopicBrokerEcho, order)
		}
		return contracts.BrokerOrderAck{ClientOrderID: order.ClientOrderID, TSNs: c.clock.NowNS()}, nil
	}

	ack, err := c.placeWithRetry(ctx, order)
	if err != nil {
		c.publishError(order, err)
		return ack, err
	}
	if c.bus != nil {
		c.bus.Publish(TopicBrokerAcks, ack)
	}
	return ack, nil
}

func (c *Client) placeWithRetry(ctx context.Context, order contracts.OrderEvent) (contracts.BrokerOrderAck, error) {
	req := CreateOrderRequest{
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Qty:           order.Qty,
		LimitPrice:    order.LimitPrice,
		ClientOrderID: order.ClientOrderID,
	}

	delay := c.cfg.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		ack, err := c.venue.CreateOrder(ctx, req)
		if err == nil {
			return ack, nil
		}

		reason, retryAfter := classify(err)
		if reason == errtag.ReasonDuplicateClientID {
			// Idempotent replay: the venue already has this client_order_id;
			// fetch and return its existing ack instead of erroring.
			return c.venue.FetchOrder(ctx, order.ClientOrderID)
		}
		if reason != errtag.ReasonTransient && reason != errtag.ReasonRateLimited {
			return contracts.BrokerOrderAck{}, err
		}

		lastErr = err
		if attempt == c.cfg.MaxAttempts {
			break
		}

		wait := delay
		if retryAfter > wait {
			wait = retryAfter
		}
		if wait > c.cfg.MaxDelay {
			wait = c.cfg.MaxDelay
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("broker: retrying order placement")
		c.clock.Sleep(ctx, wait.Nanoseconds())
		delay *= 2
	}

	return contracts.BrokerOrderAck{}, fmt.Errorf("broker: exhausted %d attempts placing %s: %w", c.cfg.MaxAttempts, order.ClientOrderID, lastErr)
}

// Cancel cancels a resting order by exchange order id.
func (c *Client) Cancel(ctx context.Context, exchangeOrderID string) (bool, error) {
	return c.venue.CancelOrder(ctx, exchangeOrderID)
}

// FetchOpenOrders and FetchBalances pass through to the venue.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	return c.venue.FetchOpenOrders(ctx, symbol)
}

func (c *Client) FetchBalances(ctx context.Context) (map[string]float64, error) {
	return c.venue.FetchBalance(ctx)
}

// SyncState fans out a balance fetch and one open-orders fetch per symbol
// concurrently, returning once all complete or the first failure cancels
// the rest. Used at startup and after a reconnect to rebuild local state
// before resuming order flow.
func (c *Client) SyncState(ctx context.Context, symbols []string) (map[string]float64, map[string][]OpenOrder, error) {
	g, gctx := errgroup.WithContext(ctx)

	var balances map[string]float64
	g.Go(func() error {
		b, err := c.venue.FetchBalance(gctx)
		if err != nil {
			return fmt.Errorf("fetch balances: %w", err)
		}
		balances = b
		return nil
	})

	var mu sync.Mutex
	openOrders := make(map[string][]OpenOrder, len(symbols))
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			orders, err := c.venue.FetchOpenOrders(gctx, symbol)
			if err != nil {
				return fmt.Errorf("fetch open orders for %s: %w", symbol, err)
			}
			mu.Lock()
			openOrders[symbol] = orders
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return balances, openOrders, nil
}

func (c *Client) publishError(order contracts.OrderEvent, err error) {
	if c.bus == nil {
		return
	}
	reason := errtag.As(err)
	if reason == "" {
		reason, _ = classify(err)
	}
	c.bus.Publish(TopicBrokerErrors, map[string]any{
		"client_order_id": order.ClientOrderID,
		"reason":          string(reason),
		"message":         err.Error(),
		"ts_ns":           c.clock.NowNS(),
	})
}
