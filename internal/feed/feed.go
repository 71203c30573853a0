// Package feed streams public market data (trades, closed bars) from a
// venue's websocket endpoint onto the bus, reconnecting with backoff the
// same way the broker package's user stream does for private order
// updates.
package feed

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
	topicTradePrefix = "md.trades."
	topicBarPrefix   = "md.ohlcv."

	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second

	// dedupWindow is the minimum rolling window of trade_ids to remember
	// before evicting the oldest, per the dedup invariant.
	dedupWindow = 512
)

// tradeDedup is a bounded ring of recently-seen trade_ids with
// oldest-eviction, guarding against a venue redelivering the same print.
type tradeDedup struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	size  int
}

func newTradeDedup(size int) *tradeDedup {
	return &tradeDedup{seen: make(map[string]struct{}, size), size: size}
}

// seenBefore reports whether tradeID was already observed within the
// window, recording it if not. Empty trade_ids are never deduplicated.
func (d *tradeDedup) seenBefore(tradeID string) bool {
	if tradeID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[tradeID]; ok {
		return true
	}
	d.seen[tradeID] = struct{}{}
	d.order = append(d.order, tradeID)
	if len(d.order) > d.size {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}

// wireMessage is the envelope a venue's market-data stream sends: exactly
// one of Trade or Bar is populated per message.
type wireMessage struct {
	Trade *contracts.TradeEvent `json:"trade,omitempty"`
	Bar   *contracts.OHLCVBar   `json:"bar,omitempty"`
}

// Feed subscribes to a venue's public market-data stream for a fixed set
// of symbols and republishes each trade/bar onto the bus under
// md.trades.<symbol> / md.ohlcv.<symbol>.
type Feed struct {
	wsURL   string
	symbols []string
	bus     *bus.Bus
	log     zerolog.Logger
	dedup   *tradeDedup
}

func New(wsURL string, symbols []string, b *bus.Bus, log zerolog.Logger) *Feed {
	return &Feed{
		wsURL:   wsURL,
		symbols: symbols,
		bus:     b,
		log:     log.With().Str("component", "feed").Logger(),
		dedup:   newTradeDedup(dedupWindow),
	}
}

// Run blocks until ctx is cancelled, reconnecting with exponential backoff
// on any read or dial failure.
func (f *Feed) Run(ctx context.Context) error {
	if f.wsURL == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	backoff := time.Second
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.log.Warn().Err(err).Dur("backoff", backoff).Msg("feed: disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: dial: %w", err)
	}
	defer conn.Close()

	if err := f.subscribe(conn); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			f.log.Debug().Err(err).Msg("feed: ignoring unparseable ws message")
			continue
		}
		f.publish(msg)
	}
}

func (f *Feed) subscribe(conn *websocket.Conn) error {
	if len(f.symbols) == 0 {
		return nil
	}
	return conn.WriteJSON(map[string]any{"type": "subscribe", "symbols": f.symbols})
}

func (f *Feed) publish(msg wireMessage) {
	if f.bus == nil {
		return
	}
	switch {
	case msg.Trade != nil:
		if f.dedup.seenBefore(msg.Trade.TradeID) {
			return
		}
		f.bus.Publish(topicTradePrefix+msg.Trade.Symbol, *msg.Trade)
	case msg.Bar != nil:
		if msg.Bar.Valid() {
			f.bus.Publish(topicBarPrefix+msg.Bar.Symbol, *msg.Bar)
		}
	}
}
