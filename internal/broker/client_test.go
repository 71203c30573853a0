package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackforestdev/njord-quant/internal/bus"
	"github.com/blackforestdev/njord-quant/internal/contracts"
	"github.com/blackforestdev/njord-quant/internal/errtag"
	"github.com/blackforestdev/njord-quant/internal/killswitch"
)

// fakeVenue is an in-memory Venue for exercising the Adapter's retry,
// backoff, idempotent-replay, and safety-gate logic without network I/O.
type fakeVenue struct {
	mu sync.Mutex

	createCalls int
	failures    []error // consumed in order, one per CreateOrder call
	acked       map[string]contracts.BrokerOrderAck
	cancelled   []string

	stateErr error // if set, FetchBalance and FetchOpenOrders both fail
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{acked: make(map[string]contracts.BrokerOrderAck)}
}

func (f *fakeVenue) FetchBalance(ctx context.Context) (map[string]float64, error) {
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	return map[string]float64{"USD": 1000}, nil
}

func (f *fakeVenue) FetchOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	return []OpenOrder{}, nil
}

func (f *fakeVenue) CreateOrder(ctx context.Context, req CreateOrderRequest) (contracts.BrokerOrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.createCalls
	f.createCalls++
	if idx < len(f.failures) && f.failures[idx] != nil {
		return contracts.BrokerOrderAck{}, f.failures[idx]
	}
	ack := contracts.BrokerOrderAck{ClientOrderID: req.ClientOrderID, ExchangeOrderID: "ex-" + req.ClientOrderID}
	f.acked[req.ClientOrderID] = ack
	return ack, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, exchangeOrderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, exchangeOrderID)
	return true, nil
}

func (f *fakeVenue) FetchOrder(ctx context.Context, clientOrderID string) (contracts.BrokerOrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ack, ok := f.acked[clientOrderID]
	if !ok {
		return contracts.BrokerOrderAck{}, errors.New("not found")
	}
	return ack, nil
}

func newTestClient(cfg Config, venue Venue) (*Client, *killswitch.Switch, *bus.Bus) {
	clock := contracts.NewFixedClock(0)
	b := bus.New()
	ks := killswitch.New("", "", killswitch.NewMemoryState(), clock, zerolog.Nop())
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 10 * time.Millisecond
	// Retry backoff sleeps on the client's clock, so the client gets one
	// that advances on its own.
	return NewClient(cfg, venue, ks, contracts.WallClock{}, b, zerolog.Nop()), ks, b
}

func sampleOrder(id string) contracts.OrderEvent {
	return contracts.OrderEvent{ClientOrderID: id, Symbol: "BTCUSD", Side: contracts.SideBuy, Type: contracts.OrderTypeMarket, Qty: 1}
}

func TestDryRunEchoesWithoutTouchingVenue(t *testing.T) {
	venue := newFakeVenue()
	client, _, b := newTestClient(Config{LiveEnabled: true, DryRun: true}, venue)

	echoed := b.Subscribe(TopicBrokerEcho)
	defer echoed.Unsubscribe()

	ack, err := client.Place(context.Background(), sampleOrder("c1"))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if ack.ClientOrderID != "c1" {
		t.Fatalf("ack client_order_id = %q, want c1", ack.ClientOrderID)
	}
	if venue.createCalls != 0 {
		t.Fatalf("dry-run must not call the venue, got %d CreateOrder calls", venue.createCalls)
	}
	select {
	case <-echoed.C():
	default:
		t.Fatalf("expected order echoed to %s", TopicBrokerEcho)
	}
}

func TestLiveDisabledEchoesInsteadOfPlacing(t *testing.T) {
	venue := newFakeVenue()
	client, _, _ := newTestClient(Config{LiveEnabled: false, DryRun: false}, venue)

	if _, err := client.Place(context.Background(), sampleOrder("c1")); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if venue.createCalls != 0 {
		t.Fatalf("LiveEnabled=false must not touch the venue, got %d calls", venue.createCalls)
	}
}

func TestKillSwitchBlocksLivePlacement(t *testing.T) {
	venue := newFakeVenue()
	client, ks, _ := newTestClient(Config{LiveEnabled: true}, venue)
	if err := ks.Trip(); err != nil {
		t.Fatalf("Trip: %v", err)
	}

	_, err := client.Place(context.Background(), sampleOrder("c1"))
	if err == nil {
		t.Fatalf("expected error when kill-switch tripped")
	}
	if errtag.As(err) != errtag.ReasonHalted {
		t.Fatalf("reason = %v, want %v", errtag.As(err), errtag.ReasonHalted)
	}
	if venue.createCalls != 0 {
		t.Fatalf("tripped kill-switch must not reach the venue")
	}
}

func TestPlaceSucceedsOnFirstAttempt(t *testing.T) {
	venue := newFakeVenue()
	client, _, acks := newTestClient(Config{LiveEnabled: true}, venue)
	ackCh := acks.Subscribe(TopicBrokerAcks)
	defer ackCh.Unsubscribe()

	ack, err := client.Place(context.Background(), sampleOrder("c1"))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if ack.ExchangeOrderID != "ex-c1" {
		t.Fatalf("exchange_order_id = %q", ack.ExchangeOrderID)
	}
	if venue.createCalls != 1 {
		t.Fatalf("expected exactly 1 CreateOrder call, got %d", venue.createCalls)
	}
}

func TestTransientErrorRetriesThenSucceeds(t *testing.T) {
	venue := newFakeVenue()
	venue.failures = []error{
		&ClassifiedError{Reason: errtag.ReasonTransient, Err: errors.New("network blip")},
		&ClassifiedError{Reason: errtag.ReasonTransient, Err: errors.New("network blip")},
	}
	client, _, _ := newTestClient(Config{LiveEnabled: true, MaxAttempts: 5}, venue)

	ack, err := client.Place(context.Background(), sampleOrder("c1"))
	if err != nil {
		t.Fatalf("Place should eventually succeed: %v", err)
	}
	if venue.createCalls != 3 {
		t.Fatalf("expected 3 CreateOrder calls (2 failures + 1 success), got %d", venue.createCalls)
	}
	if ack.ClientOrderID != "c1" {
		t.Fatalf("ack client_order_id = %q", ack.ClientOrderID)
	}
}

func TestPermanentErrorDoesNotRetry(t *testing.T) {
	venue := newFakeVenue()
	venue.failures = []error{
		&ClassifiedError{Reason: errtag.ReasonPermanent, Err: errors.New("bad request")},
	}
	client, _, errs := newTestClient(Config{LiveEnabled: true, MaxAttempts: 5}, venue)
	errCh := errs.Subscribe(TopicBrokerErrors)
	defer errCh.Unsubscribe()

	_, err := client.Place(context.Background(), sampleOrder("c1"))
	if err == nil {
		t.Fatalf("expected error")
	}
	if venue.createCalls != 1 {
		t.Fatalf("permanent error must not retry, got %d calls", venue.createCalls)
	}

	select {
	case payload := <-errCh.C():
		errMap := payload.(map[string]any)
		if errMap["reason"] != string(errtag.ReasonPermanent) {
			t.Fatalf("published reason = %v, want %v", errMap["reason"], errtag.ReasonPermanent)
		}
	default:
		t.Fatalf("expected an error published to %s", TopicBrokerErrors)
	}
}

func TestDuplicateClientIDReplaysExistingAck(t *testing.T) {
	venue := newFakeVenue()
	// Pre-seed the venue as if a prior attempt had already landed.
	venue.acked["c1"] = contracts.BrokerOrderAck{ClientOrderID: "c1", ExchangeOrderID: "ex-c1"}
	venue.failures = []error{
		&ClassifiedError{Reason: errtag.ReasonDuplicateClientID, Err: errors.New("duplicate")},
	}
	client, _, _ := newTestClient(Config{LiveEnabled: true}, venue)

	ack, err := client.Place(context.Background(), sampleOrder("c1"))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if ack.ExchangeOrderID != "ex-c1" {
		t.Fatalf("expected idempotent replay to return the existing ack, got %+v", ack)
	}
	if venue.createCalls != 1 {
		t.Fatalf("expected exactly 1 CreateOrder attempt before the replay fetch, got %d", venue.createCalls)
	}
}

func TestExhaustsMaxAttemptsOnPersistentTransientError(t *testing.T) {
	venue := newFakeVenue()
	venue.failures = []error{
		&ClassifiedError{Reason: errtag.ReasonTransient, Err: errors.New("down")},
		&ClassifiedError{Reason: errtag.ReasonTransient, Err: errors.New("down")},
		&ClassifiedError{Reason: errtag.ReasonTransient, Err: errors.New("down")},
	}
	client, _, _ := newTestClient(Config{LiveEnabled: true, MaxAttempts: 3}, venue)

	_, err := client.Place(context.Background(), sampleOrder("c1"))
	if err == nil {
		t.Fatalf("expected exhausted-retries error")
	}
	if venue.createCalls != 3 {
		t.Fatalf("expected exactly MaxAttempts=3 CreateOrder calls, got %d", venue.createCalls)
	}
}

func TestRateLimitedHonorsRetryAfterHint(t *testing.T) {
	venue := newFakeVenue()
	venue.failures = []error{
		&ClassifiedError{Reason: errtag.ReasonRateLimited, RetryAfter: 5 * time.Millisecond, Err: errors.New("rate limited")},
	}
	client, _, _ := newTestClient(Config{LiveEnabled: true, BaseDelay: time.Microsecond, MaxAttempts: 3}, venue)

	_, err := client.Place(context.Background(), sampleOrder("c1"))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if venue.createCalls != 2 {
		t.Fatalf("expected retry after honoring Retry-After, got %d calls", venue.createCalls)
	}
}

func TestSyncStateFansOutAcrossSymbols(t *testing.T) {
	venue := newFakeVenue()
	client, _, _ := newTestClient(Config{}, venue)

	balances, orders, err := client.SyncState(context.Background(), []string{"BTC-USD", "ETH-USD"})
	if err != nil {
		t.Fatalf("SyncState: %v", err)
	}
	if balances == nil {
		t.Fatalf("expected a non-nil balances map")
	}
	if _, ok := orders["BTC-USD"]; !ok {
		t.Fatalf("expected an open-orders entry for BTC-USD, got %+v", orders)
	}
	if _, ok := orders["ETH-USD"]; !ok {
		t.Fatalf("expected an open-orders entry for ETH-USD, got %+v", orders)
	}
}

func TestSyncStatePropagatesVenueError(t *testing.T) {
	venue := newFakeVenue()
	venue.stateErr = errors.New("down")
	client, _, _ := newTestClient(Config{}, venue)

	if _, _, err := client.SyncState(context.Background(), []string{"BTC-USD"}); err == nil {
		t.Fatal("expected an error when a venue call fails")
	}
}
