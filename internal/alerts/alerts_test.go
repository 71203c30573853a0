package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackforestdev/njord-quant/internal/bus"
	"github.com/blackforestdev/njord-quant/internal/contracts"
	"github.com/blackforestdev/njord-quant/internal/killswitch"
)

func TestNewNotifierDisabled(t *testing.T) {
	n := NewNotifier("", "")
	if n.Enabled() {
		t.Fatal("expected disabled notifier with empty credentials")
	}
}

func TestSendDisabled(t *testing.T) {
	n := NewNotifier("", "")
	if err := n.Send(context.Background(), "test"); err != nil {
		t.Fatalf("disabled send should succeed silently: %v", err)
	}
}

func TestSendSuccess(t *testing.T) {
	var receivedText string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedText = r.URL.Query().Get("text")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer server.Close()

	n := &Notifier{botToken: "t", chatID: "c", httpClient: server.Client(), enabled: true, baseURL: server.URL}
	if err := n.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if receivedText != "hello" {
		t.Errorf("expected text=hello, got %s", receivedText)
	}
}

func TestDispatcherFiresOnRiskDenial(t *testing.T) {
	b := bus.New()
	ks := killswitch.New(t.TempDir()+"/kill", "kill", killswitch.NewMemoryState(), contracts.NewFixedClock(0), zerolog.Nop())
	d := NewDispatcher(b, contracts.NewFixedClock(1000), ks, nil, zerolog.Nop())
	d.pollInterval = time.Hour

	sub := b.Subscribe(TopicAlertsFired)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	b.Publish("risk.decisions", contracts.RiskDecision{IntentID: "i1", Allowed: false, Reason: "symbol_not_allowed"})

	select {
	case payload := <-sub.C():
		evt := payload.(Event)
		if evt.Kind != "risk_denied" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for alerts.fired")
	}
}

func TestDispatcherSendsDailyDigestOnInterval(t *testing.T) {
	var receivedText string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedText = r.URL.Query().Get("text")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer server.Close()

	b := bus.New()
	ks := killswitch.New(t.TempDir()+"/kill", "kill", killswitch.NewMemoryState(), contracts.NewFixedClock(0), zerolog.Nop())
	notifier := &Notifier{botToken: "t", chatID: "c", httpClient: server.Client(), enabled: true, baseURL: server.URL}
	d := NewDispatcher(b, contracts.NewFixedClock(1000), ks, notifier, zerolog.Nop())
	d.pollInterval = time.Hour
	d.digestInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	b.Publish("fills.new", contracts.FillEvent{ClientOrderID: "c1"})

	time.Sleep(50 * time.Millisecond)
	if receivedText == "" {
		t.Fatal("expected a daily digest to be forwarded")
	}
}

func TestDispatcherFiresOnKillSwitchTripEdge(t *testing.T) {
	b := bus.New()
	ks := killswitch.New(t.TempDir()+"/kill", "kill", killswitch.NewMemoryState(), contracts.NewFixedClock(0), zerolog.Nop())
	d := NewDispatcher(b, contracts.NewFixedClock(1000), ks, nil, zerolog.Nop())
	d.pollInterval = 5 * time.Millisecond

	sub := b.Subscribe(TopicAlertsFired)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	if err := ks.Trip(); err != nil {
		t.Fatalf("trip: %v", err)
	}

	select {
	case payload := <-sub.C():
		evt := payload.(Event)
		if evt.Kind != "killswitch_tripped" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for alerts.fired")
	}
}
