package controller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackforestdev/njord-quant/internal/bus"
	"github.com/blackforestdev/njord-quant/internal/contracts"
)

func TestHashConfigIsDeterministic(t *testing.T) {
	h1 := HashConfig([][]byte{[]byte("a"), []byte("b")})
	h2 := HashConfig([][]byte{[]byte("a"), []byte("b")})
	h3 := HashConfig([][]byte{[]byte("a"), []byte("c")})
	if h1 != h2 {
		t.Fatalf("expected identical inputs to hash identically")
	}
	if h1 == h3 {
		t.Fatalf("expected different inputs to hash differently")
	}
}

func TestStartLaunchesServicesAndStopCancelsThem(t *testing.T) {
	c := New(Config{}, contracts.NewFixedClock(0), bus.New(), zerolog.Nop())
	started := make(chan struct{}, 1)
	entry := Entry{Name: "svc", Start: func(ctx context.Context) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}}

	if err := c.Start(context.Background(), []Entry{entry}, "deadbeef"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for service to start")
	}

	c.Stop()
}

func TestReloadPublishesControllerReload(t *testing.T) {
	b := bus.New()
	c := New(Config{}, contracts.NewFixedClock(0), b, zerolog.Nop())
	sub := b.Subscribe(TopicControllerReload)

	c.Reload([][]byte{[]byte("cfg")})

	select {
	case payload := <-sub.C():
		rec := payload.(ReloadRecord)
		if rec.ConfigHash != HashConfig([][]byte{[]byte("cfg")}) {
			t.Fatalf("unexpected config hash in reload record: %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for controller.reload")
	}
}

func TestProbeLivenessRestartsAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{HealthCheckInterval: 10 * time.Millisecond, MaxConsecutiveFailures: 2}, contracts.NewFixedClock(0), bus.New(), zerolog.Nop())
	starts := make(chan struct{}, 10)
	entry := Entry{Name: "svc", HealthURL: srv.URL, Start: func(ctx context.Context) error {
		starts <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}}

	if err := c.Start(context.Background(), []Entry{entry}, "hash"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// first start, then a restart after two failed probes
	for i := 0; i < 2; i++ {
		select {
		case <-starts:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for start #%d", i+1)
		}
	}

	c.Stop()
}

func TestResourceStatsArePublishedPeriodically(t *testing.T) {
	b := bus.New()
	c := New(Config{ResourceStatsInterval: 10 * time.Millisecond}, contracts.NewFixedClock(0), b, zerolog.Nop())
	sub := b.Subscribe(TopicTelemetryMetrics)

	entry := Entry{Name: "svc", Start: func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }}
	if err := c.Start(context.Background(), []Entry{entry}, "hash"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case payload := <-sub.C():
		if _, ok := payload.(ResourceStats); !ok {
			t.Fatalf("expected a ResourceStats payload, got %T", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for telemetry.metrics")
	}

	c.Stop()
}
