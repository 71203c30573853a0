package execution

import (
	"context"

	"github.com/blackforestdev/njord-quant/internal/bus"
	"github.com/blackforestdev/njord-quant/internal/contracts"
)

// watchFills subscribes to fills.new and feeds every fill whose
// meta.execution_id matches executionID into the tracker, until ctx is
// cancelled. Returns a stop func that unsubscribes and waits for the
// listener goroutine to exit.
func watchFills(ctx context.Context, b *bus.Bus, tracker *Tracker, executionID string) (stop func()) {
	sub := b.Subscribe("fills.new")
	listenCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-listenCtx.Done():
				return
			case payload, ok := <-sub.C():
				if !ok {
					return
				}
				fill, ok := payload.(contracts.FillEvent)
				if !ok || fill.Meta.ExecutionID() != executionID {
					continue
				}
				tracker.ProcessFill(fill)
			}
		}
	}()

	return func() {
		cancel()
		sub.Unsubscribe()
		<-done
	}
}

func cancelIntent(b *bus.Bus, intentID string) {
	if b != nil {
		b.Publish(TopicOrdersCancel, map[string]string{"intent_id": intentID})
	}
}

func submitIntent(b *bus.Bus, intent contracts.OrderIntent) {
	if b != nil {
		b.Publish(TopicStratIntent, intent)
	}
}
