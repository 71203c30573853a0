package contracts

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Clock is the only source of time every njord component may consult.
// Nothing reads wall-clock time directly (§4.A, §9) so that backtests and
// the simulation harness can replay deterministically under a FixedClock.
type Clock interface {
	NowNS() int64
	Sleep(ctx context.Context, durationNS int64)
}

// WallClock is the production Clock: real time, real sleeps.
type WallClock struct{}

func (WallClock) NowNS() int64 { return time.Now().UnixNano() }

func (WallClock) Sleep(ctx context.Context, durationNS int64) {
	timer := time.NewTimer(time.Duration(durationNS))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// waiter is a single pending Sleep call under FixedClock.
type waiter struct {
	wakeAtNS int64
	seq      int64
	done     chan struct{}
}

type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].wakeAtNS != h[j].wakeAtNS {
		return h[i].wakeAtNS < h[j].wakeAtNS
	}
	return h[i].seq < h[j].seq
}
func (h waiterHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *waiterHeap) Push(x any)   { *h = append(*h, x.(*waiter)) }
func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// FixedClock is a deterministic, manually-advanced Clock for backtests and
// replay. Advance wakes every waiter whose wake time has passed, in
// wake-time order, tie-broken by enqueue order (§4.A).
type FixedClock struct {
	mu      sync.Mutex
	nowNS   int64
	waiters waiterHeap
	seq     int64
}

func NewFixedClock(startNS int64) *FixedClock {
	return &FixedClock{nowNS: startNS}
}

func (c *FixedClock) NowNS() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowNS
}

func (c *FixedClock) Sleep(ctx context.Context, durationNS int64) {
	c.mu.Lock()
	w := &waiter{wakeAtNS: c.nowNS + durationNS, seq: c.seq, done: make(chan struct{})}
	c.seq++
	heap.Push(&c.waiters, w)
	c.mu.Unlock()

	select {
	case <-w.done:
	case <-ctx.Done():
	}
}

// Advance moves the clock forward by durationNS, waking every waiter whose
// wake time has now passed, in order.
func (c *FixedClock) Advance(durationNS int64) {
	c.mu.Lock()
	c.nowNS += durationNS
	var woken []*waiter
	for c.waiters.Len() > 0 && c.waiters[0].wakeAtNS <= c.nowNS {
		w := heap.Pop(&c.waiters).(*waiter)
		woken = append(woken, w)
	}
	c.mu.Unlock()

	for _, w := range woken {
		close(w.done)
	}
}

// PendingWaiters returns the number of sleepers still waiting to be woken.
func (c *FixedClock) PendingWaiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters.Len()
}
