// Package killswitch implements njord's dual-sourced, latching kill switch
// (spec §4.D): tripped = sentinel-file-exists OR shared-state-key-set.
// Observing Tripped is cheap — a ≤1s-stale cache backed by an fsnotify
// watch on the sentinel path for immediate reaction to file-based trips.
package killswitch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/blackforestdev/njord-quant/internal/contracts"
)

// SharedState is the minimal key-value interface the kill switch (and the
// Bus, per §6) consume. MemoryState is a substitutable in-memory fake for
// tests and single-node deployments without a real shared-state backend.
type SharedState interface {
	Get(key string) (bool, error)
	Set(key string, value bool) error
}

// MemoryState is an in-memory SharedState fake.
type MemoryState struct {
	mu sync.Mutex
	m  map[string]bool
}

func NewMemoryState() *MemoryState {
	return &MemoryState{m: make(map[string]bool)}
}

func (s *MemoryState) Get(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key], nil
}

func (s *MemoryState) Set(key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

const DefaultCacheTTL = time.Second

// Switch is the dual-sourced latch. Once Tripped returns true, it stays
// true for the process lifetime until Reset is called.
type Switch struct {
	filePath string
	stateKey string
	state    SharedState
	clock    contracts.Clock
	cacheTTL time.Duration
	log      zerolog.Logger

	mu         sync.Mutex
	latched    bool
	cachedAt   int64
	cacheValid bool
	lastResult bool

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(filePath, stateKey string, state SharedState, clock contracts.Clock, log zerolog.Logger) *Switch {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	return &Switch{
		filePath: filePath,
		stateKey: stateKey,
		state:    state,
		clock:    clock,
		cacheTTL: DefaultCacheTTL,
		log:      log.With().Str("component", "killswitch").Logger(),
	}
}

// Tripped reports whether either source is set, serving a cached result
// when it is fresh or already latched.
func (s *Switch) Tripped() bool {
	s.mu.Lock()
	if s.latched {
		s.mu.Unlock()
		return true
	}
	now := s.clock.NowNS()
	if s.cacheValid && now-s.cachedAt < s.cacheTTL.Nanoseconds() {
		result := s.lastResult
		s.mu.Unlock()
		return result
	}
	s.mu.Unlock()

	tripped := s.checkSources()

	s.mu.Lock()
	s.cachedAt = now
	s.cacheValid = true
	s.lastResult = tripped
	if tripped {
		s.latched = true
	}
	s.mu.Unlock()
	return tripped
}

func (s *Switch) checkSources() bool {
	if fileExists(s.filePath) {
		return true
	}
	tripped, err := s.state.Get(s.stateKey)
	if err != nil {
		s.log.Warn().Err(err).Str("state_key", s.stateKey).Msg("killswitch: shared-state read failed, treating as untripped")
		return false
	}
	return tripped
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Trip sets the shared-state source. Operators trip via file creation
// directly; Trip is the programmatic equivalent (e.g. from the CLI).
func (s *Switch) Trip() error {
	if err := s.state.Set(s.stateKey, true); err != nil {
		return fmt.Errorf("killswitch: trip: %w", err)
	}
	s.mu.Lock()
	s.latched = true
	s.lastResult = true
	s.cachedAt = s.clock.NowNS()
	s.mu.Unlock()
	return nil
}

// Reset clears both sources atomically (from the caller's perspective) and
// verifies both are cleared before unlatching.
func (s *Switch) Reset() error {
	if err := os.Remove(s.filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("killswitch: reset: remove sentinel: %w", err)
	}
	if err := s.state.Set(s.stateKey, false); err != nil {
		return fmt.Errorf("killswitch: reset: clear state key: %w", err)
	}

	if fileExists(s.filePath) {
		return fmt.Errorf("killswitch: reset: sentinel file still present after remove")
	}
	stillTripped, err := s.state.Get(s.stateKey)
	if err != nil {
		return fmt.Errorf("killswitch: reset: verify state key: %w", err)
	}
	if stillTripped {
		return fmt.Errorf("killswitch: reset: state key still set after clear")
	}

	s.mu.Lock()
	s.latched = false
	s.lastResult = false
	s.cachedAt = s.clock.NowNS()
	s.cacheValid = true
	s.mu.Unlock()
	return nil
}

// Watch starts an fsnotify watch on the sentinel path's directory so a
// file-based trip latches immediately rather than waiting for the cache
// to go stale. Watch returns once the watcher is established; it runs the
// event loop in a background goroutine until ctx is cancelled or Stop is
// called.
func (s *Switch) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("killswitch: new watcher: %w", err)
	}
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return fmt.Errorf("killswitch: ensure sentinel dir %q: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("killswitch: watch %q: %w", dir, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.watcher = watcher
	s.cancel = cancel

	s.wg.Add(1)
	go s.watchLoop(watchCtx, watcher)
	return nil
}

func (s *Switch) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer s.wg.Done()
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.filePath) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				s.mu.Lock()
				s.latched = true
				s.lastResult = true
				s.cachedAt = s.clock.NowNS()
				s.mu.Unlock()
				s.log.Warn().Str("path", event.Name).Msg("killswitch: sentinel file observed, tripped")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn().Err(err).Msg("killswitch: watcher error")
		}
	}
}

// Stop halts the background watch started by Watch. Safe to call even if
// Watch was never called.
func (s *Switch) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
