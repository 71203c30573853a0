// Package controller discovers services from a registry, starts them in
// topological order as supervised children, restarts them after
// consecutive liveness failures, and journals session lifecycle and
// config-hash changes.
package controller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/blackforestdev/njord-quant/internal/bus"
	"github.com/blackforestdev/njord-quant/internal/journal"
)

const (
	TopicControllerReload = "controller.reload"
	TopicTelemetryMetrics = "telemetry.metrics"
)

// ResourceStats is a periodic host-level snapshot published to
// telemetry.metrics alongside per-service health.
type ResourceStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemUsedBytes  uint64  `json:"mem_used_bytes"`
	MemTotalBytes uint64  `json:"mem_total_bytes"`
	TSNs          int64   `json:"ts_ns"`
}

// SessionRecord is the journalled start/stop record for one controller
// session.
type SessionRecord struct {
	SessionID   string   `json:"session_id"`
	Event       string   `json:"event"` // "start" or "stop"
	ConfigHash  string   `json:"config_hash"`
	Services    []string `json:"services"`
	TSNs        int64    `json:"ts_ns"`
}

// ReloadRecord is published on controller.reload after a config reload.
type ReloadRecord struct {
	ConfigHash string `json:"config_hash"`
	TSNs       int64  `json:"ts_ns"`
}

// ChildStatus is the supervisor's view of one running service.
type ChildStatus struct {
	Name              string
	StartedAtNs       int64
	Restarts          int
	ConsecutiveFails  int
	LastError         error
	Healthy           bool
}

// Config tunes liveness probing and restart behaviour.
type Config struct {
	HealthCheckInterval    time.Duration // default 10s
	HealthCheckTimeout     time.Duration // default 2s
	MaxConsecutiveFailures int           // restart after this many; default 3
	ResourceStatsInterval  time.Duration // default 30s, also used when zero or negative
	JournalDir             string
}

// Controller supervises a set of services for the lifetime of one
// session.
type Controller struct {
	cfg     Config
	clock   clockLike
	bus     *bus.Bus
	log     zerolog.Logger
	http    *resty.Client
	journal *journal.Writer

	mu           sync.Mutex
	sessionID    string
	configHash   string
	entries      []Entry
	statuses     map[string]*ChildStatus
	cancels      map[string]context.CancelFunc
	statsCancel  context.CancelFunc
}

// clockLike is the subset of contracts.Clock the controller needs;
// declared locally so this file only depends on NowNS, matching how
// small the controller's use of time really is.
type clockLike interface {
	NowNS() int64
}

func New(cfg Config, clock clockLike, b *bus.Bus, log zerolog.Logger) *Controller {
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 10 * time.Second
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = 2 * time.Second
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.ResourceStatsInterval <= 0 {
		cfg.ResourceStatsInterval = 30 * time.Second
	}
	return &Controller{
		cfg:      cfg,
		clock:    clock,
		bus:      b,
		log:      log.With().Str("component", "controller").Logger(),
		http:     resty.New().SetTimeout(cfg.HealthCheckTimeout),
		statuses: make(map[string]*ChildStatus),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// HashConfig computes the SHA-256 hex digest over the concatenation of
// loaded config file contents, in the order given.
func HashConfig(fileContents [][]byte) string {
	h := sha256.New()
	for _, b := range fileContents {
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Start validates and topologically orders entries, opens the session
// journal, launches every service as a supervised child, and begins
// liveness probing. It does not block: it returns once every service has
// been launched.
func (c *Controller) Start(ctx context.Context, entries []Entry, configHash string) error {
	ordered, err := topoSort(entries)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.entries = ordered
	c.sessionID = uuid.NewString()
	c.configHash = configHash
	c.mu.Unlock()

	if c.cfg.JournalDir != "" {
		w, err := journal.NewWriter(c.cfg.JournalDir, "controller.session", "", wallClockAdapter{c.clock})
		if err != nil {
			return err
		}
		c.journal = w
	}

	names := make([]string, 0, len(ordered))
	for _, e := range ordered {
		names = append(names, e.Name)
	}
	c.recordSession("start", names)

	for _, e := range ordered {
		c.launch(ctx, e)
	}

	if c.cfg.ResourceStatsInterval > 0 {
		statsCtx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.statsCancel = cancel
		c.mu.Unlock()
		go c.publishResourceStats(statsCtx)
	}
	return nil
}

// publishResourceStats periodically snapshots host CPU/memory utilization
// and publishes it to telemetry.metrics alongside per-service health.
func (c *Controller) publishResourceStats(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ResourceStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := readResourceStats(ctx)
			if err != nil {
				c.log.Warn().Err(err).Msg("failed to read host resource stats")
				continue
			}
			stats.TSNs = c.clock.NowNS()
			if c.bus != nil {
				c.bus.Publish(TopicTelemetryMetrics, stats)
			}
		}
	}
}

func readResourceStats(ctx context.Context) (ResourceStats, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return ResourceStats{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return ResourceStats{}, err
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}
	return ResourceStats{
		CPUPercent:    cpuPct,
		MemUsedBytes:  vm.Used,
		MemTotalBytes: vm.Total,
	}, nil
}

// wallClockAdapter lets a clockLike satisfy contracts.Clock's NowNS-only
// needs for the journal writer without importing contracts here.
type wallClockAdapter struct{ clockLike }

func (w wallClockAdapter) Sleep(ctx context.Context, durationNS int64) {
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(durationNS)):
	}
}

func (c *Controller) launch(parent context.Context, e Entry) {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancels[e.Name] = cancel
	c.statuses[e.Name] = &ChildStatus{Name: e.Name, StartedAtNs: c.clock.NowNS(), Healthy: true}
	c.mu.Unlock()

	go c.superviseChild(ctx, e)
	if e.HealthURL != "" {
		go c.probeLiveness(ctx, e)
	}
}

// superviseChild runs e.Start to completion; an error is recorded and,
// unless the context was cancelled (a deliberate stop), the service is
// restarted.
func (c *Controller) superviseChild(ctx context.Context, e Entry) {
	for {
		err := e.Start(ctx)
		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		st := c.statuses[e.Name]
		st.LastError = err
		st.Restarts++
		st.StartedAtNs = c.clock.NowNS()
		c.mu.Unlock()
		if err != nil {
			c.log.Warn().Str("service", e.Name).Err(err).Msg("service exited, restarting")
		}
	}
}

// probeLiveness polls e.HealthURL; on reaching MaxConsecutiveFailures it
// cancels the child's context (which ends its superviseChild loop) and
// launches a fresh copy of the service.
func (c *Controller) probeLiveness(ctx context.Context, e Entry) {
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthy := c.checkHealth(ctx, e.HealthURL)
			c.mu.Lock()
			st := c.statuses[e.Name]
			st.Healthy = healthy
			if healthy {
				st.ConsecutiveFails = 0
			} else {
				st.ConsecutiveFails++
			}
			shouldRestart := st.ConsecutiveFails >= c.cfg.MaxConsecutiveFailures
			c.mu.Unlock()

			if shouldRestart {
				c.log.Warn().Str("service", e.Name).Msg("liveness probe failed repeatedly, restarting")
				c.mu.Lock()
				cancel := c.cancels[e.Name]
				c.mu.Unlock()
				cancel()
				c.launch(context.Background(), e)
				return
			}
		}
	}
}

func (c *Controller) checkHealth(ctx context.Context, url string) bool {
	resp, err := c.http.R().SetContext(ctx).Get(url)
	return err == nil && resp.StatusCode() == 200
}

// Statuses returns a snapshot of every child's supervision state.
func (c *Controller) Statuses() map[string]ChildStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ChildStatus, len(c.statuses))
	for name, st := range c.statuses {
		out[name] = *st
	}
	return out
}

// Reload recomputes the config hash and publishes controller.reload;
// services are expected to refresh their own config from the source on
// receipt, validating before applying.
func (c *Controller) Reload(fileContents [][]byte) {
	hash := HashConfig(fileContents)
	c.mu.Lock()
	c.configHash = hash
	c.mu.Unlock()
	if c.bus != nil {
		c.bus.Publish(TopicControllerReload, ReloadRecord{ConfigHash: hash, TSNs: c.clock.NowNS()})
	}
}

// Stop cancels every child and journals the session end.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.cancels))
	for _, cancel := range c.cancels {
		cancels = append(cancels, cancel)
	}
	statsCancel := c.statsCancel
	names := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		names = append(names, e.Name)
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if statsCancel != nil {
		statsCancel()
	}
	c.recordSession("stop", names)
	if c.journal != nil {
		c.journal.Close()
	}
}

func (c *Controller) recordSession(event string, services []string) {
	if c.journal == nil {
		return
	}
	c.mu.Lock()
	rec := SessionRecord{
		SessionID:  c.sessionID,
		Event:      event,
		ConfigHash: c.configHash,
		Services:   services,
		TSNs:       c.clock.NowNS(),
	}
	c.mu.Unlock()
	if err := c.journal.Append(rec); err != nil {
		c.log.Error().Err(err).Msg("failed to journal session record")
	}
}
