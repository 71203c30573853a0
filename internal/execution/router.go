package execution

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackforestdev/njord-quant/internal/bus"
	"github.com/blackforestdev/njord-quant/internal/contracts"
)

// RouterConfig supplies the defaults each algorithm falls back to when a
// parent intent's meta doesn't override them.
type RouterConfig struct {
	TWAPSlices          int
	TWAPDuration        time.Duration
	VWAPDuration        time.Duration
	VWAPBuckets         int
	VWAPDivergencePct   float64
	IcebergVisibleRatio float64
	POVTargetPOV        float64
	POVTickInterval     time.Duration
	POVDuration         time.Duration
}

// Router dispatches a parent intent carrying meta.algo_type to the matching
// executor's Run, in its own goroutine, so the dispatch loop that feeds it
// is never blocked for an execution's full duration (§4.H, §4.L wiring).
type Router struct {
	clock  contracts.Clock
	bus    *bus.Bus
	cfg    RouterConfig
	volume VolumeSource
	log    zerolog.Logger
}

func NewRouter(clock contracts.Clock, b *bus.Bus, cfg RouterConfig, volume VolumeSource, log zerolog.Logger) *Router {
	return &Router{clock: clock, bus: b, cfg: cfg, volume: volume, log: log.With().Str("component", "execution.router").Logger()}
}

// Dispatch starts the executor named by parent.Meta.AlgoType() in its own
// goroutine and returns immediately. An intent with an unrecognized
// algo_type is logged and dropped rather than silently placed directly —
// the caller already decided this intent needs slicing.
func (r *Router) Dispatch(ctx context.Context, parent contracts.OrderIntent) {
	switch parent.Meta.AlgoType() {
	case "twap":
		go r.runTWAP(ctx, parent)
	case "vwap":
		go r.runVWAP(ctx, parent)
	case "iceberg":
		go r.runIceberg(ctx, parent)
	case "pov":
		go r.runPOV(ctx, parent)
	default:
		r.log.Warn().Str("algo_type", parent.Meta.AlgoType()).Str("intent_id", parent.IntentID).
			Msg("execution: unrecognized algo_type, dropping parent intent")
	}
}

func (r *Router) runTWAP(ctx context.Context, parent contracts.OrderIntent) {
	slices := r.cfg.TWAPSlices
	if slices <= 0 {
		slices = 4
	}
	dur := r.cfg.TWAPDuration
	if dur <= 0 {
		dur = time.Hour
	}
	exec := NewTWAPExecutor(r.clock, r.bus, nil, r.log)
	if _, err := exec.Run(ctx, parent, TWAPConfig{NumSlices: slices, Duration: dur, OrderType: parent.Type}, parent.LimitPrice); err != nil && ctx.Err() == nil {
		r.log.Warn().Err(err).Str("intent_id", parent.IntentID).Msg("execution: twap run failed")
	}
}

// flatVolumeProfile builds a uniform-weight volume profile spanning
// duration in n buckets — the fallback used when no historical intraday
// volume curve is wired in, still exercising the dynamic-replan machinery
// with an even baseline schedule.
func flatVolumeProfile(duration time.Duration, n int) []VolumeBucket {
	if n <= 0 {
		n = 1
	}
	stepNs := duration.Nanoseconds() / int64(n)
	buckets := make([]VolumeBucket, n)
	for i := range buckets {
		buckets[i] = VolumeBucket{OffsetNs: int64(i) * stepNs, Volume: 1}
	}
	return buckets
}

func (r *Router) runVWAP(ctx context.Context, parent contracts.OrderIntent) {
	dur := r.cfg.VWAPDuration
	if dur <= 0 {
		dur = time.Hour
	}
	buckets := r.cfg.VWAPBuckets
	if buckets <= 0 {
		buckets = 12
	}
	divergence := r.cfg.VWAPDivergencePct
	if divergence <= 0 {
		divergence = DefaultVWAPDivergencePct
	}
	exec := NewVWAPExecutor(r.clock, r.bus, nil, r.log)
	cfg := VWAPConfig{Duration: dur, Profile: flatVolumeProfile(dur, buckets), DivergencePct: divergence, OrderType: parent.Type}
	if _, err := exec.Run(ctx, parent, cfg); err != nil && ctx.Err() == nil {
		r.log.Warn().Err(err).Str("intent_id", parent.IntentID).Msg("execution: vwap run failed")
	}
}

func (r *Router) runIceberg(ctx context.Context, parent contracts.OrderIntent) {
	ratio := r.cfg.IcebergVisibleRatio
	if ratio <= 0 {
		ratio = 0.1
	}
	exec := NewIcebergExecutor(r.clock, r.bus, nil, r.log)
	if _, err := exec.Run(ctx, parent, IcebergConfig{VisibleRatio: ratio, LimitPrice: parent.LimitPrice}); err != nil && ctx.Err() == nil {
		r.log.Warn().Err(err).Str("intent_id", parent.IntentID).Msg("execution: iceberg run failed")
	}
}

func (r *Router) runPOV(ctx context.Context, parent contracts.OrderIntent) {
	if r.volume == nil {
		r.log.Warn().Str("intent_id", parent.IntentID).Msg("execution: pov requires a volume source, dropping parent intent")
		return
	}
	target := r.cfg.POVTargetPOV
	if target <= 0 {
		target = 0.1
	}
	tick := r.cfg.POVTickInterval
	if tick <= 0 {
		tick = time.Second
	}
	dur := r.cfg.POVDuration
	if dur <= 0 {
		dur = time.Hour
	}
	exec := NewPOVExecutor(r.clock, r.bus, nil, r.log)
	cfg := POVConfig{TargetPOV: target, TickInterval: tick, Duration: dur, LimitPrice: parent.LimitPrice}
	if _, err := exec.Run(ctx, parent, cfg, r.volume); err != nil && ctx.Err() == nil {
		r.log.Warn().Err(err).Str("intent_id", parent.IntentID).Msg("execution: pov run failed")
	}
}
