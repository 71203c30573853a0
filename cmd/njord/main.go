// Command njord is the wiring entrypoint: it loads the layered config,
// builds every internal component, starts them under the controller, and
// exposes a small operator CLI surface (run, trip, reset, tail) on top of
// the same components.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackforestdev/njord-quant/internal/alerts"
	"github.com/blackforestdev/njord-quant/internal/api"
	"github.com/blackforestdev/njord-quant/internal/bus"
	"github.com/blackforestdev/njord-quant/internal/config"
	"github.com/blackforestdev/njord-quant/internal/contracts"
	"github.com/blackforestdev/njord-quant/internal/controller"
	"github.com/blackforestdev/njord-quant/internal/errtag"
	"github.com/blackforestdev/njord-quant/internal/execution"
	"github.com/blackforestdev/njord-quant/internal/feed"
	"github.com/blackforestdev/njord-quant/internal/journal"
	"github.com/blackforestdev/njord-quant/internal/killswitch"
	"github.com/blackforestdev/njord-quant/internal/paper"
	"github.com/blackforestdev/njord-quant/internal/portfolio"
	"github.com/blackforestdev/njord-quant/internal/risk"
	"github.com/blackforestdev/njord-quant/internal/strategy"
	"github.com/blackforestdev/njord-quant/internal/telemetry"
)

// Exit codes per the CLI surface: 0 success, 2 usage error, 3 validation
// error, 4 runtime error.
const (
	exitOK        = 0
	exitUsage     = 2
	exitValidate  = 3
	exitRuntime   = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: njord <run|trip|reset|tail> [flags]")
		return exitUsage
	}

	cmd := args[0]
	rest := args[1:]

	switch cmd {
	case "run":
		return runDaemon(rest)
	case "trip":
		return runKillSwitchCmd(rest, true)
	case "reset":
		return runKillSwitchCmd(rest, false)
	case "tail":
		return runTail(rest)
	default:
		fmt.Fprintf(os.Stderr, "usage: njord <run|trip|reset|tail> [flags]; unknown command %q\n", cmd)
		return exitUsage
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// configFlags parses the common config-path flags shared by run/trip/reset.
// Returns a nil FlagSet (after printing usage) on parse failure.
func configFlags(name string, args []string) (base, env, secrets string, fs *flag.FlagSet) {
	fs = newFlagSet(name)
	basePath := fs.String("config", "config/base.yaml", "base config path")
	envPath := fs.String("env-config", "", "environment overlay config path")
	secretsPath := fs.String("secrets", "", "secrets overlay config path")
	if err := fs.Parse(args); err != nil {
		return "", "", "", nil
	}
	return *basePath, *envPath, *secretsPath, fs
}

func loadConfig(basePath, envPath, secretsPath string) (config.AppConfig, int, error) {
	cfg, err := config.Load(basePath, envPath, secretsPath)
	if err != nil {
		if errtag.As(err) == errtag.ReasonConfigInvalid {
			return cfg, exitValidate, err
		}
		return cfg, exitUsage, err
	}
	return cfg, exitOK, nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}

// --- run ---------------------------------------------------------------

func runDaemon(args []string) int {
	basePath, envPath, secretsPath, fs := configFlags("run", args)
	if fs == nil {
		return exitUsage
	}

	cfg, code, err := loadConfig(basePath, envPath, secretsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return code
	}
	log := newLogger(cfg.App.LogLevel)
	log.Info().Str("env", cfg.App.Env).Msg("njord starting")

	b := bus.New()
	clock := contracts.WallClock{}
	ks := killswitch.New(cfg.KillSwitch.FilePath, cfg.KillSwitch.StateKey, killswitch.NewMemoryState(), clock, log)

	prices := newMemPriceBook()

	targets := make([]portfolio.Target, 0, len(cfg.Portfolio.Targets))
	for _, t := range cfg.Portfolio.Targets {
		targets = append(targets, portfolio.Target{StrategyID: t.StrategyID, Symbol: t.Symbol, Weight: t.Weight})
	}
	portfolioTracker := portfolio.NewTracker(b, clock, portfolio.Config{
		Targets:            targets,
		DriftThreshold:     cfg.Portfolio.DriftThreshold,
		RebalanceInterval:  cfg.Portfolio.RebalanceInterval,
		RebalancePriceBook: prices,
	}, log)
	for _, c := range cfg.Portfolio.Capital {
		portfolioTracker.SetCapital(c.StrategyID, c.CapitalUSD)
	}

	riskMgr := risk.NewManager(risk.Config{
		AllowedSymbols:     cfg.Risk.AllowedSymbols,
		RateCapPerStrategy: cfg.Risk.RateCapPerStrategy,
		RateWindowNs:       cfg.Risk.RateWindowS.Nanoseconds(),
		PositionCapUSD:     cfg.Risk.PositionCapUSD,
		LiveMicroCapUSD:    cfg.Risk.LiveMicroCapUSD,
		Live:               cfg.LiveEnabled(),
		StaleReferenceNs:   risk.DefaultStaleRefNs,
	}, ks, clock, portfolioTracker, b, log)

	var slippage execution.SlippageModel = execution.LinearSlippage{}
	if cfg.Execution.SlippageModel == "sqrt" {
		slippage = execution.SqrtSlippage{}
	}
	paperSim := paper.NewSimulator(paper.Config{InitialBalanceUSD: 100000}, paper.ModeLivePaper, clock, b, slippage, log)

	tradeVolume := newTradeVolumeSource()
	execRouter := execution.NewRouter(clock, b, execution.RouterConfig{
		TWAPSlices:          cfg.Execution.TWAP.Slices,
		IcebergVisibleRatio: cfg.Execution.Iceberg.VisibleRatio,
		POVTargetPOV:        cfg.Execution.POV.TargetPOV,
	}, tradeVolume, log)

	strategyHost := strategy.NewHost(b, clock, log)
	strategy.RegisterBuiltins(strategyHost)
	descriptors := make([]strategy.Descriptor, 0, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		descriptors = append(descriptors, strategy.Descriptor{Name: s.Name, Class: s.Class, Topics: s.Topics, Symbols: s.Symbols, Params: s.Params})
	}
	if err := strategyHost.Load(descriptors); err != nil {
		fmt.Fprintf(os.Stderr, "strategy load: %v\n", err)
		return exitValidate
	}

	telemetryRec, err := telemetry.NewRecorder(b, clock, log, 30*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: %v\n", err)
		return exitRuntime
	}

	notifier := alerts.NewNotifier(cfg.Alerts.BotToken, cfg.Alerts.ChatID)
	alertsDispatcher := alerts.NewDispatcher(b, clock, ks, notifier, log)

	journalDir := ""
	if cfg.AuditEnabled() {
		journalDir = cfg.Journal.BaseDir
	}
	ctrl := controller.New(controller.Config{
		HealthCheckInterval:    cfg.Controller.HealthCheckInterval,
		MaxConsecutiveFailures: cfg.Controller.MaxConsecutiveFailures,
		JournalDir:             journalDir,
	}, clock, b, log)

	feedSymbols := make(map[string]struct{})
	for _, s := range descriptors {
		for _, sym := range s.Symbols {
			feedSymbols[sym] = struct{}{}
		}
	}
	symbols := make([]string, 0, len(feedSymbols))
	for sym := range feedSymbols {
		symbols = append(symbols, sym)
	}
	marketFeed := feed.New(cfg.Broker.WSURL, symbols, b, log)

	entries := []controller.Entry{
		{Name: "killswitch", Start: func(ctx context.Context) error { return runKillSwitchWatch(ctx, ks) }},
		{Name: "market-feed", DependsOn: []string{"killswitch"}, Start: marketFeed.Run},
		{Name: "market-data", DependsOn: []string{"market-feed"}, Start: func(ctx context.Context) error {
			return runMarketDataFeed(ctx, b, paperSim, riskMgr, prices, tradeVolume)
		}},
		{Name: "execution-dispatch", DependsOn: []string{"killswitch"}, Start: func(ctx context.Context) error {
			return runExecutionDispatch(ctx, b, execRouter)
		}},
		{Name: "risk-dispatch", DependsOn: []string{"killswitch"}, Start: func(ctx context.Context) error {
			return runRiskDispatch(ctx, b, riskMgr)
		}},
		{Name: "order-dispatch", DependsOn: []string{"risk-dispatch"}, Start: func(ctx context.Context) error {
			return runOrderDispatch(ctx, b, paperSim, log)
		}},
		{Name: "strategy-host", DependsOn: []string{"market-data"}, Start: func(ctx context.Context) error {
			strategyHost.Run(ctx)
			return ctx.Err()
		}},
		{Name: "portfolio", DependsOn: []string{"order-dispatch"}, Start: portfolioTracker.Run},
	}

	if cfg.MetricsEnabled() {
		entries = append(entries, controller.Entry{Name: "telemetry", Start: telemetryRec.Run})
	}
	if cfg.AlertsEnabled() {
		entries = append(entries, controller.Entry{Name: "alerts", DependsOn: []string{"risk-dispatch"}, Start: alertsDispatcher.Run})
	}
	if cfg.API.Addr != "" {
		positionKeys := make([]api.PositionKey, 0, len(targets))
		for _, t := range targets {
			positionKeys = append(positionKeys, api.PositionKey{StrategyID: t.StrategyID, Symbol: t.Symbol})
		}
		apiServer := api.NewServer(cfg.API.Addr, ks, riskMgr, paperSim, portfolioTracker, positionKeys, log)
		entries = append(entries, controller.Entry{
			Name:      "api",
			DependsOn: []string{"portfolio"},
			Start:     apiServer.Start,
			HealthURL: fmt.Sprintf("http://%s/api/health", apiServer.Addr()),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	baseContents, err := configFileContents(basePath, envPath, secretsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config hash: %v\n", err)
		return exitRuntime
	}
	if err := ctrl.Start(ctx, entries, controller.HashConfig(baseContents)); err != nil {
		fmt.Fprintf(os.Stderr, "controller start: %v\n", err)
		return exitRuntime
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutdown signal received")
	cancel()
	ctrl.Stop()
	return exitOK
}

func configFileContents(paths ...string) ([][]byte, error) {
	out := make([][]byte, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func runKillSwitchWatch(ctx context.Context, ks *killswitch.Switch) error {
	if err := ks.Watch(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	ks.Stop()
	return ctx.Err()
}

func runRiskDispatch(ctx context.Context, b *bus.Bus, riskMgr *risk.Manager) error {
	sub := b.Subscribe(strategy.TopicStratIntent)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-sub.C():
			if !ok {
				return nil
			}
			intent, ok := payload.(contracts.OrderIntent)
			if !ok {
				continue
			}
			if intent.Meta.AlgoType() != "" && intent.Meta.ExecutionID() == "" {
				// a raw algo-tagged parent intent: execution-dispatch slices it,
				// and each resulting slice intent comes back through here on its
				// own with an execution_id set.
				continue
			}
			riskMgr.Evaluate(intent)
		}
	}
}

// runExecutionDispatch routes every raw parent intent tagged with
// meta.algo_type to the matching execution algorithm; each of its sliced
// child intents is resubmitted to strat.intent for risk-dispatch to
// evaluate individually (§4.H, §4.L).
func runExecutionDispatch(ctx context.Context, b *bus.Bus, router *execution.Router) error {
	sub := b.Subscribe(strategy.TopicStratIntent)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-sub.C():
			if !ok {
				return nil
			}
			intent, ok := payload.(contracts.OrderIntent)
			if !ok {
				continue
			}
			if intent.Meta.AlgoType() == "" || intent.Meta.ExecutionID() != "" {
				continue
			}
			router.Dispatch(ctx, intent)
		}
	}
}

func runOrderDispatch(ctx context.Context, b *bus.Bus, sim *paper.Simulator, log zerolog.Logger) error {
	sub := b.Subscribe(risk.TopicOrdersAccepted)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-sub.C():
			if !ok {
				return nil
			}
			order, ok := payload.(contracts.OrderEvent)
			if !ok {
				continue
			}
			if _, err := sim.OnOrder(order); err != nil {
				log.Warn().Err(err).Str("client_order_id", order.ClientOrderID).Msg("paper fill failed")
			}
		}
	}
}

func runMarketDataFeed(ctx context.Context, b *bus.Bus, sim *paper.Simulator, riskMgr *risk.Manager, prices *memPriceBook, volume *tradeVolumeSource) error {
	trades := b.Subscribe("md.trades.*")
	defer trades.Unsubscribe()
	bars := b.Subscribe("md.ohlcv.*")
	defer bars.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-trades.C():
			if !ok {
				return nil
			}
			trade, ok := payload.(contracts.TradeEvent)
			if !ok {
				continue
			}
			sim.OnTrade(trade)
			prices.set(trade.Symbol, trade.Price)
			volume.add(trade.Qty)
			riskMgr.UpdateReferencePrice(trade.Symbol, trade.Price, trade.TSNs)
		case payload, ok := <-bars.C():
			if !ok {
				return nil
			}
			bar, ok := payload.(contracts.OHLCVBar)
			if !ok {
				continue
			}
			sim.OnBar(bar)
			prices.set(bar.Symbol, bar.Close)
		}
	}
}

// memPriceBook is an in-memory portfolio.PriceBook fed by the market-data
// feed's last trade/bar-close prices.
type memPriceBook struct {
	mu sync.RWMutex
	m  map[string]float64
}

func newMemPriceBook() *memPriceBook { return &memPriceBook{m: make(map[string]float64)} }

func (p *memPriceBook) set(symbol string, price float64) {
	p.mu.Lock()
	p.m[symbol] = price
	p.mu.Unlock()
}

func (p *memPriceBook) Price(symbol string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.m[symbol]
	return v, ok
}

// tradeVolumeSource implements execution.VolumeSource from the market-data
// feed's trade stream: every observed trade's qty accumulates until the
// POV executor drains it on its next tick.
type tradeVolumeSource struct {
	mu    sync.Mutex
	total float64
}

func newTradeVolumeSource() *tradeVolumeSource { return &tradeVolumeSource{} }

func (v *tradeVolumeSource) add(qty float64) {
	v.mu.Lock()
	v.total += qty
	v.mu.Unlock()
}

func (v *tradeVolumeSource) VolumeSinceLastTick() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.total
	v.total = 0
	return out
}

// --- trip / reset --------------------------------------------------------

func runKillSwitchCmd(args []string, trip bool) int {
	basePath, envPath, secretsPath, fs := configFlags("trip/reset", args)
	if fs == nil {
		return exitUsage
	}
	cfg, code, err := loadConfig(basePath, envPath, secretsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return code
	}

	log := newLogger(cfg.App.LogLevel)
	ks := killswitch.New(cfg.KillSwitch.FilePath, cfg.KillSwitch.StateKey, killswitch.NewMemoryState(), contracts.WallClock{}, log)

	var opErr error
	if trip {
		opErr = ks.Trip()
	} else {
		opErr = ks.Reset()
	}
	if opErr != nil {
		fmt.Fprintf(os.Stderr, "killswitch: %v\n", opErr)
		return exitRuntime
	}
	fmt.Println("ok")
	return exitOK
}

// --- tail ----------------------------------------------------------------

func runTail(args []string) int {
	fs := newFlagSet("tail")
	baseDir := fs.String("journal-dir", "var/log/njord", "journal base directory")
	symbol := fs.String("symbol", "", "symbol filter, empty for topic-only journals")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: njord tail <topic> [-journal-dir dir] [-symbol sym]")
		return exitUsage
	}
	topic := fs.Arg(0)

	cursor, err := journal.NewReader(*baseDir, topic, *symbol, 0, math.MaxInt64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tail: %v\n", err)
		return exitRuntime
	}
	defer cursor.Close()

	enc := json.NewEncoder(os.Stdout)
	for {
		entry, ok, err := cursor.Next()
		if err != nil {
			fmt.Fprintf(os.Stderr, "tail: %v\n", err)
			return exitRuntime
		}
		if !ok {
			return exitOK
		}
		var v any
		if err := json.Unmarshal(entry.Raw, &v); err != nil {
			fmt.Fprintf(os.Stderr, "tail: malformed record: %v\n", err)
			continue
		}
		enc.Encode(v)
	}
}
