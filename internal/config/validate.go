package config

import (
	"fmt"
	"math"
	"strings"
)

// weightEpsilon bounds how far a strategy's portfolio target weights may
// drift from summing to 1.0 before Validate rejects the config.
const weightEpsilon = 1e-6

// Validate rejects the process on the conditions called out for startup
// configuration: portfolio weight sums outside [1-ε, 1+ε], negative caps,
// secrets referenced by name but missing from the merged config, and an
// unrecognized app.env. Unknown top-level keys are rejected earlier, by
// Load's UnmarshalExact.
func (c AppConfig) Validate() error {
	if err := c.validateApp(); err != nil {
		return err
	}
	if err := c.validateRisk(); err != nil {
		return err
	}
	if err := c.validateExecution(); err != nil {
		return err
	}
	if err := c.validateJournal(); err != nil {
		return err
	}
	if err := c.validateBroker(); err != nil {
		return err
	}
	if err := c.validatePortfolio(); err != nil {
		return err
	}
	if err := c.validateController(); err != nil {
		return err
	}
	return c.validateSecrets()
}

func (c AppConfig) validateApp() error {
	mode := strings.ToLower(strings.TrimSpace(c.App.Env))
	if mode != "dev" && mode != "paper" && mode != "live" {
		return fmt.Errorf("app.env must be one of dev, paper, live, got %q", c.App.Env)
	}
	return nil
}

func (c AppConfig) validateRisk() error {
	if c.Risk.PositionCapUSD < 0 {
		return fmt.Errorf("risk.position_cap_usd must be >= 0, got %f", c.Risk.PositionCapUSD)
	}
	if c.Risk.LiveMicroCapUSD < 0 {
		return fmt.Errorf("risk.live_micro_cap_usd must be >= 0, got %f", c.Risk.LiveMicroCapUSD)
	}
	if c.Risk.RateCapPerStrategy < 0 {
		return fmt.Errorf("risk.rate_cap_per_strategy must be >= 0, got %d", c.Risk.RateCapPerStrategy)
	}
	if c.Risk.RateWindowS < 0 {
		return fmt.Errorf("risk.rate_window_s must be >= 0, got %s", c.Risk.RateWindowS)
	}
	return nil
}

func (c AppConfig) validateExecution() error {
	model := strings.ToLower(strings.TrimSpace(c.Execution.SlippageModel))
	if model != "linear" && model != "sqrt" {
		return fmt.Errorf("execution.slippage_model must be 'linear' or 'sqrt', got %q", c.Execution.SlippageModel)
	}
	if c.Execution.TWAP.Slices <= 0 {
		return fmt.Errorf("execution.twap.slices must be > 0, got %d", c.Execution.TWAP.Slices)
	}
	if c.Execution.VWAP.LookbackDays <= 0 {
		return fmt.Errorf("execution.vwap.lookback_days must be > 0, got %d", c.Execution.VWAP.LookbackDays)
	}
	if c.Execution.Iceberg.VisibleRatio <= 0 || c.Execution.Iceberg.VisibleRatio > 1 {
		return fmt.Errorf("execution.iceberg.visible_ratio must be within (0,1], got %f", c.Execution.Iceberg.VisibleRatio)
	}
	if c.Execution.POV.TargetPOV <= 0 || c.Execution.POV.TargetPOV > 1 {
		return fmt.Errorf("execution.pov.target_pov must be within (0,1], got %f", c.Execution.POV.TargetPOV)
	}
	return nil
}

func (c AppConfig) validateJournal() error {
	if c.Journal.RotateSizeMB <= 0 {
		return fmt.Errorf("journal.rotate_size_mb must be > 0, got %d", c.Journal.RotateSizeMB)
	}
	if c.Journal.CompressAfterDays < 0 {
		return fmt.Errorf("journal.compress_after_days must be >= 0, got %d", c.Journal.CompressAfterDays)
	}
	return nil
}

func (c AppConfig) validateBroker() error {
	if c.Broker.Timeout < 0 {
		return fmt.Errorf("broker.timeout must be >= 0, got %s", c.Broker.Timeout)
	}
	if c.Broker.MaxAttempts <= 0 {
		return fmt.Errorf("broker.max_attempts must be > 0, got %d", c.Broker.MaxAttempts)
	}
	return nil
}

func (c AppConfig) validateController() error {
	if c.Controller.HealthCheckInterval < 0 {
		return fmt.Errorf("controller.health_check_interval must be >= 0, got %s", c.Controller.HealthCheckInterval)
	}
	if c.Controller.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("controller.max_consecutive_failures must be > 0, got %d", c.Controller.MaxConsecutiveFailures)
	}
	return nil
}

// validatePortfolio groups targets by strategy and requires each group's
// weights to sum to 1 within weightEpsilon — a strategy with no declared
// targets is exempt, it simply does not rebalance.
func (c AppConfig) validatePortfolio() error {
	if c.Portfolio.DriftThreshold < 0 {
		return fmt.Errorf("portfolio.drift_threshold must be >= 0, got %f", c.Portfolio.DriftThreshold)
	}
	sums := map[string]float64{}
	for _, t := range c.Portfolio.Targets {
		if t.Weight < 0 {
			return fmt.Errorf("portfolio target %s/%s weight must be >= 0, got %f", t.StrategyID, t.Symbol, t.Weight)
		}
		sums[t.StrategyID] += t.Weight
	}
	for strategyID, sum := range sums {
		if math.Abs(sum-1) > weightEpsilon {
			return fmt.Errorf("portfolio targets for strategy %q sum to %f, want 1±%g", strategyID, sum, weightEpsilon)
		}
	}
	return nil
}

// validateSecrets confirms every name in RequiredSecrets resolved to a
// non-empty value once the secrets overlay was merged in.
func (c AppConfig) validateSecrets() error {
	for _, name := range c.RequiredSecrets {
		v, ok := c.Secrets[name]
		if !ok || strings.TrimSpace(v) == "" {
			return fmt.Errorf("required secret %q is missing", name)
		}
	}
	return nil
}
