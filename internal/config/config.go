// Package config loads njord's layered AppConfig: a base document, an
// optional environment-specific overlay, and an optional secrets
// overlay, merged with github.com/spf13/viper and strictly validated.
// A single AppConfig is built once at startup and shared read-only
// across every component.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/blackforestdev/njord-quant/internal/errtag"
)

// AppConfig is the top-level, validated configuration shared across the
// process after Load succeeds.
type AppConfig struct {
	App        AppSection        `mapstructure:"app"`
	Redis      RedisSection      `mapstructure:"redis"`
	Risk       RiskSection       `mapstructure:"risk"`
	KillSwitch KillSwitchSection `mapstructure:"killswitch"`
	Execution  ExecutionSection  `mapstructure:"execution"`
	Journal    JournalSection    `mapstructure:"journal"`
	Broker     BrokerSection     `mapstructure:"broker"`
	Strategies []StrategySection `mapstructure:"strategies"`
	Portfolio  PortfolioSection  `mapstructure:"portfolio"`
	Controller ControllerSection `mapstructure:"controller"`
	Telemetry  TelemetrySection  `mapstructure:"telemetry"`
	Alerts     AlertsSection     `mapstructure:"alerts"`
	API        APISection        `mapstructure:"api"`

	// RequiredSecrets names keys that must be present in Secrets once all
	// overlays are merged — e.g. "broker_api_key". Validate rejects the
	// config if any named secret is missing or empty.
	RequiredSecrets []string          `mapstructure:"required_secrets"`
	Secrets         map[string]string `mapstructure:"secrets"`
}

type AppSection struct {
	Env      string `mapstructure:"env"` // dev, paper, live
	LogLevel string `mapstructure:"log_level"`
}

type RedisSection struct {
	URL string `mapstructure:"url"`
}

type RiskSection struct {
	PositionCapUSD     float64       `mapstructure:"position_cap_usd"`
	RateCapPerStrategy int           `mapstructure:"rate_cap_per_strategy"`
	RateWindowS        time.Duration `mapstructure:"rate_window_s"`
	LiveMicroCapUSD    float64       `mapstructure:"live_micro_cap_usd"`
	AllowedSymbols     []string      `mapstructure:"allowed_symbols"`
}

type KillSwitchSection struct {
	FilePath string `mapstructure:"file_path"`
	StateKey string `mapstructure:"state_key"`
}

type ExecutionSection struct {
	SlippageModel string         `mapstructure:"slippage_model"` // linear, sqrt
	TWAP          TWAPSection    `mapstructure:"twap"`
	VWAP          VWAPSection    `mapstructure:"vwap"`
	Iceberg       IcebergSection `mapstructure:"iceberg"`
	POV           POVSection     `mapstructure:"pov"`
}

type TWAPSection struct {
	Slices int `mapstructure:"slices"`
}

type VWAPSection struct {
	LookbackDays int `mapstructure:"lookback_days"`
}

type IcebergSection struct {
	VisibleRatio float64 `mapstructure:"visible_ratio"`
}

type POVSection struct {
	TargetPOV float64 `mapstructure:"target_pov"`
}

type JournalSection struct {
	RotateSizeMB      int    `mapstructure:"rotate_size_mb"`
	CompressAfterDays int    `mapstructure:"compress_after_days"`
	BaseDir           string `mapstructure:"base_dir"`
}

type BrokerSection struct {
	BaseURL     string        `mapstructure:"base_url"`
	WSURL       string        `mapstructure:"ws_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type StrategySection struct {
	Name    string         `mapstructure:"name"`
	Class   string         `mapstructure:"class"`
	Topics  []string       `mapstructure:"topics"`
	Symbols []string       `mapstructure:"symbols"`
	Params  map[string]any `mapstructure:"params"`
}

type PortfolioTargetSection struct {
	StrategyID string  `mapstructure:"strategy_id"`
	Symbol     string  `mapstructure:"symbol"`
	Weight     float64 `mapstructure:"weight"`
}

// StrategyCapitalSection assigns a strategy's capital base, the
// denominator drift weights are computed against (portfolio.Tracker.drift).
// A strategy absent from this list has no capital base and its targets
// never trigger a rebalance (drift is computed as a fraction of capital).
type StrategyCapitalSection struct {
	StrategyID string  `mapstructure:"strategy_id"`
	CapitalUSD float64 `mapstructure:"capital_usd"`
}

type PortfolioSection struct {
	Targets           []PortfolioTargetSection `mapstructure:"targets"`
	Capital           []StrategyCapitalSection `mapstructure:"capital"`
	DriftThreshold    float64                  `mapstructure:"drift_threshold"`
	RebalanceInterval time.Duration            `mapstructure:"rebalance_interval"`
}

type ControllerSection struct {
	HealthCheckInterval    time.Duration `mapstructure:"health_check_interval"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
}

type TelemetrySection struct {
	Enabled bool `mapstructure:"enabled"`
}

// AlertsSection configures the optional Telegram forwarding of
// alerts.fired events; forwarding is active only once NJORD_ENABLE_ALERTS
// is set, BotToken and ChatID are non-empty, and the alerts dispatcher is
// wired by the caller (§6 "optional routing" gate).
type AlertsSection struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// APISection configures the read-only operator HTTP API. Addr is left
// empty to mean "disabled" — cmd/njord only wires the entry when it is set.
type APISection struct {
	Addr string `mapstructure:"addr"`
}

// Default returns the zero-risk, paper-trading baseline every layer
// overlays on top of.
func Default() AppConfig {
	return AppConfig{
		App: AppSection{Env: "dev", LogLevel: "info"},
		Risk: RiskSection{
			RateCapPerStrategy: 10,
			RateWindowS:        10 * time.Second,
			LiveMicroCapUSD:    10,
		},
		Execution: ExecutionSection{
			SlippageModel: "linear",
			TWAP:          TWAPSection{Slices: 4},
			VWAP:          VWAPSection{LookbackDays: 7},
			Iceberg:       IcebergSection{VisibleRatio: 0.1},
			POV:           POVSection{TargetPOV: 0.1},
		},
		Journal: JournalSection{
			RotateSizeMB:      100,
			CompressAfterDays: 7,
			BaseDir:           "var/log/njord",
		},
		Broker: BrokerSection{
			Timeout:     10 * time.Second,
			MaxAttempts: 5,
		},
		Controller: ControllerSection{
			HealthCheckInterval:    10 * time.Second,
			MaxConsecutiveFailures: 3,
		},
	}
}

// Load reads base, merges an optional environment-specific overlay and an
// optional secrets overlay on top, and strictly unmarshals the result:
// unknown keys are rejected (UnmarshalExact), matching the "strict"
// validation requirement. Missing overlay paths are skipped, not errors;
// a missing base is.
func Load(basePath, envOverlayPath, secretsOverlayPath string) (AppConfig, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(basePath)
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("read base config %s: %w", basePath, err)
	}

	for _, overlay := range []string{envOverlayPath, secretsOverlayPath} {
		if overlay == "" {
			continue
		}
		if _, err := os.Stat(overlay); err != nil {
			continue
		}
		ov := viper.New()
		ov.SetConfigFile(overlay)
		if err := ov.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read overlay %s: %w", overlay, err)
		}
		if err := v.MergeConfigMap(ov.AllSettings()); err != nil {
			return cfg, fmt.Errorf("merge overlay %s: %w", overlay, err)
		}
	}

	v.SetEnvPrefix("NJORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.UnmarshalExact(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config (strict, unknown keys rejected): %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errtag.Wrap(errtag.ReasonConfigInvalid, err, "invalid configuration")
	}
	return cfg, nil
}

// LiveEnabled gates live broker placement: app.env must be "live" AND the
// operator has explicitly set NJORD_ENABLE_LIVE — a config file alone can
// never turn on live trading.
func (c AppConfig) LiveEnabled() bool {
	if strings.ToLower(strings.TrimSpace(c.App.Env)) != "live" {
		return false
	}
	v := strings.ToLower(strings.TrimSpace(os.Getenv("NJORD_ENABLE_LIVE")))
	return v == "true" || v == "1"
}

// AlertsEnabled gates Telegram forwarding: NJORD_ENABLE_ALERTS must be set
// AND Alerts.BotToken/ChatID must be configured.
func (c AppConfig) AlertsEnabled() bool {
	if c.Alerts.BotToken == "" || c.Alerts.ChatID == "" {
		return false
	}
	v := strings.ToLower(strings.TrimSpace(os.Getenv("NJORD_ENABLE_ALERTS")))
	return v == "true" || v == "1"
}

// MetricsEnabled gates the telemetry recorder: NJORD_ENABLE_METRICS must be
// set explicitly.
func (c AppConfig) MetricsEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("NJORD_ENABLE_METRICS")))
	return v == "true" || v == "1"
}

// AuditEnabled gates controller session journaling: NJORD_ENABLE_AUDIT must
// be set explicitly.
func (c AppConfig) AuditEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("NJORD_ENABLE_AUDIT")))
	return v == "true" || v == "1"
}
