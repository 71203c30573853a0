package config

import (
	"fmt"
	"strings"
)

// ApplyRolloutPhase mutates cfg in place for a named staged-rollout phase,
// layered on top of whatever Load already produced. Supported phases:
//   - paper:      app.env=paper, no live caps touched
//   - shadow:     app.env=live, but NJORD_ENABLE_LIVE is left for the
//     operator to set — LiveEnabled stays false until they do
//   - live-small: app.env=live, risk caps clamped to conservative ceilings
//   - live:       app.env=live, configured caps used as-is
func ApplyRolloutPhase(cfg *AppConfig, phase string) error {
	p := strings.ToLower(strings.TrimSpace(phase))
	if p == "" {
		return nil
	}

	switch p {
	case "paper":
		cfg.App.Env = "paper"
	case "shadow":
		cfg.App.Env = "live"
	case "live-small", "small":
		cfg.App.Env = "live"
		clampMaxFloat(&cfg.Risk.LiveMicroCapUSD, 10)
		clampMaxFloat(&cfg.Risk.PositionCapUSD, 100)
		clampMaxInt(&cfg.Risk.RateCapPerStrategy, 4)
	case "live":
		cfg.App.Env = "live"
	default:
		return fmt.Errorf("unknown rollout phase %q (supported: paper|shadow|live-small|live)", phase)
	}

	return nil
}

func clampMaxFloat(v *float64, max float64) {
	if max <= 0 {
		return
	}
	if *v <= 0 || *v > max {
		*v = max
	}
}

func clampMaxInt(v *int, max int) {
	if max <= 0 {
		return
	}
	if *v <= 0 || *v > max {
		*v = max
	}
}
