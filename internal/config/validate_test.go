package config

import "testing"

func TestValidateRejectsUnknownEnv(t *testing.T) {
	cfg := Default()
	cfg.App.Env = "staging"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an unrecognized app.env")
	}
}

func TestValidateRejectsNegativeCaps(t *testing.T) {
	cfg := Default()
	cfg.Risk.PositionCapUSD = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a negative risk.position_cap_usd")
	}
}

func TestValidatePortfolioRequiresWeightsSumToOne(t *testing.T) {
	cfg := Default()
	cfg.Portfolio.Targets = []PortfolioTargetSection{
		{StrategyID: "s1", Symbol: "BTC-USD", Weight: 0.5},
		{StrategyID: "s1", Symbol: "ETH-USD", Weight: 0.3},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when a strategy's target weights do not sum to 1")
	}

	cfg.Portfolio.Targets[1].Weight = 0.5
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error once weights sum to 1: %v", err)
	}
}

func TestValidatePortfolioToleratesEpsilon(t *testing.T) {
	cfg := Default()
	cfg.Portfolio.Targets = []PortfolioTargetSection{
		{StrategyID: "s1", Symbol: "BTC-USD", Weight: 1 + weightEpsilon/2},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected sums within epsilon to be accepted: %v", err)
	}
}

func TestValidateRejectsMissingRequiredSecret(t *testing.T) {
	cfg := Default()
	cfg.RequiredSecrets = []string{"broker_api_key"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a missing required secret")
	}

	cfg.Secrets = map[string]string{"broker_api_key": "shh"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error once the secret is present: %v", err)
	}
}

func TestValidateAcceptsDefault(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("expected the default config to validate cleanly: %v", err)
	}
}
