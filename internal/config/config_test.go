package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "dry_run: true\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.DryRun {
		t.Error("dry_run not loaded")
	}
	if cfg.Engine.PollInterval != 60*time.Second {
		t.Errorf("poll_interval = %v, want 60s", cfg.Engine.PollInterval)
	}
	if !cfg.Backtest.InitialCash.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("initial_cash = %s, want 100000", cfg.Backtest.InitialCash)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadDurationFields(t *testing.T) {
	path := writeConfig(t, `
engine:
  poll_interval: 90s
  broker_timeout: 3s
safety:
  duplicate_window: 45s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.PollInterval != 90*time.Second {
		t.Errorf("poll_interval = %v, want 90s", cfg.Engine.PollInterval)
	}
	if cfg.Engine.BrokerTimeout != 3*time.Second {
		t.Errorf("broker_timeout = %v, want 3s", cfg.Engine.BrokerTimeout)
	}
	if cfg.Safety.DuplicateWindow != 45*time.Second {
		t.Errorf("duplicate_window = %v, want 45s", cfg.Safety.DuplicateWindow)
	}
}

func TestLoadDecimalFields(t *testing.T) {
	path := writeConfig(t, `
safety:
  max_position_notional: "15000.50"
  max_position_qty: 200
  daily_loss_limit: 750
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Safety.MaxPositionNotional.Equal(decimal.RequireFromString("15000.50")) {
		t.Errorf("max_position_notional = %s", cfg.Safety.MaxPositionNotional)
	}
	if !cfg.Safety.DailyLossLimit.Equal(decimal.NewFromInt(750)) {
		t.Errorf("daily_loss_limit = %s", cfg.Safety.DailyLossLimit)
	}
	if cfg.Safety.MaxPositionQty != 200 {
		t.Errorf("max_position_qty = %d", cfg.Safety.MaxPositionQty)
	}
}

func TestEnvOverridesCredentials(t *testing.T) {
	path := writeConfig(t, "broker:\n  api_key: from-file\n")
	t.Setenv("TRADER_ALPACA_KEY", "from-env")
	t.Setenv("TRADER_ALPACA_SECRET", "sekrit")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.APIKey != "from-env" {
		t.Errorf("api_key = %q, want env override", cfg.Broker.APIKey)
	}
	if cfg.Broker.APISecret != "sekrit" {
		t.Errorf("api_secret = %q", cfg.Broker.APISecret)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := writeConfig(t, "dry_run: false\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	bad := *cfg
	bad.Engine.PollInterval = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero poll_interval accepted")
	}

	bad = *cfg
	bad.Broker.Paper = false
	bad.Safety.AllowProduction = false
	if err := bad.Validate(); err == nil {
		t.Error("production endpoint without allow_production accepted")
	}

	bad = *cfg
	bad.Logging.Format = "xml"
	if err := bad.Validate(); err == nil {
		t.Error("bogus logging format accepted")
	}
}
