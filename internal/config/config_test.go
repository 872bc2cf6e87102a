package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Clearing.DefaultMaxRateBps != 10000 {
		t.Errorf("default max rate: got %d, want 10000", cfg.Clearing.DefaultMaxRateBps)
	}
	if cfg.Operator.APIKey != "ghost-secret-key" {
		t.Errorf("default API key: got %q", cfg.Operator.APIKey)
	}
	if cfg.Scheduler.SettleSpec != "@every 5m" {
		t.Errorf("settle spec: got %q", cfg.Scheduler.SettleSpec)
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	t.Setenv("JWT_ACCESS_SECRET", "")
	t.Setenv("OPERATOR_ADDRESS", "not-an-address")
	t.Setenv("STORE_DRIVER", "sqlite")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"JWT_ACCESS_SECRET", "OPERATOR_ADDRESS", "STORE_DRIVER"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidate_OK(t *testing.T) {
	t.Setenv("JWT_ACCESS_SECRET", "secret")
	t.Setenv("OPERATOR_ADDRESS", "0x00000000000000000000000000000000000000aa")
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestCollateralPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := "tiers:\n  - {min_score: 0, ratio_bps: 15000}\n  - {min_score: 800, ratio_bps: 12000}\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadCollateralPolicy(path)
	if err != nil {
		t.Fatalf("LoadCollateralPolicy: %v", err)
	}
	if got := p.RatioBps(500); got != 15000 {
		t.Errorf("score 500: got %d bps, want 15000", got)
	}
	if got := p.RatioBps(900); got != 12000 {
		t.Errorf("score 900: got %d bps, want 12000", got)
	}
	if got := p.Required(900, decimal.NewFromInt(100)); !got.Equal(decimal.NewFromInt(120)) {
		t.Errorf("required: got %s, want 120", got)
	}
}

func TestCollateralPolicyFile_Rejected(t *testing.T) {
	cases := map[string]string{
		"rising ratio": "tiers:\n  - {min_score: 0, ratio_bps: 12000}\n  - {min_score: 800, ratio_bps: 15000}\n",
		"below 100%":   "tiers:\n  - {min_score: 0, ratio_bps: 9000}\n",
		"empty":        "tiers: []\n",
		"not yaml":     "tiers: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseCollateralPolicy([]byte(body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
