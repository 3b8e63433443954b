package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
sources:
  - name: coingecko
    type: coingecko
    assets:
      STBL: stable-token
oracle:
  updater: "0x1111111111111111111111111111111111111111"
admin:
  bearer_token: secret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7085" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Oracle.Interval.Duration != 30*time.Second {
		t.Fatalf("unexpected interval %s", cfg.Oracle.Interval.Duration)
	}
	if cfg.Oracle.MaxAge.Duration != 2*time.Minute {
		t.Fatalf("unexpected max age %s", cfg.Oracle.MaxAge.Duration)
	}
	if cfg.Oracle.MinFeeds != 1 {
		t.Fatalf("unexpected min feeds %d", cfg.Oracle.MinFeeds)
	}
	if cfg.TokenSymbol != "STBL" {
		t.Fatalf("unexpected symbol %q", cfg.TokenSymbol)
	}
	if cfg.Admin.RateLimit.RequestsPerSecond != 20 || cfg.Admin.RateLimit.Burst != 40 {
		t.Fatalf("unexpected rate limit %+v", cfg.Admin.RateLimit)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeFile(t, "config.yaml", `
listen: ":9000"
symbol: fund
sources:
  - name: manual
    type: manual
    rate: "1.25"
oracle:
  interval: 15s
  max_age: 1m
  min_feeds: 2
  updater: "0x1111111111111111111111111111111111111111"
admin:
  bearer_token: secret
  rate_limit:
    rps: 5
    burst: 10
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Oracle.Interval.Duration != 15*time.Second {
		t.Fatalf("unexpected interval %s", cfg.Oracle.Interval.Duration)
	}
	if cfg.Oracle.MaxAge.Duration != time.Minute {
		t.Fatalf("unexpected max age %s", cfg.Oracle.MaxAge.Duration)
	}
	if cfg.Oracle.MinFeeds != 2 {
		t.Fatalf("unexpected min feeds %d", cfg.Oracle.MinFeeds)
	}
	if cfg.Admin.RateLimit.RequestsPerSecond != 5 || cfg.Admin.RateLimit.Burst != 10 {
		t.Fatalf("unexpected rate limit %+v", cfg.Admin.RateLimit)
	}
}

func TestLoadRejectsMissingSources(t *testing.T) {
	path := writeFile(t, "config.yaml", `
oracle:
  updater: "0x1111111111111111111111111111111111111111"
admin:
  bearer_token: secret
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing sources")
	}
}

func TestLoadRejectsUnknownSourceType(t *testing.T) {
	path := writeFile(t, "config.yaml", `
sources:
  - name: chainlink
    type: chainlink
oracle:
  updater: "0x1111111111111111111111111111111111111111"
admin:
  bearer_token: secret
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown source type")
	}
}

func TestLoadRejectsMissingBearerToken(t *testing.T) {
	path := writeFile(t, "config.yaml", `
sources:
  - name: manual
    type: manual
oracle:
  updater: "0x1111111111111111111111111111111111111111"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing bearer token")
	}
}

func TestLoadParams(t *testing.T) {
	path := writeFile(t, "params.toml", `
[fees]
BaseFeeBps = 400
MaxFeeBps = 900

[breaker]
MinReserveRatioBps = 1500

[reserve]
BaselinePriceWei = "1e18"
`)
	params, err := LoadParams(path)
	if err != nil {
		t.Fatalf("load params: %v", err)
	}
	if params.Fees.BaseFeeBps != 400 {
		t.Fatalf("unexpected base fee %d", params.Fees.BaseFeeBps)
	}
	if params.Fees.MaxFeeBps != 900 {
		t.Fatalf("unexpected max fee %d", params.Fees.MaxFeeBps)
	}
	if params.Breaker.MinReserveRatioBps != 1500 {
		t.Fatalf("unexpected min ratio %d", params.Breaker.MinReserveRatioBps)
	}
	if params.Breaker.RequiredApprovals != 3 {
		t.Fatalf("defaults not applied: approvals %d", params.Breaker.RequiredApprovals)
	}
	if params.Reserve.BaselinePriceWei != "1e18" {
		t.Fatalf("unexpected baseline %q", params.Reserve.BaselinePriceWei)
	}
}

func TestLoadParamsEmptyPathUsesDefaults(t *testing.T) {
	params, err := LoadParams("")
	if err != nil {
		t.Fatalf("load params: %v", err)
	}
	if params.Fees.BaseFeeBps != 500 {
		t.Fatalf("unexpected default base fee %d", params.Fees.BaseFeeBps)
	}
	if params.Oracle.TwapWindowSize != 12 {
		t.Fatalf("unexpected default window %d", params.Oracle.TwapWindowSize)
	}
}
