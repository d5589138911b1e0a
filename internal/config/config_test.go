package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
pairs:
  - base: usdc
    quote: eurc
    max_deviation_bps: 150
    sources:
      - id: ecb
        kind: http
        url: https://example.test/rates
        rate_path: data.rate
      - id: desk
        kind: static
        rate: "0.92"
        weight: 80
protocol:
  custody: "0x00000000000000000000000000000000000000c1"
  fee_bps: 25
compliance:
  profiles:
    - address: "0x00000000000000000000000000000000000000a1"
      tier: standard
      daily_limit: "10000"
roles:
  - capability: breaker.reset
    addresses:
      - "0x00000000000000000000000000000000000000ad"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected debug level, got %s", cfg.Logging.Level)
	}
	if cfg.Aggregation.MinValidSources != 3 || cfg.Aggregation.OutlierThresholdBps != 200 {
		t.Fatalf("unexpected aggregation defaults: %+v", cfg.Aggregation)
	}
	if cfg.Breaker.HaltLevel != "critical" {
		t.Fatalf("unexpected halt level %s", cfg.Breaker.HaltLevel)
	}
	if len(cfg.Pairs) != 1 || cfg.Pairs[0].Label() != "USDC/EURC" {
		t.Fatalf("unexpected pairs: %+v", cfg.Pairs)
	}
	pair := cfg.Pairs[0]
	if pair.TWAPWindow != time.Hour {
		t.Fatalf("expected default twap window, got %s", pair.TWAPWindow)
	}
	if pair.Sources[0].Staleness != 5*time.Minute || pair.Sources[0].Confidence != 90 {
		t.Fatalf("unexpected source defaults: %+v", pair.Sources[0])
	}
	if pair.Sources[1].Weight != 80 {
		t.Fatalf("expected weight 80, got %d", pair.Sources[1].Weight)
	}
	if cfg.Protocol.FeeBps != 25 {
		t.Fatalf("expected fee 25, got %d", cfg.Protocol.FeeBps)
	}
	if got := cfg.Grants()["breaker.reset"]; len(got) != 1 {
		t.Fatalf("unexpected roles: %+v", cfg.Roles)
	}
	if len(cfg.Compliance.Profiles) != 1 || cfg.Compliance.Profiles[0].Tier != "standard" {
		t.Fatalf("unexpected profiles: %+v", cfg.Compliance.Profiles)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Interval != 30*time.Second {
		t.Fatalf("unexpected interval %s", cfg.Scheduler.Interval)
	}
	if cfg.ResolveMaxPoints(0) != 100000 || cfg.ResolveMaxPoints(7) != 7 {
		t.Fatal("unexpected max points resolution")
	}
}

func TestValidateRejectsBadSources(t *testing.T) {
	cases := map[string]string{
		"unknown kind": `
pairs:
  - base: a
    quote: b
    sources:
      - id: x
        kind: carrier-pigeon
`,
		"http without path": `
pairs:
  - base: a
    quote: b
    sources:
      - id: x
        url: https://example.test
`,
		"static without rate": `
pairs:
  - base: a
    quote: b
    sources:
      - id: x
        kind: static
`,
		"duplicate pair": `
pairs:
  - base: a
    quote: b
    sources: [{id: x, kind: static, rate: "1"}]
  - base: A
    quote: B
    sources: [{id: y, kind: static, rate: "1"}]
`,
		"bad custody": `
protocol:
  custody: nope
`,
		"bad fee": `
protocol:
  fee_bps: 10000
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
