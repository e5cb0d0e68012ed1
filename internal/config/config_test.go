package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
venues:
  - id: alpha
    anchor: true
    ws_url: wss://alpha.example/ws
    rest_url: https://alpha.example
    symbol_style: colon_pair
  - id: beta
    ws_url: wss://beta.example/ws
    rest_url: https://beta.example
    symbol_style: underscore_triple
  - id: gamma
    ws_url: wss://gamma.example/ws
    rest_url: https://gamma.example
    symbol_style: underscore_triple
    quote_overrides:
      USDC: USDT
universe:
  - BTC-USDC-PERP
  - ETH-USDC-PERP
quote_equivalence:
  USDT: USDC
spread:
  elevated_pct: "0.1"
  arbitrage_pct: "0.5"
  arb_dwell_ms: 1000
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if got := cfg.Anchor(); got != "alpha" {
		t.Errorf("anchor = %s, want alpha", got)
	}
	if len(cfg.UniverseIDs()) != 2 {
		t.Errorf("universe size = %d, want 2", len(cfg.UniverseIDs()))
	}
	if cfg.QuoteEquivalence["USDT"] != "USDC" {
		t.Errorf("quote_equivalence = %v", cfg.QuoteEquivalence)
	}

	gamma, ok := cfg.Venue("gamma")
	if !ok {
		t.Fatal("venue gamma missing")
	}
	if gamma.QuoteOverrides["USDC"] != "USDT" {
		t.Errorf("gamma quote_overrides = %v", gamma.QuoteOverrides)
	}

	// Defaults fill in everything not declared in the file.
	if cfg.StaleAfter() != 5*time.Second {
		t.Errorf("stale_after = %v, want 5s", cfg.StaleAfter())
	}
	if cfg.Spread.ArbDwell() != time.Second {
		t.Errorf("arb_dwell = %v, want 1s", cfg.Spread.ArbDwell())
	}
	if cfg.Reconnect.Base() != time.Second || cfg.Reconnect.Cap() != 30*time.Second {
		t.Errorf("reconnect = %v/%v", cfg.Reconnect.Base(), cfg.Reconnect.Cap())
	}
	if cfg.Fanout.ChannelCapacity != 64 {
		t.Errorf("channel_capacity = %d, want 64", cfg.Fanout.ChannelCapacity)
	}
}

func TestLoadUppercasesQuoteTableKeys(t *testing.T) {
	// viper lowercases map keys no matter how the file spells them; the
	// symbol registry looks quote currencies up uppercase.
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for k := range cfg.QuoteEquivalence {
		if k != strings.ToUpper(k) {
			t.Errorf("quote_equivalence key %q not uppercased", k)
		}
	}
	if _, ok := cfg.QuoteEquivalence["USDT"]; !ok {
		t.Errorf("quote_equivalence missing USDT key: %v", cfg.QuoteEquivalence)
	}

	gamma, _ := cfg.Venue("gamma")
	for k := range gamma.QuoteOverrides {
		if k != strings.ToUpper(k) {
			t.Errorf("quote_overrides key %q not uppercased", k)
		}
	}
	if _, ok := gamma.QuoteOverrides["USDC"]; !ok {
		t.Errorf("gamma quote_overrides missing USDC key: %v", gamma.QuoteOverrides)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no venues", func(c *Config) { c.Venues = nil }},
		{"no anchor", func(c *Config) { c.Venues[0].Anchor = false }},
		{"two anchors", func(c *Config) { c.Venues[1].Anchor = true }},
		{"duplicate venue", func(c *Config) { c.Venues[1].ID = "alpha" }},
		{"uppercase venue", func(c *Config) { c.Venues[1].ID = "Beta" }},
		{"bad symbol style", func(c *Config) { c.Venues[1].SymbolStyle = "camel" }},
		{"empty universe", func(c *Config) { c.Universe = nil }},
		{"malformed canonical id", func(c *Config) { c.Universe = []string{"BTCUSDC"} }},
		{"zero capacity", func(c *Config) { c.Fanout.ChannelCapacity = 0 }},
		{"bad backoff", func(c *Config) { c.Reconnect.CapMS = 1; c.Reconnect.BaseMS = 100 }},
		{"attempt cap without window", func(c *Config) { c.Reconnect.AttemptCap = 5; c.Reconnect.AttemptWindowMS = 0 }},
		{"bad scale", func(c *Config) { c.Spread.Scale = 30 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validYAML))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load should fail for a missing file")
	}
}
