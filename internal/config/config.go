// Package config defines all configuration for the spread monitor.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via SPREADMON_* environment variables.
//
// All time-valued knobs are declared in milliseconds (`*_ms`) to match
// the deployment key table; typed accessors convert to time.Duration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"spreadmon/pkg/types"
)

// SymbolStyle names a venue's native symbol encoding. The registry turns
// the style plus the quote tables into concrete mappings; no venue
// format is hard-wired into code paths.
type SymbolStyle string

const (
	StyleColonPair        SymbolStyle = "colon_pair"        // BTC/USDC:PERP
	StyleUnderscoreTriple SymbolStyle = "underscore_triple" // BTC_USDC_PERP
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Venues           []VenueConfig       `mapstructure:"venues"`
	Universe         []string            `mapstructure:"universe"`
	QuoteEquivalence map[string]string   `mapstructure:"quote_equivalence"`
	Freshness        FreshnessConfig     `mapstructure:"freshness"`
	StaleAfterMS     int64               `mapstructure:"stale_after_ms"`
	GraceMS          int64               `mapstructure:"grace_ms"`
	Spread           SpreadConfig        `mapstructure:"spread"`
	Poll             PollConfig          `mapstructure:"poll"`
	Reconnect        ReconnectConfig     `mapstructure:"reconnect"`
	Timeouts         TimeoutConfig       `mapstructure:"timeouts"`
	Fanout           FanoutConfig        `mapstructure:"fanout"`
	API              APIConfig           `mapstructure:"api"`
	Logging          LoggingConfig       `mapstructure:"logging"`
}

// VenueConfig declares one venue: identity, endpoints, symbol
// vocabulary, and whether it is the polling anchor.
type VenueConfig struct {
	ID          string      `mapstructure:"id"`
	Anchor      bool        `mapstructure:"anchor"`
	WSURL       string      `mapstructure:"ws_url"`
	RestURL     string      `mapstructure:"rest_url"`
	SymbolStyle SymbolStyle `mapstructure:"symbol_style"`

	// QuoteOverrides maps a canonical quote currency to the venue's
	// native one, e.g. {USDC: USDT} for a venue that quotes in USDT.
	QuoteOverrides map[string]string `mapstructure:"quote_overrides"`
}

// FreshnessConfig declares the UI tier thresholds. Entries younger than
// GreenMS are green, younger than AmberMS amber, older red. The core
// only reports ages; tiering is data for consumers.
type FreshnessConfig struct {
	GreenMS int64 `mapstructure:"green_ms"`
	AmberMS int64 `mapstructure:"amber_ms"`
}

// SpreadConfig holds the classification thresholds (percent values as
// decimal strings, e.g. "0.5" for 0.5%) and the decimal scale used for
// spread arithmetic.
type SpreadConfig struct {
	ElevatedPct  string `mapstructure:"elevated_pct"`
	ArbitragePct string `mapstructure:"arbitrage_pct"`
	ArbDwellMS   int64  `mapstructure:"arb_dwell_ms"`
	Scale        int32  `mapstructure:"scale"`
}

// PollConfig tunes the snapshot polling controller.
//
//   - IntervalMS: default fetch cadence per armed assignment.
//   - MaxFailuresWindow: consecutive snapshot failures before the
//     assignment switches to the backoff interval.
//   - BackoffMS: the lengthened interval while failing.
//   - RetryBudget: total failures before the assignment is disarmed and
//     the venue reported degraded.
type PollConfig struct {
	IntervalMS        int64 `mapstructure:"interval_ms"`
	MaxFailuresWindow int   `mapstructure:"max_failures_window"`
	BackoffMS         int64 `mapstructure:"backoff_ms"`
	RetryBudget       int   `mapstructure:"retry_budget"`
}

// ReconnectConfig is the multiplexer backoff policy: exponential with
// jitter from BaseMS, capped at CapMS, reset to base after a live
// stretch longer than StabilityMS. AttemptCap handshake failures within
// AttemptWindowMS escalate the venue to the supervisor; zero disables
// escalation.
type ReconnectConfig struct {
	BaseMS          int64 `mapstructure:"base_ms"`
	CapMS           int64 `mapstructure:"cap_ms"`
	StabilityMS     int64 `mapstructure:"stability_ms"`
	AttemptCap      int   `mapstructure:"attempt_cap"`
	AttemptWindowMS int64 `mapstructure:"attempt_window_ms"`
}

// TimeoutConfig declares the network timeouts, each separately tunable.
type TimeoutConfig struct {
	HandshakeMS int64 `mapstructure:"handshake_ms"`
	HeartbeatMS int64 `mapstructure:"heartbeat_ms"`
	RestMS      int64 `mapstructure:"rest_ms"`
}

// FanoutConfig bounds each bus subscriber's delivery channel.
type FanoutConfig struct {
	ChannelCapacity int `mapstructure:"channel_capacity"`
}

// APIConfig controls the health/push HTTP server.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides
// (SPREADMON_ prefix, dots replaced by underscores).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SPREADMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// viper lowercases map keys on unmarshal; quote currencies are
	// uppercase everywhere else, so restore them.
	cfg.QuoteEquivalence = upperKeys(cfg.QuoteEquivalence)
	for i := range cfg.Venues {
		cfg.Venues[i].QuoteOverrides = upperKeys(cfg.Venues[i].QuoteOverrides)
	}

	return &cfg, nil
}

func upperKeys(in map[string]string) map[string]string {
	if len(in) == 0 {
		return in
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// setDefaults installs the deployment defaults. Thresholds follow the
// original monitor's warning/critical levels (0.1% / 0.5%).
func setDefaults(v *viper.Viper) {
	v.SetDefault("freshness.green_ms", 2000)
	v.SetDefault("freshness.amber_ms", 5000)
	v.SetDefault("stale_after_ms", 5000)
	v.SetDefault("grace_ms", 30000)
	v.SetDefault("spread.elevated_pct", "0.1")
	v.SetDefault("spread.arbitrage_pct", "0.5")
	v.SetDefault("spread.arb_dwell_ms", 1000)
	v.SetDefault("spread.scale", 8)
	v.SetDefault("poll.interval_ms", 1000)
	v.SetDefault("poll.max_failures_window", 3)
	v.SetDefault("poll.backoff_ms", 5000)
	v.SetDefault("poll.retry_budget", 10)
	v.SetDefault("reconnect.base_ms", 1000)
	v.SetDefault("reconnect.cap_ms", 30000)
	v.SetDefault("reconnect.stability_ms", 60000)
	v.SetDefault("reconnect.attempt_cap", 10)
	v.SetDefault("reconnect.attempt_window_ms", 60000)
	v.SetDefault("timeouts.handshake_ms", 10000)
	v.SetDefault("timeouts.heartbeat_ms", 30000)
	v.SetDefault("timeouts.rest_ms", 5000)
	v.SetDefault("fanout.channel_capacity", 64)
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.port", 8090)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges. Violations here
// are configuration errors: fatal at startup.
func (c *Config) Validate() error {
	if len(c.Venues) == 0 {
		return fmt.Errorf("venues is required (at least one venue)")
	}

	anchors := 0
	seen := make(map[string]bool)
	for _, vc := range c.Venues {
		if vc.ID == "" {
			return fmt.Errorf("venues[*].id is required")
		}
		if vc.ID != strings.ToLower(vc.ID) {
			return fmt.Errorf("venue id %q must be lowercase", vc.ID)
		}
		if seen[vc.ID] {
			return fmt.Errorf("duplicate venue id %q", vc.ID)
		}
		seen[vc.ID] = true
		switch vc.SymbolStyle {
		case StyleColonPair, StyleUnderscoreTriple:
		default:
			return fmt.Errorf("venue %q: unknown symbol_style %q", vc.ID, vc.SymbolStyle)
		}
		if vc.Anchor {
			anchors++
		}
	}
	if anchors == 0 {
		return fmt.Errorf("no anchor venue configured (set venues[*].anchor on one venue)")
	}
	if anchors > 1 {
		return fmt.Errorf("multiple anchor venues configured (%d), want exactly one", anchors)
	}

	if len(c.Universe) == 0 {
		return fmt.Errorf("universe is required (at least one canonical id)")
	}
	for _, raw := range c.Universe {
		if !types.CanonicalID(raw).Valid() {
			return fmt.Errorf("universe entry %q is not a valid canonical id (BASE-QUOTE-KIND)", raw)
		}
	}

	if c.Spread.ElevatedPct == "" || c.Spread.ArbitragePct == "" {
		return fmt.Errorf("spread.elevated_pct and spread.arbitrage_pct are required")
	}
	if c.Spread.Scale < 2 || c.Spread.Scale > 18 {
		return fmt.Errorf("spread.scale must be in [2, 18], got %d", c.Spread.Scale)
	}
	if c.Fanout.ChannelCapacity <= 0 {
		return fmt.Errorf("fanout.channel_capacity must be > 0")
	}
	if c.Poll.IntervalMS <= 0 {
		return fmt.Errorf("poll.interval_ms must be > 0")
	}
	if c.Reconnect.BaseMS <= 0 || c.Reconnect.CapMS < c.Reconnect.BaseMS {
		return fmt.Errorf("reconnect.base_ms must be > 0 and <= reconnect.cap_ms")
	}
	if c.Reconnect.AttemptCap > 0 && c.Reconnect.AttemptWindowMS <= 0 {
		return fmt.Errorf("reconnect.attempt_window_ms must be > 0 when attempt_cap is set")
	}
	return nil
}

// Anchor returns the configured anchor venue id.
func (c *Config) Anchor() types.VenueID {
	for _, vc := range c.Venues {
		if vc.Anchor {
			return types.VenueID(vc.ID)
		}
	}
	return ""
}

// Venue returns the config block for one venue id.
func (c *Config) Venue(id types.VenueID) (VenueConfig, bool) {
	for _, vc := range c.Venues {
		if vc.ID == string(id) {
			return vc, true
		}
	}
	return VenueConfig{}, false
}

// UniverseIDs returns the tracked canonical ids.
func (c *Config) UniverseIDs() []types.CanonicalID {
	ids := make([]types.CanonicalID, len(c.Universe))
	for i, raw := range c.Universe {
		ids[i] = types.CanonicalID(raw)
	}
	return ids
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// Duration accessors for the *_ms knobs.

func (c *Config) StaleAfter() time.Duration            { return ms(c.StaleAfterMS) }
func (c *Config) Grace() time.Duration                 { return ms(c.GraceMS) }
func (f FreshnessConfig) Green() time.Duration         { return ms(f.GreenMS) }
func (f FreshnessConfig) Amber() time.Duration         { return ms(f.AmberMS) }
func (s SpreadConfig) ArbDwell() time.Duration         { return ms(s.ArbDwellMS) }
func (p PollConfig) Interval() time.Duration           { return ms(p.IntervalMS) }
func (p PollConfig) Backoff() time.Duration            { return ms(p.BackoffMS) }
func (r ReconnectConfig) Base() time.Duration          { return ms(r.BaseMS) }
func (r ReconnectConfig) Cap() time.Duration           { return ms(r.CapMS) }
func (r ReconnectConfig) Stability() time.Duration     { return ms(r.StabilityMS) }
func (r ReconnectConfig) AttemptWindow() time.Duration { return ms(r.AttemptWindowMS) }
func (t TimeoutConfig) Handshake() time.Duration       { return ms(t.HandshakeMS) }
func (t TimeoutConfig) Heartbeat() time.Duration       { return ms(t.HeartbeatMS) }
func (t TimeoutConfig) Rest() time.Duration            { return ms(t.RestMS) }
