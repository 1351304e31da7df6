// Package config loads the per-process YAML configuration: bus target,
// scoring tables, aggregation windows, TTLs, and router tables. The
// loaded Config is immutable; every component holds a reference.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/listingfuse/internal/model"
)

// SourceEntry describes one raw-event source: its base score, the
// independence group it belongs to, and whether it is a trusted socket
// source (which widens the aggregation window).
type SourceEntry struct {
	Score   float64 `yaml:"score"`
	Group   string  `yaml:"group"`
	Trusted bool    `yaml:"trusted"`
}

// ScoringConfig carries the source tier table, exchange multipliers,
// all score thresholds, and extra classifier keywords merged over the
// built-in pattern table.
type ScoringConfig struct {
	SourceScores        map[string]SourceEntry       `yaml:"source_scores"`
	ExchangeMultipliers map[string]float64           `yaml:"exchange_multipliers"`
	ClassifierPatterns  map[model.EventType][]string `yaml:"classifier_patterns"`
	MinScore            float64                      `yaml:"min_score"`
	CEXRouteMin         float64                      `yaml:"cex_route_min"`
	HLRouteMin          float64                      `yaml:"hl_route_min"`
	NotifyMin           float64                      `yaml:"notify_min"`
	SuperEventMinScore  float64                      `yaml:"super_event_min_score"`
}

// AggregationConfig controls the fusion window.
type AggregationConfig struct {
	DefaultWindowMS int64 `yaml:"default_window_ms"`
	TrustedWindowMS int64 `yaml:"trusted_window_ms"`
	FlushIntervalMS int64 `yaml:"flush_interval_ms"`
}

// TTLConfig groups the bus key lifetimes.
type TTLConfig struct {
	DedupSec     int `yaml:"dedup_sec"`
	FirstSeenSec int `yaml:"first_seen_sec"`
	CooldownSec  int `yaml:"cooldown_sec"`
	HeartbeatSec int `yaml:"heartbeat_sec"`
}

// RouterConfig carries the routing tables.
type RouterConfig struct {
	CEXPriority    []string          `yaml:"cex_priority"`
	Blacklist      []string          `yaml:"blacklist"`
	HLMarketMap    map[string]string `yaml:"hl_market_map"`
	MaxPositionUSD float64           `yaml:"max_position_usd"`
	HLSizeUSD      float64           `yaml:"hl_size_usd"`
	HLLeverage     int               `yaml:"hl_leverage"`
	HLTPPercent    float64           `yaml:"hl_tp_percent"`
	HLSLPercent    float64           `yaml:"hl_sl_percent"`
	HLTimeoutSec   int               `yaml:"hl_timeout_sec"`
}

// NotifyConfig configures the webhook pusher.
type NotifyConfig struct {
	WebhookURL string  `yaml:"webhook_url"`
	TimeoutSec int     `yaml:"timeout_sec"`
	Retries    int     `yaml:"retries"`
	RatePerSec float64 `yaml:"rate_per_sec"`
}

// BusConfig targets the Redis instance backing the pipeline.
type BusConfig struct {
	Endpoint string `yaml:"endpoint"`
	Auth     string `yaml:"auth"`
	DB       int    `yaml:"db"`
}

// Config is the full per-process configuration.
type Config struct {
	Bus         BusConfig         `yaml:"bus"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	TTL         TTLConfig         `yaml:"ttl"`
	Router      RouterConfig      `yaml:"router"`
	Notify      NotifyConfig      `yaml:"notify"`
	ArchiveDSN  string            `yaml:"archive_dsn"`
	HTTPListen  string            `yaml:"http_listen"`
	NodeID      string            `yaml:"node_id"`
	Version     string            `yaml:"version"`
}

// Default returns the built-in configuration: the source tier table,
// exchange multipliers and thresholds the pipeline ships with.
func Default() *Config {
	return &Config{
		Bus: BusConfig{Endpoint: "localhost:6379"},
		Scoring: ScoringConfig{
			SourceScores: map[string]SourceEntry{
				// Tier S: first-party sockets on tier-1 venues, curated intel.
				"ws_binance":          {Score: 65, Group: "exchange_official", Trusted: true},
				"ws_upbit":            {Score: 63, Group: "exchange_official", Trusted: true},
				"tg_binance_announce": {Score: 60, Group: "exchange_official"},
				"tg_alpha_intel":      {Score: 58, Group: "alpha_intel"},
				"tg_upbit_announce":   {Score: 55, Group: "exchange_official"},
				// Tier A: tier-1 / regional REST, official social accounts.
				"rest_binance":     {Score: 48, Group: "exchange_official"},
				"rest_upbit":       {Score: 45, Group: "exchange_official"},
				"rest_bithumb":     {Score: 42, Group: "exchange_official"},
				"twitter_exchange": {Score: 40, Group: "social"},
				// Tier B: generic polls, tier-2 sockets, chain watchers.
				"ws_gate":       {Score: 32, Group: "exchange_official"},
				"rest_generic":  {Score: 30, Group: "exchange_official"},
				"ws_mexc":       {Score: 28, Group: "exchange_official"},
				"chain_factory": {Score: 25, Group: "chain"},
				"chain_log":     {Score: 20, Group: "chain"},
				// Tier C: news feeds.
				"rss_news": {Score: 3, Group: "news"},
			},
			ExchangeMultipliers: map[string]float64{
				"binance":  1.5,
				"coinbase": 1.45,
				"upbit":    1.4,
				"bithumb":  1.35,
				"okx":      1.3,
				"bybit":    1.2,
				"gate":     1.1,
				"kucoin":   1.05,
				"mexc":     1.0,
				"bitget":   1.0,
				"lbank":    0.9,
				"biconomy": 0.8,
			},
			MinScore:           28,
			CEXRouteMin:        50,
			HLRouteMin:         40,
			NotifyMin:          28,
			SuperEventMinScore: 50,
		},
		Aggregation: AggregationConfig{
			DefaultWindowMS: 5000,
			TrustedWindowMS: 10000,
			FlushIntervalMS: 500,
		},
		TTL: TTLConfig{
			DedupSec:     300,
			FirstSeenSec: 3600,
			CooldownSec:  30,
			HeartbeatSec: 120,
		},
		Router: RouterConfig{
			CEXPriority: []string{"gate", "mexc", "bitget"},
			Blacklist: []string{
				"USDT", "USDC", "BUSD", "DAI", "TUSD", "FDUSD",
				"BTC", "ETH", "BNB", "SOL", "XRP",
				"WBTC", "WETH", "WBNB", "STETH",
			},
			HLMarketMap:    map[string]string{},
			MaxPositionUSD: 500,
			HLSizeUSD:      200,
			HLLeverage:     1,
			HLTPPercent:    12,
			HLSLPercent:    6,
			HLTimeoutSec:   900,
		},
		Notify: NotifyConfig{
			TimeoutSec: 10,
			Retries:    3,
			RatePerSec: 5,
		},
		HTTPListen: ":9180",
		NodeID:     defaultNodeID(),
		Version:    "0.1.0",
	}
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil {
		return "node-unknown"
	}
	return host
}

// Load reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Bus.Endpoint == "" {
		return fmt.Errorf("bus.endpoint is required")
	}
	if len(c.Scoring.SourceScores) == 0 {
		return fmt.Errorf("scoring.source_scores must not be empty")
	}
	for name, e := range c.Scoring.SourceScores {
		if e.Score < 0 || e.Score > 65 {
			return fmt.Errorf("scoring.source_scores[%s]: score %.1f outside [0,65]", name, e.Score)
		}
		switch model.SourceGroup(e.Group) {
		case model.GroupExchangeOfficial, model.GroupAlphaIntel, model.GroupSocial, model.GroupChain, model.GroupNews:
		default:
			return fmt.Errorf("scoring.source_scores[%s]: unknown group %q", name, e.Group)
		}
	}
	if c.Aggregation.DefaultWindowMS <= 0 || c.Aggregation.TrustedWindowMS < c.Aggregation.DefaultWindowMS {
		return fmt.Errorf("aggregation windows invalid: default=%d trusted=%d",
			c.Aggregation.DefaultWindowMS, c.Aggregation.TrustedWindowMS)
	}
	if c.Aggregation.FlushIntervalMS <= 0 {
		return fmt.Errorf("aggregation.flush_interval_ms must be positive, got %d", c.Aggregation.FlushIntervalMS)
	}
	if c.Scoring.MinScore < 0 || c.Scoring.CEXRouteMin < c.Scoring.HLRouteMin {
		return fmt.Errorf("score thresholds inverted: cex=%.1f hl=%.1f",
			c.Scoring.CEXRouteMin, c.Scoring.HLRouteMin)
	}
	return nil
}

// DedupTTL returns the dedup key lifetime.
func (c *Config) DedupTTL() time.Duration { return time.Duration(c.TTL.DedupSec) * time.Second }

// FirstSeenTTL returns the first-seen ledger lifetime.
func (c *Config) FirstSeenTTL() time.Duration { return time.Duration(c.TTL.FirstSeenSec) * time.Second }

// CooldownTTL returns the per-symbol routing cooldown.
func (c *Config) CooldownTTL() time.Duration { return time.Duration(c.TTL.CooldownSec) * time.Second }

// HeartbeatTTL returns the heartbeat key lifetime.
func (c *Config) HeartbeatTTL() time.Duration { return time.Duration(c.TTL.HeartbeatSec) * time.Second }

// IsBlacklisted reports whether a canonical symbol must never be
// auto-traded.
func (c *Config) IsBlacklisted(symbol string) bool {
	for _, s := range c.Router.Blacklist {
		if s == symbol {
			return true
		}
	}
	return false
}
