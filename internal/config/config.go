// Package config handles configuration loading and validation for the
// coordinator.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/defpool/defpool-server/internal/registry"
)

// Config holds all configuration for the coordinator
type Config struct {
	Pool      PoolConfig      `mapstructure:"pool"`
	API       APIConfig       `mapstructure:"api"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Selector  SelectorConfig  `mapstructure:"selector"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	SwitchLog SwitchLogConfig `mapstructure:"switch_log"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Targets   []TargetConfig  `mapstructure:"targets"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	NewRelic  NewRelicConfig  `mapstructure:"newrelic"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Security  SecurityConfig  `mapstructure:"security"`
	Log       LogConfig       `mapstructure:"log"`
}

// PoolConfig defines pool identity settings
type PoolConfig struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// APIConfig defines telemetry API settings
type APIConfig struct {
	Bind         string        `mapstructure:"bind"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	Websocket    bool          `mapstructure:"websocket"`
}

// ScoringConfig defines the profitability tick
type ScoringConfig struct {
	Interval             time.Duration `mapstructure:"interval"`
	FetchTimeout         time.Duration `mapstructure:"fetch_timeout"`
	StaleAfterTicks      int           `mapstructure:"stale_after_ticks"`
	StalePenalty         float64       `mapstructure:"stale_penalty"`
	MaxConcurrentFetches int           `mapstructure:"max_concurrent_fetches"`
}

// SelectorConfig defines switching hysteresis
type SelectorConfig struct {
	SwitchThreshold float64       `mapstructure:"switch_threshold"`
	MinDwell        time.Duration `mapstructure:"min_dwell"`
}

// LedgerConfig defines share accounting windows
type LedgerConfig struct {
	HashrateWindow time.Duration `mapstructure:"hashrate_window"`
	ActiveWindow   time.Duration `mapstructure:"active_window"`
	Shards         int           `mapstructure:"shards"`
}

type SwitchLogConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// FeedConfig defines where market signals come from
type FeedConfig struct {
	PriceURL      string        `mapstructure:"price_url"`
	Currency      string        `mapstructure:"currency"`
	PriceCacheTTL time.Duration `mapstructure:"price_cache_ttl"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// TargetConfig is one entry of the target registry as written in YAML
type TargetConfig struct {
	Name               string  `mapstructure:"name"`
	Coin               string  `mapstructure:"coin"`
	Algorithm          string  `mapstructure:"algorithm"`
	Protocol           string  `mapstructure:"protocol"`
	PoolEndpoint       string  `mapstructure:"pool_endpoint"`
	Address            string  `mapstructure:"address"`
	Pubkey             string  `mapstructure:"pubkey"`
	MinShareDifficulty float64 `mapstructure:"min_share_difficulty"`
	CoingeckoID        string  `mapstructure:"coingecko_id"`
	DaemonURL          string  `mapstructure:"daemon_url"`
	DifficultyMethod   string  `mapstructure:"difficulty_method"`
	BlockReward        float64 `mapstructure:"block_reward"`
	Fee                float64 `mapstructure:"fee"`
	Luck               float64 `mapstructure:"luck"`
	Price              float64 `mapstructure:"price"`
	Difficulty         float64 `mapstructure:"difficulty"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NotifyConfig defines switch notification webhooks
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
}

// NewRelicConfig defines APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// ProfilingConfig defines the pprof listener
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// SecurityConfig defines abuse limits on share ingestion
type SecurityConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	BanTimeout       time.Duration `mapstructure:"ban_timeout"`
	MalformedLimit   int32         `mapstructure:"malformed_limit"`
	InvalidPercent   float32       `mapstructure:"invalid_percent"`
	CheckThreshold   int32         `mapstructure:"check_threshold"`
	ScoreShares      bool          `mapstructure:"score_shares"`
	MaxScore         int32         `mapstructure:"max_score"`
	ScoreResetTime   time.Duration `mapstructure:"score_reset_time"`
	ScoreTempBanTime time.Duration `mapstructure:"score_temp_ban_time"`
	Whitelist        []string      `mapstructure:"whitelist"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Loader reads configuration from one viper instance so the same sources
// can be re-read when the file changes.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader prepares a loader. An empty path searches ./, ./config and
// /etc/defpool for config.yaml.
func NewLoader(configPath string) *Loader {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/defpool")
	}

	v.SetEnvPrefix("DEFPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v, path: configPath}
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

// Load reads, decodes and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// File returns the config file in use, empty when running on defaults.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Watch calls fn with the re-read configuration every time the file
// changes. fn receives the validation error instead when the new file is
// invalid, and the running configuration should then be kept.
func (l *Loader) Watch(fn func(*Config, error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(l.decode())
	})
	l.v.WatchConfig()
}

// LoadEnvFiles loads KEY=VALUE files into the environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("error loading %s: %w", p, err)
		}
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.name", "DefPool")
	v.SetDefault("pool.url", "")

	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("api.cors_origins", []string{"*"})
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "10s")
	v.SetDefault("api.max_body_bytes", 16*1024)
	v.SetDefault("api.websocket", true)

	v.SetDefault("scoring.interval", "30s")
	v.SetDefault("scoring.fetch_timeout", "5s")
	v.SetDefault("scoring.stale_after_ticks", 2)
	v.SetDefault("scoring.stale_penalty", 0.05)
	v.SetDefault("scoring.max_concurrent_fetches", 16)

	v.SetDefault("selector.switch_threshold", 0.02)
	v.SetDefault("selector.min_dwell", "60s")

	v.SetDefault("ledger.hashrate_window", "10m")
	v.SetDefault("ledger.active_window", "1h")
	v.SetDefault("ledger.shards", 64)

	v.SetDefault("switch_log.capacity", 50)

	v.SetDefault("feed.price_url", "https://api.coingecko.com/api/v3/simple/price")
	v.SetDefault("feed.currency", "usd")
	v.SetDefault("feed.price_cache_ttl", "60s")
	v.SetDefault("feed.timeout", "5s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("notify.enabled", false)

	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "defpool-server")

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	v.SetDefault("security.enabled", true)
	v.SetDefault("security.ban_timeout", "30m")
	v.SetDefault("security.malformed_limit", 20)
	v.SetDefault("security.invalid_percent", 90.0)
	v.SetDefault("security.check_threshold", 200)
	v.SetDefault("security.score_shares", false)
	v.SetDefault("security.max_score", 1000)
	v.SetDefault("security.score_reset_time", "1m")
	v.SetDefault("security.score_temp_ban_time", "5m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}
	if _, err := registry.New(c.MiningTargets()); err != nil {
		return err
	}

	if c.Scoring.Interval <= 0 {
		return fmt.Errorf("scoring.interval must be positive")
	}
	if c.Scoring.FetchTimeout <= 0 || c.Scoring.FetchTimeout > c.Scoring.Interval {
		return fmt.Errorf("scoring.fetch_timeout must be positive and not exceed scoring.interval")
	}
	if c.Scoring.StalePenalty < 0 || c.Scoring.StalePenalty >= 1 {
		return fmt.Errorf("scoring.stale_penalty must be in [0, 1)")
	}

	if c.Selector.SwitchThreshold < 0 {
		return fmt.Errorf("selector.switch_threshold must not be negative")
	}
	if c.Selector.MinDwell < 0 {
		return fmt.Errorf("selector.min_dwell must not be negative")
	}

	if c.Ledger.HashrateWindow <= 0 {
		return fmt.Errorf("ledger.hashrate_window must be positive")
	}
	if c.SwitchLog.Capacity <= 0 {
		return fmt.Errorf("switch_log.capacity must be positive")
	}

	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when redis is enabled")
	}
	if c.NewRelic.Enabled && c.NewRelic.LicenseKey == "" {
		return fmt.Errorf("newrelic.license_key is required when newrelic is enabled")
	}
	if c.Notify.Enabled && c.Notify.DiscordURL == "" && (c.Notify.TelegramBot == "" || c.Notify.TelegramChat == "") {
		return fmt.Errorf("notify needs discord_url or telegram_bot and telegram_chat")
	}

	return nil
}

// MiningTargets converts the configured targets into registry entries.
// Unknown algorithms are passed through and rejected by the registry.
func (c *Config) MiningTargets() []registry.MiningTarget {
	out := make([]registry.MiningTarget, 0, len(c.Targets))
	for _, t := range c.Targets {
		algo, err := registry.ParseAlgorithm(t.Algorithm)
		if err != nil {
			algo = registry.Algorithm(t.Algorithm)
		}
		coin := t.Coin
		if coin == "" {
			coin = t.Name
		}
		protocol := t.Protocol
		if protocol == "" {
			protocol = "stratum+tcp"
		}
		out = append(out, registry.MiningTarget{
			Name:               t.Name,
			Coin:               coin,
			Algorithm:          algo,
			Protocol:           protocol,
			PoolEndpoint:       t.PoolEndpoint,
			Address:            t.Address,
			Pubkey:             t.Pubkey,
			MinShareDifficulty: t.MinShareDifficulty,
			Feed: registry.FeedSettings{
				PriceID:          t.CoingeckoID,
				DaemonURL:        t.DaemonURL,
				DifficultyMethod: t.DifficultyMethod,
				BlockReward:      t.BlockReward,
				Fee:              t.Fee,
				Luck:             t.Luck,
				StaticPrice:      t.Price,
				StaticDifficulty: t.Difficulty,
			},
		})
	}
	return out
}
