// Package config loads and validates process-wide configuration.
// Precedence: defaults < YAML file < SIGNALFORGE_* environment variables.
// The loaded Config is read-only; hot reload swaps the handle atomically.
package config

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App         AppConfig               `mapstructure:"app"`
	Generator   GeneratorConfig         `mapstructure:"generator"`
	Store       StoreConfig             `mapstructure:"store"`
	Redis       RedisConfig             `mapstructure:"redis"`
	NATS        NATSConfig              `mapstructure:"nats"`
	Sources     map[string]SourceConfig `mapstructure:"sources"`
	Consensus   ConsensusConfig         `mapstructure:"consensus"`
	Regime      RegimeConfig            `mapstructure:"regime"`
	Distributor DistributorConfig       `mapstructure:"distributor"`
	Executor    ExecutorConfig          `mapstructure:"executor"`
	Broker      BrokerConfig            `mapstructure:"broker"`
	Alerts      AlertsConfig            `mapstructure:"alerts"`
	Alpine      AlpineConfig            `mapstructure:"alpine"`
	HTTP        HTTPConfig              `mapstructure:"http"`
	Vault       VaultConfig             `mapstructure:"vault"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // json, console
	Always24x7  bool   `mapstructure:"always_on"`  // when true, PAUSE transitions are forbidden
}

// Production reports whether the process runs with production guarantees.
func (a AppConfig) Production() bool { return a.Environment == "production" }

// GeneratorConfig drives the cycle loop.
type GeneratorConfig struct {
	Watchlist            []string      `mapstructure:"watchlist"`
	CycleInterval        time.Duration `mapstructure:"cycle_interval"`
	CycleBudget          time.Duration `mapstructure:"cycle_budget"`
	PerSymbolBudget      time.Duration `mapstructure:"per_symbol_budget"`
	MaxParallelSymbols   int           `mapstructure:"max_parallel_symbols"`
	MinSignalSpacing     time.Duration `mapstructure:"min_signal_spacing"`
	PriceChangeThreshold float64       `mapstructure:"price_change_threshold"` // fraction, 0.0025 = 0.25%
	StopATRMultiple      float64       `mapstructure:"stop_atr_multiple"`
	TargetATRMultiple    float64       `mapstructure:"target_atr_multiple"`
	MinStopDistancePct   float64       `mapstructure:"min_stop_distance_pct"`
	MaxStopDistancePct   float64       `mapstructure:"max_stop_distance_pct"`
	ServiceType          string        `mapstructure:"service_type"`
	EarlyExitSources     int           `mapstructure:"early_exit_sources"`
	EarlyExitConfidence  float64       `mapstructure:"early_exit_confidence"`
}

// StoreConfig configures the embedded signal store.
type StoreConfig struct {
	Path          string        `mapstructure:"path"`
	ArchivePath   string        `mapstructure:"archive_path"`
	AuditPath     string        `mapstructure:"audit_path"`
	SidecarDir    string        `mapstructure:"sidecar_dir"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// RedisConfig contains cache settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

// NATSConfig configures the executor event bus used by the rejected queue.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
	Subject string `mapstructure:"subject"` // subject prefix for executor events
}

// SourceConfig configures one registered data source.
type SourceConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Weight            float64       `mapstructure:"weight"`
	RateLimitPerSec   float64       `mapstructure:"rate_limit_per_sec"`
	Timeout           time.Duration `mapstructure:"timeout"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	APIKey            string        `mapstructure:"api_key"`
	Endpoint          string        `mapstructure:"endpoint"`
	StocksSessionOnly bool          `mapstructure:"stocks_session_only"`
}

// ConsensusConfig holds accept thresholds. Floors and thresholds are
// exposed here rather than hardcoded in the engine.
type ConsensusConfig struct {
	BaseThreshold         float64 `mapstructure:"base_threshold"`          // 3+ sources, default regimes
	TrendingThreshold     float64 `mapstructure:"trending_threshold"`      // 3+ sources in TRENDING
	SingleSourceThreshold float64 `mapstructure:"single_source_threshold"` // 80
	TwoSameThreshold      float64 `mapstructure:"two_same_threshold"`      // 75
	TwoMixedThreshold     float64 `mapstructure:"two_mixed_threshold"`     // 70
	TieMargin             float64 `mapstructure:"tie_margin"`              // 0.02
	NeutralSplitLong      float64 `mapstructure:"neutral_split_long"`      // 0.55
	DirectionalFloor      float64 `mapstructure:"directional_floor"`       // 65
	UnknownRegimeFloor    float64 `mapstructure:"unknown_regime_floor"`    // 60
}

// RegimeConfig holds the rule thresholds of the regime detector.
type RegimeConfig struct {
	WindowBars         int           `mapstructure:"window_bars"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	ADXTrending        float64       `mapstructure:"adx_trending"`
	ATRPctVolatile     float64       `mapstructure:"atr_pct_volatile"`
	SlopeTrendStrength float64       `mapstructure:"slope_trend_strength"`
}

// DistributorConfig configures signal fan-out.
type DistributorConfig struct {
	DescriptorFile string        `mapstructure:"descriptor_file"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	QueueDepth     int           `mapstructure:"queue_depth"`
	RateWindow     time.Duration `mapstructure:"rate_window"`
}

// ExecutorConfig configures the trading executor service.
type ExecutorConfig struct {
	ExecutorID        string  `mapstructure:"executor_id"`
	SharedSecret      string  `mapstructure:"shared_secret"`
	MinConfidence     float64 `mapstructure:"min_confidence"`
	MaxPositions      int     `mapstructure:"max_positions"`
	PositionSizePct   float64 `mapstructure:"position_size_pct"`
	RiskBudgetPct     float64 `mapstructure:"risk_budget_pct"`
	PropFirmEnabled   bool    `mapstructure:"prop_firm_enabled"`
	DailyLossLimitPct float64 `mapstructure:"daily_loss_limit_pct"`
	MaxDrawdownPct    float64 `mapstructure:"max_drawdown_pct"`
	DatabaseURL       string  `mapstructure:"database_url"` // optional pgx order ledger
}

// BrokerConfig configures the broker adapter.
type BrokerConfig struct {
	Kind           string        `mapstructure:"kind"` // "sim" or "binance"
	APIKey         string        `mapstructure:"api_key"`
	SecretKey      string        `mapstructure:"secret_key"`
	Testnet        bool          `mapstructure:"testnet"`
	ShortsCrypto   bool          `mapstructure:"shorts_crypto"`
	GlobalTimeout  time.Duration `mapstructure:"global_timeout"`
	ConcurrencyCap int           `mapstructure:"concurrency_cap"`
}

// AlertsConfig configures the critical-alert channel.
type AlertsConfig struct {
	TelegramToken string  `mapstructure:"telegram_token"`
	ChatIDs       []int64 `mapstructure:"chat_ids"`
	Enabled       bool    `mapstructure:"enabled"`
}

// AlpineConfig configures the best-effort external signal sync.
type AlpineConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
}

// HTTPConfig holds listen addresses.
type HTTPConfig struct {
	Port        int `mapstructure:"port"`
	MetricsPort int `mapstructure:"metrics_port"`
}

// VaultConfig configures the secrets manager.
type VaultConfig struct {
	Addr      string `mapstructure:"addr"`
	Token     string `mapstructure:"token"`
	MountPath string `mapstructure:"mount_path"`
	Enabled   bool   `mapstructure:"enabled"`
}

// Load reads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("SIGNALFORGE")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file; defaults plus environment.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "signalforge")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")
	v.SetDefault("app.always_on", false)

	v.SetDefault("generator.watchlist", []string{"AAPL", "MSFT", "BTC-USD", "ETH-USD"})
	v.SetDefault("generator.cycle_interval", "5s")
	v.SetDefault("generator.cycle_budget", "30s")
	v.SetDefault("generator.per_symbol_budget", "8s")
	v.SetDefault("generator.max_parallel_symbols", 4)
	v.SetDefault("generator.min_signal_spacing", "30s")
	v.SetDefault("generator.price_change_threshold", 0.0025)
	v.SetDefault("generator.stop_atr_multiple", 1.5)
	v.SetDefault("generator.target_atr_multiple", 2.5)
	v.SetDefault("generator.min_stop_distance_pct", 0.002)
	v.SetDefault("generator.max_stop_distance_pct", 0.05)
	v.SetDefault("generator.service_type", "standard")
	v.SetDefault("generator.early_exit_sources", 5)
	v.SetDefault("generator.early_exit_confidence", 95)

	v.SetDefault("store.path", "signals.db")
	v.SetDefault("store.archive_path", "signals_archive.db")
	v.SetDefault("store.audit_path", "audit.db")
	v.SetDefault("store.sidecar_dir", ".")
	v.SetDefault("store.batch_size", 50)
	v.SetDefault("store.flush_interval", "10s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", false)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.subject", "executor.events")

	v.SetDefault("consensus.base_threshold", 75)
	v.SetDefault("consensus.trending_threshold", 80)
	v.SetDefault("consensus.single_source_threshold", 80)
	v.SetDefault("consensus.two_same_threshold", 75)
	v.SetDefault("consensus.two_mixed_threshold", 70)
	v.SetDefault("consensus.tie_margin", 0.02)
	v.SetDefault("consensus.neutral_split_long", 0.55)
	v.SetDefault("consensus.directional_floor", 65)
	v.SetDefault("consensus.unknown_regime_floor", 60)

	v.SetDefault("regime.window_bars", 200)
	v.SetDefault("regime.cache_ttl", "5m")
	v.SetDefault("regime.adx_trending", 25)
	v.SetDefault("regime.atr_pct_volatile", 3.0)
	v.SetDefault("regime.slope_trend_strength", 0.0005)

	v.SetDefault("distributor.descriptor_file", "executors.yaml")
	v.SetDefault("distributor.request_timeout", "5s")
	v.SetDefault("distributor.queue_depth", 256)
	v.SetDefault("distributor.rate_window", "60s")

	v.SetDefault("executor.executor_id", "executor-local")
	v.SetDefault("executor.min_confidence", 80)
	v.SetDefault("executor.max_positions", 5)
	v.SetDefault("executor.position_size_pct", 0.05)
	v.SetDefault("executor.risk_budget_pct", 0.01)
	v.SetDefault("executor.prop_firm_enabled", false)
	v.SetDefault("executor.daily_loss_limit_pct", 0.02)
	v.SetDefault("executor.max_drawdown_pct", 0.10)

	v.SetDefault("broker.kind", "sim")
	v.SetDefault("broker.shorts_crypto", false)
	v.SetDefault("broker.global_timeout", "10s")
	v.SetDefault("broker.concurrency_cap", 4)

	v.SetDefault("alerts.enabled", false)

	v.SetDefault("alpine.enabled", false)

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.metrics_port", 9100)

	v.SetDefault("vault.addr", "")
	v.SetDefault("vault.mount_path", "secret/data/signalforge")
	v.SetDefault("vault.enabled", false)
}

// Handle is an atomically swappable configuration pointer. Readers call
// Current on every access; SIGHUP reloads call Swap.
type Handle struct {
	ptr atomic.Pointer[Config]
}

// NewHandle wraps an initial config.
func NewHandle(cfg *Config) *Handle {
	h := &Handle{}
	h.ptr.Store(cfg)
	return h
}

// Current returns the active configuration.
func (h *Handle) Current() *Config { return h.ptr.Load() }

// Swap installs a new configuration after it validated.
func (h *Handle) Swap(cfg *Config) { h.ptr.Store(cfg) }
