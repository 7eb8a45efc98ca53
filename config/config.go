package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cryptotrack/internal/symbols"
	"cryptotrack/models"
)

// DefaultPath is used when no -config flag is given.
const DefaultPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentStaging:    "config/config.staging.yml",
	environmentProduction: "config/config.production.yml",
}

type Config struct {
	App          AppConfig              `yaml:"app"`
	Logging      LoggingConfig          `yaml:"logging"`
	CloudWatch   CloudWatchConfig       `yaml:"cloudwatch"`
	Dashboard    DashboardConfig        `yaml:"dashboard"`
	Kafka        KafkaConfig            `yaml:"kafka"`
	Orchestrator OrchestratorConfig     `yaml:"orchestrator"`
	Stream       StreamConfig           `yaml:"stream"`
	Rest         RestConfig             `yaml:"rest"`
	Venues       map[string]VenueConfig `yaml:"venues"`
}

type AppConfig struct {
	Name           string        `yaml:"name"`
	Version        string        `yaml:"version"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type CloudWatchConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Namespace       string `yaml:"namespace"`
	Dashboard       string `yaml:"dashboard"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type DashboardConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Address      string `yaml:"address"`
	LogBuffer    int    `yaml:"log_buffer"`
	MetricBuffer int    `yaml:"metric_buffer"`
}

type KafkaConfig struct {
	Enabled bool          `yaml:"enabled"`
	Brokers []string      `yaml:"brokers"`
	Topic   string        `yaml:"topic"`
	Buffer  int           `yaml:"buffer"`
	Timeout time.Duration `yaml:"timeout"`
}

type OrchestratorConfig struct {
	BalanceResyncInterval time.Duration `yaml:"balance_resync_interval"`
	MarketRefreshInterval time.Duration `yaml:"market_refresh_interval"`
	DefaultSymbols        []string      `yaml:"default_symbols"`
}

type StreamConfig struct {
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReadTimeout          time.Duration `yaml:"read_timeout"`
	EventBuffer          int           `yaml:"event_buffer"`
}

type RestConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        uint          `yaml:"max_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	RecvWindow        int64         `yaml:"recv_window"`
	DiscoverLimits    bool          `yaml:"discover_limits"`
}

type VenueConfig struct {
	Enabled        bool   `yaml:"enabled"`
	RestURL        string `yaml:"rest_url"`
	WsURL          string `yaml:"ws_url"`
	SandboxRestURL string `yaml:"sandbox_rest_url"`
	SandboxWsURL   string `yaml:"sandbox_ws_url"`
}

// ResolvePath picks the APP_ENV specific file when path is the default.
func ResolvePath(path string) string {
	return resolveEnvSpecificPath(path, DefaultPath, envConfigPaths)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	applyDefaults(&cfg)
	applyEnv(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "cryptotrack"
	}
	if cfg.App.ReportInterval == 0 {
		cfg.App.ReportInterval = time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.CloudWatch.Namespace == "" {
		cfg.CloudWatch.Namespace = "CryptoTrack"
	}
	if cfg.Dashboard.Address == "" {
		cfg.Dashboard.Address = ":8080"
	}
	if cfg.Dashboard.LogBuffer == 0 {
		cfg.Dashboard.LogBuffer = 200
	}
	if cfg.Dashboard.MetricBuffer == 0 {
		cfg.Dashboard.MetricBuffer = 500
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "aggregated-market-data"
	}
	if cfg.Kafka.Buffer == 0 {
		cfg.Kafka.Buffer = 1024
	}
	if cfg.Kafka.Timeout == 0 {
		cfg.Kafka.Timeout = 10 * time.Second
	}

	o := &cfg.Orchestrator
	if o.BalanceResyncInterval == 0 {
		o.BalanceResyncInterval = 60 * time.Second
	}
	if o.MarketRefreshInterval == 0 {
		o.MarketRefreshInterval = 30 * time.Second
	}
	if o.DefaultSymbols == nil {
		o.DefaultSymbols = []string{"BTC/USDT", "ETH/USDT", "SOL/USDT", "XRP/USDT", "BNB/USDT"}
	}

	s := &cfg.Stream
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = 15 * time.Second
	}
	if s.ReconnectBaseDelay == 0 {
		s.ReconnectBaseDelay = time.Second
	}
	if s.ReconnectMaxDelay == 0 {
		s.ReconnectMaxDelay = 30 * time.Second
	}
	if s.MaxReconnectAttempts == 0 {
		s.MaxReconnectAttempts = 10
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 90 * time.Second
	}
	if s.EventBuffer == 0 {
		s.EventBuffer = 256
	}

	r := &cfg.Rest
	if r.Timeout == 0 {
		r.Timeout = 10 * time.Second
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = 3
	}
	if r.RequestsPerSecond == 0 {
		r.RequestsPerSecond = 10
	}
	if r.Burst == 0 {
		r.Burst = 5
	}
	if r.RecvWindow == 0 {
		r.RecvWindow = 5000
	}

	if cfg.Venues == nil {
		cfg.Venues = map[string]VenueConfig{}
	}
	for _, id := range models.AllVenues() {
		if _, ok := cfg.Venues[string(id)]; !ok {
			cfg.Venues[string(id)] = VenueConfig{Enabled: true}
		}
	}
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("AWS_REGION")); v != "" {
		cfg.CloudWatch.Region = v
	}
	if v := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); v != "" {
		cfg.CloudWatch.AccessKeyID = v
	}
	if v := strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")); v != "" {
		cfg.CloudWatch.SecretAccessKey = v
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be json or text")
	}
	if cfg.Orchestrator.BalanceResyncInterval <= 0 {
		return fmt.Errorf("orchestrator.balance_resync_interval must be greater than 0")
	}
	if cfg.Orchestrator.MarketRefreshInterval <= 0 {
		return fmt.Errorf("orchestrator.market_refresh_interval must be greater than 0")
	}
	if len(cfg.Orchestrator.DefaultSymbols) == 0 {
		return fmt.Errorf("orchestrator.default_symbols must not be empty")
	}
	for _, sym := range cfg.Orchestrator.DefaultSymbols {
		if !symbols.IsCanonical(sym) {
			return fmt.Errorf("orchestrator.default_symbols entry '%s' is not BASE/QUOTE", sym)
		}
	}
	if cfg.Stream.ConnectTimeout <= 0 {
		return fmt.Errorf("stream.connect_timeout must be greater than 0")
	}
	if cfg.Stream.ReconnectBaseDelay <= 0 || cfg.Stream.ReconnectMaxDelay < cfg.Stream.ReconnectBaseDelay {
		return fmt.Errorf("stream.reconnect_max_delay must be at least stream.reconnect_base_delay")
	}
	if cfg.Stream.MaxReconnectAttempts < 1 {
		return fmt.Errorf("stream.max_reconnect_attempts must be at least 1")
	}
	if cfg.Stream.ReadTimeout <= 0 {
		return fmt.Errorf("stream.read_timeout must be greater than 0")
	}
	if cfg.Rest.Timeout <= 0 {
		return fmt.Errorf("rest.timeout must be greater than 0")
	}
	if cfg.Rest.RequestsPerSecond <= 0 || cfg.Rest.Burst <= 0 {
		return fmt.Errorf("rest.requests_per_second and rest.burst must be greater than 0")
	}
	for name := range cfg.Venues {
		if _, ok := models.ParseVenueID(name); !ok {
			return fmt.Errorf("venues.%s is not a supported venue", name)
		}
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	return nil
}

// Venue returns the settings of one venue.
func (c *Config) Venue(id models.VenueID) VenueConfig {
	return c.Venues[string(id)]
}
