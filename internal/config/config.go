package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Storage    StorageConfig    `yaml:"storage"`
	Redis      RedisConfig      `yaml:"redis"`
	Sync       SyncConfig       `yaml:"sync"`
	Cache      CacheConfig      `yaml:"cache"`
	Agent      AgentConfig      `yaml:"agent"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type StorageConfig struct {
	SQLitePath   string `yaml:"sqlite_path"`
	FallbackPath string `yaml:"fallback_path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type SyncConfig struct {
	ServerBaseURL    string  `yaml:"server_base_url"`
	MaxAttempts      int     `yaml:"max_attempts"`
	InitialBackoffMS int     `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int     `yaml:"max_backoff_ms"`
	DispatchTimeoutS int     `yaml:"dispatch_timeout_s"`
	IntervalS        int     `yaml:"interval_s"`
	QueueTTLHours    int     `yaml:"queue_ttl_hours"`
	RateRPS          float64 `yaml:"rate_rps"`
	RateBurst        int     `yaml:"rate_burst"`
}

type CacheConfig struct {
	Version       string   `yaml:"version"`
	Upstream      string   `yaml:"upstream"`
	ListenAddr    string   `yaml:"listen_addr"`
	StaticAssets  []string `yaml:"static_assets"`
	CriticalPages []string `yaml:"critical_pages"`
	HomePage      string   `yaml:"home_page"`
}

type AgentConfig struct {
	ListenAddr string  `yaml:"listen_addr"`
	RateRPS    float64 `yaml:"rate_rps"`
	RateBurst  int     `yaml:"rate_burst"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

// Load reads the YAML config at path, expanding ${ENV} references after
// loading a .env file when one is present.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Storage.SQLitePath == "" {
		return errors.New("storage sqlite_path is required")
	}
	if c.Sync.ServerBaseURL == "" {
		return errors.New("sync server_base_url is required")
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return errors.New("telegram bot_token is required when telegram is enabled")
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync max_attempts must be positive, got %d", c.Sync.MaxAttempts)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "sogara-sync"
	}
	if c.Storage.FallbackPath == "" {
		c.Storage.FallbackPath = "data/offline_queue.json"
	}
	if c.Redis.Address == "" {
		c.Redis.Address = "localhost:6379"
	}
	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = 4
	}
	if c.Sync.InitialBackoffMS == 0 {
		c.Sync.InitialBackoffMS = 1000
	}
	if c.Sync.MaxBackoffMS == 0 {
		c.Sync.MaxBackoffMS = 30000
	}
	if c.Sync.DispatchTimeoutS == 0 {
		c.Sync.DispatchTimeoutS = 30
	}
	if c.Sync.IntervalS == 0 {
		c.Sync.IntervalS = 60
	}
	if c.Sync.QueueTTLHours == 0 {
		c.Sync.QueueTTLHours = 7 * 24
	}
	if c.Sync.RateRPS == 0 {
		c.Sync.RateRPS = 10
	}
	if c.Sync.RateBurst == 0 {
		c.Sync.RateBurst = 5
	}
	if c.Cache.Version == "" {
		c.Cache.Version = "v1.0.0"
	}
	if c.Cache.ListenAddr == "" {
		c.Cache.ListenAddr = ":8090"
	}
	if c.Cache.HomePage == "" {
		c.Cache.HomePage = "/"
	}
	if c.Agent.ListenAddr == "" {
		c.Agent.ListenAddr = ":8081"
	}
	if c.Agent.RateRPS == 0 {
		c.Agent.RateRPS = 20
	}
	if c.Agent.RateBurst == 0 {
		c.Agent.RateBurst = 10
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}

// QueueTTL returns the configured entry time-to-live.
func (c *Config) QueueTTL() time.Duration {
	return time.Duration(c.Sync.QueueTTLHours) * time.Hour
}

// DispatchTimeout returns the per-request network timeout.
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Sync.DispatchTimeoutS) * time.Second
}
