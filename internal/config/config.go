package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the orchestrator.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Research ResearchConfig `mapstructure:"research"`
	Search   SearchConfig   `mapstructure:"search"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Port        int `mapstructure:"port"`
	MetricsPort int `mapstructure:"metrics_port"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ResearchConfig holds the knobs for the research pipeline: the task
// executor, budget levels, and the default model.
type ResearchConfig struct {
	Async  AsyncConfig            `mapstructure:"async"`
	Budget map[string]BudgetLevel `mapstructure:"budget"`
	Model  ModelConfig            `mapstructure:"model"`
}

type AsyncConfig struct {
	MaxPoolSize        int `mapstructure:"max_pool_size"`
	QueueCapacity      int `mapstructure:"queue_capacity"`
	TaskTimeoutMinutes int `mapstructure:"task_timeout_minutes"`
}

// BudgetLevel is an immutable ceiling set, looked up by name at task start
// and frozen into the run state.
type BudgetLevel struct {
	MaxConductCount    int `mapstructure:"max_conduct_count" yaml:"max_conduct_count"`
	MaxSearchCount     int `mapstructure:"max_search_count" yaml:"max_search_count"`
	MaxConcurrentUnits int `mapstructure:"max_concurrent_units" yaml:"max_concurrent_units"`
}

// ModelConfig describes an OpenAI-compatible chat model endpoint. Shared
// marks the platform-default configuration whose handles may be reused
// across tasks.
type ModelConfig struct {
	ID      string        `mapstructure:"id"`
	Name    string        `mapstructure:"name"`
	Model   string        `mapstructure:"model"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	Shared  bool          `mapstructure:"shared"`
}

type SearchConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RatePerSec float64       `mapstructure:"rate_per_sec"`
	RateBurst  int           `mapstructure:"rate_burst"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from CONFIG_PATH (default ./config/orchestrator.yaml),
// applying env overrides with the RESEARCH_ prefix.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./config/orchestrator.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	v.SetEnvPrefix("RESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults plus env carry a dev setup.
		if !os.IsNotExist(err) {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				if _, pathErr := err.(*os.PathError); !pathErr {
					return nil, fmt.Errorf("read config: %w", err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 2112)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "research")
	v.SetDefault("database.database", "research")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.idle_connections", 5)
	v.SetDefault("database.max_lifetime", 5*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("research.async.max_pool_size", 10)
	v.SetDefault("research.async.queue_capacity", 50)
	v.SetDefault("research.async.task_timeout_minutes", 3)
	v.SetDefault("research.budget", map[string]any{
		"LOW":    map[string]any{"max_conduct_count": 1, "max_search_count": 2, "max_concurrent_units": 1},
		"MEDIUM": map[string]any{"max_conduct_count": 2, "max_search_count": 3, "max_concurrent_units": 2},
		"HIGH":   map[string]any{"max_conduct_count": 3, "max_search_count": 5, "max_concurrent_units": 3},
	})
	v.SetDefault("research.model.id", "default")
	v.SetDefault("research.model.shared", true)
	v.SetDefault("research.model.timeout", 120*time.Second)

	v.SetDefault("search.base_url", "https://api.tavily.com")
	v.SetDefault("search.timeout", 30*time.Second)
	v.SetDefault("search.rate_per_sec", 2.0)
	v.SetDefault("search.rate_burst", 4)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Research.Async.MaxPoolSize <= 0 {
		return fmt.Errorf("research.async.max_pool_size must be positive")
	}
	if c.Research.Async.QueueCapacity < 0 {
		return fmt.Errorf("research.async.queue_capacity must be non-negative")
	}
	for name, lvl := range c.Research.Budget {
		if lvl.MaxSearchCount <= 0 || lvl.MaxConductCount <= 0 {
			return fmt.Errorf("budget level %s has non-positive ceilings", name)
		}
	}
	return nil
}

// BudgetLevelByName looks up a budget level case-insensitively; second return
// is false when the name is unknown.
func (c *Config) BudgetLevelByName(name string) (BudgetLevel, bool) {
	lvl, ok := c.Research.Budget[strings.ToUpper(name)]
	return lvl, ok
}
