package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/policy"
	"github.com/praxis-ai/coordinator/internal/tracing"
)

// Config is the full coordinator configuration, loaded from a YAML file with
// COORDINATOR_* environment overrides.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`

	Database struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Session struct {
		ID                    string        `mapstructure:"id"`
		Project               string        `mapstructure:"project"`
		StaleTimeout          time.Duration `mapstructure:"stale_timeout"`
		CleanupInterval       time.Duration `mapstructure:"cleanup_interval"`
		StaleSessionThreshold time.Duration `mapstructure:"stale_session_threshold"`
	} `mapstructure:"session"`

	Tasks struct {
		FilePath string `mapstructure:"file_path"`
	} `mapstructure:"tasks"`

	RateLimit struct {
		Plan      string `mapstructure:"plan"`
		PlansFile string `mapstructure:"plans_file"`
	} `mapstructure:"rate_limit"`

	HookMetrics struct {
		PersistPath string `mapstructure:"persist_path"`
	} `mapstructure:"hook_metrics"`

	Hierarchy struct {
		MaxDepth    int `mapstructure:"max_depth"`
		MaxChildren int `mapstructure:"max_children"`
	} `mapstructure:"hierarchy"`

	Dashboard struct {
		UpdateInterval time.Duration `mapstructure:"update_interval"`
		ContextLimit   int           `mapstructure:"context_limit"`
	} `mapstructure:"dashboard"`

	Retrieval struct {
		Layer1Limit   int           `mapstructure:"layer1_limit"`
		MaxTokens     int           `mapstructure:"max_tokens"`
		BufferPercent float64       `mapstructure:"buffer_percent"`
		CacheSize     int           `mapstructure:"cache_size"`
		CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"retrieval"`

	Redis struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
		Stream  string `mapstructure:"stream"`
		MaxLen  int64  `mapstructure:"max_len"`
	} `mapstructure:"redis"`

	Auth struct {
		SkipAuth   bool          `mapstructure:"skip_auth"`
		JWTSecret  string        `mapstructure:"jwt_secret"`
		JWTExpiry  time.Duration `mapstructure:"jwt_expiry"`
		APIKeyHash string        `mapstructure:"api_key_hash"`
	} `mapstructure:"auth"`

	Policy struct {
		Enabled    bool   `mapstructure:"enabled"`
		Mode       string `mapstructure:"mode"`
		Path       string `mapstructure:"path"`
		FailClosed bool   `mapstructure:"fail_closed"`
	} `mapstructure:"policy"`

	Tracing tracing.Config `mapstructure:"tracing"`
}

// PolicyConfig adapts the policy section.
func (c *Config) PolicyConfig() policy.Config {
	return policy.Config{
		Enabled:    c.Policy.Enabled,
		Mode:       policy.Mode(c.Policy.Mode),
		Path:       c.Policy.Path,
		FailClosed: c.Policy.FailClosed,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8095")
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "coordination.db")
	v.SetDefault("session.stale_timeout", "30m")
	v.SetDefault("session.cleanup_interval", "5m")
	v.SetDefault("session.stale_session_threshold", "5m")
	v.SetDefault("tasks.file_path", "tasks.json")
	v.SetDefault("rate_limit.plan", "free")
	v.SetDefault("hook_metrics.persist_path", "hook-metrics.json")
	v.SetDefault("hierarchy.max_depth", 5)
	v.SetDefault("hierarchy.max_children", 10)
	v.SetDefault("dashboard.update_interval", "5s")
	v.SetDefault("dashboard.context_limit", 200000)
	v.SetDefault("retrieval.layer1_limit", 10)
	v.SetDefault("retrieval.max_tokens", 4000)
	v.SetDefault("retrieval.buffer_percent", 0.1)
	v.SetDefault("retrieval.cache_size", 128)
	v.SetDefault("retrieval.cache_ttl", "10m")
	v.SetDefault("redis.stream", "coordinator:events")
	v.SetDefault("redis.max_len", 10000)
	v.SetDefault("auth.jwt_expiry", "1h")
	v.SetDefault("policy.mode", "off")
	v.SetDefault("tracing.service_name", "coordinator")
}

// Load reads the config file (optional) and binds environment overrides.
func Load(path string, logger *zap.Logger) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("COORDINATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			_, notFound := err.(viper.ConfigFileNotFoundError)
			if !notFound && !errors.Is(err, os.ErrNotExist) {
				return nil, nil, fmt.Errorf("read config %s: %w", path, err)
			}
			logger.Warn("Config file not found, using defaults", zap.String("path", path))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, v, nil
}

// Watch re-reads the config on file change and invokes onChange with the
// fresh config. Uses viper's fsnotify-based watcher.
func Watch(v *viper.Viper, logger *zap.Logger, onChange func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("Config file changed", zap.String("file", e.Name))
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			logger.Error("Config reload failed", zap.Error(err))
			return
		}
		onChange(&cfg)
	})
	v.WatchConfig()
}
