// Package config loads agent configuration from defaults, an optional config
// file, a .env file and FIELDSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides (FIELDSYNC_API_BASE_URL, ...).
const EnvPrefix = "FIELDSYNC"

// Config holds the agent configuration.
type Config struct {
	DataDir  string         `mapstructure:"data_dir"`
	API      APIConfig      `mapstructure:"api"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Conflict ConflictConfig `mapstructure:"conflict"`
	Netmon   NetmonConfig   `mapstructure:"netmon"`
	Status   StatusConfig   `mapstructure:"status"`
	User     UserConfig     `mapstructure:"user"`
	Log      LogConfig      `mapstructure:"log"`
}

// APIConfig configures the remote API client.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Token   string        `mapstructure:"token"`
}

// QueueConfig configures the durable queue.
type QueueConfig struct {
	MaxSize int `mapstructure:"max_size"`
}

// SyncConfig configures the reconciler and its scheduler.
type SyncConfig struct {
	BatchSize   int           `mapstructure:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	Interval    time.Duration `mapstructure:"interval"`
	Parallelism int           `mapstructure:"parallelism"`
}

// ConflictConfig selects the conflict resolution strategy.
type ConflictConfig struct {
	Strategy string `mapstructure:"strategy"`
}

// NetmonConfig configures the reachability prober.
type NetmonConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// StatusConfig configures the local status API.
type StatusConfig struct {
	Addr string `mapstructure:"addr"`
}

// UserConfig identifies the person signed in on this device.
type UserConfig struct {
	ID   string `mapstructure:"id"`
	Role string `mapstructure:"role"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("api.base_url", "http://localhost:8080")
	v.SetDefault("api.timeout", 15*time.Second)
	v.SetDefault("api.token", "")
	v.SetDefault("queue.max_size", 10000)
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.max_attempts", 8)
	v.SetDefault("sync.backoff_base", time.Second)
	v.SetDefault("sync.backoff_max", 30*time.Second)
	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.parallelism", 4)
	v.SetDefault("conflict.strategy", "merge")
	v.SetDefault("netmon.probe_url", "")
	v.SetDefault("netmon.probe_interval", 10*time.Second)
	v.SetDefault("status.addr", "127.0.0.1:8090")
	v.SetDefault("user.id", "")
	v.SetDefault("user.role", "field_worker")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not decode: %v", err))
	}
	return cfg
}

// Load reads configuration. configFile may be empty, in which case
// fieldsync.yaml is looked up in the working directory and $HOME/.fieldsync.
// A .env file in the working directory is loaded first if present.
func Load(configFile string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("fieldsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.fieldsync")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads path if it exists; a missing file is not an error.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.DataDir == "" {
		problems = append(problems, "data_dir must be set")
	}
	if c.API.BaseURL == "" {
		problems = append(problems, "api.base_url must be set")
	}
	if c.API.Timeout <= 0 {
		problems = append(problems, "api.timeout must be positive")
	}
	if c.Queue.MaxSize <= 0 {
		problems = append(problems, "queue.max_size must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		problems = append(problems, "sync.batch_size must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		problems = append(problems, "sync.max_attempts must be positive")
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase {
		problems = append(problems, "sync.backoff_base must be positive and not exceed sync.backoff_max")
	}
	if c.Sync.Interval <= 0 {
		problems = append(problems, "sync.interval must be positive")
	}
	if c.Sync.Parallelism <= 0 {
		problems = append(problems, "sync.parallelism must be positive")
	}
	switch c.Conflict.Strategy {
	case "merge", "last_write_wins", "manual":
	default:
		problems = append(problems, fmt.Sprintf("conflict.strategy %q is not one of merge, last_write_wins, manual", c.Conflict.Strategy))
	}
	switch c.User.Role {
	case "field_worker", "school_admin", "education_officer", "coordinator":
	default:
		problems = append(problems, fmt.Sprintf("user.role %q is not a known role", c.User.Role))
	}
	if c.Netmon.ProbeURL != "" && c.Netmon.ProbeInterval <= 0 {
		problems = append(problems, "netmon.probe_interval must be positive when probe_url is set")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
