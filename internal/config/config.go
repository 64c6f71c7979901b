// Package config loads ken's configuration from defaults, an optional
// .ken/config.yaml file, and KEN_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StoreConfig configures the durable session store.
type StoreConfig struct {
	Path          string        `mapstructure:"path"`
	BusyTimeout   time.Duration `mapstructure:"busy_timeout"`
}

// SchedulerConfig configures the scheduler loop.
type SchedulerConfig struct {
	MaxActive            int           `mapstructure:"max_active"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	StaleActiveThreshold time.Duration `mapstructure:"stale_active_threshold"`
	StalePendingThreshold time.Duration `mapstructure:"stale_pending_threshold"`
}

// SpawnerConfig configures the agent spawner.
type SpawnerConfig struct {
	Driver      string `mapstructure:"driver"` // exec | docker
	Command     string `mapstructure:"command"`
	DockerImage string `mapstructure:"docker_image"`
	DockerHost  string `mapstructure:"docker_host"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// BusConfig configures the store-change notification bus.
type BusConfig struct {
	NATSURL string `mapstructure:"nats_url"` // empty means in-memory bus
}

// SocketConfig configures the agent-facing unix socket.
type SocketConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Config is ken's fully resolved configuration.
type Config struct {
	ProjectRoot string          `mapstructure:"project_root"`
	Store       StoreConfig     `mapstructure:"store"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	Spawner     SpawnerConfig   `mapstructure:"spawner"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	Tracing     TracingConfig   `mapstructure:"tracing"`
	Bus         BusConfig       `mapstructure:"bus"`
	Socket      SocketConfig    `mapstructure:"socket"`
}

func setDefaults(v *viper.Viper, projectRoot string) {
	v.SetDefault("project_root", projectRoot)
	v.SetDefault("store.path", projectRoot+"/.ken/store")
	v.SetDefault("store.busy_timeout", 5*time.Second)
	v.SetDefault("scheduler.max_active", 4)
	v.SetDefault("scheduler.poll_interval", 2*time.Second)
	v.SetDefault("scheduler.stale_active_threshold", 15*time.Minute)
	v.SetDefault("scheduler.stale_pending_threshold", 5*time.Minute)
	v.SetDefault("spawner.driver", "exec")
	v.SetDefault("spawner.command", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("bus.nats_url", "")
	v.SetDefault("socket.enabled", true)
	v.SetDefault("socket.path", projectRoot+"/.ken/agent.sock")
}

// Load reads configuration for the project rooted at projectRoot,
// layering defaults, an optional .ken/config.yaml, and KEN_-prefixed
// environment variables, in that order of increasing precedence.
func Load(projectRoot string) (*Config, error) {
	v := viper.New()
	setDefaults(v, projectRoot)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(projectRoot + "/.ken")

	v.SetEnvPrefix("KEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string
	if cfg.Scheduler.MaxActive < 1 {
		errs = append(errs, "scheduler.max_active must be >= 1")
	}
	if cfg.Spawner.Driver != "exec" && cfg.Spawner.Driver != "docker" {
		errs = append(errs, "spawner.driver must be exec or docker")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
