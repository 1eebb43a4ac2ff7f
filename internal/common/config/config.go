// Package config provides configuration management for the background task
// manager plugin, sourced from environment variables, an optional config
// file, and built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections owned by this plugin. The host
// process owns its own configuration surface (file formats, CLI flags, user
// directories); this struct only covers the manager's own tunables.
type Config struct {
	Manager     ManagerConfig     `mapstructure:"manager"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	MCP         MCPConfig         `mapstructure:"mcp"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Host        HostConfig        `mapstructure:"host"`
}

// ManagerConfig holds Background Task Manager tunables (spec.md §6 defaults).
type ManagerConfig struct {
	MaxConcurrentStarts int           `mapstructure:"maxConcurrentStarts"`
	MaxCompletedTasks   int           `mapstructure:"maxCompletedTasks"`
	IdleDebounceMs      int           `mapstructure:"idleDebounceMs"`
	ResultMaxBytes      int           `mapstructure:"resultMaxBytes"`
	NotificationRetries int           `mapstructure:"notificationRetries"`
	NotificationDelayMs int           `mapstructure:"notificationDelayMs"`
	OrphanSweepInterval time.Duration `mapstructure:"orphanSweepInterval"`
	RunningTimeout      time.Duration `mapstructure:"runningTimeout"`
	WaitMax             time.Duration `mapstructure:"waitMax"`
	DefaultModelCap     int           `mapstructure:"defaultModelCap"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// MCPConfig holds the tool-surface listener configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// PersistenceConfig holds the on-disk task-table persistence location.
type PersistenceConfig struct {
	Path string `mapstructure:"path"`
}

// HostConfig locates the embedding host's RPC surface (spec.md §6 "Host
// client contract"). The host process itself is out of scope; this is only
// the address this plugin dials to reach it.
type HostConfig struct {
	BaseURL   string `mapstructure:"baseUrl"`
	TimeoutMs int    `mapstructure:"timeoutMs"`
}

// TimeoutDuration returns Host.TimeoutMs as a time.Duration.
func (h HostConfig) TimeoutDuration() time.Duration {
	return time.Duration(h.TimeoutMs) * time.Millisecond
}

// setDefaults configures default values matching spec.md §6.
func setDefaults(v *viper.Viper) {
	v.SetDefault("manager.maxConcurrentStarts", 10)
	v.SetDefault("manager.maxCompletedTasks", 100)
	v.SetDefault("manager.idleDebounceMs", 500)
	v.SetDefault("manager.resultMaxBytes", 100*1024)
	v.SetDefault("manager.notificationRetries", 3)
	v.SetDefault("manager.notificationDelayMs", 1000)
	v.SetDefault("manager.orphanSweepInterval", 60*time.Second)
	v.SetDefault("manager.runningTimeout", 30*time.Minute)
	v.SetDefault("manager.waitMax", 30*time.Minute)
	v.SetDefault("manager.defaultModelCap", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("mcp.enabled", true)

	v.SetDefault("persistence.path", ".opencode/background-tasks.json")

	v.SetDefault("host.baseUrl", "http://127.0.0.1:4096")
	v.SetDefault("host.timeoutMs", 30000)
}

// Load reads configuration from environment variables (prefixed BGTASK_),
// an optional config.yaml in the current directory, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the given directory or the default
// search locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BGTASK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Manager.MaxConcurrentStarts <= 0 {
		errs = append(errs, "manager.maxConcurrentStarts must be positive")
	}
	if cfg.Manager.MaxCompletedTasks <= 0 {
		errs = append(errs, "manager.maxCompletedTasks must be positive")
	}
	if cfg.Manager.ResultMaxBytes <= 0 {
		errs = append(errs, "manager.resultMaxBytes must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
