// Package config loads process-wide settings layered defaults → YAML
// config file → LOOM_* environment variables → CLI flags, via
// github.com/spf13/viper, matching SPEC_FULL.md's Configuration section.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the process-wide settings document loaded once at startup.
type Config struct {
	StateDir           string `mapstructure:"state_dir"`
	SkipVersionCheck   bool   `mapstructure:"skip_version_check"`
	DefaultTimeoutSecs float64 `mapstructure:"default_timeout_secs"`
	AICLIPath          string `mapstructure:"ai_cli_path"`
	LogLevel           string `mapstructure:"log_level"`
	Debug              bool   `mapstructure:"debug"`
	PredefinedDir      string `mapstructure:"predefined_dir"`

	NATS NATSConfig `mapstructure:"nats"`
}

// NATSConfig governs whether the Message Bus runs an embedded
// jetstream server or dials an external one.
type NATSConfig struct {
	URL          string `mapstructure:"url"`
	Embedded     bool   `mapstructure:"embedded"`
	EmbeddedPort int    `mapstructure:"embedded_port"`
}

// Load builds a viper instance from defaults, an optional config file
// (configPath; empty means "search ./loom.yaml and $HOME/.loom/loom.yaml"),
// LOOM_*-prefixed environment variables, and flags, in that override
// order, and decodes the result into a Config.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("state_dir", "./.workflow_states")
	v.SetDefault("skip_version_check", false)
	v.SetDefault("default_timeout_secs", 300.0)
	v.SetDefault("ai_cli_path", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("debug", false)
	v.SetDefault("predefined_dir", "./.loom/predefined")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.embedded", true)
	v.SetDefault("nats.embedded_port", 4222)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("loom")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.loom")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("LOOM")
	v.AutomaticEnv()
	_ = v.BindEnv("state_dir", "LOOM_STATE_DIR", "STATE_DIR")
	_ = v.BindEnv("skip_version_check", "LOOM_SKIP_VERSION_CHECK", "SKIP_VERSION_CHECK")
	_ = v.BindEnv("default_timeout_secs", "LOOM_DEFAULT_TIMEOUT_SECS", "DEFAULT_TIMEOUT_SECS")
	bindEnv(v, "ai_cli_path", "AI_CLI_PATH")
	bindEnv(v, "log_level", "LOG_LEVEL")
	bindEnv(v, "debug", "DEBUG")
	bindEnv(v, "nats.url", "NATS_URL")
	bindEnv(v, "nats.embedded", "NATS_EMBEDDED")
	bindEnv(v, "nats.embedded_port", "NATS_EMBEDDED_PORT")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("config: binding flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	return &cfg, nil
}

func bindEnv(v *viper.Viper, key, suffix string) {
	_ = v.BindEnv(key, "LOOM_"+suffix)
}

// DefaultTimeout returns DefaultTimeoutSecs as a time.Duration.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSecs * float64(time.Second))
}
