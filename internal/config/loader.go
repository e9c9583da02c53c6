// Package config loads process configuration: defaults, an optional
// config file, and SPECTREE_* environment overrides, in that precedence
// order (lowest to highest).
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the process configuration.
type Config struct {
	// Workers bounds concurrent builds; 0 means the number of CPUs.
	Workers int `mapstructure:"workers"`

	Logging LoggingConfig `mapstructure:"logging"`
	Backend BackendConfig `mapstructure:"backend"`
	Copr    CoprConfig    `mapstructure:"copr"`
}

// LoggingConfig selects log verbosity.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// BackendConfig bounds backend subprocesses.
type BackendConfig struct {
	// Timeout bounds one backend invocation; zero disables the bound.
	Timeout time.Duration `mapstructure:"timeout"`

	// GracePeriod is decoded from configuration but not passed to the
	// subprocess runner; cancelled subprocesses always get
	// runner.DefaultGracePeriod after SIGTERM before they are killed.
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// CoprConfig tunes the remote backend's polling behaviour.
type CoprConfig struct {
	PollInitial time.Duration `mapstructure:"poll_initial"`
	PollMax     time.Duration `mapstructure:"poll_max"`

	// RateEvery caps copr-cli invocations to one per interval.
	RateEvery time.Duration `mapstructure:"rate_every"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workers", 0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("backend.timeout", "2h")
	v.SetDefault("backend.grace_period", "10s")
	v.SetDefault("copr.poll_initial", "10s")
	v.SetDefault("copr.poll_max", "2m")
	v.SetDefault("copr.rate_every", "1s")
}

// Load reads configuration. A config file named spectree.yaml in the
// working directory is optional; its absence is not an error.
func Load(ctx context.Context) (*Config, error) {
	_ = ctx

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("spectree")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SPECTREE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
