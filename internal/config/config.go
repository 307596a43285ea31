// Package config loads the application configuration from an optional
// file plus environment overrides, with a clear precedence order:
// environment beats file beats defaults. Environment variables follow
// the double-underscore scheme: APP_<SECTION>__<KEY>, e.g.
// APP_SERVER__BIND_ADDRESS maps to server.bind_address.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full recognised configuration surface.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	// Secret is the HMAC key bearer tokens are verified against.
	Secret string `mapstructure:"secret"`
}

// ServerConfig configures the REST listener.
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
}

// DatabaseConfig configures the backing store. An empty path selects the
// in-memory store.
type DatabaseConfig struct {
	Path            string `mapstructure:"path"`
	CreateIfMissing bool   `mapstructure:"create_if_missing"`
}

// ScheduleConfig configures the recurring batch auction. An empty Every
// disables scheduling.
type ScheduleConfig struct {
	From  string `mapstructure:"from"`
	Every string `mapstructure:"every"`
}

// FromTime parses the anchor instant; zero time when unset.
func (s ScheduleConfig) FromTime() (time.Time, error) {
	if s.From == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s.From)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule.from: %w", err)
	}
	return t.UTC(), nil
}

// EveryDuration parses the recurrence; zero when unset.
func (s ScheduleConfig) EveryDuration() (time.Duration, error) {
	if s.Every == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.Every)
	if err != nil {
		return 0, fmt.Errorf("schedule.every: %w", err)
	}
	return d, nil
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.bind_address", "127.0.0.1:8080")
	v.SetDefault("database.path", "")
	v.SetDefault("database.create_if_missing", true)
	v.SetDefault("schedule.from", "")
	v.SetDefault("schedule.every", "")
	v.SetDefault("secret", "")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
