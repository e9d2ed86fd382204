// Package proxyconfig loads and hot-reloads the proxy's configuration: the
// pools table, the listener binds, and the ambient control/dashboard/log
// settings. It follows the viper Load/defaults/Validate pattern used by this
// repo's sibling pool projects, adapted to the proxy's pools-map shape.
package proxyconfig

import (
	"fmt"

	"github.com/spf13/viper"
)

// PoolConfig describes one upstream pool the proxy can dial: host/port and
// the account credentials used to authorize and to rewrite submitted worker
// names. The pool's label is its key in Config.Pools, not a field here.
type PoolConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	User string `mapstructure:"user"`
	Pass string `mapstructure:"pass"`
}

// Addr returns the host:port dial string for this pool.
func (p PoolConfig) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// ListenerConfig binds a local TCP port to one of the configured pools.
type ListenerConfig struct {
	Bind string `mapstructure:"bind"`
	Pool string `mapstructure:"pool"`
}

// ControlConfig is the local-only reload endpoint.
type ControlConfig struct {
	Bind string `mapstructure:"bind"`
}

// DashboardConfig is the read-only stats/metrics HTTP surface.
type DashboardConfig struct {
	Bind string `mapstructure:"bind"`
}

// ShareLogConfig points at the local append-only share event store.
type ShareLogConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig is the optional stats-snapshot publish target.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	DB      int    `mapstructure:"db"`
}

// LogConfig configures the process-wide structured logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Config is the full on-disk configuration for the proxy.
type Config struct {
	Listeners map[string]ListenerConfig `mapstructure:"listeners"`
	Pools     map[string]PoolConfig     `mapstructure:"pools"`
	Control   ControlConfig             `mapstructure:"control"`
	Dashboard DashboardConfig           `mapstructure:"dashboard"`
	ShareLog  ShareLogConfig            `mapstructure:"sharelog"`
	Redis     RedisConfig               `mapstructure:"redis"`
	Log       LogConfig                 `mapstructure:"log"`
}

// Pool looks up a pool descriptor by its label, returning false if the
// listener references a label that no longer exists in the pools table.
func (c *Config) Pool(label string) (PoolConfig, bool) {
	p, ok := c.Pools[label]
	return p, ok
}

// Validate checks the invariants the loader requires: pools must be present
// and non-empty, and every listener must reference a known pool label.
func (c *Config) Validate() error {
	if len(c.Pools) == 0 {
		return fmt.Errorf("config validation failed: pools table is required and must be non-empty")
	}
	for name, l := range c.Listeners {
		if _, ok := c.Pools[l.Pool]; !ok {
			return fmt.Errorf("config validation failed: listener %q references unknown pool %q", name, l.Pool)
		}
	}
	return nil
}

// Load reads configuration from configPath (or the default search path if
// empty) plus TAOHASH_PROXY-prefixed environment overrides, applies
// defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/taohash-proxy")
	}

	v.SetEnvPrefix("TAOHASH_PROXY")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("control.bind", "127.0.0.1:5010")
	v.SetDefault("dashboard.bind", ":8100")
	v.SetDefault("sharelog.path", "./data/sharelog.db")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}
