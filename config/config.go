// Package config loads backplane.Config with viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/jonoton/go-backplane"
)

// EnvPrefix prefixes environment overrides, e.g. BACKPLANE_BUS_REDIS_ADDR.
const EnvPrefix = "BACKPLANE"

// Load reads path (YAML, JSON or TOML by extension) when it is not empty,
// then applies environment overrides on top of the defaults.
func Load(path string) (backplane.Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return backplane.Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg backplane.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return backplane.Config{}, fmt.Errorf("config: decode: %w", err)
	}
	switch cfg.Bus.Kind {
	case backplane.BusMemory, backplane.BusRedis:
	default:
		return backplane.Config{}, fmt.Errorf("config: unknown bus kind %q", cfg.Bus.Kind)
	}
	return cfg, nil
}

// setDefaults registers every key, which also makes each one overridable
// from the environment.
func setDefaults(v *viper.Viper) {
	v.SetDefault("hub_name", backplane.DefaultHubName)
	v.SetDefault("server_name", "")
	v.SetDefault("group_command_timeout", backplane.DefaultGroupCommandTimeout)
	v.SetDefault("bus_wait_timeout", backplane.DefaultBusWaitTimeout)
	v.SetDefault("bus_poll_interval", backplane.DefaultBusPollInterval)
	v.SetDefault("resubscribe.initial_interval", backplane.DefaultResubscribeInitialInterval)
	v.SetDefault("resubscribe.max_interval", backplane.DefaultResubscribeMaxInterval)

	v.SetDefault("bus.kind", backplane.BusMemory)
	v.SetDefault("bus.memory.buffer_size", 64)
	v.SetDefault("bus.memory.publish_timeout", "500ms")
	v.SetDefault("bus.redis.addr", "127.0.0.1:6379")
	v.SetDefault("bus.redis.username", "")
	v.SetDefault("bus.redis.password", "")
	v.SetDefault("bus.redis.db", 0)
}
