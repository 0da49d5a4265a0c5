package backplane

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jonoton/go-backplane/bus"
	"github.com/jonoton/go-backplane/membus"
	"github.com/jonoton/go-backplane/redisbus"
)

const (
	// BusMemory keeps all traffic inside the process: the single-server deployment.
	BusMemory = "memory"

	// BusRedis scales out over Redis pub/sub.
	BusRedis = "redis"
)

// Config is the host-facing configuration; see the config package for loading it.
type Config struct {
	HubName             string        `mapstructure:"hub_name"`
	ServerName          string        `mapstructure:"server_name"`
	GroupCommandTimeout time.Duration `mapstructure:"group_command_timeout"`
	BusWaitTimeout      time.Duration `mapstructure:"bus_wait_timeout"`
	BusPollInterval     time.Duration `mapstructure:"bus_poll_interval"`

	Resubscribe struct {
		InitialInterval time.Duration `mapstructure:"initial_interval"`
		MaxInterval     time.Duration `mapstructure:"max_interval"`
	} `mapstructure:"resubscribe"`

	Bus BusConfig `mapstructure:"bus"`
}

// BusConfig selects and configures the bus Open creates.
type BusConfig struct {
	Kind string `mapstructure:"kind"`

	Memory struct {
		BufferSize     int           `mapstructure:"buffer_size"`
		PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	} `mapstructure:"memory"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
}

// Options converts the configuration into hub options.
func (c Config) Options(logger zerolog.Logger) Options {
	return Options{
		HubName:                    c.HubName,
		ServerName:                 c.ServerName,
		Logger:                     logger,
		GroupCommandTimeout:        c.GroupCommandTimeout,
		BusWaitTimeout:             c.BusWaitTimeout,
		BusPollInterval:            c.BusPollInterval,
		ResubscribeInitialInterval: c.Resubscribe.InitialInterval,
		ResubscribeMaxInterval:     c.Resubscribe.MaxInterval,
	}
}

// Open creates the bus named by cfg.Bus.Kind and starts a hub on it. The hub
// owns the bus: Close closes both.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Hub, error) {
	var (
		b        bus.Bus
		closeBus func() error
	)
	switch cfg.Bus.Kind {
	case "", BusMemory:
		mb := membus.New(membus.Options{
			BufferSize: cfg.Bus.Memory.BufferSize,
			Default:    membus.TopicConfig{PublishTimeout: cfg.Bus.Memory.PublishTimeout},
		})
		b, closeBus = mb, mb.Close
	case BusRedis:
		rb := redisbus.New(redisbus.Options{
			Addr:     cfg.Bus.Redis.Addr,
			Username: cfg.Bus.Redis.Username,
			Password: cfg.Bus.Redis.Password,
			DB:       cfg.Bus.Redis.DB,
			Logger:   logger,
		})
		b, closeBus = rb, rb.Close
	default:
		return nil, fmt.Errorf("%w: unknown bus kind %q", ErrInvalidArgument, cfg.Bus.Kind)
	}

	h, err := New(ctx, b, cfg.Options(logger))
	if err != nil {
		closeBus()
		return nil, err
	}
	h.closeBus = closeBus
	return h, nil
}
