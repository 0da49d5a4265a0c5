package backplane

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultHubName                    = "default"
	DefaultGroupCommandTimeout        = 30 * time.Second
	DefaultBusWaitTimeout             = 60 * time.Second
	DefaultBusPollInterval            = 250 * time.Millisecond
	DefaultResubscribeInitialInterval = 100 * time.Millisecond
	DefaultResubscribeMaxInterval     = 10 * time.Second
)

// Options configures a Hub. Zero fields take the defaults above.
type Options struct {
	// HubName namespaces every topic; hubs of different kinds sharing one bus
	// must use different names.
	HubName string

	// ServerName identifies this process in group commands. Generated when empty.
	ServerName string

	// Logger receives structured logs. The zero value discards them.
	Logger zerolog.Logger

	// GroupCommandTimeout bounds the wait for a remote group command ack.
	GroupCommandTimeout time.Duration

	// BusWaitTimeout bounds the wait for an unhealthy bus before an operation
	// fails with ErrBusUnavailable. BusPollInterval is the check period.
	BusWaitTimeout  time.Duration
	BusPollInterval time.Duration

	// Resubscribe backoff bounds for fan-out loops whose bus stream dropped.
	ResubscribeInitialInterval time.Duration
	ResubscribeMaxInterval     time.Duration
}

func (o Options) withDefaults() Options {
	if o.HubName == "" {
		o.HubName = DefaultHubName
	}
	if o.ServerName == "" {
		o.ServerName = generateServerName()
	}
	if o.GroupCommandTimeout <= 0 {
		o.GroupCommandTimeout = DefaultGroupCommandTimeout
	}
	if o.BusWaitTimeout <= 0 {
		o.BusWaitTimeout = DefaultBusWaitTimeout
	}
	if o.BusPollInterval <= 0 {
		o.BusPollInterval = DefaultBusPollInterval
	}
	if o.ResubscribeInitialInterval <= 0 {
		o.ResubscribeInitialInterval = DefaultResubscribeInitialInterval
	}
	if o.ResubscribeMaxInterval <= 0 {
		o.ResubscribeMaxInterval = DefaultResubscribeMaxInterval
	}
	return o
}
