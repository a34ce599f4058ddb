package mutex

import (
	"fmt"
	"time"
)

const (
	DefaultAliveInterval      = 2 * time.Minute
	DefaultLeaseGrace         = 10 * time.Second
	DefaultLeaseTTL           = DefaultAliveInterval + DefaultLeaseGrace
	DefaultAcquireMinInterval = 100 * time.Millisecond
	DefaultAcquireMaxInterval = 150 * time.Millisecond
	DefaultOperationTimeout   = 5 * time.Second
)

// Config tunes lease timing. Zero values take the defaults above.
type Config struct {
	// AliveInterval is the heartbeat period.
	AliveInterval time.Duration
	// LeaseTTL is how far in the future claims and renewals push the expiration.
	LeaseTTL time.Duration
	// AcquireMinInterval and AcquireMaxInterval bound the random polling delay of AcquireSingle.
	AcquireMinInterval time.Duration
	AcquireMaxInterval time.Duration
	// OperationTimeout bounds heartbeat and release round-trips, which run detached
	// from caller contexts.
	OperationTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		AliveInterval:      DefaultAliveInterval,
		LeaseTTL:           DefaultLeaseTTL,
		AcquireMinInterval: DefaultAcquireMinInterval,
		AcquireMaxInterval: DefaultAcquireMaxInterval,
		OperationTimeout:   DefaultOperationTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.AliveInterval <= 0 {
		c.AliveInterval = DefaultAliveInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = c.AliveInterval + DefaultLeaseGrace
	}
	if c.AcquireMinInterval <= 0 {
		c.AcquireMinInterval = DefaultAcquireMinInterval
	}
	if c.AcquireMaxInterval <= 0 {
		c.AcquireMaxInterval = DefaultAcquireMaxInterval
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	return c
}

// Validate checks the relations between intervals after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.LeaseTTL <= c.AliveInterval {
		return mutexError(ErrInvalidArgument, fmt.Sprintf("lease ttl %s must exceed alive interval %s", c.LeaseTTL, c.AliveInterval))
	}
	if c.AcquireMaxInterval < c.AcquireMinInterval {
		return mutexError(ErrInvalidArgument, fmt.Sprintf("acquire max interval %s is below min interval %s", c.AcquireMaxInterval, c.AcquireMinInterval))
	}
	return nil
}
