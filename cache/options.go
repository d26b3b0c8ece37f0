package cache

import (
	"log"
	"os"
	"time"
)

const (
	// DefaultPruneLevel is the fraction of high units eviction prunes to.
	DefaultPruneLevel = 0.75
)

// Option is a functional option for NewLocalCache.
type Option func(*config)

type config struct {
	clock  Clock
	logger *log.Logger

	highUnits     int64
	pruneLevel    float64
	defaultExpiry time.Duration

	policy     EvictionPolicy
	calculator UnitCalculator
}

func defaultCacheConfig() *config {
	return &config{
		clock:      NewSystemClock(),
		logger:     log.New(os.Stderr, "", log.LstdFlags),
		pruneLevel: DefaultPruneLevel,
		policy:     HybridPolicy{},
		calculator: FixedCalculator{},
	}
}

func applyOptions(opts []Option) *config {
	cfg := defaultCacheConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

func (c *config) validate() error {
	if c.highUnits < 0 || c.pruneLevel < 0 || c.pruneLevel > 1 {
		return ErrInvalidConfig
	}
	if c.policy == nil || c.calculator == nil {
		return ErrInvalidConfig
	}
	return nil
}

// WithHighUnits bounds the total unit cost of live entries. Zero means
// unlimited.
func WithHighUnits(units int64) Option {
	return func(c *config) { c.highUnits = units }
}

// WithPruneLevel sets the fraction of high units that eviction prunes down
// to: low units = floor(high units x prune level).
func WithPruneLevel(level float64) Option {
	return func(c *config) { c.pruneLevel = level }
}

// WithDefaultExpiry sets the expiry applied to entries stored without an
// explicit one. Zero disables default expiry.
func WithDefaultExpiry(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.defaultExpiry = d
		}
	}
}

// WithEvictionPolicy selects a policy by name: "hybrid", "lru", "lfu".
func WithEvictionPolicy(name string) Option {
	return func(c *config) {
		if p, err := NewEvictionPolicy(name); err == nil {
			c.policy = p
		} else {
			c.policy = nil
		}
	}
}

// WithExternalEvictionPolicy installs a caller-supplied policy.
func WithExternalEvictionPolicy(p EvictionPolicy) Option {
	return func(c *config) { c.policy = p }
}

// WithUnitCalculator selects a calculator by name: "fixed", "binary".
func WithUnitCalculator(name string) Option {
	return func(c *config) {
		if u, err := NewUnitCalculator(name); err == nil {
			c.calculator = u
		} else {
			c.calculator = nil
		}
	}
}

// WithExternalUnitCalculator installs a caller-supplied calculator.
func WithExternalUnitCalculator(u UnitCalculator) Option {
	return func(c *config) { c.calculator = u }
}

// WithClock overrides the monotonic clock. Intended for tests.
func WithClock(clock Clock) Option {
	return func(c *config) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger used for listener failures.
func WithLogger(l *log.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
