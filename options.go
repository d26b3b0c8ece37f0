package gridnet

import (
	"io"
	"log"
	"os"
	"time"

	"github.com/hashicorp/logutils"
)

const (
	// DefaultPingInterval disables liveness pings unless configured.
	DefaultPingInterval = 0
	// DefaultMaxPendingChannels is the pending back-channel warning threshold.
	DefaultMaxPendingChannels = 100
	// DefaultCloggedCount is the dispatcher backlog above which producers
	// are throttled.
	DefaultCloggedCount = 1024
	// DefaultCloggedDelay is the pause applied to a throttled producer.
	DefaultCloggedDelay = 32 * time.Millisecond
	// DefaultConnectTimeout bounds the open handshake.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultEdition is the edition tag announced in the open handshake.
	DefaultEdition = "CE"
	// DefaultLogLevel is the minimum level passed through the log filter.
	DefaultLogLevel = "WARN"
)

// Option is a functional option for connections and services.
type Option func(*Config)

// Config holds runtime settings for connections and services. Zero value
// yields sane defaults via defaultConfig(); users modify it through
// functional options.
type Config struct {
	logger *log.Logger
	clock  Clock

	metrics Metrics
	codec   Codec

	serializerName string
	identity       []byte
	edition        string

	pingInterval       time.Duration
	pingTimeout        time.Duration
	maxPendingChannels int
	closeNotifyTimeout time.Duration
	connectTimeout     time.Duration

	requestTimeout    time.Duration
	taskHungThreshold time.Duration
	cloggedCount      int
	cloggedDelay      time.Duration

	authorizer Authorizer
}

// Validate checks that the configuration is sane.
func (c *Config) Validate() error {
	if c.serializerName == "" {
		return ErrInvalidConfig
	}
	if _, err := LookupSerializer(c.serializerName); err != nil {
		return err
	}
	if c.maxPendingChannels <= 0 || c.cloggedCount <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		logger:             NewLogger(os.Stderr, DefaultLogLevel),
		clock:              NewSystemClock(),
		metrics:            NewDefaultMetrics(),
		codec:              NewCodec(),
		serializerName:     DefaultSerializerName,
		edition:            DefaultEdition,
		pingInterval:       DefaultPingInterval,
		maxPendingChannels: DefaultMaxPendingChannels,
		connectTimeout:     DefaultConnectTimeout,
		cloggedCount:       DefaultCloggedCount,
		cloggedDelay:       DefaultCloggedDelay,
	}
}

func applyConfig(opts []Option) *Config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	if cfg.pingTimeout <= 0 {
		cfg.pingTimeout = cfg.pingInterval
	}
	return cfg
}

// NewLogger builds a level-filtered stdlib logger. Lines are filtered on the
// usual [DEBUG]/[INFO]/[WARN]/[ERR] prefixes.
func NewLogger(w io.Writer, minLevel string) *log.Logger {
	filter := &logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERR"},
		MinLevel: logutils.LogLevel(minLevel),
		Writer:   w,
	}
	return log.New(filter, "", log.LstdFlags)
}

// WithLogger sets a custom logger. If unset, a level-filtered logger writing
// to stderr is used.
func WithLogger(l *log.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithLogLevel sets the minimum level of the default logger.
func WithLogLevel(level string) Option {
	return func(c *Config) {
		if level != "" {
			c.logger = NewLogger(os.Stderr, level)
		}
	}
}

// WithClock overrides the monotonic clock. Intended for tests.
func WithClock(clock Clock) Option {
	return func(c *Config) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithMetrics sets a custom statistics implementation.
func WithMetrics(m Metrics) Option {
	return func(c *Config) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithSerializer selects the named serializer for new connections.
func WithSerializer(name string) Option {
	return func(c *Config) {
		if name != "" {
			c.serializerName = name
		}
	}
}

// WithIdentity sets the identity token presented during the open handshake.
func WithIdentity(token []byte) Option {
	return func(c *Config) { c.identity = token }
}

// WithAuthorizer sets the identity check applied by the acceptor side of
// the open handshake. A nil authorizer admits every identity.
func WithAuthorizer(a Authorizer) Option {
	return func(c *Config) { c.authorizer = a }
}

// WithEdition sets the edition tag announced in the open handshake.
func WithEdition(edition string) Option {
	return func(c *Config) {
		if edition != "" {
			c.edition = edition
		}
	}
}

// WithPing sets the liveness ping cadence. Zero disables pings. The ping
// timeout defaults to the interval unless WithPingTimeout overrides it.
func WithPing(interval time.Duration) Option {
	return func(c *Config) {
		if interval >= 0 {
			c.pingInterval = interval
		}
	}
}

// WithPingTimeout sets how long an outstanding ping may remain unanswered
// before the connection is failed.
func WithPingTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.pingTimeout = d
		}
	}
}

// WithMaxPendingChannels sets the pending back-channel warning threshold.
func WithMaxPendingChannels(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.maxPendingChannels = n
		}
	}
}

// WithCloseNotifyTimeout bounds how long close waits to flush the close
// notification. Zero waits indefinitely.
func WithCloseNotifyTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.closeNotifyTimeout = d
		}
	}
}

// WithConnectTimeout bounds the open handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithRequestTimeout sets the default deadline applied to requests whose
// callers pass a zero timeout. Zero means no default deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.requestTimeout = d
		}
	}
}

// WithTaskHungThreshold sets how long a service task may run before a
// warning is logged. Zero disables the check.
func WithTaskHungThreshold(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.taskHungThreshold = d
		}
	}
}

// WithCloggedCount sets the dispatcher backlog threshold above which event
// producers are paused.
func WithCloggedCount(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.cloggedCount = n
		}
	}
}

// WithCloggedDelay sets the pause applied to producers while the dispatcher
// backlog is above the clogged threshold.
func WithCloggedDelay(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.cloggedDelay = d
		}
	}
}
