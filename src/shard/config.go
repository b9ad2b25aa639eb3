package shard

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/chainpulse/telemetry/src/common"
)

// Default configuration values.
const (
	DefaultLogLevel      = "debug"
	DefaultSubmitAddr    = "127.0.0.1:8001"
	DefaultServiceAddr   = "127.0.0.1:8081"
	DefaultCoreAddr      = "127.0.0.1:9000"
	DefaultMoniker       = "shard"
	DefaultFlushInterval = 100 * time.Millisecond
	DefaultMaxBatch      = 128
	DefaultConnTimeout   = 1000 * time.Millisecond
	DefaultMaxBackoff    = 8 * time.Second
	DefaultInboxSize     = 4096
	DefaultOutboxSize    = 256
)

// Config contains all the configuration properties of a telemetry shard.
type Config struct {
	// DataDir is the top-level directory containing telemetry configuration
	// files
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// SubmitAddr is the local address:port where this shard accepts node
	// websocket connections on /submit.
	SubmitAddr string `mapstructure:"submit-listen"`

	// ServiceAddr is the address:port of the HTTP ops service. An empty
	// value disables the service.
	ServiceAddr string `mapstructure:"service-listen"`

	// CoreAddr is the address:port of the core's shard listener. The shard
	// maintains one persistent link to it and reconnects with capped
	// exponential backoff.
	CoreAddr string `mapstructure:"core-connect"`

	// Moniker is the friendly name this shard announces on its link. The
	// core uses it for logs only; identity is the core-assigned shard ID.
	Moniker string `mapstructure:"moniker"`

	// FlushInterval is the coalescing window. Node events buffered within
	// one window are merged per node and flushed as a single changeset.
	FlushInterval time.Duration `mapstructure:"flush-interval"`

	// MaxBatch caps the entries in one changeset. A window flushes early
	// when it fills up.
	MaxBatch int `mapstructure:"max-batch"`

	// ConnTimeout is the dial timeout of link connections.
	ConnTimeout time.Duration `mapstructure:"timeout"`

	// MaxBackoff caps the exponential backoff between link dial attempts.
	MaxBackoff time.Duration `mapstructure:"max-backoff"`

	// InboxSize is the capacity of the aggregator's event channel. Node
	// sessions block when it is full, pushing backpressure onto the node
	// connection rather than dropping or reordering events.
	InboxSize int `mapstructure:"inbox-size"`

	// OutboxSize is the capacity of the link's changeset queue. When it is
	// full, flushes are skipped and the coalescing window widens.
	OutboxSize int `mapstructure:"outbox-size"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:       common.DefaultDataDir(),
		LogLevel:      DefaultLogLevel,
		SubmitAddr:    DefaultSubmitAddr,
		ServiceAddr:   DefaultServiceAddr,
		CoreAddr:      DefaultCoreAddr,
		Moniker:       DefaultMoniker,
		FlushInterval: DefaultFlushInterval,
		MaxBatch:      DefaultMaxBatch,
		ConnTimeout:   DefaultConnTimeout,
		MaxBackoff:    DefaultMaxBackoff,
		InboxSize:     DefaultInboxSize,
		OutboxSize:    DefaultOutboxSize,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.SubmitAddr = "127.0.0.1:0"
	config.ServiceAddr = ""
	config.logger = common.NewTestLogger(t)
	return config
}

// SetDataDir sets the top-level telemetry directory.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
}

// Logger returns a formatted logrus Entry, with prefix set to "shard".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = common.LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger.WithField("prefix", "shard")
}
