package core

import (
	"testing"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/chainpulse/telemetry/src/common"
)

// Default configuration values.
const (
	DefaultLogLevel    = "debug"
	DefaultShardAddr   = "127.0.0.1:9000"
	DefaultFeedAddr    = "127.0.0.1:8000"
	DefaultServiceAddr = "127.0.0.1:8080"
	DefaultQueueSize   = 4096
	DefaultFeedQueue   = 32
)

// Config contains all the configuration properties of a telemetry core.
type Config struct {
	// DataDir is the top-level directory containing telemetry configuration
	// files
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// ShardAddr is the local address:port where this core accepts shard
	// links.
	ShardAddr string `mapstructure:"shard-listen"`

	// FeedAddr is the local address:port where this core accepts feed
	// websocket connections on /feed.
	FeedAddr string `mapstructure:"feed-listen"`

	// ServiceAddr is the address:port of the HTTP ops service. An empty
	// value disables the service.
	ServiceAddr string `mapstructure:"service-listen"`

	// QuotaFile is the path of a JSON file mapping chain labels to node
	// limits. An empty value leaves every chain unlimited.
	QuotaFile string `mapstructure:"quotas"`

	// QueueSize is the capacity of the registry's operation queue. Shard
	// links block when it is full, pushing backpressure onto the links
	// rather than dropping mutations.
	QueueSize int `mapstructure:"queue-size"`

	// FeedQueue is the capacity of each feed's outbound queue. A feed that
	// falls behind loses its oldest queued messages and is resynced with a
	// fresh snapshot.
	FeedQueue int `mapstructure:"feed-queue"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:     common.DefaultDataDir(),
		LogLevel:    DefaultLogLevel,
		ShardAddr:   DefaultShardAddr,
		FeedAddr:    DefaultFeedAddr,
		ServiceAddr: DefaultServiceAddr,
		QueueSize:   DefaultQueueSize,
		FeedQueue:   DefaultFeedQueue,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.ShardAddr = "127.0.0.1:0"
	config.FeedAddr = "127.0.0.1:0"
	config.ServiceAddr = ""
	config.logger = common.NewTestLogger(t)
	return config
}

// SetDataDir sets the top-level telemetry directory.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
}

// Logger returns a formatted logrus Entry, with prefix set to "core".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = common.LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger.WithField("prefix", "core")
}
