// Package core implements the aggregation tier: it terminates shard links,
// merges their changesets into per-chain aggregates behind a single-writer
// registry, enforces per-chain node quotas, and fans versioned deltas out
// to subscribed feeds.
package core

import (
	"strconv"

	"github.com/sirupsen/logrus"

	tnet "github.com/chainpulse/telemetry/src/net"
	"github.com/chainpulse/telemetry/src/service"
)

// Core is the engine tying the registry, the shard link server, and the
// feed server together.
type Core struct {
	Config      *Config
	Registry    *Registry
	Router      *Router
	ShardServer *ShardServer
	FeedServer  *FeedServer
	Service     *service.Service

	// Layer accepts shard links. It defaults to a TCP listener on the
	// configured address and is replaceable for in-process wiring.
	Layer tnet.StreamLayer

	quotas QuotaTable
	logger *logrus.Entry
}

// NewCore instantiates an engine from config. Init readies it.
func NewCore(config *Config) *Core {
	return &Core{
		Config: config,
		logger: config.Logger(),
	}
}

func (c *Core) initQuotas() error {
	if c.Config.QuotaFile == "" {
		c.quotas = NewQuotaTable(nil)
		return nil
	}

	quotas, err := LoadQuotas(c.Config.QuotaFile)
	if err != nil {
		return err
	}
	c.quotas = quotas

	c.logger.WithFields(logrus.Fields{
		"file":   c.Config.QuotaFile,
		"limits": quotas.Len(),
	}).Debug("chain quotas loaded")

	return nil
}

func (c *Core) initRegistry() error {
	c.Router = NewRouter(c.logger)
	c.Registry = NewRegistry(c.quotas, c.Router, c.Config.QueueSize, c.logger)
	return nil
}

func (c *Core) initShardServer() error {
	if c.Layer == nil {
		layer, err := tnet.NewTCPStreamLayer(c.Config.ShardAddr, "")
		if err != nil {
			return err
		}
		c.Layer = layer
	}

	c.ShardServer = NewShardServer(c.Layer, c.Registry, c.logger)
	return nil
}

func (c *Core) initFeedServer() error {
	c.FeedServer = NewFeedServer(c.Config.FeedAddr, c.Registry, c.Config.FeedQueue, c.logger)
	return nil
}

func (c *Core) initService() error {
	if c.Config.ServiceAddr != "" {
		c.Service = service.NewService(c.Config.ServiceAddr, c, c.logger)
		c.Service.AddJSONHandler("/chains", func() interface{} {
			return c.Registry.Chains()
		})
	}
	return nil
}

// Init builds all the components. It must be called before Run.
func (c *Core) Init() error {
	if err := c.initQuotas(); err != nil {
		return err
	}

	if err := c.initRegistry(); err != nil {
		return err
	}

	if err := c.initShardServer(); err != nil {
		return err
	}

	if err := c.initFeedServer(); err != nil {
		return err
	}

	if err := c.initService(); err != nil {
		return err
	}

	return nil
}

// Run starts every component and blocks servicing the registry.
func (c *Core) Run() {
	if c.Service != nil {
		go c.Service.Serve()
	}

	go c.ShardServer.Serve()
	go c.FeedServer.Serve()

	c.Registry.Run()
}

// Shutdown stops the components in dependency order.
func (c *Core) Shutdown() {
	c.logger.Debug("core shutting down")

	c.ShardServer.Shutdown()
	c.FeedServer.Shutdown()
	c.Registry.Shutdown()

	if c.Service != nil {
		c.Service.Shutdown()
	}
}

// GetStats implements service.StatsProvider.
func (c *Core) GetStats() map[string]string {
	stats := c.Registry.Stats()

	return map[string]string{
		"num_chains":        strconv.Itoa(stats.NumChains),
		"num_nodes":         strconv.Itoa(stats.NumNodes),
		"num_subscriptions": strconv.Itoa(stats.NumFeeds),
		"num_shards":        strconv.Itoa(c.ShardServer.NumShards()),
		"num_feeds":         strconv.Itoa(c.FeedServer.NumFeeds()),
	}
}
