// Package shard implements the node-facing telemetry tier: it terminates
// node websocket sessions, pre-aggregates their updates into changesets,
// and streams them to the core over one persistent link.
package shard

import (
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/chainpulse/telemetry/src/net"
	"github.com/chainpulse/telemetry/src/service"
	"github.com/chainpulse/telemetry/src/state"
)

// Shard is the engine tying the submission server, the aggregator, and the
// core link together.
type Shard struct {
	Config     *Config
	Server     *Server
	Aggregator *Aggregator
	Link       *Link
	Service    *service.Service

	// Dialer opens link connections. It defaults to TCP and is replaceable
	// for in-process wiring.
	Dialer net.Dialer

	logger *logrus.Entry
}

// NewShard instantiates an engine from config. Init readies it.
func NewShard(config *Config) *Shard {
	return &Shard{
		Config: config,
		logger: config.Logger(),
	}
}

func (s *Shard) initAggregator() error {
	s.Aggregator = NewAggregator(s.Config, s.logger)
	return nil
}

func (s *Shard) initServer() error {
	s.Server = NewServer(s.Config.SubmitAddr, s.Aggregator, s.logger)
	return nil
}

func (s *Shard) initLink() error {
	if s.Dialer == nil {
		s.Dialer = net.TCPDialer()
	}
	s.Link = NewLink(s.Config, s.Dialer, s.Aggregator.Outbox(), s, s.logger)
	return nil
}

func (s *Shard) initService() error {
	if s.Config.ServiceAddr != "" {
		s.Service = service.NewService(s.Config.ServiceAddr, s, s.logger)
	}
	return nil
}

// Init builds all the components. It must be called before Run.
func (s *Shard) Init() error {
	if err := s.initAggregator(); err != nil {
		return err
	}

	if err := s.initServer(); err != nil {
		return err
	}

	if err := s.initLink(); err != nil {
		return err
	}

	if err := s.initService(); err != nil {
		return err
	}

	return nil
}

// Run starts every component and blocks servicing the core link.
func (s *Shard) Run() {
	if s.Service != nil {
		go s.Service.Serve()
	}

	go s.Aggregator.Run()
	go s.Server.Serve()

	s.Link.Run()
}

// Shutdown stops the components in dependency order.
func (s *Shard) Shutdown() {
	s.logger.Debug("shard shutting down")

	s.Server.Shutdown()
	s.Link.Shutdown()
	s.Aggregator.Shutdown()

	if s.Service != nil {
		s.Service.Shutdown()
	}
}

// LinkEstablished implements LinkHandler. The core purged this shard's
// previous contribution, so the aggregator starts over from a full
// session snapshot.
func (s *Shard) LinkEstablished(id state.ShardID) {
	s.Aggregator.Resync(s.Server.Snapshot())
}

// LinkDown implements LinkHandler.
func (s *Shard) LinkDown() {
	s.Aggregator.GoOffline()
}

// NodesRejected implements LinkHandler. Rejected nodes are actively
// disconnected; a freed slot goes to whichever node connects next.
func (s *Shard) NodesRejected(rejections []net.Rejection) {
	for _, rejection := range rejections {
		s.logger.WithFields(logrus.Fields{
			"node":   rejection.Node,
			"reason": rejection.Reason,
		}).Warn("node rejected by core")

		s.Server.CloseNode(rejection.Node, rejection.Reason)
	}
}

// GetStats implements service.StatsProvider.
func (s *Shard) GetStats() map[string]string {
	return map[string]string{
		"moniker":            s.Config.Moniker,
		"num_sessions":       strconv.Itoa(s.Server.NumSessions()),
		"pending_entries":    strconv.Itoa(s.Aggregator.Pending()),
		"last_changeset_seq": strconv.FormatUint(s.Aggregator.Seq(), 10),
		"link_connected":     strconv.FormatBool(s.Link.Connected()),
		"shard_id":           strconv.FormatUint(uint64(s.Link.ShardID()), 10),
	}
}
