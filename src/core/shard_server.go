package core

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chainpulse/telemetry/src/metrics"
	tnet "github.com/chainpulse/telemetry/src/net"
	"github.com/chainpulse/telemetry/src/state"
)

// ShardServer terminates shard links. Each accepted stream gets a fresh
// ShardID at hello; IDs count up and are never reused, so a reconnecting
// shard can never alias its previous incarnation's node keys. When a link
// drops, the shard's contributions are purged from the registry.
type ShardServer struct {
	layer    tnet.StreamLayer
	registry *Registry
	logger   *logrus.Entry

	mu        sync.Mutex
	lastShard state.ShardID
	conns     map[state.ShardID]net.Conn
	shutdown  bool

	shutdownCh chan struct{}
}

// NewShardServer instantiates the link server on an open stream layer.
func NewShardServer(layer tnet.StreamLayer, registry *Registry, logger *logrus.Entry) *ShardServer {
	return &ShardServer{
		layer:      layer,
		registry:   registry,
		logger:     logger.WithField("component", "shard_server"),
		conns:      make(map[state.ShardID]net.Conn),
		shutdownCh: make(chan struct{}),
	}
}

// Addr returns the listener's address.
func (s *ShardServer) Addr() string {
	return s.layer.Addr().String()
}

// Serve accepts shard links until Shutdown. This is a blocking call.
func (s *ShardServer) Serve() {
	s.logger.WithField("bind_address", s.Addr()).Debug("Accepting shard links")

	for {
		conn, err := s.layer.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
			default:
				s.logger.WithError(err).Error("accepting shard link")
			}
			return
		}
		go s.serveLink(conn)
	}
}

// Shutdown closes the listener and severs every live link.
func (s *ShardServer) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	conns := make([]net.Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	close(s.shutdownCh)
	s.layer.Close()

	for _, conn := range conns {
		conn.Close()
	}
}

// NumShards returns the number of live shard links.
func (s *ShardServer) NumShards() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *ShardServer) serveLink(conn net.Conn) {
	lc := tnet.NewLinkConn(conn)
	defer lc.Release()

	shardID, err := s.handshake(lc)
	if err != nil {
		s.logger.WithError(err).Debug("shard handshake failed")
		return
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.conns[shardID] = conn
	s.mu.Unlock()

	metrics.RecordShardConnected()

	err = s.pump(lc, shardID)

	s.mu.Lock()
	delete(s.conns, shardID)
	s.mu.Unlock()

	metrics.RecordShardDisconnected()
	s.registry.ApplyShardDisconnect(shardID)

	s.logger.WithFields(logrus.Fields{
		"shard": shardID,
		"err":   err,
	}).Info("shard link closed, contributions purged")
}

// handshake reads the hello that must open every link and answers with a
// freshly assigned ShardID.
func (s *ShardServer) handshake(lc *tnet.LinkConn) (state.ShardID, error) {
	lc.SetReadDeadline(time.Now().Add(tnet.WriteWait))
	msgType, body, err := lc.ReadMsg()
	if err != nil {
		return 0, err
	}
	if msgType != tnet.MsgHello {
		return 0, fmt.Errorf("expected hello, got message type %d", msgType)
	}

	var hello tnet.Hello
	if err := tnet.DecodeBody(body, &hello); err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.lastShard++
	shardID := s.lastShard
	s.mu.Unlock()

	lc.SetWriteDeadline(time.Now().Add(tnet.WriteWait))
	if err := lc.WriteMsg(tnet.MsgHelloAck, tnet.HelloAck{ShardID: shardID}); err != nil {
		return 0, err
	}

	s.logger.WithFields(logrus.Fields{
		"moniker": hello.Moniker,
		"shard":   shardID,
		"remote":  lc.RemoteAddr(),
	}).Info("shard link established")

	return shardID, nil
}

// pump applies changesets and acks them, in order, until the link fails.
func (s *ShardServer) pump(lc *tnet.LinkConn, shardID state.ShardID) error {
	for {
		lc.SetReadDeadline(time.Now().Add(tnet.PongWait))

		msgType, body, err := lc.ReadMsg()
		if err != nil {
			return err
		}

		switch msgType {
		case tnet.MsgChangeSet:
			var cs tnet.ChangeSet
			if err := tnet.DecodeBody(body, &cs); err != nil {
				return err
			}

			rejected := s.registry.ApplyChangeSet(shardID, cs)

			lc.SetWriteDeadline(time.Now().Add(tnet.WriteWait))
			ack := tnet.ChangeSetAck{Seq: cs.Seq, Rejected: rejected}
			if err := lc.WriteMsg(tnet.MsgChangeSetAck, ack); err != nil {
				return err
			}
		case tnet.MsgPing:
			lc.SetWriteDeadline(time.Now().Add(tnet.WriteWait))
			if err := lc.WriteMsg(tnet.MsgPong, nil); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected message type %d on link", msgType)
		}
	}
}
