package shard

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/chainpulse/telemetry/src/message"
	"github.com/chainpulse/telemetry/src/metrics"
	tnet "github.com/chainpulse/telemetry/src/net"
	"github.com/chainpulse/telemetry/src/state"
)

// Session owns one node websocket connection. The read loop decodes
// envelopes, enforces the chain binding rule, and translates payloads into
// aggregator events. All events of a session, including the final
// NodeRemoved, are emitted by the read goroutine, which is what keeps
// per-node order.
type Session struct {
	id     state.NodeID
	conn   *websocket.Conn
	agg    *Aggregator
	logger *logrus.Entry

	mu    sync.Mutex
	bound bool
	chain string
	node  state.Node

	doneCh  chan struct{}
	onClose func(*Session)
}

func newSession(id state.NodeID, conn *websocket.Conn, agg *Aggregator, onClose func(*Session), logger *logrus.Entry) *Session {
	return &Session{
		id:      id,
		conn:    conn,
		agg:     agg,
		logger:  logger.WithFields(logrus.Fields{"component": "session", "node": id}),
		doneCh:  make(chan struct{}),
		onClose: onClose,
	}
}

// ID returns the shard-local node ID.
func (s *Session) ID() state.NodeID {
	return s.id
}

// SnapshotEntry returns an add entry carrying the session's current full
// state, for link resync. The second return is false until the session is
// bound.
func (s *Session) SnapshotEntry() (tnet.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.bound {
		return tnet.Entry{}, false
	}

	node := s.node
	return tnet.Entry{
		Type:  tnet.EntryAdd,
		Node:  s.id,
		Chain: s.chain,
		State: &node,
	}, true
}

// Close terminates the session with a websocket close frame. The read loop
// observes the closed connection and runs the usual teardown, so the
// NodeRemoved event still flows in order.
func (s *Session) Close(reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(tnet.WriteWait))
	s.conn.Close()
}

// run services the connection until it drops. It is the session's only
// goroutine besides the pinger.
func (s *Session) run() {
	go s.pingLoop()
	s.readLoop()
}

func (s *Session) readLoop() {
	defer s.teardown()

	s.conn.SetReadLimit(tnet.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(tnet.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(tnet.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).Debug("node connection lost")
			}
			return
		}

		// any inbound frame proves liveness
		s.conn.SetReadDeadline(time.Now().Add(tnet.PongWait))

		env, err := message.Decode(data)
		if err != nil {
			s.logger.WithError(err).Debug("dropping malformed submission")
			metrics.RecordMessageDropped("malformed")
			continue
		}

		if err := s.handle(env); err != nil {
			return
		}
	}
}

// handle translates one envelope into at most one aggregator event. The
// only error it returns is errShutdown.
func (s *Session) handle(env message.Envelope) error {
	switch p := env.Payload.(type) {
	case message.Connected:
		s.mu.Lock()
		if s.bound {
			s.mu.Unlock()
			s.logger.WithField("chain", p.Chain).Debug("dropping repeated system.connected, binding is immutable")
			metrics.RecordMessageDropped("rebind")
			return nil
		}
		s.bound = true
		s.chain = p.Chain
		s.node = state.Node{Details: p.NodeDetails()}
		node := s.node
		s.mu.Unlock()

		metrics.RecordMessageIngested(message.KindConnected)
		metrics.RecordNodeConnected()
		s.logger.WithFields(logrus.Fields{"chain": p.Chain, "name": p.Name}).Debug("node bound")

		return s.agg.SubmitEvent(Event{
			Type:  NodeConnected,
			Node:  s.id,
			Chain: p.Chain,
			State: &node,
		})

	case message.Interval:
		stats := p.NodeStats()
		return s.submitUpdate(env, state.NodeUpdate{Stats: &stats})

	case message.Import:
		block := p.Block()
		return s.submitUpdate(env, state.NodeUpdate{Best: &block})

	case message.Finalized:
		block := p.Block()
		return s.submitUpdate(env, state.NodeUpdate{Finalized: &block})

	case message.Unknown:
		s.logger.WithField("kind", p.Msg).Debug("dropping unrecognized payload kind")
		metrics.RecordMessageDropped("unknown_kind")
		return nil

	default:
		return nil
	}
}

func (s *Session) submitUpdate(env message.Envelope, update state.NodeUpdate) error {
	s.mu.Lock()
	if !s.bound {
		s.mu.Unlock()
		s.logger.WithField("kind", env.Payload.Kind()).Debug("dropping update from unbound session")
		metrics.RecordMessageDropped("unbound")
		return nil
	}
	update.Apply(&s.node)
	s.mu.Unlock()

	metrics.RecordMessageIngested(env.Payload.Kind())

	return s.agg.SubmitEvent(Event{
		Type:   NodeUpdated,
		Node:   s.id,
		Update: &update,
	})
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(tnet.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(tnet.WriteWait))
			if err != nil {
				s.conn.Close()
				return
			}
		case <-s.doneCh:
			return
		}
	}
}

// teardown runs exactly once, from the read goroutine.
func (s *Session) teardown() {
	close(s.doneCh)
	s.conn.Close()

	s.mu.Lock()
	bound := s.bound
	s.mu.Unlock()

	if bound {
		metrics.RecordNodeDisconnected()
		s.agg.SubmitEvent(Event{
			Type: NodeRemoved,
			Node: s.id,
		})
	}

	s.onClose(s)
	s.logger.Debug("session closed")
}
