package shard

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chainpulse/telemetry/src/metrics"
	"github.com/chainpulse/telemetry/src/net"
	"github.com/chainpulse/telemetry/src/state"
)

// LinkHandler receives link lifecycle callbacks from the Run goroutine.
type LinkHandler interface {
	// LinkEstablished fires after a successful handshake, with the outbox
	// drained of stale changesets. The handler resyncs the aggregator
	// before changeset traffic resumes.
	LinkEstablished(id state.ShardID)

	// LinkDown fires when an established link is lost.
	LinkDown()

	// NodesRejected delivers quota rejections from a changeset ack.
	NodesRejected(rejections []net.Rejection)
}

// Link maintains the persistent connection to the core. It dials with
// capped exponential backoff, performs the hello handshake, then pumps
// changesets out and acks in until the connection drops, forever.
type Link struct {
	target     string
	moniker    string
	dial       net.Dialer
	timeout    time.Duration
	maxBackoff time.Duration

	outbox  <-chan net.ChangeSet
	handler LinkHandler

	mu        sync.Mutex
	shardID   state.ShardID
	connected bool

	logger     *logrus.Entry
	shutdownCh chan struct{}
}

// NewLink instantiates the core link; Run starts it.
func NewLink(conf *Config, dial net.Dialer, outbox <-chan net.ChangeSet, handler LinkHandler, logger *logrus.Entry) *Link {
	return &Link{
		target:     conf.CoreAddr,
		moniker:    conf.Moniker,
		dial:       dial,
		timeout:    conf.ConnTimeout,
		maxBackoff: conf.MaxBackoff,
		outbox:     outbox,
		handler:    handler,
		logger:     logger.WithField("component", "link"),
		shutdownCh: make(chan struct{}),
	}
}

// Connected reports whether the link is currently established.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// ShardID returns the identity assigned by the core on the current or most
// recent link session.
func (l *Link) ShardID() state.ShardID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shardID
}

// Shutdown stops the Run loop and closes the current connection.
func (l *Link) Shutdown() {
	select {
	case <-l.shutdownCh:
	default:
		close(l.shutdownCh)
	}
}

// Run dials, handshakes, and services the link until Shutdown. This is a
// blocking call.
func (l *Link) Run() {
	backoff := time.Second

	for {
		select {
		case <-l.shutdownCh:
			return
		default:
		}

		conn, err := l.dial(l.target, l.timeout)
		if err != nil {
			l.logger.WithError(err).Debug("core link dial failed")
			if !l.sleep(backoff) {
				return
			}
			backoff = l.nextBackoff(backoff)
			continue
		}

		lc := net.NewLinkConn(conn)

		shardID, err := l.handshake(lc)
		if err != nil {
			l.logger.WithError(err).Error("core link handshake failed")
			lc.Release()
			if !l.sleep(backoff) {
				return
			}
			backoff = l.nextBackoff(backoff)
			continue
		}

		backoff = time.Second

		l.mu.Lock()
		l.shardID = shardID
		l.connected = true
		l.mu.Unlock()

		metrics.RecordLinkReconnect()
		l.logger.WithField("shard_id", shardID).Info("core link established")

		// changesets queued while the link was down describe a world the
		// core has already purged
		l.drainOutbox()
		l.handler.LinkEstablished(shardID)

		l.service(lc)

		l.mu.Lock()
		l.connected = false
		l.mu.Unlock()

		lc.Release()
		l.handler.LinkDown()

		select {
		case <-l.shutdownCh:
			return
		default:
			l.logger.Warn("core link lost")
		}
	}
}

func (l *Link) handshake(lc *net.LinkConn) (state.ShardID, error) {
	lc.SetWriteDeadline(time.Now().Add(net.WriteWait))
	if err := lc.WriteMsg(net.MsgHello, net.Hello{Moniker: l.moniker}); err != nil {
		return 0, err
	}

	lc.SetReadDeadline(time.Now().Add(net.WriteWait))
	msgType, body, err := lc.ReadMsg()
	if err != nil {
		return 0, err
	}
	if msgType != net.MsgHelloAck {
		return 0, fmt.Errorf("expected helloAck, got message type %d", msgType)
	}

	var ack net.HelloAck
	if err := net.DecodeBody(body, &ack); err != nil {
		return 0, err
	}

	return ack.ShardID, nil
}

// service pumps the link until either direction fails or Shutdown.
func (l *Link) service(lc *net.LinkConn) {
	errCh := make(chan error, 2)
	stopCh := make(chan struct{})

	go func() { errCh <- l.readLoop(lc) }()
	go func() { errCh <- l.writeLoop(lc, stopCh) }()

	select {
	case err := <-errCh:
		if err != nil {
			l.logger.WithError(err).Debug("link pump failed")
		}
	case <-l.shutdownCh:
	}

	close(stopCh)
	lc.Release()
	<-errCh
}

func (l *Link) readLoop(lc *net.LinkConn) error {
	for {
		lc.SetReadDeadline(time.Now().Add(net.PongWait))

		msgType, body, err := lc.ReadMsg()
		if err != nil {
			return err
		}

		switch msgType {
		case net.MsgChangeSetAck:
			var ack net.ChangeSetAck
			if err := net.DecodeBody(body, &ack); err != nil {
				return err
			}
			if len(ack.Rejected) > 0 {
				l.handler.NodesRejected(ack.Rejected)
			}
		case net.MsgPong:
			// liveness only
		default:
			return fmt.Errorf("unexpected message type %d on link", msgType)
		}
	}
}

func (l *Link) writeLoop(lc *net.LinkConn, stopCh chan struct{}) error {
	ticker := time.NewTicker(net.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case cs := <-l.outbox:
			lc.SetWriteDeadline(time.Now().Add(net.WriteWait))
			if err := lc.WriteMsg(net.MsgChangeSet, cs); err != nil {
				return err
			}
		case <-ticker.C:
			lc.SetWriteDeadline(time.Now().Add(net.WriteWait))
			if err := lc.WriteMsg(net.MsgPing, nil); err != nil {
				return err
			}
		case <-stopCh:
			return nil
		case <-l.shutdownCh:
			return nil
		}
	}
}

func (l *Link) drainOutbox() {
	for {
		select {
		case <-l.outbox:
		default:
			return
		}
	}
}

func (l *Link) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-l.shutdownCh:
		return false
	}
}

func (l *Link) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > l.maxBackoff {
		next = l.maxBackoff
	}
	return next
}
