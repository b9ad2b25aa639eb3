package core

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/chainpulse/telemetry/src/metrics"
	tnet "github.com/chainpulse/telemetry/src/net"
)

// Outbound feed messages, discriminated by msg.
type subscribedMsg struct {
	Msg string `json:"msg"`
	Snapshot
}

type unknownChainMsg struct {
	Msg   string `json:"msg"`
	Chain string `json:"chain"`
}

type deltaMsg struct {
	Msg string `json:"msg"`
	Delta
}

type unsubscribedMsg struct {
	Msg   string `json:"msg"`
	Chain string `json:"chain"`
}

type pongMsg struct {
	Msg     string `json:"msg"`
	Payload string `json:"payload"`
}

// Feed is one consumer websocket. The registry goroutine enqueues wire
// messages on its bounded queue and the writer drains them; commands read
// from the socket run back through the registry, so their effects stay
// ordered with the deltas around them.
type Feed struct {
	id       uint64
	conn     *websocket.Conn
	registry *Registry

	queue chan interface{}
	stale int32

	onClose func(*Feed)
	logger  *logrus.Entry
}

func newFeed(id uint64, conn *websocket.Conn, registry *Registry, queueSize int, onClose func(*Feed), logger *logrus.Entry) *Feed {
	return &Feed{
		id:       id,
		conn:     conn,
		registry: registry,
		queue:    make(chan interface{}, queueSize),
		onClose:  onClose,
		logger:   logger.WithFields(logrus.Fields{"component": "feed", "feed": id}),
	}
}

// ID implements the Subscriber interface.
func (f *Feed) ID() uint64 {
	return f.id
}

// EnqueueSnapshot implements the Subscriber interface.
func (f *Feed) EnqueueSnapshot(snapshot Snapshot) {
	f.enqueue(subscribedMsg{Msg: "subscribed", Snapshot: snapshot})
}

// EnqueueUnknownChain implements the Subscriber interface.
func (f *Feed) EnqueueUnknownChain(chain string) {
	f.enqueue(unknownChainMsg{Msg: "unknown_chain", Chain: chain})
}

// EnqueueDelta implements the Subscriber interface.
func (f *Feed) EnqueueDelta(delta Delta) {
	f.enqueue(deltaMsg{Msg: "delta", Delta: delta})
}

// EnqueueUnsubscribed implements the Subscriber interface.
func (f *Feed) EnqueueUnsubscribed(chain string) {
	f.enqueue(unsubscribedMsg{Msg: "unsubscribed", Chain: chain})
}

// EnqueuePong implements the Subscriber interface.
func (f *Feed) EnqueuePong(payload string) {
	f.enqueue(pongMsg{Msg: "pong", Payload: payload})
}

// enqueue admits one message without ever blocking the registry. On
// overflow the oldest queued message is dropped to admit the newest, and
// the stale flag makes the writer request a snapshot resync, whose version
// exposes the gap to the consumer.
func (f *Feed) enqueue(msg interface{}) {
	select {
	case f.queue <- msg:
		return
	default:
	}

	select {
	case <-f.queue:
	default:
	}
	select {
	case f.queue <- msg:
	default:
	}

	atomic.StoreInt32(&f.stale, 1)
	metrics.RecordFeedMessageDropped()
}

// Close severs the connection; the pump goroutines observe it and unwind.
func (f *Feed) Close(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	f.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(tnet.WriteWait))
	f.conn.Close()
}

// run services the connection until either direction fails, then detaches
// the feed from the registry.
func (f *Feed) run() {
	g, ctx := errgroup.WithContext(context.Background())

	g.Go(f.readLoop)
	g.Go(func() error {
		return f.writeLoop(ctx)
	})

	if err := g.Wait(); err != nil {
		f.logger.WithError(err).Debug("feed connection lost")
	}

	f.registry.DetachFeed(f)
	f.onClose(f)
	f.logger.Debug("feed closed")
}

// readLoop always exits with an error, which cancels the group context and
// stops the writer.
func (f *Feed) readLoop() error {
	f.conn.SetReadLimit(tnet.MaxMessageSize)
	f.conn.SetReadDeadline(time.Now().Add(tnet.PongWait))
	f.conn.SetPongHandler(func(string) error {
		return f.conn.SetReadDeadline(time.Now().Add(tnet.PongWait))
	})

	for {
		_, data, err := f.conn.ReadMessage()
		if err != nil {
			return err
		}

		f.conn.SetReadDeadline(time.Now().Add(tnet.PongWait))
		f.handleCommand(string(data))
	}
}

func (f *Feed) handleCommand(cmd string) {
	switch {
	case strings.HasPrefix(cmd, "subscribe:"):
		f.registry.Subscribe(f, strings.TrimPrefix(cmd, "subscribe:"))
	case cmd == "unsubscribe":
		f.registry.Unsubscribe(f)
	case strings.HasPrefix(cmd, "ping:"):
		f.registry.Ping(f, strings.TrimPrefix(cmd, "ping:"))
	default:
		f.logger.WithField("command", cmd).Debug("dropping unrecognized feed command")
	}
}

func (f *Feed) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(tnet.PingPeriod)
	defer ticker.Stop()
	defer f.conn.Close()

	for {
		select {
		case msg := <-f.queue:
			f.conn.SetWriteDeadline(time.Now().Add(tnet.WriteWait))
			if err := f.conn.WriteJSON(msg); err != nil {
				return err
			}
			if atomic.CompareAndSwapInt32(&f.stale, 1, 0) {
				f.registry.Resync(f)
			}
		case <-ticker.C:
			err := f.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(tnet.WriteWait))
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
