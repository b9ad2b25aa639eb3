// Package dummy implements a fake blockchain node for local testing and
// traffic generation. A dummy node speaks the submit protocol: it connects
// to a shard, announces itself on a chain, and reports synthetic vitals and
// blocks on a timer.
package dummy

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/chainpulse/telemetry/src/message"
	tnet "github.com/chainpulse/telemetry/src/net"
	"github.com/chainpulse/telemetry/src/version"
)

// Outbound envelopes mirror what message.Decode accepts on the shard side.
type wireEnvelope struct {
	ID      uint64      `json:"id"`
	Ts      string      `json:"ts"`
	Payload interface{} `json:"payload"`
}

type wireConnected struct {
	Msg string `json:"msg"`
	message.Connected
}

type wireInterval struct {
	Msg string `json:"msg"`
	message.Interval
}

type wireImport struct {
	Msg string `json:"msg"`
	message.Import
}

type wireFinalized struct {
	Msg string `json:"msg"`
	message.Finalized
}

// Node is one fake node session. It is not safe for concurrent use; Run
// owns the connection.
type Node struct {
	name     string
	chain    string
	interval time.Duration

	conn   *websocket.Conn
	seq    uint64
	height uint64
	rng    *rand.Rand

	shutdownCh chan struct{}
	logger     *logrus.Entry
}

// NewNode connects to a shard's submit endpoint and announces the node on
// its chain.
func NewNode(submitAddr, name, chain string, interval time.Duration, logger *logrus.Entry) (*Node, error) {
	url := fmt.Sprintf("ws://%s/submit", submitAddr)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	node := &Node{
		name:       name,
		chain:      chain,
		interval:   interval,
		conn:       conn,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		shutdownCh: make(chan struct{}),
		logger:     logger.WithFields(logrus.Fields{"component": "dummy", "node": name}),
	}

	if err := node.announce(); err != nil {
		conn.Close()
		return nil, err
	}

	node.logger.WithField("chain", chain).Debug("dummy node connected")

	return node, nil
}

// Run reports until Shutdown. This is a blocking call.
func (n *Node) Run() {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := n.report(); err != nil {
				n.logger.WithError(err).Error("dummy node report failed")
				return
			}
		case <-n.shutdownCh:
			return
		}
	}
}

// Shutdown stops the report loop and closes the connection.
func (n *Node) Shutdown() {
	select {
	case <-n.shutdownCh:
	default:
		close(n.shutdownCh)
		n.conn.Close()
	}
}

func (n *Node) announce() error {
	return n.send(wireConnected{
		Msg: message.KindConnected,
		Connected: message.Connected{
			Chain:          n.chain,
			Name:           n.name,
			Implementation: "telemetry-dummy",
			Version:        version.Version,
			NetworkID:      n.chain,
			GenesisHash:    n.blockHash(0),
			StartupTime:    time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// report emits one round of synthetic telemetry: vitals, a new best block,
// and the finality point trailing it by two blocks.
func (n *Node) report() error {
	stats := wireInterval{
		Msg: message.KindInterval,
		Interval: message.Interval{
			Peers:             10 + n.rng.Intn(40),
			BandwidthUpload:   uint64(n.rng.Intn(1 << 20)),
			BandwidthDownload: uint64(n.rng.Intn(1 << 20)),
		},
	}
	if err := n.send(stats); err != nil {
		return err
	}

	n.height += uint64(1 + n.rng.Intn(3))
	best := wireImport{
		Msg:    message.KindImport,
		Import: message.Import{Height: n.height, Hash: n.blockHash(n.height)},
	}
	if err := n.send(best); err != nil {
		return err
	}

	if n.height < 2 {
		return nil
	}
	final := wireFinalized{
		Msg:       message.KindFinalized,
		Finalized: message.Finalized{Height: n.height - 2, Hash: n.blockHash(n.height - 2)},
	}
	return n.send(final)
}

// blockHash derives a stable fake hash from a height, so every dummy node
// on a chain agrees about block identities.
func (n *Node) blockHash(height uint64) string {
	return fmt.Sprintf("0x%016x", height)
}

func (n *Node) send(payload interface{}) error {
	n.seq++
	env := wireEnvelope{
		ID:      n.seq,
		Ts:      time.Now().UTC().Format(time.RFC3339),
		Payload: payload,
	}

	n.conn.SetWriteDeadline(time.Now().Add(tnet.WriteWait))
	return n.conn.WriteJSON(env)
}
