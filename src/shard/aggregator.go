package shard

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chainpulse/telemetry/src/metrics"
	"github.com/chainpulse/telemetry/src/net"
	"github.com/chainpulse/telemetry/src/state"
)

var errShutdown = errors.New("shard shutting down")

// EventType discriminates node session events.
type EventType uint8

const (
	// NodeConnected is emitted once per session, when the node binds to a
	// chain.
	NodeConnected EventType = iota

	// NodeUpdated carries a partial state update for a bound node.
	NodeUpdated

	// NodeRemoved is emitted exactly once, when a bound session ends.
	NodeRemoved
)

// Event is one state transition reported by a node session. State and
// Update are owned by the aggregator once submitted; sessions must pass
// copies.
type Event struct {
	Type   EventType
	Node   state.NodeID
	Chain  string            // NodeConnected only
	State  *state.Node       // NodeConnected only
	Update *state.NodeUpdate // NodeUpdated only
}

type commandKind uint8

const (
	cmdFlush commandKind = iota
	cmdOffline
	cmdResync
)

type command struct {
	kind     commandKind
	snapshot []net.Entry
	done     chan struct{}
}

// input multiplexes events and commands onto one queue, so commands take
// effect strictly after every event submitted before them.
type input struct {
	event *Event
	cmd   *command
}

// Aggregator coalesces session events into changesets. It is a single
// goroutine: events arriving within one flush window are merged per node,
// field-wise last-write-wins, and flushed as one changeset. Removals are
// never merged away and keep their position relative to the node's
// preceding entries, so per-node order survives coalescing.
//
// The aggregator only flushes while the link is online. Across a link
// outage everything keeps coalescing, and the link replaces the lot with a
// fresh snapshot once it reconnects.
type Aggregator struct {
	flushInterval time.Duration
	maxBatch      int

	inbox  chan input
	outbox chan net.ChangeSet

	// owned by the Run goroutine
	entries []net.Entry
	index   map[state.NodeID]int
	online  bool

	seq     uint64 // atomic
	pending int32  // atomic

	logger     *logrus.Entry
	shutdownCh chan struct{}
}

// NewAggregator instantiates an aggregator; Run starts it.
func NewAggregator(conf *Config, logger *logrus.Entry) *Aggregator {
	return &Aggregator{
		flushInterval: conf.FlushInterval,
		maxBatch:      conf.MaxBatch,
		inbox:         make(chan input, conf.InboxSize),
		outbox:        make(chan net.ChangeSet, conf.OutboxSize),
		index:         make(map[state.NodeID]int),
		logger:        logger.WithField("component", "aggregator"),
		shutdownCh:    make(chan struct{}),
	}
}

// Run processes events until Shutdown. It is the only goroutine touching
// the coalescing buffer.
func (a *Aggregator) Run() {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case in := <-a.inbox:
			if in.cmd != nil {
				a.handleCommand(*in.cmd)
				continue
			}
			a.handleEvent(*in.event)
			if len(a.entries) >= a.maxBatch {
				a.flush()
			}
		case <-ticker.C:
			a.flush()
		case <-a.shutdownCh:
			return
		}
	}
}

// Shutdown stops the Run loop. Pending entries are dropped; the core purges
// this shard's contribution when the link goes down anyway.
func (a *Aggregator) Shutdown() {
	select {
	case <-a.shutdownCh:
	default:
		close(a.shutdownCh)
	}
}

// Outbox is the changeset queue drained by the link writer.
func (a *Aggregator) Outbox() <-chan net.ChangeSet {
	return a.outbox
}

// SubmitEvent hands a session event to the aggregator. It blocks when the
// inbox is full: per-node ordering demands backpressure here, never
// reordering or dropping.
func (a *Aggregator) SubmitEvent(e Event) error {
	select {
	case a.inbox <- input{event: &e}:
		return nil
	case <-a.shutdownCh:
		return errShutdown
	}
}

// Flush forces the current window out without waiting for the ticker.
func (a *Aggregator) Flush() {
	a.submitCommand(command{kind: cmdFlush})
}

// GoOffline suspends flushing while the link is down.
func (a *Aggregator) GoOffline() {
	a.submitCommand(command{kind: cmdOffline})
}

// Resync discards the coalescing buffer, announces the given session
// snapshot as one changeset, and resumes flushing. The link calls this
// right after a successful handshake, with the outbox freshly drained.
func (a *Aggregator) Resync(snapshot []net.Entry) {
	a.submitCommand(command{kind: cmdResync, snapshot: snapshot})
}

// Seq returns the sequence number of the last flushed changeset.
func (a *Aggregator) Seq() uint64 {
	return atomic.LoadUint64(&a.seq)
}

// Pending returns the size of the coalescing buffer.
func (a *Aggregator) Pending() int {
	return int(atomic.LoadInt32(&a.pending))
}

func (a *Aggregator) submitCommand(cmd command) {
	cmd.done = make(chan struct{})

	select {
	case a.inbox <- input{cmd: &cmd}:
	case <-a.shutdownCh:
		return
	}

	select {
	case <-cmd.done:
	case <-a.shutdownCh:
	}
}

func (a *Aggregator) handleCommand(cmd command) {
	defer close(cmd.done)

	switch cmd.kind {
	case cmdFlush:
		a.flush()
	case cmdOffline:
		a.online = false
		a.logger.Debug("aggregator offline")
	case cmdResync:
		a.entries = nil
		a.index = make(map[state.NodeID]int)
		a.online = true
		atomic.StoreInt32(&a.pending, 0)

		if len(cmd.snapshot) > 0 {
			cs := net.ChangeSet{
				Seq:     atomic.AddUint64(&a.seq, 1),
				Entries: cmd.snapshot,
			}
			select {
			case a.outbox <- cs:
				metrics.RecordChangeSetSent()
			case <-a.shutdownCh:
				return
			}
		}
		a.logger.WithField("snapshot_entries", len(cmd.snapshot)).Debug("aggregator resynced")
	}
}

func (a *Aggregator) handleEvent(e Event) {
	switch e.Type {
	case NodeConnected:
		a.entries = append(a.entries, net.Entry{
			Type:  net.EntryAdd,
			Node:  e.Node,
			Chain: e.Chain,
			State: e.State,
		})
		a.index[e.Node] = len(a.entries) - 1

	case NodeUpdated:
		if pos, ok := a.index[e.Node]; ok {
			pending := &a.entries[pos]
			switch pending.Type {
			case net.EntryAdd:
				// fold the update into the pending full state
				e.Update.Apply(pending.State)
			case net.EntryUpdate:
				pending.Update.Merge(*e.Update)
			}
			metrics.RecordEntriesCoalesced(1)
		} else {
			a.entries = append(a.entries, net.Entry{
				Type:   net.EntryUpdate,
				Node:   e.Node,
				Update: e.Update,
			})
			a.index[e.Node] = len(a.entries) - 1
		}

	case NodeRemoved:
		// removals are never merged into, and node IDs are never reused,
		// so dropping the index entry is enough to keep order
		a.entries = append(a.entries, net.Entry{
			Type: net.EntryRemove,
			Node: e.Node,
		})
		delete(a.index, e.Node)
	}

	atomic.StoreInt32(&a.pending, int32(len(a.entries)))
}

func (a *Aggregator) flush() {
	if !a.online || len(a.entries) == 0 {
		return
	}

	cs := net.ChangeSet{
		Seq:     atomic.LoadUint64(&a.seq) + 1,
		Entries: a.entries,
	}

	select {
	case a.outbox <- cs:
		atomic.AddUint64(&a.seq, 1)
		a.entries = nil
		a.index = make(map[state.NodeID]int)
		atomic.StoreInt32(&a.pending, 0)
		metrics.RecordChangeSetSent()
	default:
		// outbox full: keep coalescing, the window widens
		a.logger.Debug("link outbox full, deferring flush")
	}
}
