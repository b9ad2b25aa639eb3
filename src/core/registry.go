package core

import (
	"errors"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/chainpulse/telemetry/src/metrics"
	"github.com/chainpulse/telemetry/src/net"
	"github.com/chainpulse/telemetry/src/state"
)

// ErrQuotaExceeded rejects an addition to a chain at its contributor limit.
var ErrQuotaExceeded = errors.New("chain quota reached")

type opApplyChangeSet struct {
	shard state.ShardID
	cs    net.ChangeSet
	resp  chan []net.Rejection
}

type opShardDisconnect struct {
	shard state.ShardID
	done  chan struct{}
}

type opSubscribe struct {
	sub   Subscriber
	chain string
	done  chan struct{}
}

type opUnsubscribe struct {
	sub  Subscriber
	done chan struct{}
}

type opDetach struct {
	sub Subscriber
}

type opResync struct {
	sub Subscriber
}

type opPing struct {
	sub     Subscriber
	payload string
}

type opChains struct {
	resp chan []ChainInfo
}

type opChainSnapshot struct {
	chain string
	resp  chan chainSnapshotResp
}

type chainSnapshotResp struct {
	snapshot Snapshot
	ok       bool
}

// RegistryStats is a point-in-time census for the ops service.
type RegistryStats struct {
	NumChains int
	NumNodes  int
	NumFeeds  int
}

type opStats struct {
	resp chan RegistryStats
}

// Registry is the single authority over chain aggregates, quotas, and feed
// subscriptions. Every operation is a message on its queue, processed in
// arrival order by the Run goroutine; that total order is what makes
// aggregate versions meaningful and the subscribe handoff atomic.
type Registry struct {
	quotas QuotaTable
	router *Router

	chains map[string]*chain
	index  map[state.ShardID]map[state.NodeID]string

	opCh       chan interface{}
	shutdownCh chan struct{}

	logger *logrus.Entry
}

// NewRegistry instantiates the registry; Run starts it.
func NewRegistry(quotas QuotaTable, router *Router, queueSize int, logger *logrus.Entry) *Registry {
	return &Registry{
		quotas:     quotas,
		router:     router,
		chains:     make(map[string]*chain),
		index:      make(map[state.ShardID]map[state.NodeID]string),
		opCh:       make(chan interface{}, queueSize),
		shutdownCh: make(chan struct{}),
		logger:     logger.WithField("component", "registry"),
	}
}

// Run processes operations until Shutdown. This is a blocking call.
func (r *Registry) Run() {
	for {
		select {
		case op := <-r.opCh:
			r.dispatch(op)
		case <-r.shutdownCh:
			return
		}
	}
}

// Shutdown stops the Run loop. Operations submitted after Shutdown are
// rejected with zero values.
func (r *Registry) Shutdown() {
	select {
	case <-r.shutdownCh:
	default:
		close(r.shutdownCh)
	}
}

// ApplyChangeSet applies one shard changeset entry by entry and returns
// the quota rejections among its add entries.
func (r *Registry) ApplyChangeSet(shard state.ShardID, cs net.ChangeSet) []net.Rejection {
	resp := make(chan []net.Rejection, 1)
	if !r.submit(opApplyChangeSet{shard: shard, cs: cs, resp: resp}) {
		return nil
	}
	select {
	case rejections := <-resp:
		return rejections
	case <-r.shutdownCh:
		return nil
	}
}

// ApplyNodeAddition admits a single node outside any changeset. It returns
// ErrQuotaExceeded when the chain is at its limit.
func (r *Registry) ApplyNodeAddition(key state.NodeKey, chain string, st state.Node) error {
	cs := net.ChangeSet{Entries: []net.Entry{{
		Type:  net.EntryAdd,
		Node:  key.Node,
		Chain: chain,
		State: &st,
	}}}
	if rejections := r.ApplyChangeSet(key.Shard, cs); len(rejections) > 0 {
		return ErrQuotaExceeded
	}
	return nil
}

// ApplyNodeUpdate merges a partial update into a single node's state.
// Updates for unknown keys are ignored.
func (r *Registry) ApplyNodeUpdate(key state.NodeKey, update state.NodeUpdate) {
	cs := net.ChangeSet{Entries: []net.Entry{{
		Type:   net.EntryUpdate,
		Node:   key.Node,
		Update: &update,
	}}}
	r.ApplyChangeSet(key.Shard, cs)
}

// ApplyNodeRemoval removes a single node. Removals for unknown keys are
// ignored.
func (r *Registry) ApplyNodeRemoval(key state.NodeKey) {
	cs := net.ChangeSet{Entries: []net.Entry{{
		Type: net.EntryRemove,
		Node: key.Node,
	}}}
	r.ApplyChangeSet(key.Shard, cs)
}

// ApplyShardDisconnect purges every node the shard contributed, as if each
// had disconnected individually. It is idempotent.
func (r *Registry) ApplyShardDisconnect(shard state.ShardID) {
	done := make(chan struct{})
	if !r.submit(opShardDisconnect{shard: shard, done: done}) {
		return
	}
	select {
	case <-done:
	case <-r.shutdownCh:
	}
}

// Subscribe points the feed at a chain: any prior registration is dropped,
// the current aggregate (or an unknown-chain marker) is enqueued as a
// snapshot, and future deltas follow from exactly that version on.
func (r *Registry) Subscribe(sub Subscriber, chain string) {
	done := make(chan struct{})
	if !r.submit(opSubscribe{sub: sub, chain: chain, done: done}) {
		return
	}
	select {
	case <-done:
	case <-r.shutdownCh:
	}
}

// Unsubscribe deregisters the feed and acknowledges with an unsubscribed
// message naming the chain it left.
func (r *Registry) Unsubscribe(sub Subscriber) {
	done := make(chan struct{})
	if !r.submit(opUnsubscribe{sub: sub, done: done}) {
		return
	}
	select {
	case <-done:
	case <-r.shutdownCh:
	}
}

// DetachFeed silently deregisters a closing feed.
func (r *Registry) DetachFeed(sub Subscriber) {
	r.submit(opDetach{sub: sub})
}

// Resync re-sends the feed's aggregate as a fresh snapshot, for feeds that
// dropped queued messages.
func (r *Registry) Resync(sub Subscriber) {
	r.submit(opResync{sub: sub})
}

// Ping enqueues a pong behind everything already queued for the feed.
func (r *Registry) Ping(sub Subscriber, payload string) {
	r.submit(opPing{sub: sub, payload: payload})
}

// Chains lists every live aggregate, ordered by label.
func (r *Registry) Chains() []ChainInfo {
	resp := make(chan []ChainInfo, 1)
	if !r.submit(opChains{resp: resp}) {
		return nil
	}
	select {
	case infos := <-resp:
		return infos
	case <-r.shutdownCh:
		return nil
	}
}

// ChainSnapshot captures one chain's aggregate. The second return is false
// when no aggregate exists for the label.
func (r *Registry) ChainSnapshot(chain string) (Snapshot, bool) {
	resp := make(chan chainSnapshotResp, 1)
	if !r.submit(opChainSnapshot{chain: chain, resp: resp}) {
		return Snapshot{}, false
	}
	select {
	case res := <-resp:
		return res.snapshot, res.ok
	case <-r.shutdownCh:
		return Snapshot{}, false
	}
}

// Stats returns a census of chains, nodes, and feed subscriptions.
func (r *Registry) Stats() RegistryStats {
	resp := make(chan RegistryStats, 1)
	if !r.submit(opStats{resp: resp}) {
		return RegistryStats{}
	}
	select {
	case stats := <-resp:
		return stats
	case <-r.shutdownCh:
		return RegistryStats{}
	}
}

func (r *Registry) submit(op interface{}) bool {
	select {
	case r.opCh <- op:
		return true
	case <-r.shutdownCh:
		return false
	}
}

func (r *Registry) dispatch(op interface{}) {
	switch t := op.(type) {
	case opApplyChangeSet:
		t.resp <- r.applyChangeSet(t.shard, t.cs)
	case opShardDisconnect:
		r.purgeShard(t.shard)
		close(t.done)
	case opSubscribe:
		r.subscribe(t.sub, t.chain)
		close(t.done)
	case opUnsubscribe:
		if chain, ok := r.router.Unsubscribe(t.sub); ok {
			t.sub.EnqueueUnsubscribed(chain)
		}
		close(t.done)
	case opDetach:
		r.router.Unsubscribe(t.sub)
	case opResync:
		r.resync(t.sub)
	case opPing:
		t.sub.EnqueuePong(t.payload)
	case opChains:
		t.resp <- r.chainInfos()
	case opChainSnapshot:
		if ch, ok := r.chains[t.chain]; ok {
			t.resp <- chainSnapshotResp{snapshot: ch.snapshot(), ok: true}
		} else {
			t.resp <- chainSnapshotResp{}
		}
	case opStats:
		stats := RegistryStats{
			NumChains: len(r.chains),
			NumFeeds:  r.router.NumFeeds(),
		}
		for _, ch := range r.chains {
			stats.NumNodes += ch.size()
		}
		t.resp <- stats
	}
}

func (r *Registry) applyChangeSet(shard state.ShardID, cs net.ChangeSet) []net.Rejection {
	var rejected []net.Rejection

	for _, entry := range cs.Entries {
		key := state.NodeKey{Shard: shard, Node: entry.Node}

		switch entry.Type {
		case net.EntryAdd:
			if entry.State == nil {
				r.logger.WithField("node", key).Warn("add entry without state")
				continue
			}
			if err := r.addNode(key, entry.Chain, *entry.State); err != nil {
				rejected = append(rejected, net.Rejection{Node: entry.Node, Reason: err.Error()})
			}
		case net.EntryUpdate:
			if entry.Update == nil {
				continue
			}
			r.updateNode(key, *entry.Update)
		case net.EntryRemove:
			r.removeNode(key)
		}
	}

	metrics.RecordChangeSetApplied()
	return rejected
}

// addNode admits a new contributor or refreshes a live one. The quota
// check happens before any mutation and only gates genuinely new nodes.
func (r *Registry) addNode(key state.NodeKey, label string, st state.Node) error {
	owning, known := r.lookup(key)

	if known && owning == label {
		// a re-announce of a live key replaces its state, no quota round
		delta := r.chains[label].addNode(key, st)
		r.router.Broadcast(delta)
		return nil
	}

	if known {
		// the key switched chains; a well-behaved shard never does this,
		// so treat it as a removal plus a fresh quota-checked addition
		r.removeNode(key)
	}

	if limit, ok := r.quotas.Limit(label); ok {
		size := 0
		if ch, exists := r.chains[label]; exists {
			size = ch.size()
		}
		if size >= limit {
			metrics.RecordNodeRejected(label)
			r.logger.WithFields(logrus.Fields{
				"chain": label,
				"node":  key,
				"limit": limit,
			}).Debug("node rejected, chain at quota")
			return ErrQuotaExceeded
		}
	}

	ch, ok := r.chains[label]
	if !ok {
		ch = newChain(label)
		r.chains[label] = ch
	}

	delta := ch.addNode(key, st)
	r.setIndex(key, label)
	metrics.SetChainNodeCount(label, ch.size())
	r.router.Broadcast(delta)

	return nil
}

// updateNode merges a partial update. Unknown keys are the residue of a
// rejected or purged addition and are dropped without a version bump.
func (r *Registry) updateNode(key state.NodeKey, update state.NodeUpdate) {
	label, ok := r.lookup(key)
	if !ok {
		return
	}

	delta, ok := r.chains[label].updateNode(key, update)
	if !ok {
		return
	}
	r.router.Broadcast(delta)
}

func (r *Registry) removeNode(key state.NodeKey) {
	label, ok := r.lookup(key)
	if !ok {
		return
	}

	ch := r.chains[label]
	delta, ok := ch.removeNode(key)
	if !ok {
		return
	}

	r.clearIndex(key)
	r.router.Broadcast(delta)

	if ch.size() == 0 {
		// an empty aggregate is destroyed; if the chain comes back it
		// starts over at version 0
		delete(r.chains, label)
		metrics.RecordChainRemoved(label)
		return
	}
	metrics.SetChainNodeCount(label, ch.size())
}

// purgeShard removes the shard's contributions in node ID order. A second
// call finds no index and does nothing, so removals are never double
// emitted.
func (r *Registry) purgeShard(shard state.ShardID) {
	nodes, ok := r.index[shard]
	if !ok {
		return
	}

	ids := make([]state.NodeID, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		r.removeNode(state.NodeKey{Shard: shard, Node: id})
	}

	r.logger.WithFields(logrus.Fields{
		"shard": shard,
		"nodes": len(ids),
	}).Debug("shard contributions purged")
}

func (r *Registry) subscribe(sub Subscriber, chain string) {
	r.router.Subscribe(chain, sub)

	if ch, ok := r.chains[chain]; ok {
		sub.EnqueueSnapshot(ch.snapshot())
	} else {
		// the registration stays live, so the feed picks up deltas if the
		// chain appears later
		sub.EnqueueUnknownChain(chain)
	}
}

func (r *Registry) resync(sub Subscriber) {
	chain, ok := r.router.ChainOf(sub)
	if !ok {
		return
	}

	if ch, ok := r.chains[chain]; ok {
		sub.EnqueueSnapshot(ch.snapshot())
	} else {
		sub.EnqueueUnknownChain(chain)
	}
}

func (r *Registry) chainInfos() []ChainInfo {
	infos := make([]ChainInfo, 0, len(r.chains))
	for _, ch := range r.chains {
		infos = append(infos, ch.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Label < infos[j].Label })
	return infos
}

func (r *Registry) lookup(key state.NodeKey) (string, bool) {
	nodes, ok := r.index[key.Shard]
	if !ok {
		return "", false
	}
	label, ok := nodes[key.Node]
	return label, ok
}

func (r *Registry) setIndex(key state.NodeKey, label string) {
	nodes, ok := r.index[key.Shard]
	if !ok {
		nodes = make(map[state.NodeID]string)
		r.index[key.Shard] = nodes
	}
	nodes[key.Node] = label
}

func (r *Registry) clearIndex(key state.NodeKey) {
	nodes, ok := r.index[key.Shard]
	if !ok {
		return
	}
	delete(nodes, key.Node)
	if len(nodes) == 0 {
		delete(r.index, key.Shard)
	}
}
