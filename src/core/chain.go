package core

import (
	"sort"

	"github.com/chainpulse/telemetry/src/state"
)

// Summary is the derived, per-chain view feeds render in dashboards. Best
// and Finalized are taken across the chain's current contributors.
type Summary struct {
	NodeCount int         `json:"node_count"`
	Best      state.Block `json:"best"`
	Finalized state.Block `json:"finalized"`
}

// FeedNode carries one node and its full state, keyed globally.
type FeedNode struct {
	Key   state.NodeKey `json:"key"`
	State state.Node    `json:"state"`
}

// FeedUpdate carries one node's partial update, keyed globally.
type FeedUpdate struct {
	Key    state.NodeKey    `json:"key"`
	Update state.NodeUpdate `json:"update"`
}

// Delta describes one accepted mutation of a chain aggregate: the node it
// touched, the aggregate version after the mutation, and the updated
// summary. Versions increase by one per accepted mutation, so consumers
// detect gaps by comparing them.
type Delta struct {
	Chain   string          `json:"chain"`
	Version uint64          `json:"version"`
	Added   []FeedNode      `json:"added,omitempty"`
	Updated []FeedUpdate    `json:"updated,omitempty"`
	Removed []state.NodeKey `json:"removed,omitempty"`
	Summary Summary         `json:"summary"`
}

// Snapshot is the full aggregate state at one version, sent to a feed when
// its subscription starts or needs repair.
type Snapshot struct {
	Chain   string     `json:"chain"`
	Version uint64     `json:"version"`
	Summary Summary    `json:"summary"`
	Nodes   []FeedNode `json:"nodes"`
}

// ChainInfo is the ops-service listing of one chain.
type ChainInfo struct {
	Label   string  `json:"label"`
	Version uint64  `json:"version"`
	Summary Summary `json:"summary"`
}

// chain is one ChainAggregate: the union of contributing node states plus
// the version counter that orders its mutations. It is owned by the
// registry goroutine and holds no locks.
type chain struct {
	label   string
	version uint64
	nodes   map[state.NodeKey]*state.Node
	summary Summary
}

func newChain(label string) *chain {
	return &chain{
		label: label,
		nodes: make(map[state.NodeKey]*state.Node),
	}
}

func (c *chain) size() int {
	return len(c.nodes)
}

func (c *chain) has(key state.NodeKey) bool {
	_, ok := c.nodes[key]
	return ok
}

// addNode admits or re-announces a node. A re-announce replaces the stored
// state wholesale, which absorbs a shard racing a rejection teardown.
func (c *chain) addNode(key state.NodeKey, st state.Node) Delta {
	c.nodes[key] = &st
	c.version++
	c.recompute()

	return Delta{
		Chain:   c.label,
		Version: c.version,
		Added:   []FeedNode{{Key: key, State: st}},
		Summary: c.summary,
	}
}

// updateNode applies a partial update to a known node. The second return
// is false when the key is unknown and nothing happened.
func (c *chain) updateNode(key state.NodeKey, update state.NodeUpdate) (Delta, bool) {
	node, ok := c.nodes[key]
	if !ok {
		return Delta{}, false
	}

	update.Apply(node)
	c.version++

	// a node's blocks only move forward within a session, so updates can
	// raise the chain position but never lower it
	if node.Best.After(c.summary.Best) {
		c.summary.Best = node.Best
	}
	if node.Finalized.After(c.summary.Finalized) {
		c.summary.Finalized = node.Finalized
	}

	return Delta{
		Chain:   c.label,
		Version: c.version,
		Updated: []FeedUpdate{{Key: key, Update: update}},
		Summary: c.summary,
	}, true
}

// removeNode deletes a known node. The second return is false when the key
// is unknown and nothing happened.
func (c *chain) removeNode(key state.NodeKey) (Delta, bool) {
	if _, ok := c.nodes[key]; !ok {
		return Delta{}, false
	}

	delete(c.nodes, key)
	c.version++
	c.recompute()

	return Delta{
		Chain:   c.label,
		Version: c.version,
		Removed: []state.NodeKey{key},
		Summary: c.summary,
	}, true
}

// recompute rebuilds the summary from the contributor set. Removals can
// lower the chain position, so the maximum is taken fresh.
func (c *chain) recompute() {
	s := Summary{NodeCount: len(c.nodes)}
	for _, node := range c.nodes {
		if node.Best.After(s.Best) {
			s.Best = node.Best
		}
		if node.Finalized.After(s.Finalized) {
			s.Finalized = node.Finalized
		}
	}
	c.summary = s
}

// snapshot captures the aggregate at its current version, with nodes in
// deterministic key order.
func (c *chain) snapshot() Snapshot {
	nodes := make([]FeedNode, 0, len(c.nodes))
	for key, node := range c.nodes {
		nodes = append(nodes, FeedNode{Key: key, State: *node})
	}

	sort.Slice(nodes, func(i, j int) bool {
		ki, kj := nodes[i].Key, nodes[j].Key
		if ki.Shard != kj.Shard {
			return ki.Shard < kj.Shard
		}
		return ki.Node < kj.Node
	})

	return Snapshot{
		Chain:   c.label,
		Version: c.version,
		Summary: c.summary,
		Nodes:   nodes,
	}
}

func (c *chain) info() ChainInfo {
	return ChainInfo{
		Label:   c.label,
		Version: c.version,
		Summary: c.summary,
	}
}
