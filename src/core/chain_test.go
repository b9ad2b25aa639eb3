package core

import (
	"testing"

	"github.com/chainpulse/telemetry/src/state"
)

func block(height uint64) state.Block {
	return state.Block{Height: height, Hash: "0xabc"}
}

func nodeAt(name string, best uint64) state.Node {
	return state.Node{
		Details: state.NodeDetails{Name: name},
		Best:    block(best),
	}
}

func TestChainSummaryFollowsBest(t *testing.T) {
	c := newChain("Polkadot")

	delta := c.addNode(key(1, 1), nodeAt("a", 10))
	if delta.Summary.Best.Height != 10 || delta.Summary.NodeCount != 1 {
		t.Fatalf("summary: %+v", delta.Summary)
	}

	// a trailing contributor does not move the chain position
	delta = c.addNode(key(1, 2), nodeAt("b", 5))
	if delta.Summary.Best.Height != 10 || delta.Summary.NodeCount != 2 {
		t.Fatalf("summary: %+v", delta.Summary)
	}

	best := block(20)
	delta, ok := c.updateNode(key(1, 2), state.NodeUpdate{Best: &best})
	if !ok || delta.Summary.Best.Height != 20 {
		t.Fatalf("summary: %+v", delta.Summary)
	}
}

func TestChainUpdateNeverLowersSummary(t *testing.T) {
	c := newChain("Polkadot")
	c.addNode(key(1, 1), nodeAt("a", 10))

	// the node's own state is last-write-wins, but the chain position
	// holds the high-water mark until a removal forces a recompute
	best := block(8)
	delta, _ := c.updateNode(key(1, 1), state.NodeUpdate{Best: &best})
	if delta.Summary.Best.Height != 10 {
		t.Fatalf("summary lowered by update: %+v", delta.Summary)
	}
	if c.nodes[key(1, 1)].Best.Height != 8 {
		t.Fatalf("node state: %+v", c.nodes[key(1, 1)])
	}
}

func TestChainSummaryRecomputedOnRemoval(t *testing.T) {
	c := newChain("Polkadot")
	c.addNode(key(1, 1), nodeAt("a", 10))
	c.addNode(key(1, 2), nodeAt("b", 5))

	delta, ok := c.removeNode(key(1, 1))
	if !ok {
		t.Fatal("removal of known key failed")
	}
	if delta.Summary.Best.Height != 5 || delta.Summary.NodeCount != 1 {
		t.Fatalf("summary after removal: %+v", delta.Summary)
	}
}

func TestChainReAnnounceReplacesState(t *testing.T) {
	c := newChain("Polkadot")

	st := nodeAt("a", 10)
	st.Stats.PeerCount = 5
	c.addNode(key(1, 1), st)

	delta := c.addNode(key(1, 1), nodeAt("a", 3))
	if delta.Version != 2 || delta.Summary.NodeCount != 1 {
		t.Fatalf("re-announce delta: %+v", delta)
	}
	if got := c.nodes[key(1, 1)]; got.Stats.PeerCount != 0 || got.Best.Height != 3 {
		t.Fatalf("state not replaced wholesale: %+v", got)
	}
}

func TestChainSnapshotDeterministicOrder(t *testing.T) {
	c := newChain("Polkadot")
	c.addNode(key(2, 1), nodeAt("c", 1))
	c.addNode(key(1, 9), nodeAt("b", 1))
	c.addNode(key(1, 2), nodeAt("a", 1))

	snapshot := c.snapshot()
	want := []state.NodeKey{key(1, 2), key(1, 9), key(2, 1)}
	for i, feedNode := range snapshot.Nodes {
		if feedNode.Key != want[i] {
			t.Fatalf("order: got %+v at %d, want %+v", feedNode.Key, i, want[i])
		}
	}
}
