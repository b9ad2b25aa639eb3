package shard

import (
	"testing"
	"time"

	"github.com/chainpulse/telemetry/src/common"
	"github.com/chainpulse/telemetry/src/net"
	"github.com/chainpulse/telemetry/src/state"
)

func newTestAggregator(t *testing.T, tweak func(*Config)) *Aggregator {
	conf := NewTestConfig(t)
	// flushes are driven manually unless a test says otherwise
	conf.FlushInterval = time.Hour
	if tweak != nil {
		tweak(conf)
	}

	agg := NewAggregator(conf, common.NewTestEntry(t, "aggregator"))
	go agg.Run()
	t.Cleanup(agg.Shutdown)

	return agg
}

func evConnected(id state.NodeID, chain string, name string) Event {
	return Event{
		Type:  NodeConnected,
		Node:  id,
		Chain: chain,
		State: &state.Node{Details: state.NodeDetails{Name: name}},
	}
}

func evStats(id state.NodeID, peers int) Event {
	stats := state.NodeStats{PeerCount: peers}
	return Event{Type: NodeUpdated, Node: id, Update: &state.NodeUpdate{Stats: &stats}}
}

func evBest(id state.NodeID, height uint64) Event {
	best := state.Block{Height: height}
	return Event{Type: NodeUpdated, Node: id, Update: &state.NodeUpdate{Best: &best}}
}

func evRemoved(id state.NodeID) Event {
	return Event{Type: NodeRemoved, Node: id}
}

func recvChangeSet(t *testing.T, agg *Aggregator) net.ChangeSet {
	select {
	case cs := <-agg.Outbox():
		return cs
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for changeset")
		return net.ChangeSet{}
	}
}

func expectNoChangeSet(t *testing.T, agg *Aggregator) {
	select {
	case cs := <-agg.Outbox():
		t.Fatalf("unexpected changeset: %+v", cs)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAggregatorCoalescesIntoAdd(t *testing.T) {
	agg := newTestAggregator(t, nil)
	agg.Resync(nil)

	agg.SubmitEvent(evConnected(1, "Polkadot", "alice"))
	agg.SubmitEvent(evStats(1, 7))
	agg.SubmitEvent(evBest(1, 42))
	agg.Flush()

	cs := recvChangeSet(t, agg)
	if cs.Seq != 1 {
		t.Fatalf("seq: got %d, expected 1", cs.Seq)
	}
	if len(cs.Entries) != 1 {
		t.Fatalf("entries: got %d, expected 1 coalesced add", len(cs.Entries))
	}

	entry := cs.Entries[0]
	if entry.Type != net.EntryAdd || entry.Node != 1 || entry.Chain != "Polkadot" {
		t.Fatalf("entry: %+v", entry)
	}
	if entry.State.Details.Name != "alice" {
		t.Fatalf("details lost in coalescing: %+v", entry.State)
	}
	if entry.State.Stats.PeerCount != 7 || entry.State.Best.Height != 42 {
		t.Fatalf("updates not folded into add: %+v", entry.State)
	}
}

func TestAggregatorCoalescesUpdates(t *testing.T) {
	agg := newTestAggregator(t, nil)
	agg.Resync(nil)

	// updates to an already-announced node merge field-wise
	agg.SubmitEvent(evStats(2, 3))
	agg.SubmitEvent(evBest(2, 10))
	agg.SubmitEvent(evStats(2, 5))
	agg.Flush()

	cs := recvChangeSet(t, agg)
	if len(cs.Entries) != 1 {
		t.Fatalf("entries: got %d, expected 1 merged update", len(cs.Entries))
	}

	entry := cs.Entries[0]
	if entry.Type != net.EntryUpdate || entry.Node != 2 {
		t.Fatalf("entry: %+v", entry)
	}
	if entry.Update.Stats == nil || entry.Update.Stats.PeerCount != 5 {
		t.Fatalf("last stats should win: %+v", entry.Update)
	}
	if entry.Update.Best == nil || entry.Update.Best.Height != 10 {
		t.Fatalf("best block lost in merge: %+v", entry.Update)
	}
}

func TestAggregatorRemovalSurvivesWindow(t *testing.T) {
	agg := newTestAggregator(t, nil)
	agg.Resync(nil)

	// connect and disconnect within one window: both must flush, in order
	agg.SubmitEvent(evConnected(3, "Kusama", "carol"))
	agg.SubmitEvent(evStats(3, 1))
	agg.SubmitEvent(evRemoved(3))
	agg.Flush()

	cs := recvChangeSet(t, agg)
	if len(cs.Entries) != 2 {
		t.Fatalf("entries: got %d, expected add+remove", len(cs.Entries))
	}
	if cs.Entries[0].Type != net.EntryAdd || cs.Entries[1].Type != net.EntryRemove {
		t.Fatalf("order violated: %+v", cs.Entries)
	}
	if cs.Entries[1].Node != 3 {
		t.Fatalf("remove entry: %+v", cs.Entries[1])
	}
}

func TestAggregatorPerNodeOrderAcrossWindows(t *testing.T) {
	agg := newTestAggregator(t, nil)
	agg.Resync(nil)

	// a per-node counter must be observed strictly in emission order
	for i := 1; i <= 5; i++ {
		agg.SubmitEvent(evStats(4, i))
		agg.Flush()
	}

	last := 0
	for i := 0; i < 5; i++ {
		cs := recvChangeSet(t, agg)
		if cs.Seq != uint64(i+1) {
			t.Fatalf("seq: got %d, expected %d", cs.Seq, i+1)
		}
		for _, entry := range cs.Entries {
			if entry.Node != 4 || entry.Update.Stats == nil {
				t.Fatalf("entry: %+v", entry)
			}
			if entry.Update.Stats.PeerCount <= last {
				t.Fatalf("order violated: %d after %d", entry.Update.Stats.PeerCount, last)
			}
			last = entry.Update.Stats.PeerCount
		}
	}
	if last != 5 {
		t.Fatalf("missing updates: last counter %d", last)
	}
}

func TestAggregatorMaxBatchFlushesEarly(t *testing.T) {
	agg := newTestAggregator(t, func(c *Config) {
		c.MaxBatch = 2
	})
	agg.Resync(nil)

	agg.SubmitEvent(evConnected(1, "Polkadot", "a"))
	agg.SubmitEvent(evConnected(2, "Polkadot", "b"))

	// no manual flush: the batch cap forces one
	cs := recvChangeSet(t, agg)
	if len(cs.Entries) != 2 {
		t.Fatalf("entries: got %d, expected 2", len(cs.Entries))
	}
}

func TestAggregatorOfflineUntilResync(t *testing.T) {
	agg := newTestAggregator(t, nil)

	// offline from birth: nothing flushes
	agg.SubmitEvent(evConnected(1, "Polkadot", "a"))
	agg.Flush()
	expectNoChangeSet(t, agg)

	// resync discards the buffer and announces the snapshot instead
	snapshot := []net.Entry{
		{Type: net.EntryAdd, Node: 1, Chain: "Polkadot", State: &state.Node{Details: state.NodeDetails{Name: "a"}}},
	}
	agg.Resync(snapshot)

	cs := recvChangeSet(t, agg)
	if cs.Seq != 1 || len(cs.Entries) != 1 || cs.Entries[0].Node != 1 {
		t.Fatalf("snapshot changeset: %+v", cs)
	}

	// the discarded buffer must not leak out afterwards
	agg.Flush()
	expectNoChangeSet(t, agg)
}

func TestAggregatorOutboxFullWidensWindow(t *testing.T) {
	agg := newTestAggregator(t, func(c *Config) {
		c.OutboxSize = 1
	})
	agg.Resync(nil)

	agg.SubmitEvent(evStats(1, 1))
	agg.Flush()

	// outbox now holds one changeset; this flush must defer, not drop
	agg.SubmitEvent(evStats(2, 2))
	agg.Flush()

	first := recvChangeSet(t, agg)
	if first.Seq != 1 || len(first.Entries) != 1 || first.Entries[0].Node != 1 {
		t.Fatalf("first changeset: %+v", first)
	}

	agg.Flush()
	second := recvChangeSet(t, agg)
	if second.Seq != 2 || len(second.Entries) != 1 || second.Entries[0].Node != 2 {
		t.Fatalf("deferred changeset: %+v", second)
	}
}

func TestAggregatorGoOffline(t *testing.T) {
	agg := newTestAggregator(t, nil)
	agg.Resync(nil)

	agg.SubmitEvent(evStats(1, 1))
	agg.Flush()
	recvChangeSet(t, agg)

	agg.GoOffline()
	agg.SubmitEvent(evStats(1, 2))
	agg.Flush()
	expectNoChangeSet(t, agg)
}
