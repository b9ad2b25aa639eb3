package shard

import (
	stdnet "net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/chainpulse/telemetry/src/common"
	tnet "github.com/chainpulse/telemetry/src/net"
	"github.com/chainpulse/telemetry/src/state"
)

// fakeCore speaks the core side of the link protocol over an in-memory
// stream layer: it acks every changeset and answers pings.
type fakeCore struct {
	t       *testing.T
	layer   *tnet.InmemStreamLayer
	shardID state.ShardID

	hellos     chan tnet.Hello
	changesets chan tnet.ChangeSet

	mu         sync.Mutex
	conns      []stdnet.Conn
	rejections []tnet.Rejection
}

func newFakeCore(t *testing.T, shardID state.ShardID) *fakeCore {
	layer, err := tnet.NewInmemStreamLayer("")
	if err != nil {
		t.Fatalf("creating stream layer: %v", err)
	}

	core := &fakeCore{
		t:          t,
		layer:      layer,
		shardID:    shardID,
		hellos:     make(chan tnet.Hello, 8),
		changesets: make(chan tnet.ChangeSet, 8),
	}

	go core.acceptLoop()
	t.Cleanup(func() { layer.Close() })

	return core
}

func (f *fakeCore) addr() string {
	return f.layer.AdvertiseAddr()
}

// rejectNext queues rejections for the next changeset ack.
func (f *fakeCore) rejectNext(rejections []tnet.Rejection) {
	f.mu.Lock()
	f.rejections = rejections
	f.mu.Unlock()
}

// dropConns severs every live link without stopping the listener.
func (f *fakeCore) dropConns() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func (f *fakeCore) acceptLoop() {
	for {
		conn, err := f.layer.Accept()
		if err != nil {
			return
		}

		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()

		go f.serve(conn)
	}
}

func (f *fakeCore) serve(conn stdnet.Conn) {
	lc := tnet.NewLinkConn(conn)
	defer lc.Release()

	msgType, body, err := lc.ReadMsg()
	if err != nil || msgType != tnet.MsgHello {
		return
	}

	var hello tnet.Hello
	if err := tnet.DecodeBody(body, &hello); err != nil {
		return
	}
	f.hellos <- hello

	if err := lc.WriteMsg(tnet.MsgHelloAck, tnet.HelloAck{ShardID: f.shardID}); err != nil {
		return
	}

	for {
		msgType, body, err := lc.ReadMsg()
		if err != nil {
			return
		}

		switch msgType {
		case tnet.MsgChangeSet:
			var cs tnet.ChangeSet
			if err := tnet.DecodeBody(body, &cs); err != nil {
				return
			}
			f.changesets <- cs

			f.mu.Lock()
			rejected := f.rejections
			f.rejections = nil
			f.mu.Unlock()

			ack := tnet.ChangeSetAck{Seq: cs.Seq, Rejected: rejected}
			if err := lc.WriteMsg(tnet.MsgChangeSetAck, ack); err != nil {
				return
			}
		case tnet.MsgPing:
			if err := lc.WriteMsg(tnet.MsgPong, nil); err != nil {
				return
			}
		default:
			return
		}
	}
}

// recordingHandler captures link lifecycle callbacks for assertions.
type recordingHandler struct {
	established chan state.ShardID
	down        chan struct{}
	rejected    chan []tnet.Rejection
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		established: make(chan state.ShardID, 8),
		down:        make(chan struct{}, 8),
		rejected:    make(chan []tnet.Rejection, 8),
	}
}

func (h *recordingHandler) LinkEstablished(id state.ShardID)          { h.established <- id }
func (h *recordingHandler) LinkDown()                                 { h.down <- struct{}{} }
func (h *recordingHandler) NodesRejected(rejections []tnet.Rejection) { h.rejected <- rejections }

func newTestLink(t *testing.T, core *fakeCore, outbox chan tnet.ChangeSet) (*Link, *recordingHandler) {
	conf := NewTestConfig(t)
	conf.CoreAddr = core.addr()
	conf.Moniker = "test-shard"

	handler := newRecordingHandler()
	link := NewLink(conf, tnet.InmemDialer(), outbox, handler, common.NewTestEntry(t, "link"))

	go link.Run()
	t.Cleanup(link.Shutdown)

	return link, handler
}

func waitEstablished(t *testing.T, handler *recordingHandler) state.ShardID {
	select {
	case id := <-handler.established:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("link never established")
		return 0
	}
}

func TestLinkHandshake(t *testing.T) {
	core := newFakeCore(t, 7)
	outbox := make(chan tnet.ChangeSet, 4)

	link, handler := newTestLink(t, core, outbox)

	if id := waitEstablished(t, handler); id != 7 {
		t.Fatalf("shard ID: got %d, expected 7", id)
	}
	if !link.Connected() || link.ShardID() != 7 {
		t.Fatalf("link state: connected=%v shardID=%d", link.Connected(), link.ShardID())
	}

	select {
	case hello := <-core.hellos:
		if hello.Moniker != "test-shard" {
			t.Fatalf("hello: %+v", hello)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("core never saw the hello")
	}

	outbox <- tnet.ChangeSet{Seq: 1, Entries: []tnet.Entry{{Type: tnet.EntryRemove, Node: 4}}}

	select {
	case cs := <-core.changesets:
		if cs.Seq != 1 || len(cs.Entries) != 1 || cs.Entries[0].Node != 4 {
			t.Fatalf("changeset at core: %+v", cs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("core never received the changeset")
	}
}

func TestLinkDrainsStaleOutbox(t *testing.T) {
	core := newFakeCore(t, 1)

	// changesets queued before the link comes up describe a world the core
	// has already purged; they must never be sent
	outbox := make(chan tnet.ChangeSet, 4)
	outbox <- tnet.ChangeSet{Seq: 1}
	outbox <- tnet.ChangeSet{Seq: 2}
	outbox <- tnet.ChangeSet{Seq: 3}

	_, handler := newTestLink(t, core, outbox)
	waitEstablished(t, handler)

	outbox <- tnet.ChangeSet{Seq: 9, Entries: []tnet.Entry{{Type: tnet.EntryRemove, Node: 1}}}

	select {
	case cs := <-core.changesets:
		if cs.Seq != 9 {
			t.Fatalf("stale changeset leaked: %+v", cs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("core never received the fresh changeset")
	}
}

func TestLinkDeliversRejections(t *testing.T) {
	core := newFakeCore(t, 1)
	outbox := make(chan tnet.ChangeSet, 4)

	_, handler := newTestLink(t, core, outbox)
	waitEstablished(t, handler)

	expected := []tnet.Rejection{{Node: 3, Reason: "chain quota reached"}}
	core.rejectNext(expected)

	outbox <- tnet.ChangeSet{Seq: 1}

	select {
	case rejections := <-handler.rejected:
		if !reflect.DeepEqual(rejections, expected) {
			t.Fatalf("rejections: got %+v, expected %+v", rejections, expected)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rejections never reached the handler")
	}
}

func TestLinkReconnects(t *testing.T) {
	core := newFakeCore(t, 5)
	outbox := make(chan tnet.ChangeSet, 4)

	link, handler := newTestLink(t, core, outbox)
	waitEstablished(t, handler)

	core.dropConns()

	select {
	case <-handler.down:
	case <-time.After(2 * time.Second):
		t.Fatal("link loss never reported")
	}

	// the listener is still up, so the link re-establishes on its own
	if id := waitEstablished(t, handler); id != 5 {
		t.Fatalf("shard ID after reconnect: got %d, expected 5", id)
	}
	if !link.Connected() {
		t.Fatal("link should be connected after reconnect")
	}
}
