package net

import (
	"reflect"
	"testing"
	"time"

	"github.com/chainpulse/telemetry/src/state"
)

const (
	INMEM = iota
	TCP
	numTestLayers // NOTE: must be last
)

func NewTestStreamLayer(ttype int, t *testing.T) StreamLayer {
	switch ttype {
	case INMEM:
		layer, err := NewInmemStreamLayer("")
		if err != nil {
			t.Fatal(err)
		}
		return layer
	case TCP:
		layer, err := NewTCPStreamLayer("127.0.0.1:0", "")
		if err != nil {
			t.Fatal(err)
		}
		return layer
	default:
		panic("Unknown stream layer type")
	}
}

func TestStreamLayer_StartStop(t *testing.T) {
	for ttype := 0; ttype < numTestLayers; ttype++ {
		layer := NewTestStreamLayer(ttype, t)
		if err := layer.Close(); err != nil {
			t.Fatalf("err: %v", err)
		}
	}
}

func TestStreamLayer_DialRefused(t *testing.T) {
	layer, err := NewInmemStreamLayer("")
	if err != nil {
		t.Fatal(err)
	}
	addr := layer.AdvertiseAddr()
	layer.Close()

	if _, err := layer.Dial(addr, 100*time.Millisecond); err == nil {
		t.Fatal("dial to a closed layer should fail")
	}
}

func testChangeSet() ChangeSet {
	stats := state.NodeStats{PeerCount: 4, BandwidthUpload: 100, BandwidthDownload: 200}
	return ChangeSet{
		Seq: 7,
		Entries: []Entry{
			{
				Type:  EntryAdd,
				Node:  1,
				Chain: "Polkadot",
				State: &state.Node{
					Details: state.NodeDetails{Name: "alice", Validator: true},
					Best:    state.Block{Height: 10, Hash: "0x0a"},
				},
			},
			{
				Type:   EntryUpdate,
				Node:   1,
				Update: &state.NodeUpdate{Stats: &stats},
			},
			{
				Type: EntryRemove,
				Node: 2,
			},
		},
	}
}

func TestLinkConn_RoundTrip(t *testing.T) {
	for ttype := 0; ttype < numTestLayers; ttype++ {
		layer := NewTestStreamLayer(ttype, t)
		defer layer.Close()

		accepted := make(chan *LinkConn, 1)
		go func() {
			conn, err := layer.Accept()
			if err != nil {
				return
			}
			accepted <- NewLinkConn(conn)
		}()

		dialed, err := layer.Dial(layer.AdvertiseAddr(), time.Second)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		client := NewLinkConn(dialed)
		defer client.Release()

		var server *LinkConn
		select {
		case server = <-accepted:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for accept")
		}
		defer server.Release()

		// hello / helloAck handshake
		go func() {
			client.WriteMsg(MsgHello, Hello{Moniker: "shard0"})
		}()

		msgType, body, err := server.ReadMsg()
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if msgType != MsgHello {
			t.Fatalf("msg type: got %d, expected hello", msgType)
		}
		var hello Hello
		if err := DecodeBody(body, &hello); err != nil {
			t.Fatalf("err: %v", err)
		}
		if hello.Moniker != "shard0" {
			t.Fatalf("moniker: %q", hello.Moniker)
		}

		go func() {
			server.WriteMsg(MsgHelloAck, HelloAck{ShardID: 3})
		}()

		msgType, body, err = client.ReadMsg()
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if msgType != MsgHelloAck {
			t.Fatalf("msg type: got %d, expected helloAck", msgType)
		}
		var ack HelloAck
		if err := DecodeBody(body, &ack); err != nil {
			t.Fatalf("err: %v", err)
		}
		if ack.ShardID != 3 {
			t.Fatalf("shard id: %d", ack.ShardID)
		}

		// a changeset survives the codec intact
		cs := testChangeSet()
		go func() {
			client.WriteMsg(MsgChangeSet, cs)
		}()

		msgType, body, err = server.ReadMsg()
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if msgType != MsgChangeSet {
			t.Fatalf("msg type: got %d, expected changeset", msgType)
		}
		var got ChangeSet
		if err := DecodeBody(body, &got); err != nil {
			t.Fatalf("err: %v", err)
		}
		if !reflect.DeepEqual(got, cs) {
			t.Fatalf("changeset mismatch: got %+v, expected %+v", got, cs)
		}
	}
}

func TestLinkConn_Pipelined(t *testing.T) {
	// several frames written back to back must be read intact, without
	// any response in between
	layer := NewTestStreamLayer(INMEM, t)
	defer layer.Close()

	accepted := make(chan *LinkConn, 1)
	go func() {
		conn, err := layer.Accept()
		if err != nil {
			return
		}
		accepted <- NewLinkConn(conn)
	}()

	dialed, err := layer.Dial(layer.AdvertiseAddr(), time.Second)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	client := NewLinkConn(dialed)
	defer client.Release()

	server := <-accepted
	defer server.Release()

	const n = 10
	go func() {
		for i := 0; i < n; i++ {
			client.WriteMsg(MsgChangeSet, ChangeSet{Seq: uint64(i)})
		}
		client.WriteMsg(MsgPing, nil)
	}()

	for i := 0; i < n; i++ {
		msgType, body, err := server.ReadMsg()
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if msgType != MsgChangeSet {
			t.Fatalf("frame %d: type %d", i, msgType)
		}
		var cs ChangeSet
		if err := DecodeBody(body, &cs); err != nil {
			t.Fatalf("err: %v", err)
		}
		if cs.Seq != uint64(i) {
			t.Fatalf("frame %d: seq %d", i, cs.Seq)
		}
	}

	msgType, body, err := server.ReadMsg()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if msgType != MsgPing || body != nil {
		t.Fatalf("expected bare ping, got type %d body %v", msgType, body)
	}
}
