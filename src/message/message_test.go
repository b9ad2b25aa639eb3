package message

import (
	"errors"
	"reflect"
	"testing"
)

func TestDecodeConnected(t *testing.T) {
	data := []byte(`{
		"id": 1,
		"ts": "2021-07-12T10:37:47.714666+01:00",
		"payload": {
			"msg": "system.connected",
			"chain": "Polkadot",
			"name": "alice",
			"genesis_hash": "0x91b1",
			"implementation": "parity-polkadot",
			"version": "0.9.8",
			"network_id": "12D3KooW",
			"startup_time": "1625565542717",
			"authority": true,
			"config": ""
		}
	}`)

	env, err := Decode(data)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if env.ID != 1 {
		t.Fatalf("envelope id: got %d, expected 1", env.ID)
	}

	connected, ok := env.Payload.(Connected)
	if !ok {
		t.Fatalf("payload type: got %T", env.Payload)
	}

	expected := Connected{
		Chain:          "Polkadot",
		Name:           "alice",
		GenesisHash:    "0x91b1",
		Implementation: "parity-polkadot",
		Version:        "0.9.8",
		NetworkID:      "12D3KooW",
		StartupTime:    "1625565542717",
		Authority:      true,
	}
	if !reflect.DeepEqual(connected, expected) {
		t.Fatalf("payload mismatch: got %+v, expected %+v", connected, expected)
	}

	details := connected.NodeDetails()
	if details.Name != "alice" || !details.Validator || details.GenesisHash != "0x91b1" {
		t.Fatalf("details mapping: %+v", details)
	}
}

func TestDecodeInterval(t *testing.T) {
	data := []byte(`{
		"id": 7,
		"ts": "2021-07-12T10:37:48+01:00",
		"payload": {
			"bandwidth_download": 576,
			"bandwidth_upload": 576,
			"msg": "system.interval",
			"peers": 1
		}
	}`)

	env, err := Decode(data)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	interval, ok := env.Payload.(Interval)
	if !ok {
		t.Fatalf("payload type: got %T", env.Payload)
	}

	stats := interval.NodeStats()
	if stats.PeerCount != 1 || stats.BandwidthUpload != 576 || stats.BandwidthDownload != 576 {
		t.Fatalf("stats mapping: %+v", stats)
	}
}

func TestDecodeBlocks(t *testing.T) {
	imp, err := Decode([]byte(`{"id":2,"ts":"t","payload":{"msg":"block.import","height":42,"hash":"0x2a"}}`))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if b := imp.Payload.(Import).Block(); b.Height != 42 || b.Hash != "0x2a" {
		t.Fatalf("import block: %+v", b)
	}

	fin, err := Decode([]byte(`{"id":3,"ts":"t","payload":{"msg":"notify.finalized","height":40,"hash":"0x28"}}`))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if b := fin.Payload.(Finalized).Block(); b.Height != 40 || b.Hash != "0x28" {
		t.Fatalf("finalized block: %+v", b)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	env, err := Decode([]byte(`{"id":4,"ts":"t","payload":{"msg":"afg.authority_set","extra":[1,2]}}`))
	if err != nil {
		t.Fatalf("unknown kind should not be an error: %v", err)
	}

	unknown, ok := env.Payload.(Unknown)
	if !ok {
		t.Fatalf("payload type: got %T", env.Payload)
	}
	if unknown.Kind() != "afg.authority_set" {
		t.Fatalf("unknown kind: %q", unknown.Kind())
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		err  error
	}{
		{"not json", `{"id":`, nil},
		{"no payload", `{"id":1,"ts":"t"}`, ErrNoPayload},
		{"no msg", `{"id":1,"ts":"t","payload":{"peers":1}}`, ErrNoKind},
		{"connected without chain", `{"id":1,"ts":"t","payload":{"msg":"system.connected","name":"x"}}`, ErrNoChain},
		{"payload wrong type", `{"id":1,"ts":"t","payload":{"msg":"system.interval","peers":"many"}}`, nil},
	}

	for _, tt := range tests {
		_, err := Decode([]byte(tt.data))
		if err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
		if tt.err != nil && !errors.Is(err, tt.err) {
			t.Fatalf("%s: got %v, expected %v", tt.name, err, tt.err)
		}
	}
}

func TestDecodeToleratesExtraFields(t *testing.T) {
	env, err := Decode([]byte(`{"id":5,"ts":"t","payload":{"msg":"system.interval","peers":3,"txcount":7,"used_state_cache_size":1024}}`))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if env.Payload.(Interval).Peers != 3 {
		t.Fatalf("peers: %+v", env.Payload)
	}
}
