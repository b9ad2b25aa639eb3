// Package message decodes the JSON envelopes that nodes submit over their
// telemetry websocket connection.
package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chainpulse/telemetry/src/state"
)

// Payload kind discriminators, carried in the "msg" field of an envelope's
// payload.
const (
	KindConnected = "system.connected"
	KindInterval  = "system.interval"
	KindImport    = "block.import"
	KindFinalized = "notify.finalized"
)

var (
	// ErrNoPayload is returned for an envelope without a payload object.
	ErrNoPayload = errors.New("envelope has no payload")

	// ErrNoKind is returned for a payload without a "msg" discriminator.
	ErrNoKind = errors.New("payload has no msg field")

	// ErrNoChain is returned for a system.connected payload with an empty
	// chain label.
	ErrNoChain = errors.New("system.connected has no chain label")
)

// Payload is one decoded telemetry message. The set of implementations is
// closed: Connected, Interval, Import, Finalized, and Unknown.
type Payload interface {
	Kind() string
}

// Envelope is one submitted frame. ID is the node's own sequence number and
// Ts its self-reported timestamp; both are carried for diagnostics only and
// are not validated, because the ingest pipeline keeps its own ordering.
type Envelope struct {
	ID      uint64
	Ts      string
	Payload Payload
}

// Connected is the first message of a session. It binds the session to a
// chain and describes the node.
type Connected struct {
	Chain          string `json:"chain"`
	Name           string `json:"name"`
	GenesisHash    string `json:"genesis_hash"`
	Implementation string `json:"implementation"`
	Version        string `json:"version"`
	NetworkID      string `json:"network_id"`
	StartupTime    string `json:"startup_time"`
	Authority      bool   `json:"authority"`
}

func (Connected) Kind() string { return KindConnected }

// NodeDetails maps the declaration onto the domain model.
func (c Connected) NodeDetails() state.NodeDetails {
	return state.NodeDetails{
		Name:           c.Name,
		Implementation: c.Implementation,
		Version:        c.Version,
		NetworkID:      c.NetworkID,
		GenesisHash:    c.GenesisHash,
		StartupTime:    c.StartupTime,
		Validator:      c.Authority,
	}
}

// Interval is the periodic vitals report.
type Interval struct {
	Peers             int    `json:"peers"`
	BandwidthUpload   uint64 `json:"bandwidth_upload"`
	BandwidthDownload uint64 `json:"bandwidth_download"`
}

func (Interval) Kind() string { return KindInterval }

// NodeStats maps the report onto the domain model.
func (i Interval) NodeStats() state.NodeStats {
	return state.NodeStats{
		PeerCount:         i.Peers,
		BandwidthUpload:   i.BandwidthUpload,
		BandwidthDownload: i.BandwidthDownload,
	}
}

// Import reports a new best block.
type Import struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

func (Import) Kind() string { return KindImport }

// Block maps the report onto the domain model.
func (i Import) Block() state.Block {
	return state.Block{Height: i.Height, Hash: i.Hash}
}

// Finalized reports a new finalized block.
type Finalized struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

func (Finalized) Kind() string { return KindFinalized }

// Block maps the report onto the domain model.
func (f Finalized) Block() state.Block {
	return state.Block{Height: f.Height, Hash: f.Hash}
}

// Unknown is a payload whose kind this version does not recognize. It is a
// value, not an error: sessions drop it and carry on.
type Unknown struct {
	Msg string
}

func (u Unknown) Kind() string { return u.Msg }

type rawEnvelope struct {
	ID      uint64          `json:"id"`
	Ts      string          `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

type rawKind struct {
	Msg string `json:"msg"`
}

// Decode parses one submitted frame. Unrecognized payload kinds decode to
// Unknown; a missing payload, missing discriminator, or malformed JSON is an
// error, and recognized kinds tolerate extra fields.
func Decode(data []byte) (Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %v", err)
	}

	if len(raw.Payload) == 0 {
		return Envelope{}, ErrNoPayload
	}

	var kind rawKind
	if err := json.Unmarshal(raw.Payload, &kind); err != nil {
		return Envelope{}, fmt.Errorf("decoding payload: %v", err)
	}
	if kind.Msg == "" {
		return Envelope{}, ErrNoKind
	}

	env := Envelope{ID: raw.ID, Ts: raw.Ts}

	switch kind.Msg {
	case KindConnected:
		var p Connected
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return Envelope{}, fmt.Errorf("decoding %s: %v", kind.Msg, err)
		}
		if p.Chain == "" {
			return Envelope{}, ErrNoChain
		}
		env.Payload = p
	case KindInterval:
		var p Interval
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return Envelope{}, fmt.Errorf("decoding %s: %v", kind.Msg, err)
		}
		env.Payload = p
	case KindImport:
		var p Import
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return Envelope{}, fmt.Errorf("decoding %s: %v", kind.Msg, err)
		}
		env.Payload = p
	case KindFinalized:
		var p Finalized
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return Envelope{}, fmt.Errorf("decoding %s: %v", kind.Msg, err)
		}
		env.Payload = p
	default:
		env.Payload = Unknown{Msg: kind.Msg}
	}

	return env, nil
}
