// Package net implements the transport between shards and the core.
//
// The shard-core link is a persistent duplex connection carrying framed
// messages: one type byte, a length prefix, then a canonical JSON body.
// LinkConn wraps a raw connection with buffered framing; the message types
// and their bodies are defined in commands.go. The first message on a link
// must be Hello, answered by HelloAck with the shard's assigned ID.
//
// The raw connection comes from a StreamLayer, of which there are two
// implementations:
//
// - TCP: plain TCP for deployments. The listener side can advertise a
// public address distinct from its bind address.
//
// - Inmem: in-process pipes used only for testing. Inmem layers register
// under synthetic addresses so dial-by-address works across layers in the
// same process.
//
// Processes that only dial out (the shard side) use a Dialer, the dial half
// of a StreamLayer.
//
// The package also holds the websocket keepalive parameters and upgrader
// shared by the node submit endpoint and the feed endpoint.
package net
