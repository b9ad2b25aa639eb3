package net

import (
	"net"
	"time"
)

// StreamLayer provides the low level stream abstraction underneath a shard
// link. It can be plain TCP for deployments or in-memory pipes for tests.
type StreamLayer interface {
	net.Listener

	// Dial is used to create a new outgoing connection
	Dial(address string, timeout time.Duration) (net.Conn, error)

	// AdvertiseAddr returns the publicly-reachable address of the stream
	AdvertiseAddr() string
}
