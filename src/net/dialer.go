package net

import (
	"net"
	"time"
)

// Dialer opens an outgoing stream to a link listener. It is the dial half
// of a StreamLayer, for processes that only connect out.
type Dialer func(address string, timeout time.Duration) (net.Conn, error)

// TCPDialer returns a Dialer for plain TCP targets.
func TCPDialer() Dialer {
	return func(address string, timeout time.Duration) (net.Conn, error) {
		return net.DialTimeout("tcp", address, timeout)
	}
}

// InmemDialer returns a Dialer that connects to in-process stream layers by
// their registered address.
func InmemDialer() Dialer {
	return inmemDial
}
