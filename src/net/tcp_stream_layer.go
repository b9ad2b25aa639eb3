package net

import (
	"errors"
	"net"
	"time"
)

var errNotTCP = errors.New("local address is not a TCP address")

// TCPStreamLayer implements the StreamLayer interface for plain TCP.
type TCPStreamLayer struct {
	advertise string
	listener  *net.TCPListener
}

// NewTCPStreamLayer binds bindAddr and returns a TCP stream layer. The
// advertise address, if set, is what remote peers should dial to reach this
// listener; it defaults to the bound address.
func NewTCPStreamLayer(bindAddr string, advertise string) (*TCPStreamLayer, error) {
	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	tcpList, ok := list.(*net.TCPListener)
	if !ok {
		list.Close()
		return nil, errNotTCP
	}

	return &TCPStreamLayer{
		advertise: advertise,
		listener:  tcpList,
	}, nil
}

// Dial implements the StreamLayer interface.
func (t *TCPStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

// Accept implements the net.Listener interface.
func (t *TCPStreamLayer) Accept() (c net.Conn, err error) {
	return t.listener.Accept()
}

// Close implements the net.Listener interface.
func (t *TCPStreamLayer) Close() (err error) {
	return t.listener.Close()
}

// Addr implements the net.Listener interface.
func (t *TCPStreamLayer) Addr() net.Addr {
	return t.listener.Addr()
}

// AdvertiseAddr implements the StreamLayer interface.
func (t *TCPStreamLayer) AdvertiseAddr() string {
	// Use an advertise addr if provided
	if t.advertise != "" {
		return t.advertise
	}
	return t.listener.Addr().String()
}
