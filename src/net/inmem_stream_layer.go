package net

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

var (
	errAddrInUse  = errors.New("inmem address already in use")
	errStreamDown = errors.New("inmem stream layer closed")

	inmemLock   sync.Mutex
	inmemLayers = make(map[string]*InmemStreamLayer)
)

// NewInmemAddr returns a new in-memory addr with
// a randomly generated UUID as the ID.
func NewInmemAddr() string {
	return generateUUID()
}

// generateUUID is used to generate a random UUID.
func generateUUID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("failed to read random bytes: %v", err))
	}

	return fmt.Sprintf("%08x-%04x-%04x-%04x-%12x",
		buf[0:4],
		buf[4:6],
		buf[6:8],
		buf[8:10],
		buf[10:16])
}

type inmemAddr string

func (a inmemAddr) Network() string { return "inmem" }
func (a inmemAddr) String() string  { return string(a) }

// InmemStreamLayer implements the StreamLayer interface with synchronous
// in-process pipes, to allow links to be tested without going over a
// network. Layers register themselves under their address, so any layer can
// dial any other within the same process.
type InmemStreamLayer struct {
	addr string

	acceptCh chan net.Conn

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewInmemStreamLayer registers and returns a new in-memory stream layer.
// A random address is generated if none is specified.
func NewInmemStreamLayer(addr string) (*InmemStreamLayer, error) {
	if addr == "" {
		addr = NewInmemAddr()
	}

	inmemLock.Lock()
	defer inmemLock.Unlock()

	if _, ok := inmemLayers[addr]; ok {
		return nil, errAddrInUse
	}

	layer := &InmemStreamLayer{
		addr:       addr,
		acceptCh:   make(chan net.Conn, 16),
		shutdownCh: make(chan struct{}),
	}

	inmemLayers[addr] = layer

	return layer, nil
}

// inmemDial connects to the layer registered under address. The timeout
// covers the remote layer accepting the connection.
func inmemDial(address string, timeout time.Duration) (net.Conn, error) {
	inmemLock.Lock()
	remote, ok := inmemLayers[address]
	inmemLock.Unlock()

	if !ok {
		return nil, fmt.Errorf("inmem dial %s: connection refused", address)
	}

	local, far := net.Pipe()

	select {
	case remote.acceptCh <- far:
		return local, nil
	case <-remote.shutdownCh:
		local.Close()
		return nil, fmt.Errorf("inmem dial %s: connection refused", address)
	case <-time.After(timeout):
		local.Close()
		return nil, fmt.Errorf("inmem dial %s: timeout", address)
	}
}

// Dial implements the StreamLayer interface.
func (i *InmemStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return inmemDial(address, timeout)
}

// Accept implements the net.Listener interface.
func (i *InmemStreamLayer) Accept() (net.Conn, error) {
	select {
	case conn := <-i.acceptCh:
		return conn, nil
	case <-i.shutdownCh:
		return nil, errStreamDown
	}
}

// Close implements the net.Listener interface.
func (i *InmemStreamLayer) Close() error {
	i.shutdownLock.Lock()
	defer i.shutdownLock.Unlock()

	if i.shutdown {
		return nil
	}
	i.shutdown = true

	inmemLock.Lock()
	delete(inmemLayers, i.addr)
	inmemLock.Unlock()

	close(i.shutdownCh)

	return nil
}

// Addr implements the net.Listener interface.
func (i *InmemStreamLayer) Addr() net.Addr {
	return inmemAddr(i.addr)
}

// AdvertiseAddr implements the StreamLayer interface.
func (i *InmemStreamLayer) AdvertiseAddr() string {
	return i.addr
}
