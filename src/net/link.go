package net

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"time"

	"github.com/ugorji/go/codec"
)

// Link message types. Each frame on the wire is one type byte, a big-endian
// uint32 body length, and a canonical-JSON body. Bodies are length-framed
// because links are pipelined: the reader must never depend on the writer
// waiting for a response before sending the next message.
const (
	MsgHello uint8 = iota
	MsgHelloAck
	MsgChangeSet
	MsgChangeSetAck
	MsgPing
	MsgPong
)

const (
	// changesets batch full node states, so buffers are sized generously
	bufSize = math.MaxUint16

	// maxFrameBytes bounds a frame body. Anything larger means a corrupt
	// stream or a misbehaving peer.
	maxFrameBytes = 16 * 1024 * 1024
)

var (
	// ErrLinkShutdown is returned when operations on a link are invoked
	// after it has been closed.
	ErrLinkShutdown = errors.New("link shutdown")
)

// marshalBody encodes a link message body as canonical JSON.
func marshalBody(v interface{}) ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// unmarshalBody decodes a link message body.
func unmarshalBody(data []byte, v interface{}) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(v)
}

// LinkConn wraps one duplex link connection with the frame codec. It does
// no locking of its own: each direction is owned by a single goroutine
// (one reader, one writer).
type LinkConn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// NewLinkConn wraps an established stream connection.
func NewLinkConn(conn net.Conn) *LinkConn {
	return &LinkConn{
		conn: conn,
		r:    bufio.NewReaderSize(conn, bufSize),
		w:    bufio.NewWriterSize(conn, bufSize),
	}
}

// RemoteAddr returns the address of the peer.
func (l *LinkConn) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

// SetReadDeadline bounds the next ReadMsg.
func (l *LinkConn) SetReadDeadline(t time.Time) error {
	return l.conn.SetReadDeadline(t)
}

// SetWriteDeadline bounds the next WriteMsg.
func (l *LinkConn) SetWriteDeadline(t time.Time) error {
	return l.conn.SetWriteDeadline(t)
}

// Release closes the underlying connection.
func (l *LinkConn) Release() error {
	return l.conn.Close()
}

// WriteMsg frames and flushes one message. A nil body writes an empty
// frame, which is how pings and pongs travel.
func (l *LinkConn) WriteMsg(msgType uint8, body interface{}) error {
	var data []byte
	if body != nil {
		var err error
		data, err = marshalBody(body)
		if err != nil {
			return fmt.Errorf("encoding link message %d: %v", msgType, err)
		}
	}

	if err := l.w.WriteByte(msgType); err != nil {
		return err
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	if _, err := l.w.Write(length[:]); err != nil {
		return err
	}

	if len(data) > 0 {
		if _, err := l.w.Write(data); err != nil {
			return err
		}
	}

	return l.w.Flush()
}

// ReadMsg reads one frame and returns its type and raw body. The caller
// dispatches on the type and decodes the body with DecodeBody.
func (l *LinkConn) ReadMsg() (uint8, []byte, error) {
	msgType, err := l.r.ReadByte()
	if err != nil {
		return 0, nil, err
	}

	var length [4]byte
	if _, err := io.ReadFull(l.r, length[:]); err != nil {
		return 0, nil, err
	}

	n := binary.BigEndian.Uint32(length[:])
	if n > maxFrameBytes {
		return 0, nil, fmt.Errorf("link frame of %d bytes exceeds limit", n)
	}

	if n == 0 {
		return msgType, nil, nil
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(l.r, body); err != nil {
		return 0, nil, err
	}

	return msgType, body, nil
}

// DecodeBody decodes a raw frame body into the message struct matching its
// type byte.
func DecodeBody(data []byte, v interface{}) error {
	return unmarshalBody(data, v)
}
