package main

import (
	"fmt"
	"net"

	"github.com/hashicorp/yamux"

	"github.com/icexin/gocraft-collab/proto"
)

// Conn carries envelopes for one client, whatever the underlying transport.
type Conn interface {
	ReadEnvelope() (proto.Envelope, error)
	WriteFrame(frame []byte) error
	RemoteAddr() string
	Close() error
}

// streamConn frames envelopes with a newline on a byte stream. It serves
// plain TCP connections and yamux streams alike.
type streamConn struct {
	conn net.Conn
	addr string
	r    *proto.Reader
	w    *proto.Writer
}

func newStreamConn(conn net.Conn, maxFrameSize int) *streamConn {
	return &streamConn{
		conn: conn,
		addr: clientID(conn),
		r:    proto.NewReader(conn, maxFrameSize),
		w:    proto.NewWriter(conn),
	}
}

func (c *streamConn) ReadEnvelope() (proto.Envelope, error) {
	return c.r.ReadEnvelope()
}

func (c *streamConn) WriteFrame(frame []byte) error {
	return c.w.WriteFrame(frame)
}

func (c *streamConn) RemoteAddr() string {
	return c.addr
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}

// clientID derives the id of a connection from its remote endpoint. Streams
// of one yamux session share the endpoint, so the stream id is appended.
func clientID(conn net.Conn) string {
	if st, ok := conn.(*yamux.Stream); ok {
		return fmt.Sprintf("%s/%d", conn.RemoteAddr(), st.StreamID())
	}
	return conn.RemoteAddr().String()
}
