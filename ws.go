package main

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/icexin/gocraft-collab/proto"
)

// wsConn carries one envelope per websocket text message.
type wsConn struct {
	conn *websocket.Conn
	addr string
}

func newWSConn(conn *websocket.Conn, maxFrameSize int) *wsConn {
	conn.SetReadLimit(int64(maxFrameSize))
	return &wsConn{
		conn: conn,
		addr: conn.RemoteAddr().String(),
	}
}

func (c *wsConn) ReadEnvelope() (proto.Envelope, error) {
	for {
		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return proto.Envelope{}, io.EOF
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				return proto.Envelope{}, &proto.ProtocolError{Err: err}
			}
			return proto.Envelope{}, &proto.ConnectionError{Op: "read", Err: err}
		}
		if typ != websocket.TextMessage {
			return proto.Envelope{}, &proto.ProtocolError{Err: errors.New("binary message")}
		}
		msg = bytes.TrimSpace(msg)
		if len(msg) == 0 {
			continue
		}
		return proto.Parse(msg)
	}
}

func (c *wsConn) WriteFrame(frame []byte) error {
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &proto.ConnectionError{Op: "write", Err: err}
	}
	return nil
}

func (c *wsConn) RemoteAddr() string {
	return c.addr
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// WebsocketHandler upgrades the request and serves it like any stream
// connection.
func (s *Server) WebsocketHandler() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.addWorker() {
			http.Error(rw, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		defer s.workers.Done()
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		s.serveConn(newWSConn(conn, s.maxFrameSize))
	}
}
