package main

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
)

type sessionState int32

const (
	stateConnecting sessionState = iota
	stateActive
	stateClosing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	errQueueFull     = errors.New("outbound queue full")
	errSessionClosed = errors.New("session closed")
)

// Session is the server side of one client connection. Outbound frames go
// through a bounded queue drained by the session's own writer, so a stalled
// peer only backs up itself.
type Session struct {
	id     string
	conn   Conn
	out    chan []byte
	done   chan struct{}
	state  atomic.Int32
	logger *log.Logger

	closeOnce sync.Once
}

func NewSession(id string, conn Conn, queueSize int, logger *log.Logger) *Session {
	return &Session{
		id:     id,
		conn:   conn,
		out:    make(chan []byte, queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() sessionState {
	return sessionState(s.state.Load())
}

// Send enqueues an encoded frame without blocking.
func (s *Session) Send(frame []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.out <- frame:
		return nil
	default:
		return errQueueFull
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case frame := <-s.out:
			if err := s.conn.WriteFrame(frame); err != nil {
				if s.State() < stateClosing {
					s.logger.Printf("%s: %v", s.id, err)
				}
				s.Close()
				return
			}
			// the first frame is always the init snapshot
			s.state.CompareAndSwap(int32(stateConnecting), int32(stateActive))
		case <-s.done:
			return
		}
	}
}

// Close moves the session to closing and tears down the socket, which
// unblocks the reader. It never blocks: closing a yamux stream has to flush
// a FIN through a session the peer may have stopped reading, and Close is
// called under the server's seq lock.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		for {
			cur := s.state.Load()
			if cur >= int32(stateClosing) || s.state.CompareAndSwap(cur, int32(stateClosing)) {
				break
			}
		}
		close(s.done)
		go s.conn.Close()
	})
}

func (s *Session) markClosed() {
	s.state.Store(int32(stateClosed))
}
