package main

import (
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/icexin/gocraft-collab/proto"
)

// stuckConn never finishes a write until it is closed, like a peer that
// stopped reading.
type stuckConn struct {
	closed    chan struct{}
	closeOnce sync.Once
	writes    chan []byte
}

func newStuckConn() *stuckConn {
	return &stuckConn{closed: make(chan struct{}), writes: make(chan []byte, 16)}
}

func (c *stuckConn) ReadEnvelope() (proto.Envelope, error) {
	<-c.closed
	return proto.Envelope{}, io.EOF
}

func (c *stuckConn) WriteFrame(frame []byte) error {
	c.writes <- frame
	<-c.closed
	return errors.New("closed")
}

func (c *stuckConn) RemoteAddr() string { return "stuck" }

func (c *stuckConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *stuckConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func TestSessionStateMachine(t *testing.T) {
	conn := newStuckConn()
	sess := NewSession("s", conn, 4, log.New(io.Discard, "", 0))
	if sess.State() != stateConnecting {
		t.Fatalf("new session is %v", sess.State())
	}
	if err := sess.Send([]byte("init")); err != nil {
		t.Fatal(err)
	}
	go sess.writeLoop()
	<-conn.writes
	// the writer is now blocked inside the first write; it only turns
	// active once that write succeeds, which it never will
	if sess.State() != stateConnecting {
		t.Fatalf("session went %v before the snapshot was written", sess.State())
	}

	sess.Close()
	if sess.State() != stateClosing {
		t.Fatalf("closed session is %v", sess.State())
	}
	waitFor(t, "socket teardown", conn.isClosed)
	if err := sess.Send([]byte("late")); !errors.Is(err, errSessionClosed) {
		t.Fatalf("send after close: %v", err)
	}
	sess.markClosed()
	if sess.State() != stateClosed {
		t.Fatalf("got %v", sess.State())
	}
	sess.Close()
	if sess.State() != stateClosed {
		t.Fatalf("close must not move a closed session back, got %v", sess.State())
	}
}

type recordConn struct {
	*stuckConn
	mu     sync.Mutex
	frames []string
}

func (c *recordConn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, string(frame))
	return nil
}

func TestSessionBecomesActiveAfterFirstWrite(t *testing.T) {
	conn := &recordConn{stuckConn: newStuckConn()}
	sess := NewSession("s", conn, 4, log.New(io.Discard, "", 0))
	sess.Send([]byte("init"))
	sess.Send([]byte("next"))
	go sess.writeLoop()
	waitFor(t, "active state", func() bool { return sess.State() == stateActive })
	waitFor(t, "both frames", func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.frames) == 2
	})
	if conn.frames[0] != "init" || conn.frames[1] != "next" {
		t.Fatalf("frames out of order: %v", conn.frames)
	}
	sess.Close()
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	srv := NewServer(NewWorld(), Config{QueueSize: 2}, log.New(io.Discard, "", 0))

	slowConn := newStuckConn()
	slow := NewSession("slow", slowConn, 2, srv.logger)
	srv.sessions.Store(slow.id, slow)
	go slow.writeLoop()

	fastConn := &recordConn{stuckConn: newStuckConn()}
	fast := NewSession("fast", fastConn, 16, srv.logger)
	srv.sessions.Store(fast.id, fast)
	go fast.writeLoop()

	origin := NewSession("origin", newStuckConn(), 2, srv.logger)

	env, _ := proto.NewEnvelope(proto.TypeBlockRemove, proto.BlockRemove{})
	srv.seq.Lock()
	// one frame is taken by the stuck writer, two fill the queue, the
	// fourth overflows
	for i := 0; i < 4; i++ {
		srv.broadcast(env, origin)
		if i == 0 {
			<-slowConn.writes
		}
	}
	srv.seq.Unlock()

	if slow.State() != stateClosing {
		t.Fatalf("slow consumer still open: %v", slow.State())
	}
	waitFor(t, "slow consumer teardown", slowConn.isClosed)
	if fast.State() >= stateClosing {
		t.Fatalf("fast consumer was closed")
	}
	waitFor(t, "fast consumer delivery", func() bool {
		fastConn.mu.Lock()
		defer fastConn.mu.Unlock()
		return len(fastConn.frames) == 4
	})
	fast.Close()
}

// hangConn is a stuck peer whose Close also hangs, like a yamux stream
// whose FIN cannot be flushed.
type hangConn struct {
	*stuckConn
	release chan struct{}
	closing chan struct{}
}

func (c *hangConn) Close() error {
	close(c.closing)
	<-c.release
	return c.stuckConn.Close()
}

func TestSlowConsumerCloseDoesNotStallBroadcast(t *testing.T) {
	srv := NewServer(NewWorld(), Config{QueueSize: 1}, log.New(io.Discard, "", 0))

	hung := &hangConn{
		stuckConn: newStuckConn(),
		release:   make(chan struct{}),
		closing:   make(chan struct{}),
	}
	defer close(hung.release)
	slow := NewSession("slow", hung, 1, srv.logger)
	srv.sessions.Store(slow.id, slow)
	go slow.writeLoop()

	fastConn := &recordConn{stuckConn: newStuckConn()}
	fast := NewSession("fast", fastConn, 16, srv.logger)
	srv.sessions.Store(fast.id, fast)
	go fast.writeLoop()
	defer fast.Close()

	env, _ := proto.NewEnvelope(proto.TypeBlockRemove, proto.BlockRemove{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.seq.Lock()
		defer srv.seq.Unlock()
		for i := 0; i < 3; i++ {
			srv.broadcast(env, nil)
			if i == 0 {
				<-hung.writes
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatalf("broadcast blocked on closing a slow consumer")
	}

	select {
	case <-hung.closing:
	case <-time.After(waitTimeout):
		t.Fatalf("slow consumer socket never closed")
	}
	if slow.State() != stateClosing {
		t.Fatalf("slow consumer is %v", slow.State())
	}

	// the seq lock is free again for the healthy peers
	srv.seq.Lock()
	srv.broadcast(env, nil)
	srv.seq.Unlock()
	waitFor(t, "fast consumer delivery", func() bool {
		fastConn.mu.Lock()
		defer fastConn.mu.Unlock()
		return len(fastConn.frames) == 4
	})
}
