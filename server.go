package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/icexin/gocraft-collab/proto"
)

const DefaultQueueSize = 256

type Server struct {
	world    *World
	sessions sync.Map // map[string]*Session
	muxes    sync.Map // map[*yamux.Session]struct{}

	// seq orders a mutation and its fan-out against snapshot plus
	// registration, so a joining client sees every event exactly once
	// relative to its init snapshot.
	seq sync.Mutex

	queueSize    int
	maxFrameSize int
	logger       *log.Logger

	// mu guards closed, which stops new workers from being added once
	// Shutdown has started waiting.
	mu      sync.Mutex
	closed  bool
	workers sync.WaitGroup
}

func NewServer(world *World, cfg Config, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	cfg.Normalize()
	return &Server{
		world:        world,
		queueSize:    cfg.QueueSize,
		maxFrameSize: cfg.MaxFrameSize,
		logger:       logger,
	}
}

func (s *Server) World() *World {
	return s.world
}

// Serve accepts connections until l is closed. Accept errors on a live
// listener are logged and retried.
func (s *Server) Serve(l net.Listener) error {
	var backoff acceptBackoff
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, yamux.ErrSessionShutdown) {
				return err
			}
			if ms, ok := l.(*yamux.Session); ok && ms.IsClosed() {
				return err
			}
			backoff.wait(s.logger, err)
			continue
		}
		backoff.reset()
		if !s.addWorker() {
			conn.Close()
			continue
		}
		go func() {
			defer s.workers.Done()
			s.handleConn(conn)
		}()
	}
}

// acceptBackoff spaces out retries after Accept failures on a listener that
// is still open.
type acceptBackoff struct {
	delay time.Duration
}

func (b *acceptBackoff) wait(logger *log.Logger, err error) {
	if b.delay == 0 {
		b.delay = 5 * time.Millisecond
	} else if b.delay *= 2; b.delay > time.Second {
		b.delay = time.Second
	}
	logger.Printf("accept: %v; retrying in %v", err, b.delay)
	time.Sleep(b.delay)
}

func (b *acceptBackoff) reset() {
	b.delay = 0
}

// addWorker registers a connection worker. It fails once Shutdown has
// begun.
func (s *Server) addWorker() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.workers.Add(1)
	return true
}

func (s *Server) handleConn(conn net.Conn) {
	s.serveConn(newStreamConn(conn, s.maxFrameSize))
}

// serveConn runs the whole life of one connection: onboarding, the blocking
// read loop and cleanup.
func (s *Server) serveConn(conn Conn) {
	id := conn.RemoteAddr()
	sess := NewSession(id, conn, s.queueSize, s.logger)
	if err := s.join(sess); err != nil {
		s.logger.Printf("%s: %v", id, err)
		conn.Close()
		return
	}
	go sess.writeLoop()
	s.logger.Printf("allocated %s", id)

	err := s.readLoop(sess)
	s.leave(sess)

	switch {
	case err == nil, errors.Is(err, io.EOF):
		s.logger.Printf("%s closed connection", id)
	case proto.IsProtocol(err):
		s.logger.Printf("%s dropped: %v", id, err)
	default:
		s.logger.Printf("%s lost: %v", id, err)
	}
}

var errDuplicateID = errors.New("client id already connected")

// join registers sess and queues the init snapshot as its first frame.
func (s *Server) join(sess *Session) error {
	s.seq.Lock()
	defer s.seq.Unlock()

	snap := s.world.Snapshot()
	env, err := proto.NewEnvelope(proto.TypeInit, proto.Init{
		Blocks:  snap.Blocks,
		Players: snap.Players,
	})
	if err != nil {
		return err
	}
	env.ClientId = sess.id
	frame, err := proto.Encode(env)
	if err != nil {
		return err
	}
	if _, loaded := s.sessions.LoadOrStore(sess.id, sess); loaded {
		return errDuplicateID
	}
	return sess.Send(frame)
}

func (s *Server) readLoop(sess *Session) error {
	for {
		env, err := sess.conn.ReadEnvelope()
		if err != nil {
			if sess.State() >= stateClosing {
				return nil
			}
			return err
		}
		if err := s.dispatch(sess, env); err != nil {
			if proto.IsApplication(err) {
				s.logger.Printf("%s: %v", sess.id, err)
				continue
			}
			return err
		}
	}
}

// leave is the single terminal transition of a session: it unregisters it,
// drops its pose and tells the remaining clients.
func (s *Server) leave(sess *Session) {
	sess.Close()

	s.seq.Lock()
	s.sessions.CompareAndDelete(sess.id, sess)
	if s.world.RemoveClient(sess.id) {
		env, err := proto.NewEnvelope(proto.TypePlayerLeave, proto.PlayerLeave{})
		if err == nil {
			env.ClientId = sess.id
			s.broadcast(env, sess)
		}
	}
	s.seq.Unlock()

	sess.markClosed()
}

// broadcast queues env on every session except origin. The caller holds seq.
func (s *Server) broadcast(env proto.Envelope, origin *Session) {
	frame, err := proto.Encode(env)
	if err != nil {
		s.logger.Printf("encode %s: %v", env.Type, err)
		return
	}
	s.RangeSession(func(id string, sess *Session) {
		if sess == origin {
			return
		}
		if err := sess.Send(frame); errors.Is(err, errQueueFull) {
			s.logger.Printf("%s: slow consumer, closing", id)
			sess.Close()
		}
	})
}

func (s *Server) RangeSession(f func(id string, sess *Session)) {
	s.sessions.Range(func(k, v interface{}) bool {
		f(k.(string), v.(*Session))
		return true
	})
}

// NumSessions counts registered sessions.
func (s *Server) NumSessions() int {
	n := 0
	s.RangeSession(func(string, *Session) { n++ })
	return n
}

// Shutdown closes every session and waits for their workers, or for ctx.
// Listeners must be closed by the caller first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.muxes.Range(func(k, _ interface{}) bool {
		k.(*yamux.Session).Close()
		return true
	})
	s.RangeSession(func(_ string, sess *Session) {
		sess.Close()
	})
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
