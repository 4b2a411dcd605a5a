package main

import (
	"errors"
	"net"

	"github.com/hashicorp/yamux"
)

// ServeMux accepts TCP connections that carry a yamux session, as opened by
// a gateway relaying many players over one socket. Every stream of the
// session is served as its own client connection.
func (s *Server) ServeMux(l net.Listener) error {
	var backoff acceptBackoff
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			backoff.wait(s.logger, err)
			continue
		}
		backoff.reset()
		go s.handleMuxConn(conn)
	}
}

func (s *Server) handleMuxConn(conn net.Conn) {
	defer conn.Close()
	sess, err := yamux.Server(conn, nil)
	if err != nil {
		s.logger.Print(err)
		return
	}
	s.muxes.Store(sess, struct{}{})
	defer func() {
		s.muxes.Delete(sess)
		sess.Close()
	}()
	s.logger.Printf("mux session from %s", conn.RemoteAddr())
	// a yamux session is a net.Listener of streams
	s.Serve(sess)
	s.logger.Printf("mux session from %s closed", conn.RemoteAddr())
}
