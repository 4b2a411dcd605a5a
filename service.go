package main

import (
	"github.com/icexin/gocraft-collab/proto"
)

// dispatch applies one inbound envelope. Only ProtocolErrors are fatal to
// the connection; ApplicationErrors are dropped by the caller.
func (s *Server) dispatch(sess *Session, env proto.Envelope) error {
	switch env.Type {
	case proto.TypeBlockPlace:
		return s.updateBlock(sess, env)
	case proto.TypeBlockRemove:
		return s.removeBlock(sess, env)
	case proto.TypePlayerUpdate:
		return s.updateState(sess, env)
	case proto.TypeInit, proto.TypePlayerLeave:
		return &proto.ApplicationError{Type: env.Type, Reason: "server only message"}
	default:
		return &proto.ApplicationError{Type: env.Type, Reason: "unknown message type"}
	}
}

func (s *Server) updateBlock(sess *Session, env proto.Envelope) error {
	var req proto.BlockPlace
	if err := env.Decode(&req); err != nil {
		return err
	}
	if req.BlockType == "" {
		return &proto.ApplicationError{Type: env.Type, Reason: "empty block_type"}
	}
	out, err := proto.NewEnvelope(proto.TypeBlockPlace, req)
	if err != nil {
		return err
	}

	s.seq.Lock()
	defer s.seq.Unlock()
	s.world.ApplyPlace(req.Position, req.BlockType)
	s.broadcast(out, sess)
	return nil
}

func (s *Server) removeBlock(sess *Session, env proto.Envelope) error {
	var req proto.BlockRemove
	if err := env.Decode(&req); err != nil {
		return err
	}
	out, err := proto.NewEnvelope(proto.TypeBlockRemove, req)
	if err != nil {
		return err
	}

	s.seq.Lock()
	defer s.seq.Unlock()
	s.world.ApplyRemove(req.Position)
	s.broadcast(out, sess)
	return nil
}

// updateState records the sender's pose and relays it tagged with the
// sender's id. Any client_id supplied by the sender is overwritten.
func (s *Server) updateState(sess *Session, env proto.Envelope) error {
	var pose proto.Pose
	if err := env.Decode(&pose); err != nil {
		return err
	}
	out, err := proto.NewEnvelope(proto.TypePlayerUpdate, pose)
	if err != nil {
		return err
	}
	out.ClientId = sess.id

	s.seq.Lock()
	defer s.seq.Unlock()
	s.world.ApplyPoseUpdate(sess.id, pose)
	s.broadcast(out, sess)
	return nil
}
