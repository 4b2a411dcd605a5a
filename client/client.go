package gocraft

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/icexin/gocraft-collab/proto"
)

const DefaultPoseInterval = 50 * time.Millisecond

var ErrClosed = errors.New("client closed")

// Client is one participant's connection to the server. Local edits are
// applied to the mirror first and sent afterwards; there is no rollback if
// the server later disagrees, and a failed send is not retried.
type Client struct {
	// PoseInterval is the minimum spacing of pose updates. Poses reported
	// in between are coalesced into the latest one.
	PoseInterval time.Duration
	MaxFrameSize int
	Logger       *log.Logger

	ClientId string

	conn   net.Conn
	mirror *Mirror
	reader *proto.Reader

	wmutex sync.Mutex
	writer *proto.Writer

	poseMutex sync.Mutex
	pose      proto.Pose
	poseDirty bool
	lastSent  *proto.Pose

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func NewClient(mirror *Mirror) *Client {
	if mirror == nil {
		mirror = NewMirror(nil)
	}
	return &Client{
		PoseInterval: DefaultPoseInterval,
		MaxFrameSize: proto.DefaultMaxFrameSize,
		Logger:       log.Default(),
		mirror:       mirror,
		done:         make(chan struct{}),
	}
}

// Dial connects to a server over TCP and waits for the init snapshot.
// Exported fields must be set before calling it.
func (c *Client) Dial(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return &proto.ConnectionError{Op: "dial", Err: err}
	}
	return c.Start(conn)
}

// DialMux opens a new stream on a yamux session to a server's mux listener
// and waits for the init snapshot on it.
func (c *Client) DialMux(sess *yamux.Session) error {
	conn, err := sess.Open()
	if err != nil {
		return &proto.ConnectionError{Op: "open stream", Err: err}
	}
	return c.Start(conn)
}

// Start expects exactly one init envelope from conn, applies it to the
// mirror and then starts the listener and the pose ticker.
func (c *Client) Start(conn net.Conn) error {
	c.conn = conn
	c.reader = proto.NewReader(conn, c.MaxFrameSize)
	c.writer = proto.NewWriter(conn)

	env, err := c.reader.ReadEnvelope()
	if err == nil && env.Type != proto.TypeInit {
		err = &proto.ProtocolError{Err: fmt.Errorf("expected %s, got %s", proto.TypeInit, env.Type)}
	}
	var init proto.Init
	if err == nil {
		err = env.Decode(&init)
	}
	if err != nil {
		conn.Close()
		return err
	}

	c.ClientId = env.ClientId
	if c.ClientId == "" {
		c.ClientId = conn.LocalAddr().String()
	}
	c.mirror.SetSelf(c.ClientId)
	c.mirror.ApplySnapshot(init)
	c.Logger.Printf("joined as %s, %d blocks, %d players", c.ClientId, len(init.Blocks), len(init.Players))

	go c.listen()
	go c.poseLoop()
	return nil
}

func (c *Client) ID() string {
	return c.ClientId
}

func (c *Client) Mirror() *Mirror {
	return c.mirror
}

// ApplyLocalEdit places or removes a block locally and sends the edit. A
// removal of an empty cell sends nothing.
func (c *Client) ApplyLocalEdit(pos proto.BlockPos, typ string, isPlace bool) error {
	var (
		env proto.Envelope
		err error
	)
	if isPlace {
		c.mirror.PlaceBlock(pos, typ)
		env, err = proto.NewEnvelope(proto.TypeBlockPlace, proto.BlockPlace{Position: pos, BlockType: typ})
	} else {
		if !c.mirror.RemoveBlock(pos) {
			return nil
		}
		env, err = proto.NewEnvelope(proto.TypeBlockRemove, proto.BlockRemove{Position: pos})
	}
	if err != nil {
		return err
	}
	if err := c.send(env); err != nil {
		c.Logger.Printf("send %s %v: %v", env.Type, pos, err)
		return err
	}
	return nil
}

// UpdateLocalPose records the local pose. It is sent on the next tick.
func (c *Client) UpdateLocalPose(pose proto.Pose) {
	c.poseMutex.Lock()
	defer c.poseMutex.Unlock()
	c.pose = pose
	c.poseDirty = true
}

func (c *Client) send(env proto.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.wmutex.Lock()
	defer c.wmutex.Unlock()
	return c.writer.WriteEnvelope(env)
}

func (c *Client) poseLoop() {
	ticker := time.NewTicker(c.PoseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.flushPose()
		}
	}
}

func (c *Client) flushPose() {
	c.poseMutex.Lock()
	pose, dirty := c.pose, c.poseDirty
	c.poseDirty = false
	if dirty && c.lastSent != nil && *c.lastSent == pose {
		dirty = false
	}
	c.poseMutex.Unlock()
	if !dirty {
		return
	}

	env, err := proto.NewEnvelope(proto.TypePlayerUpdate, pose)
	if err != nil {
		return
	}
	if err := c.send(env); err != nil {
		if !errors.Is(err, ErrClosed) {
			c.Logger.Printf("send %s: %v", env.Type, err)
		}
		return
	}
	c.poseMutex.Lock()
	c.lastSent = &pose
	c.poseMutex.Unlock()
}

func (c *Client) listen() {
	for {
		env, err := c.reader.ReadEnvelope()
		if err != nil {
			c.shutdown(err)
			return
		}
		if err := c.handle(env); err != nil {
			if proto.IsApplication(err) {
				c.Logger.Print(err)
				continue
			}
			c.shutdown(err)
			return
		}
	}
}

func (c *Client) handle(env proto.Envelope) error {
	switch env.Type {
	case proto.TypeBlockPlace:
		var req proto.BlockPlace
		if err := env.Decode(&req); err != nil {
			return err
		}
		c.mirror.PlaceBlock(req.Position, req.BlockType)
	case proto.TypeBlockRemove:
		var req proto.BlockRemove
		if err := env.Decode(&req); err != nil {
			return err
		}
		c.mirror.RemoveBlock(req.Position)
	case proto.TypePlayerUpdate:
		var pose proto.Pose
		if err := env.Decode(&pose); err != nil {
			return err
		}
		c.mirror.MoveAvatar(env.ClientId, pose)
	case proto.TypePlayerLeave:
		c.mirror.RemoveAvatar(env.ClientId)
	case proto.TypeInit:
		return &proto.ApplicationError{Type: env.Type, Reason: "duplicate init"}
	default:
		return &proto.ApplicationError{Type: env.Type, Reason: "unknown message type"}
	}
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if err != nil {
			c.Logger.Printf("connection closed: %v", err)
		}
		c.err = err
		close(c.done)
		c.conn.Close()
	})
}

// Close disconnects from the server.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err waits for the connection to end and returns why, nil for a clean
// close.
func (c *Client) Err() error {
	<-c.done
	return c.err
}
