package gocraft

import (
	"sync"

	"github.com/icexin/gocraft-collab/proto"
)

// Renderer is the view collaborator the mirror drives. Its methods are
// called with the mirror lock held and must not call back into the mirror.
type Renderer interface {
	RenderBlock(pos proto.BlockPos, typ string)
	RemoveBlock(pos proto.BlockPos)
	MoveAvatar(id string, pose proto.Pose)
	RemoveAvatar(id string)
}

type nopRenderer struct{}

func (nopRenderer) RenderBlock(proto.BlockPos, string) {}
func (nopRenderer) RemoveBlock(proto.BlockPos)         {}
func (nopRenderer) MoveAvatar(string, proto.Pose)      {}
func (nopRenderer) RemoveAvatar(string)                {}

// Mirror is the client's reconciled copy of the block map plus the poses of
// remote avatars.
type Mirror struct {
	mutex   sync.RWMutex
	self    string
	blocks  map[proto.BlockPos]string
	avatars map[string]proto.Pose
	render  Renderer
}

func NewMirror(r Renderer) *Mirror {
	if r == nil {
		r = nopRenderer{}
	}
	return &Mirror{
		blocks:  make(map[proto.BlockPos]string),
		avatars: make(map[string]proto.Pose),
		render:  r,
	}
}

// SetSelf sets the id whose pose updates are ignored.
func (m *Mirror) SetSelf(id string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.self = id
	if _, ok := m.avatars[id]; ok {
		delete(m.avatars, id)
		m.render.RemoveAvatar(id)
	}
}

// ApplySnapshot replaces the block map with the server snapshot and
// seeds the avatars already in the world.
func (m *Mirror) ApplySnapshot(init proto.Init) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	next := make(map[proto.BlockPos]string, len(init.Blocks))
	for _, b := range init.Blocks {
		next[b.Position] = b.BlockType
	}
	for pos := range m.blocks {
		if _, ok := next[pos]; !ok {
			delete(m.blocks, pos)
			m.render.RemoveBlock(pos)
		}
	}
	for pos, typ := range next {
		if cur, ok := m.blocks[pos]; ok && cur == typ {
			continue
		}
		m.blocks[pos] = typ
		m.render.RenderBlock(pos, typ)
	}

	for id := range m.avatars {
		delete(m.avatars, id)
		m.render.RemoveAvatar(id)
	}
	for _, p := range init.Players {
		if p.ClientId == "" || p.ClientId == m.self {
			continue
		}
		m.avatars[p.ClientId] = p.Pose
		m.render.MoveAvatar(p.ClientId, p.Pose)
	}
}

func (m *Mirror) PlaceBlock(pos proto.BlockPos, typ string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.blocks[pos] = typ
	m.render.RenderBlock(pos, typ)
}

// RemoveBlock reports whether a block was present. Removing an empty cell
// does nothing.
func (m *Mirror) RemoveBlock(pos proto.BlockPos) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.blocks[pos]; !ok {
		return false
	}
	delete(m.blocks, pos)
	m.render.RemoveBlock(pos)
	return true
}

// MoveAvatar creates or moves the avatar of a remote client. Updates about
// the local client are dropped.
func (m *Mirror) MoveAvatar(id string, pose proto.Pose) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if id == "" || id == m.self {
		return false
	}
	m.avatars[id] = pose
	m.render.MoveAvatar(id, pose)
	return true
}

func (m *Mirror) RemoveAvatar(id string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.avatars[id]; !ok {
		return
	}
	delete(m.avatars, id)
	m.render.RemoveAvatar(id)
}

func (m *Mirror) Block(pos proto.BlockPos) (string, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	typ, ok := m.blocks[pos]
	return typ, ok
}

func (m *Mirror) Avatar(id string) (proto.Pose, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	pose, ok := m.avatars[id]
	return pose, ok
}

func (m *Mirror) NumAvatars() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.avatars)
}

// ExportSnapshot copies the block map for the persistence collaborator.
func (m *Mirror) ExportSnapshot() map[proto.BlockPos]string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make(map[proto.BlockPos]string, len(m.blocks))
	for pos, typ := range m.blocks {
		out[pos] = typ
	}
	return out
}

// ImportSnapshot merges saved blocks into the mirror and renders them.
func (m *Mirror) ImportSnapshot(blocks map[proto.BlockPos]string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for pos, typ := range blocks {
		m.blocks[pos] = typ
		m.render.RenderBlock(pos, typ)
	}
}
