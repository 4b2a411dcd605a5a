package main

import (
	"sort"
	"sync"

	"github.com/icexin/gocraft-collab/proto"
)

// World is the authoritative block map and pose table. It lives only in
// memory and starts empty.
type World struct {
	mutex   sync.RWMutex
	blocks  map[proto.BlockPos]string
	players map[string]proto.Pose
}

type WorldSnapshot struct {
	Blocks  []proto.BlockEntry
	Players []proto.PlayerState
}

func NewWorld() *World {
	return &World{
		blocks:  make(map[proto.BlockPos]string),
		players: make(map[string]proto.Pose),
	}
}

// Snapshot returns a deep copy of the world, blocks and players sorted so
// that the output is deterministic.
func (w *World) Snapshot() WorldSnapshot {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	snap := WorldSnapshot{
		Blocks:  make([]proto.BlockEntry, 0, len(w.blocks)),
		Players: make([]proto.PlayerState, 0, len(w.players)),
	}
	for pos, typ := range w.blocks {
		snap.Blocks = append(snap.Blocks, proto.BlockEntry{Position: pos, BlockType: typ})
	}
	for id, pose := range w.players {
		snap.Players = append(snap.Players, proto.PlayerState{ClientId: id, Pose: pose})
	}
	sort.Slice(snap.Blocks, func(i, j int) bool {
		return lessPos(snap.Blocks[i].Position, snap.Blocks[j].Position)
	})
	sort.Slice(snap.Players, func(i, j int) bool {
		return snap.Players[i].ClientId < snap.Players[j].ClientId
	})
	return snap
}

func (w *World) ApplyPlace(pos proto.BlockPos, typ string) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.blocks[pos] = typ
}

// ApplyRemove deletes the block at pos. Removing an empty cell is a no-op.
func (w *World) ApplyRemove(pos proto.BlockPos) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	delete(w.blocks, pos)
}

func (w *World) ApplyPoseUpdate(id string, pose proto.Pose) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.players[id] = pose
}

// RemoveClient drops the pose of a disconnected client and reports whether
// it had one.
func (w *World) RemoveClient(id string) bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	_, ok := w.players[id]
	delete(w.players, id)
	return ok
}

func (w *World) Block(pos proto.BlockPos) (string, bool) {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	typ, ok := w.blocks[pos]
	return typ, ok
}

func (w *World) Pose(id string) (proto.Pose, bool) {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	pose, ok := w.players[id]
	return pose, ok
}

// Len returns the number of blocks.
func (w *World) Len() int {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return len(w.blocks)
}

func lessPos(a, b proto.BlockPos) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
