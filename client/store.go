package gocraft

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/boltdb/bolt"

	"github.com/icexin/gocraft-collab/proto"
)

var (
	blockBucket  = []byte("block")
	cameraBucket = []byte("camera")
)

const ChunkWidth = 32

// Store persists a mirror between runs. Block keys start with the chunk id,
// so the blocks of one chunk are adjacent in the bucket.
type Store struct {
	db *bolt.DB
}

func OpenStore(p string) (*Store, error) {
	db, err := bolt.Open(p, 0666, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blockBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(cameraBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	db.NoSync = true
	return &Store{
		db: db,
	}, nil
}

// SaveMirror replaces the stored blocks with the mirror's current content.
func (s *Store) SaveMirror(m *Mirror) error {
	blocks := m.ExportSnapshot()
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(blockBucket); err != nil {
			return err
		}
		bkt, err := tx.CreateBucket(blockBucket)
		if err != nil {
			return err
		}
		for pos, typ := range blocks {
			if err := bkt.Put(encodeBlockDbKey(pos), []byte(typ)); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadMirror imports every stored block into m.
func (s *Store) LoadMirror(m *Mirror) error {
	blocks := make(map[proto.BlockPos]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(blockBucket).ForEach(func(k, v []byte) error {
			pos, err := decodeBlockDbKey(k)
			if err != nil {
				return err
			}
			blocks[pos] = string(v)
			return nil
		})
	})
	if err != nil {
		return err
	}
	m.ImportSnapshot(blocks)
	return nil
}

func (s *Store) UpdateCamera(pose proto.Pose) error {
	b, err := json.Marshal(pose)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cameraBucket).Put(cameraBucket, b)
	})
}

// GetCamera returns the saved local pose, or a pose standing above the
// origin when none was saved.
func (s *Store) GetCamera() (proto.Pose, error) {
	pose := proto.Pose{Position: [3]float64{0, 16, 0}}
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(cameraBucket).Get(cameraBucket)
		if value == nil {
			return nil
		}
		return json.Unmarshal(value, &pose)
	})
	return pose, err
}

func (s *Store) Close() error {
	s.db.Sync()
	return s.db.Close()
}

// Chunkid returns the column of chunks pos belongs to. Y is always 0.
func Chunkid(pos proto.BlockPos) proto.BlockPos {
	return proto.BlockPos{
		int(math.Floor(float64(pos[0]) / ChunkWidth)),
		0,
		int(math.Floor(float64(pos[2]) / ChunkWidth)),
	}
}

func encodeChunkKey(cid proto.BlockPos) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, [...]int32{int32(cid[0]), int32(cid[2])})
	return buf.Bytes()
}

func encodeBlockDbKey(pos proto.BlockPos) []byte {
	buf := bytes.NewBuffer(encodeChunkKey(Chunkid(pos)))
	binary.Write(buf, binary.BigEndian, [...]int32{int32(pos[0]), int32(pos[1]), int32(pos[2])})
	return buf.Bytes()
}

func decodeBlockDbKey(b []byte) (proto.BlockPos, error) {
	if len(b) != 4*5 {
		return proto.BlockPos{}, fmt.Errorf("bad db key length:%d", len(b))
	}
	var arr [5]int32
	binary.Read(bytes.NewReader(b), binary.BigEndian, &arr)

	pos := proto.BlockPos{int(arr[2]), int(arr[3]), int(arr[4])}
	if cid := Chunkid(pos); cid[0] != int(arr[0]) || cid[2] != int(arr[1]) {
		return proto.BlockPos{}, fmt.Errorf("bad db key: cid:%v, pos:%v", arr[:2], pos)
	}
	return pos, nil
}
