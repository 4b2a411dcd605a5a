package proto

import (
	"encoding/json"
	"fmt"
	"math"
)

// message types

const (
	TypeInit         = "init"
	TypeBlockPlace   = "block_place"
	TypeBlockRemove  = "block_remove"
	TypePlayerUpdate = "player_update"
	TypePlayerLeave  = "player_leave"
)

// Envelope is the unit carried by one frame.
type Envelope struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	ClientId string          `json:"client_id,omitempty"`
}

func NewEnvelope(typ string, data interface{}) (Envelope, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, Data: b}, nil
}

// Decode unmarshals the payload. A payload that does not fit v is a
// protocol violation, not an application one.
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return &ProtocolError{Err: fmt.Errorf("%s: missing data", e.Type)}
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return &ProtocolError{Err: fmt.Errorf("%s: %w", e.Type, err)}
	}
	return nil
}

// block payloads

// BlockPos identifies a grid cell. It is always encoded as [x, y, z].
type BlockPos [3]int

// UnmarshalJSON accepts integral float encodings such as [2.0, 0.0, 3.0].
// Fractional coordinates name no cell and are rejected.
func (p *BlockPos) UnmarshalJSON(b []byte) error {
	var f []float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("bad block position %s: %w", b, err)
	}
	if len(f) != len(p) {
		return fmt.Errorf("bad block position %s: want %d coordinates", b, len(p))
	}
	for i, v := range f {
		if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > math.MaxInt32 {
			return fmt.Errorf("bad block position %s", b)
		}
		if v != math.Trunc(v) {
			return fmt.Errorf("bad block position %s: coordinate %v is not integral", b, v)
		}
		p[i] = int(v)
	}
	return nil
}

func (p BlockPos) String() string {
	return fmt.Sprintf("[%d %d %d]", p[0], p[1], p[2])
}

type BlockPlace struct {
	Position  BlockPos `json:"position"`
	BlockType string   `json:"block_type"`
}

type BlockRemove struct {
	Position BlockPos `json:"position"`
}

// BlockEntry is one cell of an init snapshot.
type BlockEntry = BlockPlace

// player payloads

type Pose struct {
	Position [3]float64 `json:"position"`
	Rotation [3]float64 `json:"rotation"`
}

type PlayerState struct {
	ClientId string `json:"client_id"`
	Pose
}

type PlayerLeave struct{}

// init payload

type Init struct {
	Blocks  []BlockEntry  `json:"blocks"`
	Players []PlayerState `json:"players,omitempty"`
}
