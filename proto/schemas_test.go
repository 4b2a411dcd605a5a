package proto_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/icexin/gocraft-collab/proto"
)

func TestSchemas_ValidateEncodedMessages(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		s, err := jsonschema.Compile(filepath.Join("..", "schemas", name))
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, env proto.Envelope) {
		t.Helper()
		b, err := proto.Encode(env)
		if err != nil {
			t.Fatal(err)
		}
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			t.Fatal(err)
		}
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate %s: %v", b, err)
		}
	}

	mustEnvelope := func(typ string, data any, id string) proto.Envelope {
		t.Helper()
		env, err := proto.NewEnvelope(typ, data)
		if err != nil {
			t.Fatal(err)
		}
		env.ClientId = id
		return env
	}

	pose := proto.Pose{Position: [3]float64{1.5, 16, -2}, Rotation: [3]float64{0, 90, 0}}

	validate(compile("init.schema.json"), mustEnvelope(proto.TypeInit, proto.Init{
		Blocks: []proto.BlockEntry{
			{Position: proto.BlockPos{0, 0, 0}, BlockType: "grass"},
			{Position: proto.BlockPos{2, 0, 3}, BlockType: "stone"},
		},
		Players: []proto.PlayerState{{ClientId: "127.0.0.1:50000", Pose: pose}},
	}, "127.0.0.1:50001"))

	validate(compile("init.schema.json"), mustEnvelope(proto.TypeInit, proto.Init{
		Blocks: []proto.BlockEntry{},
	}, "127.0.0.1:50001"))

	validate(compile("block_place.schema.json"), mustEnvelope(proto.TypeBlockPlace, proto.BlockPlace{
		Position:  proto.BlockPos{2, 0, 3},
		BlockType: "stone",
	}, ""))

	validate(compile("block_remove.schema.json"), mustEnvelope(proto.TypeBlockRemove, proto.BlockRemove{
		Position: proto.BlockPos{-1, 4, 7},
	}, ""))

	validate(compile("player_update.schema.json"), mustEnvelope(proto.TypePlayerUpdate, pose, "127.0.0.1:50000"))

	validate(compile("player_leave.schema.json"), mustEnvelope(proto.TypePlayerLeave, proto.PlayerLeave{}, "127.0.0.1:50000"))
}

func TestSchemas_RejectStringPositions(t *testing.T) {
	s, err := jsonschema.Compile(filepath.Join("..", "schemas", "block_place.schema.json"))
	if err != nil {
		t.Fatal(err)
	}
	var v any
	_ = json.Unmarshal([]byte(`{"type":"block_place","data":{"position":"(2, 0, 3)","block_type":"stone"}}`), &v)
	if err := s.Validate(v); err == nil {
		t.Fatalf("expected stringified position to be rejected")
	}
}
