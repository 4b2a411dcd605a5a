package gocraft

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/icexin/gocraft-collab/proto"
)

func TestArchiveRestoresMirror(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saves", "world.jsonl.zst")

	m := NewMirror(nil)
	for x := -10; x < 10; x++ {
		for z := -10; z < 10; z++ {
			m.PlaceBlock(proto.BlockPos{x, 0, z}, "grass")
		}
	}
	m.PlaceBlock(proto.BlockPos{2, 1, 3}, "stone")
	camera := proto.Pose{Position: [3]float64{0, 17, 0}}

	if err := WriteArchive(path, ArchiveHeader{ClientId: "me", Camera: camera}, m); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temporary file left behind: %v", err)
	}

	restored := NewMirror(nil)
	hdr, err := ReadArchive(path, restored)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Version != ArchiveVersion || hdr.ClientId != "me" || hdr.Blocks != 401 || hdr.Camera != camera {
		t.Fatalf("header %+v", hdr)
	}
	got := restored.ExportSnapshot()
	if len(got) != 401 || got[proto.BlockPos{2, 1, 3}] != "stone" || got[proto.BlockPos{-10, 0, 9}] != "grass" {
		t.Fatalf("restored %d blocks", len(got))
	}
}

func TestReadArchiveRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.zst")
	if err := os.WriteFile(path, []byte("plain text, not zstd"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadArchive(path, NewMirror(nil)); err == nil {
		t.Fatalf("expected error")
	}

	if _, err := ReadArchive(filepath.Join(t.TempDir(), "missing"), NewMirror(nil)); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestArchiveOfEmptyMirror(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.zst")
	if err := WriteArchive(path, ArchiveHeader{}, NewMirror(nil)); err != nil {
		t.Fatal(err)
	}
	hdr, err := ReadArchive(path, NewMirror(nil))
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Blocks != 0 || !strings.Contains(hdr.SavedAt.String(), "UTC") {
		t.Fatalf("header %+v", hdr)
	}
}
