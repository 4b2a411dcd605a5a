package gocraft

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/icexin/gocraft-collab/proto"
)

const ArchiveVersion = 1

type ArchiveHeader struct {
	Version  int        `json:"version"`
	ClientId string     `json:"client_id,omitempty"`
	SavedAt  time.Time  `json:"saved_at"`
	Blocks   int        `json:"blocks"`
	Camera   proto.Pose `json:"camera"`
}

// WriteArchive saves the mirror as zstd compressed JSON lines: a header
// followed by one block entry per line, sorted by position.
func WriteArchive(path string, hdr ArchiveHeader, m *Mirror) error {
	blocks := m.ExportSnapshot()
	entries := make([]proto.BlockEntry, 0, len(blocks))
	for pos, typ := range blocks {
		entries = append(entries, proto.BlockEntry{Position: pos, BlockType: typ})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Position, entries[j].Position
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	hdr.Version = ArchiveVersion
	hdr.Blocks = len(entries)
	if hdr.SavedAt.IsZero() {
		hdr.SavedAt = time.Now().UTC()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := writeArchive(f, hdr, entries); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeArchive(w io.Writer, hdr ArchiveHeader, entries []proto.BlockEntry) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)
	je := json.NewEncoder(bw)
	if err := je.Encode(hdr); err != nil {
		enc.Close()
		return err
	}
	for _, e := range entries {
		if err := je.Encode(e); err != nil {
			enc.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// ReadArchive loads an archive written by WriteArchive into m.
func ReadArchive(path string, m *Mirror) (ArchiveHeader, error) {
	var hdr ArchiveHeader
	f, err := os.Open(path)
	if err != nil {
		return hdr, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return hdr, err
	}
	defer dec.Close()

	r := proto.NewReader(dec, 0)
	line, err := r.ReadFrame()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return hdr, fmt.Errorf("%s: empty archive", path)
		}
		return hdr, err
	}
	if err := json.Unmarshal(line, &hdr); err != nil {
		return hdr, fmt.Errorf("%s: header: %w", path, err)
	}
	if hdr.Version != ArchiveVersion {
		return hdr, fmt.Errorf("%s: unsupported archive version %d", path, hdr.Version)
	}

	blocks := make(map[proto.BlockPos]string, hdr.Blocks)
	for {
		line, err := r.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return hdr, err
		}
		var e proto.BlockEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return hdr, fmt.Errorf("%s: block: %w", path, err)
		}
		blocks[e.Position] = e.BlockType
	}
	if len(blocks) != hdr.Blocks {
		return hdr, fmt.Errorf("%s: header says %d blocks, found %d", path, hdr.Blocks, len(blocks))
	}
	m.ImportSnapshot(blocks)
	return hdr, nil
}
