// Package snapshot exports and imports full coordinator state as
// zstd-compressed JSON.
package snapshot

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fentz26/lockwarden/internal/models"
	"github.com/klauspost/compress/zstd"
)

const (
	Format  = "lockwarden-snapshot"
	Version = 1
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

type envelope struct {
	Format   string          `json:"format"`
	Version  int             `json:"version"`
	Snapshot models.Snapshot `json:"snapshot"`
}

// Write encodes snap to w.
func Write(w io.Writer, snap models.Snapshot) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(envelope{Format: Format, Version: Version, Snapshot: snap}); err != nil {
		zw.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

// Read decodes a snapshot. Uncompressed JSON is accepted too, so a
// hand-edited export can be imported.
func Read(r io.Reader) (models.Snapshot, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(zstdMagic))

	var src io.Reader = br
	if bytes.Equal(head, zstdMagic) {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return models.Snapshot{}, fmt.Errorf("create zstd reader: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	var env envelope
	if err := json.NewDecoder(src).Decode(&env); err != nil {
		return models.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if env.Format != Format {
		return models.Snapshot{}, fmt.Errorf("not a lockwarden snapshot (format %q)", env.Format)
	}
	if env.Version > Version {
		return models.Snapshot{}, fmt.Errorf("snapshot version %d is newer than supported %d", env.Version, Version)
	}
	return env.Snapshot, nil
}

// WriteFile writes snap to path atomically.
func WriteFile(path string, snap models.Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Write(tmp, snap); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// ReadFile reads a snapshot from path.
func ReadFile(path string) (models.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Snapshot{}, err
	}
	defer f.Close()
	return Read(f)
}
