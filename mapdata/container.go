package mapdata

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// PGPH container layout: 4-byte magic, 1 version byte, little-endian uint32
// header length, JSON header, then the JSON-encoded graph payload.
const (
	containerMagic   = "PGPH"
	containerVersion = byte(1)
	graphFormat      = "planstream-graph"
)

// maxHeaderLen bounds the header so a corrupt length field cannot drive a
// huge allocation.
const maxHeaderLen = 1 << 20

type containerHeader struct {
	Format  string `json:"format"`
	Version int    `json:"version"`
}

// EncodeGraph writes g to w in the PGPH container format.
func EncodeGraph(w io.Writer, g *Graph) error {
	header, err := json.Marshal(containerHeader{Format: graphFormat, Version: int(containerVersion)})
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	payload, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(containerMagic)
	buf.WriteByte(containerVersion)
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(header))); err != nil {
		return err
	}
	buf.Write(header)
	buf.Write(payload)

	_, err = w.Write(buf.Bytes())
	return err
}

// DecodeGraph reads a PGPH container back into a graph.
func DecodeGraph(r io.Reader) (*Graph, error) {
	magic := make([]byte, len(containerMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != containerMagic {
		return nil, fmt.Errorf("bad magic %q", magic)
	}

	var version [1]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if version[0] != containerVersion {
		return nil, fmt.Errorf("unsupported container version %d", version[0])
	}

	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	if headerLen > maxHeaderLen {
		return nil, fmt.Errorf("header length %d exceeds limit", headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var header containerHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	if header.Format != graphFormat {
		return nil, fmt.Errorf("unexpected format %q", header.Format)
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	var g Graph
	if err := json.Unmarshal(payload, &g); err != nil {
		return nil, fmt.Errorf("parse graph: %w", err)
	}
	return &g, nil
}

// SaveGraph writes the container atomically via a temp file and rename, so
// a watcher never observes a half-written graph.
func SaveGraph(path string, g *Graph) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".pgph-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := EncodeGraph(tmp, g); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadGraph reads a container file written by SaveGraph.
func LoadGraph(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeGraph(f)
}
