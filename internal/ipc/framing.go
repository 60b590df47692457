package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameBytes caps a single IPC frame. Agent payloads larger than this are
// a protocol violation, not a use case.
const MaxFrameBytes = 8 * 1024 * 1024

// ReadFrame reads one length-prefixed frame: a 4-byte big-endian length
// followed by exactly that many bytes of UTF-8 JSON.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err // io.EOF between frames means a clean close
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		return nil, fmt.Errorf("ipc: zero-length frame")
	}
	if n > MaxFrameBytes {
		return nil, fmt.Errorf("ipc: frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("ipc: short frame: %w", err)
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameBytes {
		return fmt.Errorf("ipc: frame of %d bytes exceeds limit", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("ipc: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("ipc: write frame payload: %w", err)
	}
	return nil
}
