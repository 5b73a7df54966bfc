package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrame is the maximum payload size of one transport frame (64KB).
const MaxFrame = 65536

// WriteFrame writes one length-prefixed payload to a stream.
// Format: [4-byte big-endian length][payload]
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrame {
		return fmt.Errorf("transport: frame too large: %d bytes", len(payload))
	}

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(payload))) //nolint:gosec // length already bounds-checked above
	if _, err := w.Write(lenBuf); err != nil {
		return fmt.Errorf("transport: write length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("transport: write payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed payload from a stream.
func ReadFrame(r io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("transport: read length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length > MaxFrame {
		return nil, fmt.Errorf("transport: frame too large: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("transport: read payload: %w", err)
	}
	return payload, nil
}
