package ipcserver

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

const maxFramePayload = 16 << 20

// readFrame reads one length-prefixed frame: a 4-byte little-endian opcode
// followed by a 4-byte little-endian payload length and the JSON payload
// itself. This is the same framing the desktop client's own IPC transport
// uses, on both the Unix socket and the Windows named pipe.
func readFrame(r io.Reader) (op int32, payload json.RawMessage, err error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	op = int32(binary.LittleEndian.Uint32(header[0:4]))
	length := binary.LittleEndian.Uint32(header[4:8])
	if length > maxFramePayload {
		return 0, nil, fmt.Errorf("ipc frame too large: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return op, json.RawMessage(buf), nil
}

func writeFrame(w io.Writer, op int32, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal ipc payload: %w", err)
	}

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(op))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write ipc header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write ipc payload: %w", err)
	}
	return nil
}
