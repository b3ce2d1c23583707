package frame

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Opcode identifies the frame type per RFC 6455.
type Opcode byte

const (
	OpText   Opcode = 0x1
	OpBinary Opcode = 0x2
	OpClose  Opcode = 0x8
	OpPing   Opcode = 0x9
	OpPong   Opcode = 0xA
)

// IsControl reports whether the opcode denotes a control frame.
func (op Opcode) IsControl() bool {
	return op >= OpClose
}

// Frame is a single decoded WebSocket frame.
type Frame struct {
	FIN     bool
	Opcode  Opcode
	Masked  bool
	Payload []byte
}

// Encode builds one masked client frame for the payload, using the minimal
// length encoding (7-bit, 16-bit extended, or 64-bit extended) and a fresh
// random 4-byte mask per call.
func Encode(payload []byte, op Opcode) ([]byte, error) {
	b0 := byte(0x80) | byte(op) // FIN always set; no fragmentation on send
	n := len(payload)

	var header []byte
	switch {
	case n <= 125:
		header = []byte{b0, 0x80 | byte(n)}
	case n <= 65535:
		header = []byte{b0, 0x80 | 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = b0
		header[1] = 0x80 | 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}

	mask := make([]byte, 4)
	if _, err := rand.Read(mask); err != nil {
		return nil, fmt.Errorf("generate mask: %w", err)
	}

	buf := make([]byte, 0, len(header)+4+n)
	buf = append(buf, header...)
	buf = append(buf, mask...)
	for i, b := range payload {
		buf = append(buf, b^mask[i%4])
	}
	return buf, nil
}

// Decode parses the first complete frame in buf and returns it together with
// the number of bytes consumed. A nil frame with zero consumed means buf does
// not yet hold a complete frame; the caller should read more data and retry.
// Both masked and unmasked frames are accepted since servers send unmasked.
func Decode(buf []byte) (*Frame, int) {
	if len(buf) < 2 {
		return nil, 0
	}

	fin := buf[0]&0x80 != 0
	op := Opcode(buf[0] & 0x0F)
	masked := buf[1]&0x80 != 0
	length := uint64(buf[1] & 0x7F)
	offset := 2

	switch length {
	case 126:
		if len(buf) < offset+2 {
			return nil, 0
		}
		length = uint64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case 127:
		if len(buf) < offset+8 {
			return nil, 0
		}
		length = binary.BigEndian.Uint64(buf[offset:])
		offset += 8
	}

	var mask []byte
	if masked {
		if len(buf) < offset+4 {
			return nil, 0
		}
		mask = buf[offset : offset+4]
		offset += 4
	}

	if uint64(len(buf)-offset) < length {
		return nil, 0
	}

	payload := make([]byte, length)
	copy(payload, buf[offset:offset+int(length)])
	if masked {
		for i := range payload {
			payload[i] ^= mask[i%4]
		}
	}

	return &Frame{
		FIN:     fin,
		Opcode:  op,
		Masked:  masked,
		Payload: payload,
	}, offset + int(length)
}
