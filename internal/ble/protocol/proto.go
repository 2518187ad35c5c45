// Package protocol implements the Cat/MX thermal printer wire format.
//
// Every command travels in a single frame:
//
//	51 78 | CMD | 00 | LEN_LO LEN_HI | PAYLOAD[LEN] | CRC8(PAYLOAD) | FF
//
// The functions here are pure and hold no state; retries and ordering are
// the caller's concern.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame constants.
const (
	Prefix0    byte = 0x51
	Prefix1    byte = 0x78
	Reserved   byte = 0x00
	Terminator byte = 0xFF

	// HeaderLen covers prefix, command id, reserved byte and length.
	HeaderLen = 6
	// Overhead is the number of non-payload bytes in a frame.
	Overhead = HeaderLen + 2

	// MaxPayload is the largest payload the 16-bit length field can carry.
	MaxPayload = 0xFFFF
)

// ErrInvalidResponse is returned for inbound frames that fail validation.
var ErrInvalidResponse = errors.New("protocol: invalid response")

// Packet is a decoded frame.
type Packet struct {
	Command  Command
	Payload  []byte
	Checksum byte
}

// BuildCommand assembles a complete frame for cmd carrying payload.
// It panics if payload exceeds MaxPayload, which no catalog command can reach.
func BuildCommand(cmd Command, payload []byte) []byte {
	if len(payload) > MaxPayload {
		panic(fmt.Sprintf("protocol: payload of %d bytes exceeds %d", len(payload), MaxPayload))
	}
	buf := make([]byte, 0, Overhead+len(payload))
	buf = append(buf, Prefix0, Prefix1, byte(cmd), Reserved)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	buf = append(buf, CRC8(payload), Terminator)
	return buf
}

// ParsePacket validates a frame and returns its parts. The checksum is
// checked against the payload; trailing bytes after the terminator are
// rejected.
func ParsePacket(data []byte) (Packet, error) {
	if len(data) < Overhead {
		return Packet{}, fmt.Errorf("%w: frame of %d bytes is shorter than %d", ErrInvalidResponse, len(data), Overhead)
	}
	if data[0] != Prefix0 || data[1] != Prefix1 {
		return Packet{}, fmt.Errorf("%w: bad prefix %02x%02x", ErrInvalidResponse, data[0], data[1])
	}
	n := int(binary.LittleEndian.Uint16(data[4:6]))
	if len(data) != Overhead+n {
		return Packet{}, fmt.Errorf("%w: declared payload %d does not match frame of %d bytes", ErrInvalidResponse, n, len(data))
	}
	payload := data[HeaderLen : HeaderLen+n]
	sum := data[HeaderLen+n]
	if data[HeaderLen+n+1] != Terminator {
		return Packet{}, fmt.Errorf("%w: bad terminator %02x", ErrInvalidResponse, data[HeaderLen+n+1])
	}
	if got := CRC8(payload); got != sum {
		return Packet{}, fmt.Errorf("%w: checksum %02x, want %02x", ErrInvalidResponse, sum, got)
	}
	p := Packet{
		Command:  Command(data[2]),
		Payload:  make([]byte, n),
		Checksum: sum,
	}
	copy(p.Payload, payload)
	return p, nil
}

// CRC8 computes the frame checksum: CRC-8, polynomial 0x07, initial value
// 0, no reflection, no final XOR.
func CRC8(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x07
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
