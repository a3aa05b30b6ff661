package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/iplchat/iplchat/internal/common"
)

// MaxPayload bounds a single packet payload. A Message envelope with a
// 500-byte ciphertext and an RSA-2048 signature fits within it.
const MaxPayload = 1012

// Packet is the unit of transmission: a type tag plus an opaque payload.
// On the wire a packet is `u32 payload_len ‖ u32 type ‖ payload`,
// little-endian.
type Packet struct {
	Type    PacketType
	Payload []byte
}

// NewPacket builds a packet, enforcing the payload bound.
func NewPacket(t PacketType, payload []byte) (*Packet, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", common.ErrPayloadTooLarge, len(payload))
	}
	return &Packet{Type: t, Payload: payload}, nil
}

// WritePacket frames p onto w.
func WritePacket(w io.Writer, p *Packet) error {
	if len(p.Payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", common.ErrPayloadTooLarge, len(p.Payload))
	}
	buf := make([]byte, 8+len(p.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(p.Payload)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.Type))
	copy(buf[8:], p.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadPacket reassembles one packet from the byte stream r. It blocks
// until the full payload announced by the length prefix has arrived.
func ReadPacket(r io.Reader) (*Packet, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[0:4])
	if size > MaxPayload {
		return nil, fmt.Errorf("%w: announced %d bytes", common.ErrPayloadTooLarge, size)
	}
	p := &Packet{
		Type:    PacketType(binary.LittleEndian.Uint32(header[4:8])),
		Payload: make([]byte, size),
	}
	if _, err := io.ReadFull(r, p.Payload); err != nil {
		return nil, err
	}
	return p, nil
}
