package protocol

import (
	"crypto/rsa"
	"encoding/binary"
	"fmt"

	"github.com/iplchat/iplchat/internal/common"
	"github.com/iplchat/iplchat/internal/cryptox"
)

// MessageKind discriminates message payloads.
type MessageKind uint32

const (
	KindText MessageKind = iota
	KindFile
)

// MaxCiphertext bounds the encrypted body of a single message.
const MaxCiphertext = 500

// Message is the end-to-end envelope relayed by the broker. The broker
// verifies Signature against the sender's public key but never holds the
// key that opens Ciphertext.
//
// Wire form: `u32 len ‖ sender ‖ u32 len ‖ channel ‖ u32 len ‖ ciphertext
// ‖ u32 len ‖ signature ‖ u32 kind`, little-endian.
type Message struct {
	SenderUUID  string
	ChannelUUID string
	Ciphertext  []byte
	Signature   []byte
	Kind        MessageKind
}

// NewMessage constructs an unsigned envelope, rejecting oversized bodies.
func NewMessage(sender, channel string, ciphertext []byte, kind MessageKind) (*Message, error) {
	if len(ciphertext) > MaxCiphertext {
		return nil, fmt.Errorf("%w: ciphertext %d bytes", common.ErrPayloadTooLarge, len(ciphertext))
	}
	return &Message{
		SenderUUID:  sender,
		ChannelUUID: channel,
		Ciphertext:  ciphertext,
		Kind:        kind,
	}, nil
}

// Sign computes the signature over H(ciphertext) with the sender's key.
func (m *Message) Sign(priv *rsa.PrivateKey) error {
	sig, err := cryptox.Sign(priv, cryptox.Hash(m.Ciphertext))
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// Verify checks the signature over H(ciphertext) with the sender's
// public key as held by the broker.
func (m *Message) Verify(pub *rsa.PublicKey) error {
	return cryptox.Verify(pub, cryptox.Hash(m.Ciphertext), m.Signature)
}

// Encode serializes the envelope to its wire form.
func (m *Message) Encode() []byte {
	fields := [][]byte{
		[]byte(m.SenderUUID),
		[]byte(m.ChannelUUID),
		m.Ciphertext,
		m.Signature,
	}
	size := 4
	for _, f := range fields {
		size += 4 + len(f)
	}
	buf := make([]byte, 0, size)
	for _, f := range fields {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f)))
		buf = append(buf, f...)
	}
	return binary.LittleEndian.AppendUint32(buf, uint32(m.Kind))
}

// DecodeMessage parses a wire-form envelope, enforcing the ciphertext
// bound on the way in.
func DecodeMessage(data []byte) (*Message, error) {
	fields := make([][]byte, 4)
	for i := range fields {
		f, rest, err := readChunk32(data)
		if err != nil {
			return nil, err
		}
		fields[i], data = f, rest
	}
	if len(data) != 4 {
		return nil, common.ErrMalformedPayload
	}
	if len(fields[2]) > MaxCiphertext {
		return nil, fmt.Errorf("%w: ciphertext %d bytes", common.ErrPayloadTooLarge, len(fields[2]))
	}
	return &Message{
		SenderUUID:  string(fields[0]),
		ChannelUUID: string(fields[1]),
		Ciphertext:  fields[2],
		Signature:   fields[3],
		Kind:        MessageKind(binary.LittleEndian.Uint32(data)),
	}, nil
}

// readChunk32 consumes one `u32 len ‖ bytes` chunk.
func readChunk32(data []byte) ([]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, common.ErrMalformedPayload
	}
	n := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return nil, nil, common.ErrMalformedPayload
	}
	return data[:n], data[n:], nil
}
