package protocol

import (
	"encoding/binary"

	"github.com/iplchat/iplchat/internal/common"
)

// Credentials is the plaintext carried inside LOGIN/REGISTER requests
// before AEAD sealing. Wire form: `u8 ulen ‖ u8 plen ‖ username ‖ password`.
type Credentials struct {
	Username string
	Password string
}

// EncodeCredentials serializes c. Username and password are each capped
// at 255 bytes by the single-byte length prefix.
func EncodeCredentials(c Credentials) ([]byte, error) {
	if len(c.Username) > 255 || len(c.Password) > 255 {
		return nil, common.ErrPayloadTooLarge
	}
	buf := make([]byte, 0, 2+len(c.Username)+len(c.Password))
	buf = append(buf, byte(len(c.Username)), byte(len(c.Password)))
	buf = append(buf, c.Username...)
	buf = append(buf, c.Password...)
	return buf, nil
}

// DecodeCredentials parses a credentials payload.
func DecodeCredentials(data []byte) (Credentials, error) {
	if len(data) < 2 {
		return Credentials{}, common.ErrMalformedPayload
	}
	ulen, plen := int(data[0]), int(data[1])
	if len(data) != 2+ulen+plen {
		return Credentials{}, common.ErrMalformedPayload
	}
	return Credentials{
		Username: string(data[2 : 2+ulen]),
		Password: string(data[2+ulen:]),
	}, nil
}

// DirectoryEntry is one row of an encoded user or channel listing.
type DirectoryEntry struct {
	Name string
	UUID string
}

// EncodeDirectory serializes a listing as
// `i32 count ‖ [i32 name_len ‖ i32 uuid_len ‖ name ‖ uuid] * count`.
func EncodeDirectory(entries []DirectoryEntry) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(entries)))
	for _, e := range entries {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Name)))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.UUID)))
		buf = append(buf, e.Name...)
		buf = append(buf, e.UUID...)
	}
	return buf
}

// DecodeDirectory parses an encoded listing.
func DecodeDirectory(data []byte) ([]DirectoryEntry, error) {
	if len(data) < 4 {
		return nil, common.ErrMalformedPayload
	}
	count := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	entries := make([]DirectoryEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < 8 {
			return nil, common.ErrMalformedPayload
		}
		nlen := binary.LittleEndian.Uint32(data[0:4])
		ulen := binary.LittleEndian.Uint32(data[4:8])
		data = data[8:]
		if uint32(len(data)) < nlen+ulen {
			return nil, common.ErrMalformedPayload
		}
		entries = append(entries, DirectoryEntry{
			Name: string(data[:nlen]),
			UUID: string(data[nlen : nlen+ulen]),
		})
		data = data[nlen+ulen:]
	}
	if len(data) != 0 {
		return nil, common.ErrMalformedPayload
	}
	return entries, nil
}

// KeyExchange is the phase-two payload of the peer key exchange. In the
// client's CLIENT_TO_CLIENT_HANDSHAKE2 the UUID names the target; in the
// pushed HANDSHAKE_NOTIFICATION (and the echo to the initiator) the
// broker has substituted the sender's uuid. SealedKey is the fresh peer
// key encrypted to the recipient's public key.
//
// Wire form: `u32 ulen ‖ u32 klen ‖ uuid ‖ sealed_key`.
type KeyExchange struct {
	UUID      string
	SealedKey []byte
}

// EncodeKeyExchange serializes k.
func EncodeKeyExchange(k KeyExchange) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(k.UUID)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(k.SealedKey)))
	buf = append(buf, k.UUID...)
	buf = append(buf, k.SealedKey...)
	return buf
}

// DecodeKeyExchange parses a phase-two payload.
func DecodeKeyExchange(data []byte) (KeyExchange, error) {
	if len(data) < 8 {
		return KeyExchange{}, common.ErrMalformedPayload
	}
	ulen := binary.LittleEndian.Uint32(data[0:4])
	klen := binary.LittleEndian.Uint32(data[4:8])
	data = data[8:]
	if uint32(len(data)) != ulen+klen {
		return KeyExchange{}, common.ErrMalformedPayload
	}
	return KeyExchange{
		UUID:      string(data[:ulen]),
		SealedKey: data[ulen:],
	}, nil
}

// EncodePort serializes a notification port as i32.
func EncodePort(port int32) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(port))
}

// DecodePort parses a notification port payload.
func DecodePort(data []byte) (int32, error) {
	if len(data) != 4 {
		return 0, common.ErrMalformedPayload
	}
	return int32(binary.LittleEndian.Uint32(data)), nil
}
