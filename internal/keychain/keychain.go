// Package keychain implements the client's password-protected store of
// per-peer symmetric keys. Each owner has one file on disk, sealed with a
// key derived from the owner's password, so subscription relationships
// survive restarts without the broker ever seeing key material.
package keychain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/iplchat/iplchat/internal/common"
	"github.com/iplchat/iplchat/internal/cryptox"
)

const saltSize = 32

// Keychain holds the decrypted per-peer keys of one owner. Load must
// succeed before Add/Get/Save are meaningful.
type Keychain struct {
	mu      sync.RWMutex
	dir     string
	salt    []byte
	fileKey []byte
	entries map[string][]byte
}

// New creates a keychain rooted at dir. Files are named
// `<owner_uuid>.keychain` under it.
func New(dir string) *Keychain {
	return &Keychain{dir: dir, entries: map[string][]byte{}}
}

func (k *Keychain) path(ownerUUID string) string {
	return filepath.Join(k.dir, ownerUUID+".keychain")
}

// Load opens the owner's keychain file with the given password. A missing
// file initializes an empty store under a fresh salt. A wrong password is
// reported as ok=false, never as corrupted state; the in-memory store is
// left empty in that case. Non-crypto I/O problems are returned as errors.
func (k *Keychain) Load(ownerUUID string, password []byte) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.entries = map[string][]byte{}

	blob, err := os.ReadFile(k.path(ownerUUID))
	if errors.Is(err, fs.ErrNotExist) {
		k.salt = common.GenerateRandByteArray(saltSize)
		k.fileKey = cryptox.DeriveKey(password, k.salt)
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read keychain: %w", err)
	}
	if len(blob) < saltSize {
		return false, fmt.Errorf("read keychain: %w", common.ErrMalformedPayload)
	}

	salt := blob[:saltSize]
	fileKey := cryptox.DeriveKey(password, salt)

	plaintext, err := cryptox.Decrypt(fileKey, blob[saltSize:])
	if err != nil {
		return false, nil
	}

	entries, err := decodeEntries(plaintext)
	if err != nil {
		return false, err
	}

	k.salt = salt
	k.fileKey = fileKey
	k.entries = entries
	return true, nil
}

// Add records (or replaces) the symmetric key shared with a peer.
func (k *Keychain) Add(peerUUID string, key []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries[peerUUID] = append([]byte(nil), key...)
}

// Get returns the key shared with a peer, or nil if none is stored.
func (k *Keychain) Get(peerUUID string) []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.entries[peerUUID]
	if !ok {
		return nil
	}
	return append([]byte(nil), key...)
}

// Len reports the number of stored peer keys.
func (k *Keychain) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.entries)
}

// Save seals the store back to the owner's file as
// `salt ‖ AEAD_{KDF(password, salt)}(entries)`.
func (k *Keychain) Save(ownerUUID string) error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.fileKey == nil {
		return fmt.Errorf("save keychain: not loaded")
	}

	sealed, err := cryptox.Encrypt(k.fileKey, encodeEntries(k.entries))
	if err != nil {
		return fmt.Errorf("seal keychain: %w", err)
	}

	if err := os.MkdirAll(k.dir, 0o700); err != nil {
		return fmt.Errorf("keychain dir: %w", err)
	}

	blob := make([]byte, 0, len(k.salt)+len(sealed))
	blob = append(blob, k.salt...)
	blob = append(blob, sealed...)
	if err := os.WriteFile(k.path(ownerUUID), blob, 0o600); err != nil {
		return fmt.Errorf("write keychain: %w", err)
	}
	return nil
}

// encodeEntries lays entries out as
// `u32 count ‖ (u32 len ‖ peer_uuid ‖ u32 len ‖ key)*`.
func encodeEntries(entries map[string][]byte) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(entries)))
	for peer, key := range entries {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(peer)))
		buf = append(buf, peer...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(key)))
		buf = append(buf, key...)
	}
	return buf
}

func decodeEntries(data []byte) (map[string][]byte, error) {
	if len(data) < 4 {
		return nil, common.ErrMalformedPayload
	}
	count := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]

	entries := make(map[string][]byte, count)
	for i := uint32(0); i < count; i++ {
		peer, rest, err := readChunk(data)
		if err != nil {
			return nil, err
		}
		key, rest, err := readChunk(rest)
		if err != nil {
			return nil, err
		}
		entries[string(peer)] = append([]byte(nil), key...)
		data = rest
	}
	if len(data) != 0 {
		return nil, common.ErrMalformedPayload
	}
	return entries, nil
}

func readChunk(data []byte) ([]byte, []byte, error) {
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
