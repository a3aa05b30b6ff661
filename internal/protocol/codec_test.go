package protocol

import (
	"testing"

	"github.com/google/uuid"
	"github.com/iplchat/iplchat/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentials_RoundTrip(t *testing.T) {
	c := Credentials{Username: "alice", Password: "p1"}

	data, err := EncodeCredentials(c)
	require.NoError(t, err)

	got, err := DecodeCredentials(data)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestCredentials_LengthMismatch(t *testing.T) {
	data, err := EncodeCredentials(Credentials{Username: "alice", Password: "p1"})
	require.NoError(t, err)

	_, err = DecodeCredentials(data[:len(data)-1])
	assert.ErrorIs(t, err, common.ErrMalformedPayload)
}

func TestDirectory_RoundTrip(t *testing.T) {
	entries := []DirectoryEntry{
		{Name: "alice", UUID: uuid.NewString()},
		{Name: "general", UUID: uuid.NewString()},
	}

	got, err := DecodeDirectory(EncodeDirectory(entries))
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestDirectory_Empty(t *testing.T) {
	got, err := DecodeDirectory(EncodeDirectory(nil))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDirectory_TrailingGarbage(t *testing.T) {
	data := append(EncodeDirectory(nil), 0xFF)
	_, err := DecodeDirectory(data)
	assert.ErrorIs(t, err, common.ErrMalformedPayload)
}

func TestKeyExchange_RoundTrip(t *testing.T) {
	k := KeyExchange{UUID: uuid.NewString(), SealedKey: []byte("sealed peer key")}

	got, err := DecodeKeyExchange(EncodeKeyExchange(k))
	require.NoError(t, err)
	assert.Equal(t, k, got)
}

func TestPort_RoundTrip(t *testing.T) {
	got, err := DecodePort(EncodePort(4590))
	require.NoError(t, err)
	assert.Equal(t, int32(4590), got)

	_, err = DecodePort([]byte{1, 2})
	assert.ErrorIs(t, err, common.ErrMalformedPayload)
}
