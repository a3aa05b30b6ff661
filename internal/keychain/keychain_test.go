package keychain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/iplchat/iplchat/internal/cryptox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FreshStore(t *testing.T) {
	k := New(t.TempDir())

	ok, err := k.Load(uuid.NewString(), []byte("pw"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, k.Len())
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	owner := uuid.NewString()

	peerA, peerB := uuid.NewString(), uuid.NewString()
	keyA, keyB := cryptox.GenerateKey(), cryptox.GenerateKey()

	k := New(dir)
	ok, err := k.Load(owner, []byte("pw"))
	require.NoError(t, err)
	require.True(t, ok)

	k.Add(peerA, keyA)
	k.Add(peerB, keyB)
	require.NoError(t, k.Save(owner))

	reloaded := New(dir)
	ok, err = reloaded.Load(owner, []byte("pw"))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, keyA, reloaded.Get(peerA))
	assert.Equal(t, keyB, reloaded.Get(peerB))
	assert.Equal(t, 2, reloaded.Len())
}

func TestLoad_WrongPassword(t *testing.T) {
	dir := t.TempDir()
	owner := uuid.NewString()

	k := New(dir)
	ok, err := k.Load(owner, []byte("right"))
	require.NoError(t, err)
	require.True(t, ok)
	k.Add(uuid.NewString(), cryptox.GenerateKey())
	require.NoError(t, k.Save(owner))

	reloaded := New(dir)
	ok, err = reloaded.Load(owner, []byte("wrong"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, reloaded.Len(), "failed load must leave the store empty")
}

func TestGet_UnknownPeer(t *testing.T) {
	k := New(t.TempDir())
	ok, err := k.Load(uuid.NewString(), []byte("pw"))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Nil(t, k.Get(uuid.NewString()))
}

func TestSave_WithoutLoad(t *testing.T) {
	k := New(t.TempDir())
	assert.Error(t, k.Save(uuid.NewString()))
}

func TestFileLayout_SaltThenSealed(t *testing.T) {
	dir := t.TempDir()
	owner := uuid.NewString()

	k := New(dir)
	ok, err := k.Load(owner, []byte("pw"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, k.Save(owner))

	blob, err := os.ReadFile(filepath.Join(dir, owner+".keychain"))
	require.NoError(t, err)
	require.Greater(t, len(blob), saltSize)

	key := cryptox.DeriveKey([]byte("pw"), blob[:saltSize])
	_, err = cryptox.Decrypt(key, blob[saltSize:])
	assert.NoError(t, err)
}
