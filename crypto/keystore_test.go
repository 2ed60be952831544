package crypto

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityStorePlain(t *testing.T) {
	dir := t.TempDir()
	store, err := NewIdentityStore(dir, nil)
	require.NoError(t, err)

	first, err := store.LoadOrCreate()
	require.NoError(t, err)

	second, err := store.LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, first.Public, second.Public)
	assert.Equal(t, first.Private, second.Private)

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestIdentityStoreEncrypted(t *testing.T) {
	dir := t.TempDir()
	store, err := NewIdentityStore(dir, []byte("correct horse"))
	require.NoError(t, err)

	kp, err := store.LoadOrCreate()
	require.NoError(t, err)

	raw, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), string(kp.Private[:]))

	reopened, err := NewIdentityStore(dir, []byte("correct horse"))
	require.NoError(t, err)
	loaded, err := reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, kp.Public, loaded.Public)

	wrong, err := NewIdentityStore(dir, []byte("battery staple"))
	require.NoError(t, err)
	_, err = wrong.Load()
	assert.ErrorIs(t, err, ErrWrongPassphrase)

	none, err := NewIdentityStore(dir, nil)
	require.NoError(t, err)
	_, err = none.Load()
	assert.ErrorIs(t, err, ErrPassphraseRequired)
}

func TestIdentityStoreMissing(t *testing.T) {
	store, err := NewIdentityStore(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = store.Load()
	assert.ErrorIs(t, err, os.ErrNotExist)
}
