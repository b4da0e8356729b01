package kvstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PutGetDelete(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put("hash1", []byte{1, 2, 3}))
	value, err := store.Get("hash1")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, value)

	require.NoError(t, store.Put("hash1", []byte{9}))
	value, err = store.Get("hash1")
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, value)

	require.NoError(t, store.Delete("hash1"))
	_, err = store.Get("hash1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is fine.
	require.NoError(t, store.Delete("hash1"))
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Put("meta", []byte("catalog")))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()

	value, err := store.Get("meta")
	require.NoError(t, err)
	assert.Equal(t, []byte("catalog"), value)
}
