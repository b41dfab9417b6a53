package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("Get on missing key reports not found", func(t *testing.T) {
		val, found, err := s.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, val)
	})

	t.Run("Set then Get returns the value", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "flag/a", []byte("1|{}")))

		val, found, err := s.Get(ctx, "flag/a")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("1|{}"), val)
	})

	t.Run("Set overwrites existing value", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "flag/b", []byte("v1")))
		require.NoError(t, s.Set(ctx, "flag/b", []byte("v2")))

		val, _, err := s.Get(ctx, "flag/b")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), val)
	})

	t.Run("Keys lists stored keys", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "segment/beta", []byte("x")))

		keys, err := s.Keys(ctx)
		require.NoError(t, err)
		assert.Subset(t, keys, []string{"flag/a", "flag/b", "segment/beta"})
	})

	t.Run("Remove deletes and is idempotent", func(t *testing.T) {
		require.NoError(t, s.Remove(ctx, "flag/a"))
		require.NoError(t, s.Remove(ctx, "flag/a"))

		_, found, err := s.Get(ctx, "flag/a")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	runStoreContract(t, s)

	t.Run("Returned values are copies", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "k", []byte("abc")))

		val, _, _ := s.Get(ctx, "k")
		val[0] = 'z'

		again, _, _ := s.Get(ctx, "k")
		assert.Equal(t, []byte("abc"), again)
	})

	t.Run("Operations fail after Close", func(t *testing.T) {
		require.NoError(t, s.Close())

		_, _, err := s.Get(context.Background(), "k")
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, s.Set(context.Background(), "k", nil), ErrClosed)
	})
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	runStoreContract(t, s)

	t.Run("Values survive reopening the file", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "flag/persisted", []byte("3|{}")))
		require.NoError(t, s.Close())

		reopened, err := OpenSQLiteStore(path)
		require.NoError(t, err)
		defer reopened.Close()

		val, found, err := reopened.Get(ctx, "flag/persisted")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("3|{}"), val)
	})
}
