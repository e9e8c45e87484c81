// Package storagetest holds the conformance suite every storage.Repository
// backend runs in its own tests.
package storagetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/shelfguard/storage"
)

// Run exercises the Repository contract against repo. Each backend passes a
// fresh, empty repository.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()
	env := &storage.Envelope{Ver: 1, Scheme: storage.SchemeAESGCM, Nonce: make([]byte, 12), Ciphertext: []byte("cipher")}

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "ns1", "SESSION", "s1", env))
		got, err := repo.Get(ctx, "ns1", "SESSION", "s1")
		require.NoError(t, err)
		assert.Equal(t, env.Ver, got.Ver)
		assert.Equal(t, env.Scheme, got.Scheme)
		assert.Equal(t, env.Ciphertext, got.Ciphertext)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.Get(ctx, "ns1", "SESSION", "missing")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
		_, err = repo.Get(ctx, "no-such-namespace", "SESSION", "s1")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})

	t.Run("ListByType", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "ns2", "BUCKET", "a", env))
		require.NoError(t, repo.Put(ctx, "ns2", "BUCKET", "b", env))
		require.NoError(t, repo.Put(ctx, "ns2", "OTHER", "c", env))

		ids, err := repo.List(ctx, "ns2", "BUCKET")
		require.NoError(t, err)
		sort.Strings(ids)
		assert.Equal(t, []string{"a", "b"}, ids)

		ids, err = repo.List(ctx, "empty-namespace", "BUCKET")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "ns3", "SESSION", "gone", env))
		require.NoError(t, repo.Delete(ctx, "ns3", "SESSION", "gone"))
		_, err := repo.Get(ctx, "ns3", "SESSION", "gone")
		assert.True(t, errors.Is(err, storage.ErrNotFound))

		err = repo.Delete(ctx, "ns3", "SESSION", "gone")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "second delete: %v", err)
	})

	t.Run("PutCAS", func(t *testing.T) {
		v1 := &storage.Envelope{Ver: 1, Scheme: storage.SchemePlainJSON, Ciphertext: []byte(`{"n":1}`), Version: 1}
		v2 := &storage.Envelope{Ver: 1, Scheme: storage.SchemePlainJSON, Ciphertext: []byte(`{"n":2}`), Version: 2}

		require.NoError(t, repo.PutCAS(ctx, "ns4", "HEAD", "h", 0, v1))
		assert.ErrorIs(t, repo.PutCAS(ctx, "ns4", "HEAD", "h", 0, v1), storage.ErrCASFailed)
		assert.ErrorIs(t, repo.PutCAS(ctx, "ns4", "HEAD", "h", 5, v2), storage.ErrCASFailed)
		require.NoError(t, repo.PutCAS(ctx, "ns4", "HEAD", "h", 1, v2))

		got, err := repo.Get(ctx, "ns4", "HEAD", "h")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)

		assert.ErrorIs(t, repo.PutCAS(ctx, "ns4", "HEAD", "missing", 3, v2), storage.ErrCASFailed)
	})

	t.Run("PutCASConcurrent", func(t *testing.T) {
		base := &storage.Envelope{Ver: 1, Scheme: storage.SchemePlainJSON, Ciphertext: []byte(`{}`), Version: 1}
		require.NoError(t, repo.PutCAS(ctx, "ns5", "HEAD", "race", 0, base))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				next := &storage.Envelope{Ver: 1, Scheme: storage.SchemePlainJSON, Ciphertext: []byte(`{}`), Version: 2}
				if err := repo.PutCAS(ctx, "ns5", "HEAD", "race", 1, next); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load(), "exactly one CAS writer must win")
	})
}
