package bbolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/shelfguard/storage"
	"github.com/jmcleod/shelfguard/storage/storagetest"
)

func newTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shelfguard-test.db")
	db, err := bbolt.Open(path, 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBBoltStorage(t *testing.T) {
	storagetest.Run(t, NewRepository(newTestDB(t)))
}

func TestBBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	env := &storage.Envelope{Ver: 1, Scheme: storage.SchemePlainJSON, Ciphertext: []byte(`{"a":1}`), Version: 3}
	require.NoError(t, s.Put(ctx, "audit", "RECORD", "r1", env))
	require.NoError(t, s.Close())

	s, err = NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, "audit", "RECORD", "r1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Version)
	assert.Equal(t, env.Ciphertext, got.Ciphertext)
}

func TestBBoltHonoursCancelledContext(t *testing.T) {
	s := NewRepository(newTestDB(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Get(ctx, "ns", "T", "id")
	assert.ErrorIs(t, err, context.Canceled)
}
