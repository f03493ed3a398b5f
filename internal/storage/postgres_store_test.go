package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/payguard/internal/storage"
	"github.com/mbd888/payguard/internal/testutil"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := storage.NewPostgresStore(db, storage.TierSecure)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	// Upsert replaces.
	require.NoError(t, s.Set(ctx, "k", []byte("v2")))
	got, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPostgresStore_TiersAreIsolated(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	secure := storage.NewPostgresStore(db, storage.TierSecure)
	plain := storage.NewPostgresStore(db, storage.TierPlain)
	ctx := context.Background()

	require.NoError(t, secure.Set(ctx, "k", []byte("secret")))

	_, err := plain.Get(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
