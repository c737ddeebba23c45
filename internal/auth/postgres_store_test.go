package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/mitigator/internal/testutil"
)

func TestPostgresStore_KeyLifecycle(t *testing.T) {
	db, cleanup := testutil.PGContainer(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	m := NewManager(store)
	raw, key, err := m.GenerateKey(ctx, "ids-edge-1", "edge sensor")
	require.NoError(t, err)

	got, err := store.GetByHash(ctx, HashKey(raw))
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, "edge sensor", got.Name)
	assert.True(t, got.LastUsed.IsZero())

	used := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.Update(ctx, &APIKey{ID: key.ID, LastUsed: used}))
	require.NoError(t, store.Update(ctx, &APIKey{ID: key.ID, LastUsed: used.Add(-time.Hour)}))
	got, err = store.GetByHash(ctx, HashKey(raw))
	require.NoError(t, err)
	assert.True(t, used.Equal(got.LastUsed), "last_used only moves forward")

	keys, err := store.GetByOwner(ctx, "ids-edge-1")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, m.RevokeKey(ctx, key.ID, "ids-edge-1"))
	_, err = store.GetByHash(ctx, HashKey(raw))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, store.Update(ctx, &APIKey{ID: key.ID, LastUsed: time.Now()}))
	_, err = store.GetByHash(ctx, HashKey(raw))
	assert.ErrorIs(t, err, ErrKeyNotFound, "revocation is sticky")
}

func TestPostgresStore_SeedHashesIsIdempotent(t *testing.T) {
	db, cleanup := testutil.PGContainer(t)
	defer cleanup()

	ctx := context.Background()
	m := NewManager(NewPostgresStore(db))
	_, hash, err := NewRawKey()
	require.NoError(t, err)

	n, err := m.SeedHashes(ctx, []string{"waf:" + hash})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.SeedHashes(ctx, []string{"waf:" + hash})
	require.NoError(t, err)
	assert.Zero(t, n)
}
