package events

import (
	"context"
	"testing"

	"github.com/mbd888/mitigator/internal/mitigation"
	"github.com/mbd888/mitigator/internal/pagination"
	"github.com/mbd888/mitigator/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_WriteListGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	batch := seq(4, "10.0.0.1")
	batch[3].Action = mitigation.ActionBlocked
	batch[3].SessionID = "sess-1"
	require.NoError(t, store.Write(ctx, batch))
	require.NoError(t, store.Write(ctx, batch), "rewriting a batch is a no-op")

	got, err := store.List(ctx, "10.0.0.1", 10)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "evt_003", got[0].ID)
	assert.Equal(t, "sess-1", got[0].SessionID)
	assert.Equal(t, mitigation.CategoryOther, got[0].Category)

	blocked, err := store.List(ctx, "", 10, WithAction(mitigation.ActionBlocked))
	require.NoError(t, err)
	assert.Len(t, blocked, 1)

	page, err := store.List(ctx, "", 10, WithCursor(pagination.Encode(pageKey(got[1]))))
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "evt_001", page[0].ID)

	ev, err := store.Get(ctx, "evt_002")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", ev.Source)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
