package directory

import (
	"context"
	"e2e_call/internal/repository/relay"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocument_PublishAndFetch(t *testing.T) {
	ctx := context.Background()
	store := relay.NewMemory()
	d := NewDocument(store)

	_, err := d.PublicKey(ctx, "u1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, d.Publish(ctx, "u1", "key-1"))
	got, err := d.PublicKey(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "key-1", got)

	require.NoError(t, d.Publish(ctx, "u1", "key-2"))
	got, err = d.PublicKey(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "key-2", got)
}

func TestDocument_KeepsOtherProfileFields(t *testing.T) {
	ctx := context.Background()
	store := relay.NewMemory()
	require.NoError(t, store.Set(ctx, "users/u1", relay.Document{"name": "Dana"}))

	d := NewDocument(store)
	require.NoError(t, d.Publish(ctx, "u1", "key-1"))

	doc, err := store.Get(ctx, "users/u1")
	require.NoError(t, err)
	assert.Equal(t, "Dana", doc["name"])
	assert.Equal(t, "key-1", doc["publicKey"])
}
