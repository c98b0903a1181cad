package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	store := NewWithClient(newMockClient(), "receipts")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "receipts/2026/07/r1.pdf", []byte("%PDF-1.4 ..."), "application/pdf"))

	data, err := store.Get(ctx, "receipts/2026/07/r1.pdf")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 ...", string(data))
}

func TestGetMissingKeyErrors(t *testing.T) {
	store := NewWithClient(newMockClient(), "receipts")
	_, err := store.Get(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestDeleteRemovesObject(t *testing.T) {
	store := NewWithClient(newMockClient(), "receipts")
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "key", []byte("data"), "application/octet-stream"))
	require.NoError(t, store.Delete(ctx, "key"))

	_, err := store.Get(ctx, "key")
	assert.Error(t, err)
}
