package fiscal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "fisco/pkg/domain-errors"
)

func newStoredDoc(t *testing.T, seq int64) *Document {
	t.Helper()
	doc, err := NewDocument(GoodsInvoice, "12345678000195", 35, 1, seq, testIssuedAt)
	require.NoError(t, err)
	return doc
}

func TestMemoryStoreCreateGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	doc := newStoredDoc(t, 1)

	require.NoError(t, store.Create(ctx, doc))

	got, err := store.Get(ctx, doc.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, doc.AccessKey, got.AccessKey)

	// Returned copy must be isolated from the stored document.
	got.State = StateRejected
	again, err := store.Get(ctx, doc.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, StateDraft, again.State)
}

func TestMemoryStoreCreateConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	doc := newStoredDoc(t, 1)

	require.NoError(t, store.Create(ctx, doc))
	err := store.Create(ctx, doc)
	assert.True(t, domainerrors.HasCode(err, domainerrors.CodeConflict))
}

func TestMemoryStoreGetNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "00000000000000000000000000000000000000000000")
	assert.True(t, domainerrors.HasCode(err, domainerrors.CodeNotFound))
}

func TestMemoryStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	doc := newStoredDoc(t, 1)
	require.NoError(t, store.Create(ctx, doc))

	doc.State = StateQueued
	require.NoError(t, store.Update(ctx, doc))

	got, err := store.Get(ctx, doc.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)
}

func TestMemoryStoreListByState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := newStoredDoc(t, 1)
	b := newStoredDoc(t, 2)
	b.State = StateSubmitted
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))

	submitted, err := store.ListByState(ctx, StateSubmitted)
	require.NoError(t, err)
	require.Len(t, submitted, 1)
	assert.Equal(t, b.AccessKey, submitted[0].AccessKey)
}

func TestMemoryStoreNextSequenceMonotonic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first, err := store.NextSequence(ctx, "12345678000195", "55", 1)
	require.NoError(t, err)
	second, err := store.NextSequence(ctx, "12345678000195", "55", 1)
	require.NoError(t, err)
	assert.Equal(t, first+1, second)

	// Independent counters per series.
	other, err := store.NextSequence(ctx, "12345678000195", "55", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)
}

func TestMemoryStoreHasAuthorizedInRange(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	doc := newStoredDoc(t, 5)
	doc.State = StateAuthorized
	now := time.Now()
	doc.AuthorizedAt = &now
	require.NoError(t, store.Create(ctx, doc))

	hit, err := store.HasAuthorizedInRange(ctx, "12345678000195", "55", 1, 1, 10)
	require.NoError(t, err)
	assert.True(t, hit)

	miss, err := store.HasAuthorizedInRange(ctx, "12345678000195", "55", 1, 6, 10)
	require.NoError(t, err)
	assert.False(t, miss)
}
