package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/testutil"
	sharedErrors "school-portal/internal/shared/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryService_FetchPopulatesCache(t *testing.T) {
	h := newHarness(t)
	h.remote.OnQuery(testutil.PageOf(testutil.Students()))

	result, err := h.queries.Fetch(context.Background(), model.CollectionStudents, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, testutil.IDs(result.Rows))
	assert.False(t, result.FromCache)

	entry, ok := h.cache.Get(result.QueryID)
	require.True(t, ok)
	assert.Equal(t, "s2", entry.Cursor.DocumentID)
	assert.True(t, h.cache.IsFresh(result.QueryID))
}

func TestQueryService_ReadServesFreshEntry(t *testing.T) {
	h := newHarness(t)
	id := h.defaultID(t, model.CollectionStudents)
	require.True(t, h.cache.Put(id, model.CollectionStudents, testutil.Students()[:1], nil, h.clock.Now()))

	result, err := h.queries.Read(context.Background(), model.CollectionStudents, nil, nil)
	require.NoError(t, err)
	assert.True(t, result.FromCache)
	assert.False(t, result.Stale)
	assert.Equal(t, []string{"s1"}, testutil.IDs(result.Rows))
	assert.Empty(t, h.remote.Queries())
}

func TestQueryService_ReadPrefersStaleEntryOverError(t *testing.T) {
	h := newHarness(t)
	id := h.defaultID(t, model.CollectionStudents)
	require.True(t, h.cache.Put(id, model.CollectionStudents, testutil.Students()[:1], nil, h.clock.Now()))
	h.clock.Advance(time.Minute)
	h.remote.OnQuery(func(model.QuerySpec) ([]model.Document, error) {
		return nil, errors.New("unavailable")
	})

	result, err := h.queries.Read(context.Background(), model.CollectionStudents, nil, nil)
	require.NoError(t, err)
	assert.True(t, result.Stale)
	assert.Equal(t, []string{"s1"}, testutil.IDs(result.Rows))
}

func TestQueryService_ReadErrorWithoutEntry(t *testing.T) {
	h := newHarness(t)
	h.remote.OnQuery(func(model.QuerySpec) ([]model.Document, error) {
		return nil, errors.New("unavailable")
	})

	_, err := h.queries.Read(context.Background(), model.CollectionStudents, nil, nil)
	assert.True(t, sharedErrors.IsRemoteQueryFailure(err))
}

func TestQueryService_FetchSupersededBySnapshot(t *testing.T) {
	h := newHarness(t)
	id := h.defaultID(t, model.CollectionStudents)
	h.remote.OnQuery(testutil.PageOf(testutil.Students()))
	// a snapshot issued after the fetch is already applied
	require.True(t, h.cache.Put(id, model.CollectionStudents, testutil.Students()[2:], nil, h.clock.Now().Add(time.Second)))

	result, err := h.queries.Fetch(context.Background(), model.CollectionStudents, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"s3"}, testutil.IDs(result.Rows))
}

func TestQueryService_QueryPassesCursorThrough(t *testing.T) {
	h := newHarness(t)
	h.remote.OnQuery(testutil.PageOf(testutil.Students()))

	rows, err := h.queries.Query(context.Background(), model.CollectionStudents, model.QueryRequest{
		StartAfter: &model.Cursor{DocumentID: "s1", SortValue: "Ann"},
		Limit:      intPtr(5),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"s2", "s3"}, testutil.IDs(rows))
	assert.Equal(t, 0, h.cache.Len(), "pass-through queries are not cached")
}
