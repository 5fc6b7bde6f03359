package mongodb

import (
	"context"
	"os"
	"testing"
	"time"

	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/shared/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RemoteStore, context.Context) {
	t.Helper()
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Connect(ctx, uri)
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}

	db := client.Database("querycache_test_" + uuid.NewString()[:8])
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = db.Drop(ctx)
		_ = client.Disconnect(ctx)
	})
	return NewRemoteStore(db, false, nil, logger.NewNopLogger()), context.Background()
}

func TestRemoteStore_QueryPagesInSortOrder(t *testing.T) {
	store, ctx := newTestStore(t)
	for id, name := range map[string]string{"s1": "Ann", "s2": "Bob", "s3": "Cara"} {
		require.NoError(t, store.Upsert(ctx, model.CollectionStudents, model.Document{
			ID: id, Data: map[string]interface{}{"name": name, "active": true},
		}))
	}

	spec := model.NewQuerySpec(model.CollectionStudents, "name", 2, nil)
	first, err := store.Query(ctx, spec)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "s1", first[0].ID)
	assert.Equal(t, "s2", first[1].ID)

	next, err := store.Query(ctx, spec.WithStartAfter(model.LastCursor(first, "name")))
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "s3", next[0].ID)
	assert.Equal(t, "Cara", next[0].Data["name"])
}

func TestRemoteStore_QueryFilters(t *testing.T) {
	store, ctx := newTestStore(t)
	require.NoError(t, store.Upsert(ctx, model.CollectionStudents, model.Document{
		ID: "s1", Data: map[string]interface{}{"name": "Ann", "grade": 10},
	}))
	require.NoError(t, store.Upsert(ctx, model.CollectionStudents, model.Document{
		ID: "s2", Data: map[string]interface{}{"name": "Bob", "grade": 11},
	}))
	require.NoError(t, store.Upsert(ctx, model.CollectionStudents, model.Document{
		ID: "s3", Data: map[string]interface{}{"name": "Cara"},
	}))

	filters := model.Filters{"grade": {model.OperatorNotEqual: 10}}.Normalize()
	rows, err := store.Query(ctx, model.NewQuerySpec(model.CollectionStudents, "name", 10, filters))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "s2", rows[0].ID)
}

func TestRemoteStore_ListenWithoutChangeStreams(t *testing.T) {
	store, ctx := newTestStore(t)
	require.NoError(t, store.Upsert(ctx, model.CollectionStudents, model.Document{
		ID: "s1", Data: map[string]interface{}{"name": "Ann"},
	}))

	listenCtx, cancel := context.WithCancel(ctx)
	st, err := store.Listen(listenCtx, model.NewQuerySpec(model.CollectionStudents, "name", 5, nil))
	require.NoError(t, err)

	snap := <-st.Snapshots()
	require.Len(t, snap.Rows, 1)
	assert.False(t, snap.IssuedAt.IsZero())

	cancel()
	select {
	case _, ok := <-st.Snapshots():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream did not finish after cancel")
	}
	st.Close()
}
