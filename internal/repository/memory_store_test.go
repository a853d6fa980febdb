package repository

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDocumentStoreConditionalUpdateSerialises(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryDocumentStore()
	_, err := store.Create(ctx, "odRequests", "req-1", map[string]interface{}{
		"workflow": map[string]interface{}{"stage": "faculty_pending"},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "odRequests", "req-1",
				map[string]interface{}{"workflow": map[string]interface{}{"stage": "completed"}},
				FieldEquals("workflow.stage", "faculty_pending"))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, ErrPreconditionFailed)
	}
	assert.Equal(t, 1, succeeded)
}

func TestMemoryDocumentStoreQueryAndSubscribe(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryDocumentStore()

	var changes []DocumentChange
	sub, err := store.Subscribe(ctx, "notifications", func(c DocumentChange) { changes = append(changes, c) })
	require.NoError(t, err)

	for i, created := range []int64{300, 100, 200} {
		_, err := store.Create(ctx, "notifications", "", map[string]interface{}{
			"userId":    "S1",
			"isRead":    i == 1,
			"createdAt": created,
		})
		require.NoError(t, err)
	}
	_, err = store.Create(ctx, "odRequests", "", map[string]interface{}{"userId": "S1"})
	require.NoError(t, err)

	docs, err := store.Query(ctx, "notifications", Query{
		Filters: []Filter{{Field: "userId", Value: "S1"}, {Field: "isRead", Value: false}},
		OrderBy: "createdAt",
		Desc:    true,
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "300", textValue(docs[0].Data["createdAt"]))
	assert.Equal(t, "200", textValue(docs[1].Data["createdAt"]))

	ids := []string{docs[0].ID, docs[1].ID, "missing"}
	n, err := store.UpdateMany(ctx, "notifications", ids, map[string]interface{}{"isRead": true})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Len(t, changes, 5)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	_, err = store.Create(ctx, "notifications", "", map[string]interface{}{"userId": "S2"})
	require.NoError(t, err)
	assert.Len(t, changes, 5)
}

func TestMemoryDocumentStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryDocumentStore()
	doc, err := store.Create(ctx, "odRequests", "req-1", map[string]interface{}{"status": "pending"})
	require.NoError(t, err)
	doc.Data["status"] = "tampered"

	fresh, err := store.Get(ctx, "odRequests", "req-1")
	require.NoError(t, err)
	assert.Equal(t, "pending", fresh.Data["status"])

	require.ErrorIs(t, store.Delete(ctx, "odRequests", "nope"), ErrDocumentNotFound)
}

func TestMemoryLiveStorePathsAndSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLiveStore()

	var events []LiveChange
	_, err := store.Subscribe(ctx, "odRequests/S1", func(c LiveChange) { events = append(events, c) })
	require.NoError(t, err)

	key, err := store.Push(ctx, "odRequests/S1", map[string]interface{}{"primaryId": "req-1", "status": "pending"})
	require.NoError(t, err)
	require.NotEmpty(t, key)
	_, err = store.Push(ctx, "odRequests/S2", map[string]interface{}{"primaryId": "req-2"})
	require.NoError(t, err)

	require.NoError(t, store.Update(ctx, "odRequests/S1/"+key, map[string]interface{}{"status": "approved"}))
	require.ErrorIs(t, store.Update(ctx, "odRequests/S1/missing", map[string]interface{}{"a": 1}), ErrDocumentNotFound)

	raw, err := store.Get(ctx, "odRequests/S1/"+key)
	require.NoError(t, err)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "approved", got["status"])
	assert.Equal(t, "req-1", got["primaryId"])

	snap, err := store.Snapshot(ctx, "odRequests")
	require.NoError(t, err)
	assert.Len(t, snap, 2)
	snap, err = store.Snapshot(ctx, "odRequests/S1")
	require.NoError(t, err)
	assert.Len(t, snap, 1)

	assert.Len(t, events, 2)
	require.Error(t, store.Set(ctx, "rootOnly", 1))
}
