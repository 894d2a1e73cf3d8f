package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncache/syncache/pkg/types"
	"github.com/syncache/syncache/pkg/utils"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), utils.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func storeItem(id string, typ types.ItemType, version int64) *types.Item {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &types.Item{
		ID:        id,
		Type:      typ,
		Version:   version,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item := storeItem("m-1", types.ItemTypeEmail, 1)
	item.SetFlag(types.MetaUnread, true)
	item.Metadata[types.MetaManualPriority] = types.PriorityHigh
	require.NoError(t, s.Put(ctx, item))

	got, err := s.Get(ctx, "m-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, item.Type, got.Type)
	assert.Equal(t, item.Version, got.Version)
	assert.True(t, got.Unread())
	assert.Equal(t, types.PriorityHigh, got.ManualPriority())
	assert.True(t, item.CreatedAt.Equal(got.CreatedAt))
}

func TestGetMissingReturnsNilNil(t *testing.T) {
	s := openTestStore(t)

	got, err := s.Get(context.Background(), "no-such-id")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutUpsertsByID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item := storeItem("m-1", types.ItemTypeEmail, 1)
	require.NoError(t, s.Put(ctx, item))

	item.Version = 2
	item.SetFlag(types.MetaStarred, true)
	require.NoError(t, s.Put(ctx, item))

	got, err := s.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.True(t, got.Starred())

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPutRejectsEmptyID(t *testing.T) {
	s := openTestStore(t)
	err := s.Put(context.Background(), &types.Item{})
	require.Error(t, err)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, storeItem("m-1", types.ItemTypeNote, 1)))
	require.NoError(t, s.Delete(ctx, "m-1"))
	require.NoError(t, s.Delete(ctx, "m-1"))

	got, err := s.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestScanByIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	unread := storeItem("m-1", types.ItemTypeEmail, 1)
	unread.SetFlag(types.MetaUnread, true)
	read := storeItem("m-2", types.ItemTypeEmail, 1)
	task := storeItem("t-1", types.ItemTypeTask, 1)
	for _, it := range []*types.Item{unread, read, task} {
		require.NoError(t, s.Put(ctx, it))
	}

	byType, err := s.ScanByIndex(ctx, "type", "email")
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	byUnread, err := s.ScanByIndex(ctx, "unread", "true")
	require.NoError(t, err)
	require.Len(t, byUnread, 1)
	assert.Equal(t, "m-1", byUnread[0].ID)

	_, err = s.ScanByIndex(ctx, "subject", "anything")
	require.Error(t, err, "non-whitelisted index must be rejected")
}

func TestQueueJournalRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	q := &types.QueueItem{
		ID:            "q-1",
		Op:            types.OpUpdate,
		EntityID:      "m-1",
		Payload:       []byte(`{"id":"m-1"}`),
		Status:        types.QueueStatusPending,
		RetryCount:    2,
		MaxRetries:    5,
		NextAttemptAt: now.Add(time.Minute),
		CreatedAt:     now,
		LastError:     "connection refused",
	}
	require.NoError(t, s.SaveQueueItem(ctx, q))

	loaded, err := s.LoadQueueItems(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	got := loaded[0]
	assert.Equal(t, q.ID, got.ID)
	assert.Equal(t, types.OpUpdate, got.Op)
	assert.Equal(t, q.Payload, got.Payload)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "connection refused", got.LastError)
	assert.True(t, q.NextAttemptAt.Equal(got.NextAttemptAt))
	assert.True(t, got.LastAttemptAt.IsZero())

	require.NoError(t, s.DeleteQueueItem(ctx, "q-1"))
	loaded, err = s.LoadQueueItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestLoadQueueResetsProcessingToPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	q := &types.QueueItem{
		ID:            "q-1",
		Op:            types.OpCreate,
		EntityID:      "m-1",
		Status:        types.QueueStatusProcessing,
		MaxRetries:    5,
		NextAttemptAt: time.Now(),
		CreatedAt:     time.Now(),
	}
	require.NoError(t, s.SaveQueueItem(ctx, q))

	loaded, err := s.LoadQueueItems(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, types.QueueStatusPending, loaded[0].Status)
}

func TestConflictLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entry := &types.ConflictLogEntry{
		ID:            "c-1",
		EntityID:      "m-1",
		LocalVersion:  3,
		RemoteVersion: 5,
		Resolution:    types.ResolutionRejected,
		DetectedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.SaveConflict(ctx, entry))

	got, err := s.Conflicts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.ResolutionRejected, got[0].Resolution)
	assert.Equal(t, int64(5), got[0].RemoteVersion)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, utils.Discard())
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, storeItem("m-1", types.ItemTypeNote, 1)))
	require.NoError(t, s.Close())

	s2, err := Open(dir, utils.Discard())
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, "m-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "m-1", got.ID)
}
