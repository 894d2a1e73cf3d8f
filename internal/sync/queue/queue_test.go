package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncache/syncache/pkg/errors"
	"github.com/syncache/syncache/pkg/retry"
	"github.com/syncache/syncache/pkg/types"
	"github.com/syncache/syncache/pkg/utils"
)

// memJournal is an in-memory types.QueueJournal.
type memJournal struct {
	items     map[string]*types.QueueItem
	conflicts []*types.ConflictLogEntry
	failSave  bool
}

func newMemJournal() *memJournal {
	return &memJournal{items: make(map[string]*types.QueueItem)}
}

func (j *memJournal) SaveQueueItem(ctx context.Context, item *types.QueueItem) error {
	if j.failSave {
		return errors.New(errors.ErrCodeStoreWrite, "journal write failed")
	}
	j.items[item.ID] = item.Clone()
	return nil
}

func (j *memJournal) DeleteQueueItem(ctx context.Context, id string) error {
	delete(j.items, id)
	return nil
}

func (j *memJournal) LoadQueueItems(ctx context.Context) ([]*types.QueueItem, error) {
	out := make([]*types.QueueItem, 0, len(j.items))
	for _, it := range j.items {
		out = append(out, it.Clone())
	}
	return out, nil
}

func (j *memJournal) SaveConflict(ctx context.Context, entry *types.ConflictLogEntry) error {
	j.conflicts = append(j.conflicts, entry)
	return nil
}

func testRetryer() *retry.Retryer {
	return retry.New(retry.Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		Jitter:       false,
	})
}

func newTestQueue(journal types.QueueJournal) *Queue {
	return New(10, 3, testRetryer(), journal, utils.Discard())
}

func TestEnqueueJournalsWriteThrough(t *testing.T) {
	j := newMemJournal()
	q := newTestQueue(j)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, types.OpUpdate, "m-1", []byte(`{"id":"m-1"}`), "connection refused")
	require.NoError(t, err)
	assert.Equal(t, types.QueueStatusPending, entry.Status)
	assert.Equal(t, "connection refused", entry.LastError)

	require.Len(t, j.items, 1)
	assert.Equal(t, "m-1", j.items[entry.ID].EntityID)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := New(2, 3, testRetryer(), nil, utils.Discard())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(ctx, types.OpCreate, "m-1", nil, "")
		require.NoError(t, err)
	}

	_, err := q.Enqueue(ctx, types.OpCreate, "m-2", nil, "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeQueueFull, errors.CodeOf(err))
}

func TestEnqueueFailsClosedOnJournalError(t *testing.T) {
	j := newMemJournal()
	j.failSave = true
	q := newTestQueue(j)

	_, err := q.Enqueue(context.Background(), types.OpCreate, "m-1", nil, "")
	require.Error(t, err)
	assert.Equal(t, types.QueueStats{}, q.Stats(), "a rejected enqueue must leave no trace")
}

func TestDequeueReadyClaimsOldestFirst(t *testing.T) {
	q := newTestQueue(newMemJournal())
	ctx := context.Background()

	first, err := q.Enqueue(ctx, types.OpCreate, "m-1", nil, "")
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, types.OpUpdate, "m-2", nil, "")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, types.OpDelete, "m-3", nil, "")
	require.NoError(t, err)

	claimed := q.DequeueReady(ctx, 2)
	require.Len(t, claimed, 2)
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.Equal(t, second.ID, claimed[1].ID)
	for _, c := range claimed {
		assert.Equal(t, types.QueueStatusProcessing, c.Status)
	}

	// Claimed entries cannot be claimed twice.
	again := q.DequeueReady(ctx, 10)
	require.Len(t, again, 1)
	assert.Equal(t, "m-3", again[0].EntityID)
}

func TestReleaseReturnsClaimToPending(t *testing.T) {
	j := newMemJournal()
	q := newTestQueue(j)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, types.OpCreate, "m-1", nil, "")
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, types.OpCreate, "m-2", nil, "")
	require.NoError(t, err)

	claimed := q.DequeueReady(ctx, 2)
	require.Len(t, claimed, 2)
	assert.Equal(t, first.ID, claimed[0].ID)

	require.NoError(t, q.Release(ctx, second.ID))

	stats := q.Stats()
	assert.Equal(t, 1, stats.Processing)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, types.QueueStatusPending, j.items[second.ID].Status)

	// The released claim is redeliverable and no attempt was burned.
	again := q.DequeueReady(ctx, 10)
	require.Len(t, again, 1)
	assert.Equal(t, second.ID, again[0].ID)
	assert.Equal(t, 0, again[0].RetryCount)

	// Releasing an unclaimed or unknown entry is a no-op.
	third, err := q.Enqueue(ctx, types.OpDelete, "m-3", nil, "")
	require.NoError(t, err)
	require.NoError(t, q.Release(ctx, third.ID))
	require.NoError(t, q.Release(ctx, "missing"))
	assert.Equal(t, types.QueueStatusPending, j.items[third.ID].Status)
	assert.Equal(t, 2, q.Stats().Processing)
}

func TestDequeueSkipsEntriesNotYetDue(t *testing.T) {
	q := newTestQueue(newMemJournal())
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, types.OpUpdate, "m-1", nil, "")
	require.NoError(t, err)

	claimed := q.DequeueReady(ctx, 1)
	require.Len(t, claimed, 1)
	terminal, err := q.Fail(ctx, entry.ID, errors.New(errors.ErrCodeRemoteUnavailable, "down"))
	require.NoError(t, err)
	assert.False(t, terminal)

	// Backoff pushed the next attempt into the future.
	assert.Empty(t, q.DequeueReady(ctx, 1))

	due, ok := q.NextDue()
	require.True(t, ok)
	assert.True(t, due.After(time.Now()))
}

func TestCompleteRemovesEntryAndJournalRow(t *testing.T) {
	j := newMemJournal()
	q := newTestQueue(j)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, types.OpCreate, "m-1", nil, "")
	require.NoError(t, err)
	q.DequeueReady(ctx, 1)

	require.NoError(t, q.Complete(ctx, entry.ID))
	assert.Equal(t, types.QueueStats{}, q.Stats())
	assert.Empty(t, j.items)

	// Completing twice is a no-op.
	require.NoError(t, q.Complete(ctx, entry.ID))
}

func TestFailParksEntryAfterMaxRetries(t *testing.T) {
	q := newTestQueue(newMemJournal())
	// Advance the clock on every read so each backoff has already elapsed.
	base := time.Now()
	var elapsed time.Duration
	q.now = func() time.Time {
		elapsed += time.Minute
		return base.Add(elapsed)
	}
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, types.OpUpdate, "m-1", nil, "")
	require.NoError(t, err)

	cause := errors.New(errors.ErrCodeRemoteUnavailable, "still down")
	var terminal bool
	for i := 0; i < 3; i++ {
		claimed := q.DequeueReady(ctx, 1)
		require.Len(t, claimed, 1, "attempt %d", i+1)
		terminal, err = q.Fail(ctx, entry.ID, cause)
		require.NoError(t, err)
	}
	assert.True(t, terminal)

	stats := q.Stats()
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Pending)

	failed := q.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].RetryCount)
	assert.Equal(t, "still down", failed[0].LastError)

	// Terminal entries never replay and never block new work.
	assert.Empty(t, q.DequeueReady(ctx, 10))
}

func TestFailedEntriesDoNotCountAgainstCapacity(t *testing.T) {
	q := New(1, 1, testRetryer(), nil, utils.Discard())
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, types.OpCreate, "m-1", nil, "")
	require.NoError(t, err)
	q.DequeueReady(ctx, 1)
	terminal, err := q.Fail(ctx, entry.ID, nil)
	require.NoError(t, err)
	require.True(t, terminal)

	_, err = q.Enqueue(ctx, types.OpCreate, "m-2", nil, "")
	assert.NoError(t, err, "a parked entry must not hold a capacity slot")
}

func TestRestoreReloadsJournal(t *testing.T) {
	j := newMemJournal()
	q := newTestQueue(j)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, types.OpUpdate, "m-1", []byte(`{}`), "")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, types.OpDelete, "m-2", nil, "")
	require.NoError(t, err)

	// A fresh queue over the same journal sees both entries.
	q2 := newTestQueue(j)
	n, err := q2.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, q2.Stats().Pending)
	assert.Len(t, q2.DequeueReady(ctx, 10), 2)
}
