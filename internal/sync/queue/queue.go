// Package queue implements the bounded offline queue. Entries are journaled
// write-through so pending remote operations survive a restart.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syncache/syncache/pkg/errors"
	"github.com/syncache/syncache/pkg/retry"
	"github.com/syncache/syncache/pkg/types"
	"github.com/syncache/syncache/pkg/utils"
)

// Queue holds pending remote operations in arrival order. Terminally failed
// entries stay in the queue for inspection but never count against capacity
// and never replay.
type Queue struct {
	maxSize    int
	maxRetries int
	retryer    *retry.Retryer
	journal    types.QueueJournal
	logger     *utils.StructuredLogger

	mu      sync.Mutex
	entries map[string]*types.QueueItem
	order   []string

	now func() time.Time
}

// New creates a queue. journal may be nil for a purely in-memory queue.
func New(maxSize, maxRetries int, retryer *retry.Retryer, journal types.QueueJournal, logger *utils.StructuredLogger) *Queue {
	if maxSize <= 0 {
		maxSize = 5000
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Queue{
		maxSize:    maxSize,
		maxRetries: maxRetries,
		retryer:    retryer,
		journal:    journal,
		logger:     logger.WithComponent("queue"),
		entries:    make(map[string]*types.QueueItem),
		now:        time.Now,
	}
}

// Restore reloads journaled entries, typically at startup.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.journal == nil {
		return 0, nil
	}
	items, err := q.journal.LoadQueueItems(ctx)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range items {
		if _, ok := q.entries[it.ID]; ok {
			continue
		}
		q.entries[it.ID] = it
		q.order = append(q.order, it.ID)
	}

	q.logger.Info("queue restored", map[string]interface{}{"entries": len(items)})
	return len(items), nil
}

// Enqueue adds a remote operation. The entry is journaled before it becomes
// visible; a journal failure rejects the enqueue so memory and disk agree.
func (q *Queue) Enqueue(ctx context.Context, op types.OpKind, entityID string, payload []byte, lastErr string) (*types.QueueItem, error) {
	q.mu.Lock()
	if q.activeLocked() >= q.maxSize {
		q.mu.Unlock()
		return nil, errors.Newf(errors.ErrCodeQueueFull,
			"offline queue is full (%d entries)", q.maxSize).
			WithComponent("queue").WithEntity(entityID)
	}
	q.mu.Unlock()

	now := q.now()
	entry := &types.QueueItem{
		ID:            uuid.NewString(),
		Op:            op,
		EntityID:      entityID,
		Payload:       payload,
		Status:        types.QueueStatusPending,
		MaxRetries:    q.maxRetries,
		NextAttemptAt: now,
		CreatedAt:     now,
		LastError:     lastErr,
	}

	if q.journal != nil {
		if err := q.journal.SaveQueueItem(ctx, entry); err != nil {
			return nil, err
		}
	}

	q.mu.Lock()
	q.entries[entry.ID] = entry
	q.order = append(q.order, entry.ID)
	q.mu.Unlock()

	q.logger.Debug("operation queued", map[string]interface{}{
		"queue_id": entry.ID, "op": string(op), "entity_id": entityID,
	})
	return entry.Clone(), nil
}

// DequeueReady claims up to limit pending entries whose next attempt is due,
// oldest first, and marks them processing. The caller must finish each claim
// with Complete or Fail.
func (q *Queue) DequeueReady(ctx context.Context, limit int) []*types.QueueItem {
	now := q.now()

	q.mu.Lock()
	var claimed []*types.QueueItem
	for _, id := range q.order {
		if len(claimed) >= limit {
			break
		}
		e := q.entries[id]
		if e.Status != types.QueueStatusPending || e.NextAttemptAt.After(now) {
			continue
		}
		e.Status = types.QueueStatusProcessing
		e.LastAttemptAt = now
		claimed = append(claimed, e.Clone())
	}
	q.mu.Unlock()

	if q.journal != nil {
		for _, e := range claimed {
			if err := q.journal.SaveQueueItem(ctx, e); err != nil {
				q.logger.Warn("journal update failed", map[string]interface{}{
					"queue_id": e.ID, "error": err.Error(),
				})
			}
		}
	}
	return claimed
}

// Complete removes a successfully replayed entry.
func (q *Queue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	_, ok := q.entries[id]
	if ok {
		delete(q.entries, id)
		q.removeFromOrderLocked(id)
	}
	q.mu.Unlock()
	if !ok {
		return nil
	}

	if q.journal != nil {
		return q.journal.DeleteQueueItem(ctx, id)
	}
	return nil
}

// Fail records a failed replay attempt. The entry is rescheduled with
// exponential backoff until its retries run out, then parked as failed.
func (q *Queue) Fail(ctx context.Context, id string, cause error) (terminal bool, err error) {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return false, nil
	}

	e.RetryCount++
	if cause != nil {
		e.LastError = cause.Error()
	}

	if e.RetryCount >= e.MaxRetries {
		e.Status = types.QueueStatusFailed
		terminal = true
	} else {
		e.Status = types.QueueStatusPending
		e.NextAttemptAt = q.now().Add(q.retryer.DelayFor(e.RetryCount))
	}
	snapshot := e.Clone()
	q.mu.Unlock()

	if terminal {
		q.logger.Error("queue entry failed terminally", map[string]interface{}{
			"queue_id": id, "entity_id": snapshot.EntityID,
			"retries": snapshot.RetryCount, "last_error": snapshot.LastError,
		})
	}

	if q.journal != nil {
		err = q.journal.SaveQueueItem(ctx, snapshot)
	}
	return terminal, err
}

// Release returns a claimed entry to pending without recording an attempt.
// Used when a drain stops early and its unprocessed claims must stay
// replayable on the next drain.
func (q *Queue) Release(ctx context.Context, id string) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok || e.Status != types.QueueStatusProcessing {
		q.mu.Unlock()
		return nil
	}
	e.Status = types.QueueStatusPending
	snapshot := e.Clone()
	q.mu.Unlock()

	if q.journal != nil {
		return q.journal.SaveQueueItem(ctx, snapshot)
	}
	return nil
}

// Park immediately marks an entry terminally failed, bypassing remaining
// retries. Used when a replay hits a permanent rejection that more attempts
// cannot fix.
func (q *Queue) Park(ctx context.Context, id string, cause error) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	e.Status = types.QueueStatusFailed
	if cause != nil {
		e.LastError = cause.Error()
	}
	snapshot := e.Clone()
	q.mu.Unlock()

	q.logger.Error("queue entry parked", map[string]interface{}{
		"queue_id": id, "entity_id": snapshot.EntityID, "last_error": snapshot.LastError,
	})

	if q.journal != nil {
		return q.journal.SaveQueueItem(ctx, snapshot)
	}
	return nil
}

// Drop removes an entry regardless of status, for operator cleanup of
// terminally failed entries.
func (q *Queue) Drop(ctx context.Context, id string) error {
	return q.Complete(ctx, id)
}

// Failed returns the terminally failed entries, oldest first.
func (q *Queue) Failed() []*types.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*types.QueueItem
	for _, id := range q.order {
		if e := q.entries[id]; e.Status == types.QueueStatusFailed {
			out = append(out, e.Clone())
		}
	}
	return out
}

// Pending reports whether any entry is pending, due or not.
func (q *Queue) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.Status == types.QueueStatusPending {
			return true
		}
	}
	return false
}

// NextDue returns the earliest next-attempt time among pending entries.
func (q *Queue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		earliest time.Time
		found    bool
	)
	for _, e := range q.entries {
		if e.Status != types.QueueStatusPending {
			continue
		}
		if !found || e.NextAttemptAt.Before(earliest) {
			earliest = e.NextAttemptAt
			found = true
		}
	}
	return earliest, found
}

// Stats returns a snapshot of queue depth by status.
func (q *Queue) Stats() types.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := types.QueueStats{Total: len(q.entries)}
	for _, e := range q.entries {
		switch e.Status {
		case types.QueueStatusPending:
			stats.Pending++
		case types.QueueStatusProcessing:
			stats.Processing++
		case types.QueueStatusFailed:
			stats.Failed++
		}
	}
	return stats
}

// Entries returns a snapshot of all entries, oldest first.
func (q *Queue) Entries() []*types.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*types.QueueItem, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.entries[id].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (q *Queue) activeLocked() int {
	active := 0
	for _, e := range q.entries {
		if e.Status != types.QueueStatusFailed {
			active++
		}
	}
	return active
}

func (q *Queue) removeFromOrderLocked(id string) {
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}
