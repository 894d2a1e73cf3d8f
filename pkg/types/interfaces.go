package types

import "context"

// LocalStore is the durable, single-process storage tier beneath the cache.
// Get returns (nil, nil) when no item exists under the id. Implementations
// must survive process restarts; the engine treats every successful Put as a
// durability guarantee to the caller.
type LocalStore interface {
	Get(ctx context.Context, id string) (*Item, error)
	GetAll(ctx context.Context) ([]*Item, error)
	Put(ctx context.Context, item *Item) error
	Delete(ctx context.Context, id string) error
	ScanByIndex(ctx context.Context, index, value string) ([]*Item, error)
}

// QueueJournal persists offline queue entries and conflict log records so a
// process restart does not lose pending remote operations.
type QueueJournal interface {
	SaveQueueItem(ctx context.Context, item *QueueItem) error
	DeleteQueueItem(ctx context.Context, id string) error
	LoadQueueItems(ctx context.Context) ([]*QueueItem, error)
	SaveConflict(ctx context.Context, entry *ConflictLogEntry) error
}

// RemoteClient talks to the remote authority. Get returns (nil, nil) when the
// entity does not exist remotely. Update carries the caller's last known
// version for optimistic locking; a version mismatch is reported through the
// ConflictRecord, not the error.
type RemoteClient interface {
	Get(ctx context.Context, id string) (*Item, error)
	Create(ctx context.Context, item *Item) (*Item, error)
	Update(ctx context.Context, item *Item, expectedVersion int64) (*Item, *ConflictRecord, error)
	Delete(ctx context.Context, id string) error
	HealthCheck(ctx context.Context) bool
}
