package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/syncache/syncache/pkg/errors"
	"github.com/syncache/syncache/pkg/types"
	"github.com/syncache/syncache/pkg/utils"
)

const dbFileName = "syncache.db"

// Indexes accepted by ScanByIndex. Metadata lives in a JSON column, so only
// whitelisted, extracted fields are scannable.
var scanIndexes = map[string]string{
	"type":            "type",
	"unread":          "unread",
	"starred":         "starred",
	"archived":        "archived",
	"manual_priority": "manual_priority",
}

// Store is the SQLite-backed local tier. It implements both types.LocalStore
// and types.QueueJournal on a single database file.
type Store struct {
	db     *sql.DB
	logger *utils.StructuredLogger
}

// Open opens (and migrates) the store under dataDir.
func Open(dataDir string, logger *utils.StructuredLogger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreOpen, "create data directory", err).
			WithComponent("store").WithDetail("data_dir", dataDir)
	}

	path := filepath.Join(dataDir, dbFileName)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreOpen, "open database", err).
			WithComponent("store").WithDetail("path", path)
	}

	// Single writer: SQLite serializes writes anyway, and one connection
	// avoids SQLITE_BUSY under concurrent access.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrap(errors.ErrCodeStoreOpen, "apply pragma", err).
				WithComponent("store").WithDetail("pragma", pragma)
		}
	}

	s := &Store{db: db, logger: logger.WithComponent("store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("store opened", map[string]interface{}{"path": path})
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the item under id, or (nil, nil) when none exists.
func (s *Store) Get(ctx context.Context, id string) (*types.Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, version, created_at, updated_at, metadata FROM items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreRead, "get item", err).
			WithComponent("store").WithEntity(id)
	}
	return item, nil
}

// GetAll returns every stored item.
func (s *Store) GetAll(ctx context.Context) ([]*types.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, version, created_at, updated_at, metadata FROM items ORDER BY created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreScan, "list items", err).WithComponent("store")
	}
	defer rows.Close()
	return collectItems(rows)
}

// Put inserts or replaces an item. Derived flag columns are refreshed so
// ScanByIndex stays consistent with the metadata.
func (s *Store) Put(ctx context.Context, item *types.Item) error {
	if item == nil || item.ID == "" {
		return errors.New(errors.ErrCodeInvalidItem, "item id is required").WithComponent("store")
	}

	meta, err := encodeMetadata(item.Metadata)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorePayload, "encode metadata", err).
			WithComponent("store").WithEntity(item.ID)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO items (id, type, version, created_at, updated_at, metadata,
			unread, starred, archived, manual_priority)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			version = excluded.version,
			updated_at = excluded.updated_at,
			metadata = excluded.metadata,
			unread = excluded.unread,
			starred = excluded.starred,
			archived = excluded.archived,
			manual_priority = excluded.manual_priority`,
		item.ID, string(item.Type), item.Version,
		item.CreatedAt.UTC().Format(time.RFC3339Nano),
		item.UpdatedAt.UTC().Format(time.RFC3339Nano),
		meta,
		boolInt(item.Unread()), boolInt(item.Starred()), boolInt(item.Archived()),
		item.ManualPriority())
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreWrite, "put item", err).
			WithComponent("store").WithEntity(item.ID)
	}
	return nil
}

// Delete removes an item. Deleting an absent id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id); err != nil {
		return errors.Wrap(errors.ErrCodeStoreWrite, "delete item", err).
			WithComponent("store").WithEntity(id)
	}
	return nil
}

// ScanByIndex returns items matching a whitelisted indexed field.
func (s *Store) ScanByIndex(ctx context.Context, index, value string) ([]*types.Item, error) {
	col, ok := scanIndexes[index]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeUnknownIndex, "unknown scan index: %s", index).
			WithComponent("store")
	}

	arg := interface{}(value)
	switch col {
	case "unread", "starred", "archived":
		arg = boolInt(value == "true")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, version, created_at, updated_at, metadata FROM items
		 WHERE `+col+` = ? ORDER BY created_at DESC`, arg)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreScan, "scan items", err).
			WithComponent("store").WithDetail("index", index)
	}
	defer rows.Close()
	return collectItems(rows)
}

// SaveQueueItem inserts or updates a queue entry.
func (s *Store) SaveQueueItem(ctx context.Context, q *types.QueueItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (id, op, entity_id, payload, status, retry_count,
			max_retries, next_attempt_at, created_at, last_attempt_at, last_error, user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			next_attempt_at = excluded.next_attempt_at,
			last_attempt_at = excluded.last_attempt_at,
			last_error = excluded.last_error`,
		q.ID, string(q.Op), q.EntityID, q.Payload, string(q.Status),
		q.RetryCount, q.MaxRetries,
		q.NextAttemptAt.UTC().Format(time.RFC3339Nano),
		q.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(q.LastAttemptAt),
		q.LastError, q.UserID)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreWrite, "save queue item", err).
			WithComponent("store").WithEntity(q.EntityID)
	}
	return nil
}

// DeleteQueueItem removes a journaled queue entry.
func (s *Store) DeleteQueueItem(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return errors.Wrap(errors.ErrCodeStoreWrite, "delete queue item", err).WithComponent("store")
	}
	return nil
}

// LoadQueueItems returns every journaled queue entry, oldest first. Entries
// left in "processing" by a crash are returned as pending so they replay.
func (s *Store) LoadQueueItems(ctx context.Context) ([]*types.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, op, entity_id, payload, status, retry_count, max_retries,
			next_attempt_at, created_at, last_attempt_at, last_error, user_id
		FROM sync_queue ORDER BY created_at ASC`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreScan, "load queue", err).WithComponent("store")
	}
	defer rows.Close()

	var out []*types.QueueItem
	for rows.Next() {
		var (
			q                             types.QueueItem
			op, status                    string
			nextAt, createdAt, lastAtNull string
		)
		if err := rows.Scan(&q.ID, &op, &q.EntityID, &q.Payload, &status,
			&q.RetryCount, &q.MaxRetries, &nextAt, &createdAt, &lastAtNull,
			&q.LastError, &q.UserID); err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueueCorrupt, "scan queue row", err).WithComponent("store")
		}
		q.Op = types.OpKind(op)
		q.Status = types.QueueStatus(status)
		if q.Status == types.QueueStatusProcessing {
			q.Status = types.QueueStatusPending
		}
		if q.NextAttemptAt, err = time.Parse(time.RFC3339Nano, nextAt); err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueueCorrupt, "parse next_attempt_at", err).WithComponent("store")
		}
		if q.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueueCorrupt, "parse created_at", err).WithComponent("store")
		}
		if lastAtNull != "" {
			if q.LastAttemptAt, err = time.Parse(time.RFC3339Nano, lastAtNull); err != nil {
				return nil, errors.Wrap(errors.ErrCodeQueueCorrupt, "parse last_attempt_at", err).WithComponent("store")
			}
		}
		out = append(out, &q)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreScan, "iterate queue", err).WithComponent("store")
	}
	return out, nil
}

// SaveConflict appends a resolved conflict to the conflict log.
func (s *Store) SaveConflict(ctx context.Context, entry *types.ConflictLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflict_log (id, entity_id, local_version, remote_version, resolution, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.EntityID, entry.LocalVersion, entry.RemoteVersion,
		string(entry.Resolution), entry.DetectedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreWrite, "save conflict", err).
			WithComponent("store").WithEntity(entry.EntityID)
	}
	return nil
}

// Conflicts returns the most recent conflict log entries, newest first.
func (s *Store) Conflicts(ctx context.Context, limit int) ([]*types.ConflictLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, local_version, remote_version, resolution, detected_at
		FROM conflict_log ORDER BY detected_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreScan, "list conflicts", err).WithComponent("store")
	}
	defer rows.Close()

	var out []*types.ConflictLogEntry
	for rows.Next() {
		var (
			e          types.ConflictLogEntry
			resolution string
			detectedAt string
		)
		if err := rows.Scan(&e.ID, &e.EntityID, &e.LocalVersion, &e.RemoteVersion,
			&resolution, &detectedAt); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStoreScan, "scan conflict row", err).WithComponent("store")
		}
		e.Resolution = types.ConflictResolution(resolution)
		if e.DetectedAt, err = time.Parse(time.RFC3339Nano, detectedAt); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStoreScan, "parse detected_at", err).WithComponent("store")
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
