package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/syncache/syncache/pkg/errors"
	"github.com/syncache/syncache/pkg/types"
)

// The schema is versioned and applied in order; schema_version records the
// highest applied migration.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id              TEXT PRIMARY KEY,
		type            TEXT NOT NULL,
		version         INTEGER NOT NULL,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		metadata        TEXT NOT NULL DEFAULT '{}',
		unread          INTEGER NOT NULL DEFAULT 0,
		starred         INTEGER NOT NULL DEFAULT 0,
		archived        INTEGER NOT NULL DEFAULT 0,
		manual_priority TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_items_type ON items(type);
	CREATE INDEX IF NOT EXISTS idx_items_unread ON items(unread);
	CREATE INDEX IF NOT EXISTS idx_items_starred ON items(starred);
	CREATE INDEX IF NOT EXISTS idx_items_archived ON items(archived);`,

	`CREATE TABLE IF NOT EXISTS sync_queue (
		id              TEXT PRIMARY KEY,
		op              TEXT NOT NULL,
		entity_id       TEXT NOT NULL,
		payload         BLOB,
		status          TEXT NOT NULL,
		retry_count     INTEGER NOT NULL DEFAULT 0,
		max_retries     INTEGER NOT NULL,
		next_attempt_at TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		last_attempt_at TEXT NOT NULL DEFAULT '',
		last_error      TEXT NOT NULL DEFAULT '',
		user_id         TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status);`,

	`CREATE TABLE IF NOT EXISTS conflict_log (
		id             TEXT PRIMARY KEY,
		entity_id      TEXT NOT NULL,
		local_version  INTEGER NOT NULL,
		remote_version INTEGER NOT NULL,
		resolution     TEXT NOT NULL,
		detected_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conflict_log_entity ON conflict_log(entity_id);`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);`); err != nil {
		return errors.Wrap(errors.ErrCodeStoreMigrate, "create schema_version", err).WithComponent("store")
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return errors.Wrap(errors.ErrCodeStoreMigrate, "read schema version", err).WithComponent("store")
	}

	for i := current; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return errors.Wrap(errors.ErrCodeStoreMigrate, "apply migration", err).
				WithComponent("store").WithDetail("version", i+1)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			return errors.Wrap(errors.ErrCodeStoreMigrate, "record migration", err).WithComponent("store")
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*types.Item, error) {
	var (
		item                 types.Item
		typ                  string
		createdAt, updatedAt string
		metadata             string
	)
	if err := row.Scan(&item.ID, &typ, &item.Version, &createdAt, &updatedAt, &metadata); err != nil {
		return nil, err
	}

	item.Type = types.ItemType(typ)
	var err error
	if item.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if item.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, err
	}
	if item.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	return &item, nil
}

func collectItems(rows *sql.Rows) ([]*types.Item, error) {
	var out []*types.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeStoreScan, "scan item row", err).WithComponent("store")
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreScan, "iterate items", err).WithComponent("store")
	}
	return out, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMetadata(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}
