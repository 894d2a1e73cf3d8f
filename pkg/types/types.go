package types

import (
	"strconv"
	"time"
)

// ItemType is the closed set of item categories syncache aggregates.
// Unrecognized inputs parse to ItemTypeOther rather than failing ingestion.
type ItemType string

const (
	ItemTypeEmail ItemType = "email"
	ItemTypeTask  ItemType = "task"
	ItemTypeNote  ItemType = "note"
	ItemTypeEvent ItemType = "event"
	ItemTypeOther ItemType = "other"
)

// ItemTypes lists every valid item type, in a stable order.
var ItemTypes = []ItemType{ItemTypeEmail, ItemTypeTask, ItemTypeNote, ItemTypeEvent, ItemTypeOther}

// ParseItemType maps a free-form type tag to a member of the closed set.
func ParseItemType(s string) ItemType {
	switch ItemType(s) {
	case ItemTypeEmail, ItemTypeTask, ItemTypeNote, ItemTypeEvent:
		return ItemType(s)
	default:
		return ItemTypeOther
	}
}

// Well-known metadata keys. Flags are stored as "true"/"false" strings so the
// metadata map stays a flat string map across stores and wire formats.
const (
	MetaUnread         = "unread"
	MetaStarred        = "starred"
	MetaArchived       = "archived"
	MetaManualPriority = "manual_priority"
	MetaLastAccessedAt = "last_accessed_at"
)

// Manual priority values.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Item is the aggregated domain object. It is created by ingestion and
// mutated only through the sync coordinator; the cache layers read it to
// derive metadata but never write to it.
type Item struct {
	ID        string            `json:"id"`
	Type      ItemType          `json:"type"`
	Version   int64             `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the item.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	cp := *it
	if it.Metadata != nil {
		cp.Metadata = make(map[string]string, len(it.Metadata))
		for k, v := range it.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func (it *Item) flag(key string) bool {
	if it.Metadata == nil {
		return false
	}
	v, err := strconv.ParseBool(it.Metadata[key])
	return err == nil && v
}

// Unread reports whether the item carries the unread flag.
func (it *Item) Unread() bool { return it.flag(MetaUnread) }

// Starred reports whether the item carries the starred flag.
func (it *Item) Starred() bool { return it.flag(MetaStarred) }

// Archived reports whether the item carries the archived flag.
func (it *Item) Archived() bool { return it.flag(MetaArchived) }

// ManualPriority returns the manual priority value, or "" when unset.
func (it *Item) ManualPriority() string {
	if it.Metadata == nil {
		return ""
	}
	return it.Metadata[MetaManualPriority]
}

// SetFlag records a boolean metadata flag, allocating the map on first use.
func (it *Item) SetFlag(key string, v bool) {
	if it.Metadata == nil {
		it.Metadata = make(map[string]string)
	}
	it.Metadata[key] = strconv.FormatBool(v)
}

// LastAccessedAt returns the recorded last-access time. The second return
// value is false when the item has never been accessed.
func (it *Item) LastAccessedAt() (time.Time, bool) {
	if it.Metadata == nil {
		return time.Time{}, false
	}
	raw, ok := it.Metadata[MetaLastAccessedAt]
	if !ok || raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// MarkAccessed records an access time on the item metadata.
func (it *Item) MarkAccessed(t time.Time) {
	if it.Metadata == nil {
		it.Metadata = make(map[string]string)
	}
	it.Metadata[MetaLastAccessedAt] = t.Format(time.RFC3339Nano)
}

// SizeUnits estimates the weight of an item in cache size units. Identifier
// and metadata bytes plus a fixed per-item overhead.
func (it *Item) SizeUnits() int64 {
	size := int64(len(it.ID)) + 64
	for k, v := range it.Metadata {
		size += int64(len(k) + len(v))
	}
	return size
}

// EntryMeta is the per-item bookkeeping record owned by the cache manager.
// It references an item by id but never owns the item itself.
type EntryMeta struct {
	ID           string    `json:"id"`
	Type         ItemType  `json:"type"`
	SizeUnits    int64     `json:"size_units"`
	CachedAt     time.Time `json:"cached_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int64     `json:"access_count"`
}

// PriorityScore is the labeled breakdown of one priority computation. It is
// recomputed on demand and never persisted: its inputs (current time, access
// metadata) change continuously.
type PriorityScore struct {
	ID      string  `json:"id"`
	Total   float64 `json:"total"`
	Status  float64 `json:"status"`
	Age     float64 `json:"age"`
	Recency float64 `json:"recency"`
	Type    float64 `json:"type"`
}

// OpKind identifies a remote mutation kind carried by a queue entry.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// QueueStatus is the lifecycle state of a queued remote operation.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusSucceeded  QueueStatus = "succeeded"
	QueueStatusFailed     QueueStatus = "failed"
)

// QueueItem represents one pending remote operation. Entries that exhaust
// their retries transition to QueueStatusFailed and are retained for
// observability rather than dropped.
type QueueItem struct {
	ID            string      `json:"id"`
	Op            OpKind      `json:"op"`
	EntityID      string      `json:"entity_id,omitempty"`
	Payload       []byte      `json:"payload,omitempty"`
	Status        QueueStatus `json:"status"`
	RetryCount    int         `json:"retry_count"`
	MaxRetries    int         `json:"max_retries"`
	NextAttemptAt time.Time   `json:"next_attempt_at"`
	CreatedAt     time.Time   `json:"created_at"`
	LastAttemptAt time.Time   `json:"last_attempt_at,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	UserID        string      `json:"user_id,omitempty"`
}

// Clone returns a copy of the queue item.
func (q *QueueItem) Clone() *QueueItem {
	cp := *q
	if q.Payload != nil {
		cp.Payload = append([]byte(nil), q.Payload...)
	}
	return &cp
}

// ConflictResolution is the outcome of resolving a rejected remote write.
type ConflictResolution string

const (
	// ResolutionApplied: the write went through as the last write.
	ResolutionApplied ConflictResolution = "last_write_wins_applied"
	// ResolutionRejected: the server's version wins and replaces the local copy.
	ResolutionRejected ConflictResolution = "last_write_wins_rejected"
	// ResolutionManual: neither side wins automatically; a human decides.
	ResolutionManual ConflictResolution = "manual_resolution_required"
)

// ConflictRecord is the transient value returned by a failed remote write.
type ConflictRecord struct {
	Detected       bool               `json:"detected"`
	Resolution     ConflictResolution `json:"resolution,omitempty"`
	CurrentVersion int64              `json:"current_version,omitempty"`
	ServerData     *Item              `json:"server_data,omitempty"`
}

// ConflictLogEntry records a resolved conflict for observability.
type ConflictLogEntry struct {
	ID            string             `json:"id"`
	EntityID      string             `json:"entity_id"`
	LocalVersion  int64              `json:"local_version"`
	RemoteVersion int64              `json:"remote_version"`
	Resolution    ConflictResolution `json:"resolution"`
	DetectedAt    time.Time          `json:"detected_at"`
}

// TypeUsage is the per-type slice of a cache stats snapshot.
type TypeUsage struct {
	Items     int   `json:"items"`
	SizeUnits int64 `json:"size_units"`
	MaxItems  int   `json:"max_items,omitempty"`
	MaxSize   int64 `json:"max_size,omitempty"`
}

// CacheStats is a read-only snapshot of cache manager state.
type CacheStats struct {
	Items            int                    `json:"items"`
	SizeUnits        int64                  `json:"size_units"`
	MaxItems         int                    `json:"max_items"`
	MaxSizeUnits     int64                  `json:"max_size_units"`
	Utilization      float64                `json:"utilization"`
	Hits             uint64                 `json:"hits"`
	Misses           uint64                 `json:"misses"`
	HitRate          float64                `json:"hit_rate"`
	Evictions        uint64                 `json:"evictions"`
	PerType          map[ItemType]TypeUsage `json:"per_type"`
	LastPrune        time.Time              `json:"last_prune,omitempty"`
	LastPruneEvicted int                    `json:"last_prune_evicted"`
}

// QueueStats is a read-only snapshot of offline queue state.
type QueueStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
}

// SyncStats is a read-only snapshot of coordinator activity.
type SyncStats struct {
	Online          bool      `json:"online"`
	RemoteConfirmed uint64    `json:"remote_confirmed"`
	Queued          uint64    `json:"queued"`
	Conflicts       uint64    `json:"conflicts"`
	Replayed        uint64    `json:"replayed"`
	ReplayFailures  uint64    `json:"replay_failures"`
	TerminalFailed  uint64    `json:"terminal_failed"`
	LastSync        time.Time `json:"last_sync,omitempty"`
	LastDrain       time.Time `json:"last_drain,omitempty"`
}
