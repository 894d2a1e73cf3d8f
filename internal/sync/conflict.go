package sync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/syncache/syncache/internal/cache"
	"github.com/syncache/syncache/internal/metrics"
	"github.com/syncache/syncache/pkg/types"
	"github.com/syncache/syncache/pkg/utils"
)

// Resolver applies the last-write-wins, remote-favored conflict policy: the
// server's copy replaces the local one, the local change is discarded, and
// the outcome lands in the conflict log. No field-level merge is attempted;
// the caller sees the rejection and can re-apply against the new base.
type Resolver struct {
	store   types.LocalStore
	cache   *cache.Manager
	journal types.QueueJournal
	metrics *metrics.Collector
	logger  *utils.StructuredLogger
}

// NewResolver creates a conflict resolver. journal may be nil, dropping the
// durable conflict log but not the resolution itself.
func NewResolver(store types.LocalStore, cacheMgr *cache.Manager, journal types.QueueJournal,
	collector *metrics.Collector, logger *utils.StructuredLogger) *Resolver {
	return &Resolver{
		store:   store,
		cache:   cacheMgr,
		journal: journal,
		metrics: collector,
		logger:  logger.WithComponent("conflict"),
	}
}

// Resolve reconciles a rejected write. The returned item is the local state
// after resolution: the server's copy when it was provided, the untouched
// local copy otherwise.
func (r *Resolver) Resolve(ctx context.Context, local *types.Item, conflict *types.ConflictRecord) (*types.Item, error) {
	resolution := types.ResolutionRejected
	resolved := conflict.ServerData

	if resolved != nil {
		// The local cache must equal the server's data exactly after
		// resolution.
		if err := r.store.Put(ctx, resolved); err != nil {
			return nil, err
		}
		if r.cache.Tracked(resolved.ID) {
			r.cache.Admit(resolved)
		}
	} else {
		// No server payload in the rejection. The local copy stays until the
		// next read fetches the authoritative state; flag it for a human.
		resolution = types.ResolutionManual
		resolved = local
	}
	conflict.Resolution = resolution

	r.logger.Warn("write conflict resolved", map[string]interface{}{
		"entity_id":      local.ID,
		"local_version":  local.Version,
		"remote_version": conflict.CurrentVersion,
		"resolution":     string(resolution),
	})
	r.metrics.RecordConflict(resolution)

	if r.journal != nil {
		entry := &types.ConflictLogEntry{
			ID:            uuid.NewString(),
			EntityID:      local.ID,
			LocalVersion:  local.Version,
			RemoteVersion: conflict.CurrentVersion,
			Resolution:    resolution,
			DetectedAt:    time.Now(),
		}
		if err := r.journal.SaveConflict(ctx, entry); err != nil {
			r.logger.Error("conflict log write failed", map[string]interface{}{
				"entity_id": local.ID, "error": err.Error(),
			})
		}
	}

	return resolved, nil
}
