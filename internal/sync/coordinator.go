package sync

import (
	"context"
	"encoding/json"
	"sort"
	stdsync "sync"
	"time"

	"github.com/syncache/syncache/internal/cache"
	"github.com/syncache/syncache/internal/config"
	"github.com/syncache/syncache/internal/health"
	"github.com/syncache/syncache/internal/metrics"
	"github.com/syncache/syncache/internal/sync/queue"
	"github.com/syncache/syncache/pkg/errors"
	"github.com/syncache/syncache/pkg/types"
	"github.com/syncache/syncache/pkg/utils"
)

// WriteStatus reports how far a write travelled.
type WriteStatus string

const (
	// WriteRemoteConfirmed: local and remote both hold the write.
	WriteRemoteConfirmed WriteStatus = "remote_confirmed"
	// WriteQueued: local holds the write, the remote leg is queued.
	WriteQueued WriteStatus = "queued"
	// WriteConflictRejected: the remote rejected the write and its version
	// replaced the local copy.
	WriteConflictRejected WriteStatus = "conflict_rejected"
)

// WriteResult is the caller-visible outcome of a write.
type WriteResult struct {
	Item     *types.Item           `json:"item"`
	Status   WriteStatus           `json:"status"`
	Conflict *types.ConflictRecord `json:"conflict,omitempty"`
}

// Number of LRU candidates inspected per eviction round, and the number of
// rounds before admission gives up.
const (
	evictScanCount = 16
	evictMaxRounds = 4
	evictPerRound  = 4
)

// Coordinator reconciles the local store, the cache manager and the remote
// client. One instance per engine; all public methods are safe for concurrent
// use.
type Coordinator struct {
	cfg      *config.Config
	store    types.LocalStore
	remote   types.RemoteClient
	cache    *cache.Manager
	scorer   *cache.Scorer
	queue    *queue.Queue
	monitor  *health.Monitor
	resolver *Resolver
	metrics  *metrics.Collector
	logger   *utils.StructuredLogger

	// admitMu serializes the check-then-admit sequence. The cache manager's
	// own mutex makes single calls safe, but admission needs the whole
	// check/evict/admit sequence atomic.
	admitMu stdsync.Mutex

	statsMu         stdsync.Mutex
	remoteConfirmed uint64
	queued          uint64
	conflicts       uint64
	replayed        uint64
	replayFailures  uint64
	terminalFailed  uint64
	lastSync        time.Time
	lastDrain       time.Time

	wakeCh  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	runMu   stdsync.Mutex
}

// NewCoordinator wires a coordinator. journal receives conflict log entries;
// in production it is the same SQLite store as the local tier.
func NewCoordinator(cfg *config.Config, store types.LocalStore, journal types.QueueJournal,
	remote types.RemoteClient, cacheMgr *cache.Manager, scorer *cache.Scorer, q *queue.Queue,
	collector *metrics.Collector, logger *utils.StructuredLogger) *Coordinator {

	c := &Coordinator{
		cfg:     cfg,
		store:   store,
		remote:  remote,
		cache:   cacheMgr,
		scorer:  scorer,
		queue:   q,
		metrics: collector,
		logger:  logger.WithComponent("sync"),
		wakeCh:  make(chan struct{}, 1),
	}
	c.resolver = NewResolver(store, cacheMgr, journal, collector, logger)
	c.monitor = health.NewMonitor(remote, cfg.Remote, cfg.Sync.ForceOffline,
		c.onConnectivityChange, logger)
	return c
}

// Monitor exposes the connectivity monitor for status surfaces.
func (c *Coordinator) Monitor() *health.Monitor { return c.monitor }

// Start restores the queue, preloads the cache and launches the background
// loop. It must be called once before serving traffic.
func (c *Coordinator) Start(ctx context.Context) error {
	c.runMu.Lock()
	if c.started {
		c.runMu.Unlock()
		return errors.New(errors.ErrCodeAlreadyStarted, "coordinator already started").
			WithComponent("sync")
	}
	c.started = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.runMu.Unlock()

	if restored, err := c.queue.Restore(ctx); err != nil {
		return err
	} else if restored > 0 {
		c.logger.Info("offline queue restored", map[string]interface{}{"entries": restored})
	}

	if err := c.initialLoad(ctx); err != nil {
		return err
	}

	c.monitor.Start(ctx)
	go c.loop(ctx)
	return nil
}

// Stop halts the background loop and the connectivity monitor.
func (c *Coordinator) Stop() {
	c.runMu.Lock()
	if !c.started {
		c.runMu.Unlock()
		return
	}
	c.started = false
	close(c.stopCh)
	done := c.doneCh
	c.runMu.Unlock()

	<-done
	c.monitor.Stop()
}

func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.Sync.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.tick(ctx)
		case <-c.wakeCh:
			c.tick(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	if c.cache.ShouldPrune() {
		c.prune(ctx)
	}
	c.DrainQueue(ctx)

	c.metrics.UpdateCacheStats(c.cache.Stats())
	c.metrics.UpdateQueueStats(c.queue.Stats())
}

func (c *Coordinator) onConnectivityChange(online bool) {
	c.metrics.SetOnline(online)
	if !online {
		return
	}
	// Drain as soon as connectivity returns rather than waiting for the
	// next tick.
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// initialLoad populates the cache from the local store through the scoring
// layer. Admission is checked item by item, never bulk-granted.
func (c *Coordinator) initialLoad(ctx context.Context) error {
	items, err := c.store.GetAll(ctx)
	if err != nil {
		return err
	}

	admitted := 0
	for _, item := range c.scorer.SelectForInitialLoad(items) {
		c.admitMu.Lock()
		if ok, _ := c.cache.CanAdmit(item); ok {
			c.cache.Admit(item)
			admitted++
		}
		c.admitMu.Unlock()
	}

	c.logger.Info("initial load complete", map[string]interface{}{
		"stored": len(items), "admitted": admitted,
	})
	return nil
}

// Read returns the freshest reachable copy of an item. The remote is the
// authority when online: its copy overwrites the local one, and a remote 404
// deletes the local copy. Offline, the local copy is returned as is. A miss
// everywhere returns (nil, nil).
func (c *Coordinator) Read(ctx context.Context, id string) (*types.Item, error) {
	local, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !c.monitor.Online() {
		c.touch(ctx, local)
		return local, nil
	}

	start := time.Now()
	remote, err := c.remote.Get(ctx, id)
	c.metrics.RecordRemoteLatency("get", time.Since(start))
	if err != nil {
		if errors.IsRetryable(err) {
			c.monitor.Report(false)
			c.logger.Debug("remote read failed, serving local", map[string]interface{}{
				"entity_id": id, "error": err.Error(),
			})
			c.touch(ctx, local)
			return local, nil
		}
		return nil, err
	}
	c.monitor.Report(true)

	if remote == nil {
		// Deletion propagates on read: the remote no longer has it.
		if local != nil {
			if err := c.store.Delete(ctx, id); err != nil {
				return nil, err
			}
			c.cache.Evict(id)
			c.logger.Info("remote deletion propagated", map[string]interface{}{"entity_id": id})
		}
		return nil, nil
	}

	remote.MarkAccessed(time.Now())
	if err := c.store.Put(ctx, remote); err != nil {
		return nil, err
	}
	c.admit(ctx, remote)
	c.cache.Touch(remote.ID)
	return remote, nil
}

// touch marks a locally served read as accessed and writes the copy back so
// recency metadata survives offline reads.
func (c *Coordinator) touch(ctx context.Context, item *types.Item) {
	if item == nil {
		return
	}
	item.MarkAccessed(time.Now())
	c.cache.Touch(item.ID)
	if err := c.store.Put(ctx, item); err != nil {
		c.logger.Warn("access metadata not persisted", map[string]interface{}{
			"entity_id": item.ID, "error": err.Error(),
		})
	}
}

// Write stores the item locally, registers it with the cache, then attempts
// the remote leg. The caller observes local durability regardless of
// connectivity; the result says how far the write got.
func (c *Coordinator) Write(ctx context.Context, item *types.Item) (*WriteResult, error) {
	if item == nil || item.ID == "" {
		return nil, errors.New(errors.ErrCodeInvalidItem, "item id is required").WithComponent("sync")
	}

	now := time.Now()
	item.UpdatedAt = now
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}

	if err := c.store.Put(ctx, item); err != nil {
		return nil, err
	}
	c.admit(ctx, item)

	if !c.monitor.Online() {
		return c.queueWrite(ctx, item, "offline")
	}

	var (
		stored   *types.Item
		conflict *types.ConflictRecord
		err      error
		op       = "update"
	)
	start := time.Now()
	if item.Version == 0 {
		op = "create"
		stored, err = c.remote.Create(ctx, item)
	} else {
		stored, conflict, err = c.remote.Update(ctx, item, item.Version)
	}
	c.metrics.RecordRemoteLatency(op, time.Since(start))

	switch {
	case err != nil:
		if errors.IsRetryable(err) {
			c.monitor.Report(false)
			return c.queueWrite(ctx, item, err.Error())
		}
		c.metrics.RecordSyncOp("write", "rejected")
		return nil, err

	case conflict != nil:
		c.monitor.Report(true)
		resolved, rerr := c.resolver.Resolve(ctx, item, conflict)
		if rerr != nil {
			return nil, rerr
		}
		c.bumpConflicts()
		c.metrics.RecordSyncOp("write", "conflict")
		return &WriteResult{Item: resolved, Status: WriteConflictRejected, Conflict: conflict}, nil

	default:
		c.monitor.Report(true)
		// The remote copy carries the authoritative version.
		if err := c.store.Put(ctx, stored); err != nil {
			return nil, err
		}
		c.admit(ctx, stored)
		c.bumpRemoteConfirmed()
		c.metrics.RecordSyncOp("write", "remote_confirmed")
		return &WriteResult{Item: stored, Status: WriteRemoteConfirmed}, nil
	}
}

func (c *Coordinator) queueWrite(ctx context.Context, item *types.Item, cause string) (*WriteResult, error) {
	op := types.OpUpdate
	if item.Version == 0 {
		op = types.OpCreate
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidItem, "encode queue payload", err).WithEntity(item.ID)
	}
	if _, err := c.queue.Enqueue(ctx, op, item.ID, payload, cause); err != nil {
		return nil, err
	}
	c.bumpQueued()
	c.metrics.RecordSyncOp("write", "queued")
	return &WriteResult{Item: item, Status: WriteQueued}, nil
}

// Delete removes the item locally and propagates the deletion remotely,
// queueing the remote leg on failure.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.cache.Evict(id)

	if !c.monitor.Online() {
		return c.queueDelete(ctx, id, "offline")
	}

	start := time.Now()
	err := c.remote.Delete(ctx, id)
	c.metrics.RecordRemoteLatency("delete", time.Since(start))
	if err != nil {
		if errors.IsRetryable(err) {
			c.monitor.Report(false)
			return c.queueDelete(ctx, id, err.Error())
		}
		return err
	}
	c.monitor.Report(true)
	c.bumpRemoteConfirmed()
	c.metrics.RecordSyncOp("delete", "remote_confirmed")
	return nil
}

func (c *Coordinator) queueDelete(ctx context.Context, id, cause string) error {
	if _, err := c.queue.Enqueue(ctx, types.OpDelete, id, nil, cause); err != nil {
		return err
	}
	c.bumpQueued()
	c.metrics.RecordSyncOp("delete", "queued")
	return nil
}

// admit registers an item with the cache, evicting lower-value entries when a
// quota refuses it. Refusal after eviction rounds is not an error: the item
// stays durable in the local store, it just is not tracked.
func (c *Coordinator) admit(ctx context.Context, item *types.Item) {
	c.admitMu.Lock()
	defer c.admitMu.Unlock()

	for round := 0; round < evictMaxRounds; round++ {
		ok, reason := c.cache.CanAdmit(item)
		if ok {
			c.cache.Admit(item)
			c.metrics.RecordCacheOp("admit", "ok")
			return
		}
		if !c.evictRound(ctx, item, reason) {
			break
		}
	}

	c.metrics.RecordCacheOp("admit", "refused")
	c.logger.Debug("admission refused", map[string]interface{}{"entity_id": item.ID})
}

// evictRound frees space for one admission attempt. Victims are chosen from
// the LRU tail by the configured eviction strategy; a type-quota refusal only
// evicts items of the refused type. Returns false when nothing could be
// evicted.
func (c *Coordinator) evictRound(ctx context.Context, incoming *types.Item, reason string) bool {
	typeBound := reason == cache.RefusalTypeItems || reason == cache.RefusalTypeSize

	var candidates []*types.Item
	for _, id := range c.cache.CandidatesForEviction(evictScanCount) {
		item, err := c.store.Get(ctx, id)
		if err != nil || item == nil {
			// Metadata without a backing row is stale either way.
			c.evict(ctx, id)
			continue
		}
		if typeBound && item.Type != incoming.Type {
			continue
		}
		candidates = append(candidates, item)
	}
	if len(candidates) == 0 {
		return false
	}

	victims := c.selectVictims(candidates, evictPerRound)
	for _, id := range victims {
		c.evict(ctx, id)
	}
	return len(victims) > 0
}

// selectVictims picks eviction victims per the configured strategy.
// Candidates arrive in least-recently-accessed order.
func (c *Coordinator) selectVictims(candidates []*types.Item, count int) []string {
	switch c.cfg.Cache.EvictionStrategy {
	case config.EvictionRecency:
		if count > len(candidates) {
			count = len(candidates)
		}
		ids := make([]string, 0, count)
		for _, item := range candidates[:count] {
			ids = append(ids, item.ID)
		}
		return ids
	case config.EvictionAge:
		byAge := make([]*types.Item, len(candidates))
		copy(byAge, candidates)
		sort.SliceStable(byAge, func(i, j int) bool {
			return byAge[i].CreatedAt.Before(byAge[j].CreatedAt)
		})
		if count > len(byAge) {
			count = len(byAge)
		}
		ids := make([]string, 0, count)
		for _, item := range byAge[:count] {
			ids = append(ids, item.ID)
		}
		return ids
	default:
		return c.scorer.SelectForEviction(candidates, count)
	}
}

// evict drops an entry from the cache tier: metadata and the local row. The
// remote copy is untouched, a later read restores the item on demand.
func (c *Coordinator) evict(ctx context.Context, id string) {
	c.cache.Evict(id)
	if err := c.store.Delete(ctx, id); err != nil {
		c.logger.Warn("evicted row not deleted", map[string]interface{}{
			"entity_id": id, "error": err.Error(),
		})
	}
	c.metrics.RecordEviction(1)
}

// DrainQueue replays up to one batch of due queue entries. It returns the
// number of successfully replayed entries. Offline it does nothing.
func (c *Coordinator) DrainQueue(ctx context.Context) int {
	if !c.monitor.Online() {
		return 0
	}

	batch := c.queue.DequeueReady(ctx, c.cfg.Sync.DrainBatchSize)
	if len(batch) == 0 {
		return 0
	}

	replayed := 0
	for i, entry := range batch {
		if c.replay(ctx, entry) {
			replayed++
		}
		if !c.monitor.Online() {
			// Hand unprocessed claims back so the next drain sees them.
			for _, remaining := range batch[i+1:] {
				if err := c.queue.Release(ctx, remaining.ID); err != nil {
					c.logger.Warn("queue claim not released", map[string]interface{}{
						"queue_id": remaining.ID, "error": err.Error(),
					})
				}
			}
			break
		}
	}

	c.statsMu.Lock()
	c.lastDrain = time.Now()
	c.statsMu.Unlock()

	if replayed > 0 {
		c.logger.Info("queue drained", map[string]interface{}{
			"batch": len(batch), "replayed": replayed,
		})
	}
	return replayed
}

// replay pushes one queue entry at the remote. Returns true on success.
func (c *Coordinator) replay(ctx context.Context, entry *types.QueueItem) bool {
	var (
		conflict *types.ConflictRecord
		err      error
	)

	switch entry.Op {
	case types.OpCreate, types.OpUpdate:
		var item types.Item
		if err := json.Unmarshal(entry.Payload, &item); err != nil {
			c.queue.Park(ctx, entry.ID,
				errors.Wrap(errors.ErrCodeQueueCorrupt, "decode payload", err))
			c.bumpTerminalFailed()
			return false
		}
		if entry.Op == types.OpCreate || item.Version == 0 {
			var stored *types.Item
			stored, err = c.remote.Create(ctx, &item)
			if err == nil {
				err = c.confirmReplay(ctx, stored)
			}
		} else {
			var stored *types.Item
			stored, conflict, err = c.remote.Update(ctx, &item, item.Version)
			if err == nil && conflict == nil {
				err = c.confirmReplay(ctx, stored)
			}
			if err == nil && conflict != nil {
				// A stale retried write lost to a newer one. Remote wins.
				if _, rerr := c.resolver.Resolve(ctx, &item, conflict); rerr != nil {
					err = rerr
				} else {
					c.bumpConflicts()
				}
			}
		}
	case types.OpDelete:
		err = c.remote.Delete(ctx, entry.EntityID)
	default:
		c.queue.Park(ctx, entry.ID,
			errors.Newf(errors.ErrCodeQueueCorrupt, "unknown op %q", entry.Op))
		c.bumpTerminalFailed()
		return false
	}

	switch {
	case err == nil:
		c.queue.Complete(ctx, entry.ID)
		c.monitor.Report(true)
		c.bumpReplayed()
		c.metrics.RecordReplay("replayed")
		return true

	case errors.IsRetryable(err):
		c.monitor.Report(false)
		terminal, _ := c.queue.Fail(ctx, entry.ID, err)
		c.bumpReplayFailures()
		if terminal {
			c.bumpTerminalFailed()
			c.metrics.RecordReplay("terminal_failed")
		} else {
			c.metrics.RecordReplay("failed")
		}
		return false

	default:
		// Permanent rejection: more retries cannot fix it.
		c.queue.Park(ctx, entry.ID, err)
		c.bumpTerminalFailed()
		c.metrics.RecordReplay("terminal_failed")
		return false
	}
}

// confirmReplay lands the remote's authoritative copy back in the local
// store. nil stored (defensive against loose remote impls) is a no-op.
func (c *Coordinator) confirmReplay(ctx context.Context, stored *types.Item) error {
	if stored == nil {
		return nil
	}
	if err := c.store.Put(ctx, stored); err != nil {
		return err
	}
	if c.cache.Tracked(stored.ID) {
		c.cache.Admit(stored)
	}
	c.bumpRemoteConfirmed()
	return nil
}

// ForceSync runs one drain immediately, regardless of the ticker.
func (c *Coordinator) ForceSync(ctx context.Context) int {
	n := c.DrainQueue(ctx)
	c.statsMu.Lock()
	c.lastSync = time.Now()
	c.statsMu.Unlock()
	return n
}

// ForcePrune runs one prune sweep immediately.
func (c *Coordinator) ForcePrune(ctx context.Context) int {
	return c.prune(ctx)
}

func (c *Coordinator) prune(ctx context.Context) int {
	evicted := c.cache.Prune()
	for _, id := range evicted {
		if err := c.store.Delete(ctx, id); err != nil {
			c.logger.Warn("pruned row not deleted", map[string]interface{}{
				"entity_id": id, "error": err.Error(),
			})
		}
	}
	c.metrics.RecordPrune(len(evicted))
	if len(evicted) > 0 {
		c.logger.Info("prune complete", map[string]interface{}{"evicted": len(evicted)})
	}
	return len(evicted)
}

// CacheStats returns the cache snapshot.
func (c *Coordinator) CacheStats() types.CacheStats { return c.cache.Stats() }

// QueueStats returns the queue snapshot.
func (c *Coordinator) QueueStats() types.QueueStats { return c.queue.Stats() }

// Stats returns coordinator activity counters.
func (c *Coordinator) Stats() types.SyncStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return types.SyncStats{
		Online:          c.monitor.Online(),
		RemoteConfirmed: c.remoteConfirmed,
		Queued:          c.queued,
		Conflicts:       c.conflicts,
		Replayed:        c.replayed,
		ReplayFailures:  c.replayFailures,
		TerminalFailed:  c.terminalFailed,
		LastSync:        c.lastSync,
		LastDrain:       c.lastDrain,
	}
}

func (c *Coordinator) bumpRemoteConfirmed() {
	c.statsMu.Lock()
	c.remoteConfirmed++
	c.statsMu.Unlock()
}

func (c *Coordinator) bumpQueued() {
	c.statsMu.Lock()
	c.queued++
	c.statsMu.Unlock()
}

func (c *Coordinator) bumpConflicts() {
	c.statsMu.Lock()
	c.conflicts++
	c.statsMu.Unlock()
}

func (c *Coordinator) bumpReplayed() {
	c.statsMu.Lock()
	c.replayed++
	c.statsMu.Unlock()
}

func (c *Coordinator) bumpReplayFailures() {
	c.statsMu.Lock()
	c.replayFailures++
	c.statsMu.Unlock()
}

func (c *Coordinator) bumpTerminalFailed() {
	c.statsMu.Lock()
	c.terminalFailed++
	c.statsMu.Unlock()
}
