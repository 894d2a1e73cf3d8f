package cache

import (
	"container/list"
	"math"
	"sync"
	"time"

	"github.com/syncache/syncache/internal/config"
	"github.com/syncache/syncache/pkg/types"
)

// Admission refusal reasons returned by CanAdmit.
const (
	RefusalMaxItems  = "max_items"
	RefusalMaxSize   = "max_size"
	RefusalTypeItems = "type_max_items"
	RefusalTypeSize  = "type_max_size"
)

// pressureEvictFraction is the share of remaining entries evicted by the
// pressure-relief phase of a prune.
const pressureEvictFraction = 0.1

type entry struct {
	meta    types.EntryMeta
	element *list.Element
}

// Manager tracks per-item cache metadata and enforces the cache policy. One
// mutex guards all state; the manager runs no goroutines of its own, the
// coordinator owns scheduling.
type Manager struct {
	mu  sync.Mutex
	cfg *config.CacheConfig

	entries map[string]*entry
	// lru holds item ids, most recently used at the front. Entries never
	// touched keep their admission order, which breaks recency ties.
	lru *list.List

	sizeUnits int64
	typeItems map[types.ItemType]int
	typeSize  map[types.ItemType]int64

	hits      uint64
	misses    uint64
	evictions uint64

	lastPrune        time.Time
	lastPruneEvicted int
}

// NewManager creates a cache manager. The config is validated; an invalid
// policy is rejected rather than clamped.
func NewManager(cfg *config.CacheConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:       cfg,
		entries:   make(map[string]*entry),
		lru:       list.New(),
		typeItems: make(map[types.ItemType]int),
		typeSize:  make(map[types.ItemType]int64),
		lastPrune: time.Now(),
	}, nil
}

// CanAdmit reports whether the item fits under the global and per-type
// quotas. Pure predicate, no side effects. The refusal reason is "" when
// admission is allowed.
func (m *Manager) CanAdmit(item *types.Item) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := item.SizeUnits()

	if len(m.entries)+1 > m.cfg.MaxItems {
		return false, RefusalMaxItems
	}
	if m.sizeUnits+size > m.cfg.MaxSizeUnits {
		return false, RefusalMaxSize
	}

	if quota, ok := m.cfg.PerType[string(item.Type)]; ok {
		if quota.MaxItems > 0 && m.typeItems[item.Type]+1 > quota.MaxItems {
			return false, RefusalTypeItems
		}
		if quota.MaxSizeUnits > 0 && m.typeSize[item.Type]+size > quota.MaxSizeUnits {
			return false, RefusalTypeSize
		}
	}

	return true, ""
}

// Admit records metadata for an item. Callers must check CanAdmit first; the
// manager does not re-validate. Admitting an already tracked id refreshes its
// size and recency instead of double counting.
func (m *Manager) Admit(item *types.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	size := item.SizeUnits()

	if e, ok := m.entries[item.ID]; ok {
		m.sizeUnits += size - e.meta.SizeUnits
		m.typeSize[e.meta.Type] -= e.meta.SizeUnits
		m.typeSize[item.Type] += size
		if e.meta.Type != item.Type {
			m.typeItems[e.meta.Type]--
			m.typeItems[item.Type]++
		}
		e.meta.Type = item.Type
		e.meta.SizeUnits = size
		e.meta.LastAccessed = now
		m.lru.MoveToFront(e.element)
		return
	}

	e := &entry{
		meta: types.EntryMeta{
			ID:           item.ID,
			Type:         item.Type,
			SizeUnits:    size,
			CachedAt:     now,
			LastAccessed: now,
		},
	}
	e.element = m.lru.PushFront(item.ID)
	m.entries[item.ID] = e

	m.sizeUnits += size
	m.typeItems[item.Type]++
	m.typeSize[item.Type] += size
}

// Touch updates recency bookkeeping for a tracked id and counts a hit. An
// untracked id counts a miss and mutates nothing.
func (m *Manager) Touch(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		m.misses++
		return false
	}

	e.meta.LastAccessed = time.Now()
	e.meta.AccessCount++
	m.lru.MoveToFront(e.element)
	m.hits++
	return true
}

// Tracked reports whether an id is currently admitted, without touching it.
func (m *Manager) Tracked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[id]
	return ok
}

// Meta returns a copy of the entry metadata for a tracked id.
func (m *Manager) Meta(id string) (types.EntryMeta, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return types.EntryMeta{}, false
	}
	return e.meta, true
}

// Evict removes metadata for an id. Evicting an untracked id is a no-op.
func (m *Manager) Evict(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(id)
}

func (m *Manager) evictLocked(id string) {
	e, ok := m.entries[id]
	if !ok {
		return
	}

	m.lru.Remove(e.element)
	delete(m.entries, id)

	m.sizeUnits -= e.meta.SizeUnits
	m.typeItems[e.meta.Type]--
	m.typeSize[e.meta.Type] -= e.meta.SizeUnits
	m.evictions++
}

// CandidatesForEviction returns up to count ids ordered oldest last-access
// first, ties broken by admission order. Does not mutate state.
func (m *Manager) CandidatesForEviction(count int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.candidatesLocked(count)
}

func (m *Manager) candidatesLocked(count int) []string {
	ids := make([]string, 0, count)
	for el := m.lru.Back(); el != nil && len(ids) < count; el = el.Prev() {
		ids = append(ids, el.Value.(string))
	}
	return ids
}

// ShouldPrune reports whether a prune is due, either because utilization
// exceeds the trigger threshold or because the prune interval has elapsed.
// A cache that slowly ages past the max age without capacity pressure is
// still reclaimed by the time trigger.
func (m *Manager) ShouldPrune() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.utilizationLocked() > m.cfg.PruneThreshold {
		return true
	}
	return time.Since(m.lastPrune) >= m.cfg.PruneInterval
}

// Prune runs the two-phase sweep and returns the evicted ids so the caller
// can propagate deletion to the local store. Phase one removes entries older
// than the max age; phase two, only if utilization still exceeds the trigger
// threshold, evicts a further 10% of the remaining entries by recency.
// Staleness cleanup and pressure relief have different triggers and are kept
// separate.
func (m *Manager) Prune() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var evicted []string

	for id, e := range m.entries {
		if now.Sub(e.meta.LastAccessed) > m.cfg.MaxAge {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		m.evictLocked(id)
	}

	if m.utilizationLocked() > m.cfg.PruneThreshold && len(m.entries) > 0 {
		extra := int(math.Ceil(pressureEvictFraction * float64(len(m.entries))))
		for _, id := range m.candidatesLocked(extra) {
			m.evictLocked(id)
			evicted = append(evicted, id)
		}
	}

	m.lastPrune = now
	m.lastPruneEvicted = len(evicted)
	return evicted
}

func (m *Manager) utilizationLocked() float64 {
	itemUtil := float64(len(m.entries)) / float64(m.cfg.MaxItems)
	sizeUtil := float64(m.sizeUnits) / float64(m.cfg.MaxSizeUnits)
	return math.Max(itemUtil, sizeUtil)
}

// Stats returns a read-only snapshot of the cache state.
func (m *Manager) Stats() types.CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := types.CacheStats{
		Items:            len(m.entries),
		SizeUnits:        m.sizeUnits,
		MaxItems:         m.cfg.MaxItems,
		MaxSizeUnits:     m.cfg.MaxSizeUnits,
		Utilization:      m.utilizationLocked(),
		Hits:             m.hits,
		Misses:           m.misses,
		Evictions:        m.evictions,
		PerType:          make(map[types.ItemType]types.TypeUsage),
		LastPrune:        m.lastPrune,
		LastPruneEvicted: m.lastPruneEvicted,
	}

	if total := m.hits + m.misses; total > 0 {
		stats.HitRate = float64(m.hits) / float64(total)
	}

	for _, t := range types.ItemTypes {
		usage := types.TypeUsage{
			Items:     m.typeItems[t],
			SizeUnits: m.typeSize[t],
		}
		if quota, ok := m.cfg.PerType[string(t)]; ok {
			usage.MaxItems = quota.MaxItems
			usage.MaxSize = quota.MaxSizeUnits
		}
		if usage.Items > 0 || usage.MaxItems > 0 || usage.MaxSize > 0 {
			stats.PerType[t] = usage
		}
	}

	return stats
}
