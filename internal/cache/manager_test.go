package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/syncache/syncache/internal/config"
	"github.com/syncache/syncache/pkg/types"
)

func testPolicy() *config.CacheConfig {
	return &config.CacheConfig{
		MaxItems:            100,
		MaxSizeUnits:        1 << 20,
		MaxAge:              30 * 24 * time.Hour,
		PerType:             map[string]config.TypeQuota{"email": {MaxItems: 60}},
		EvictionStrategy:    config.EvictionPriority,
		PruneInterval:       time.Hour,
		PruneThreshold:      0.85,
		InitialLoadStrategy: config.InitialLoadSmart,
		InitialLoadCap:      50,
	}
}

func newTestManager(t *testing.T, cfg *config.CacheConfig) *Manager {
	t.Helper()
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func testItem(id string, typ types.ItemType) *types.Item {
	now := time.Now()
	return &types.Item{ID: id, Type: typ, Version: 1, CreatedAt: now, UpdatedAt: now}
}

func TestNewManagerRejectsInvalidPolicy(t *testing.T) {
	cfg := testPolicy()
	cfg.MaxItems = 0
	if _, err := NewManager(cfg); err == nil {
		t.Error("expected error for zero max_items")
	}
}

func TestPerTypeQuotaRefusal(t *testing.T) {
	m := newTestManager(t, testPolicy())

	for i := 0; i < 60; i++ {
		it := testItem(fmt.Sprintf("email-%02d", i), types.ItemTypeEmail)
		ok, reason := m.CanAdmit(it)
		if !ok {
			t.Fatalf("email %d refused: %s", i, reason)
		}
		m.Admit(it)
	}

	ok, reason := m.CanAdmit(testItem("email-60", types.ItemTypeEmail))
	if ok {
		t.Error("61st email should be refused")
	}
	if reason != RefusalTypeItems {
		t.Errorf("refusal reason = %q, want %q", reason, RefusalTypeItems)
	}

	// Other types still have room under the global quota.
	if ok, reason := m.CanAdmit(testItem("task-1", types.ItemTypeTask)); !ok {
		t.Errorf("task refused unexpectedly: %s", reason)
	}
}

func TestGlobalQuotaRefusals(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func() *config.CacheConfig
		fill   int
		want   string
		wantOK bool
	}{
		{
			name: "max items",
			cfg: func() *config.CacheConfig {
				c := testPolicy()
				c.MaxItems = 3
				c.PerType = nil
				return c
			},
			fill: 3,
			want: RefusalMaxItems,
		},
		{
			name: "max size",
			cfg: func() *config.CacheConfig {
				c := testPolicy()
				// Each bare note is ~70 units; two fit, a third does not.
				c.MaxSizeUnits = 150
				c.PerType = nil
				return c
			},
			fill: 2,
			want: RefusalMaxSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, tt.cfg())
			for i := 0; i < tt.fill; i++ {
				it := testItem(fmt.Sprintf("note-%d", i), types.ItemTypeNote)
				if ok, reason := m.CanAdmit(it); !ok {
					t.Fatalf("item %d refused during fill: %s", i, reason)
				}
				m.Admit(it)
			}
			ok, reason := m.CanAdmit(testItem("note-x", types.ItemTypeNote))
			if ok != tt.wantOK {
				t.Errorf("CanAdmit = %v, want %v", ok, tt.wantOK)
			}
			if reason != tt.want {
				t.Errorf("refusal reason = %q, want %q", reason, tt.want)
			}
		})
	}
}

func TestAdmitRefreshDoesNotDoubleCount(t *testing.T) {
	m := newTestManager(t, testPolicy())

	it := testItem("note-1", types.ItemTypeNote)
	m.Admit(it)
	first := m.Stats()

	it.Metadata = map[string]string{"subject": "quarterly review"}
	m.Admit(it)
	second := m.Stats()

	if second.Items != 1 {
		t.Fatalf("items = %d, want 1", second.Items)
	}
	if second.SizeUnits != it.SizeUnits() {
		t.Errorf("size = %d, want %d", second.SizeUnits, it.SizeUnits())
	}
	if second.SizeUnits <= first.SizeUnits {
		t.Errorf("refresh should have grown the tracked size (%d -> %d)", first.SizeUnits, second.SizeUnits)
	}
	if got := second.PerType[types.ItemTypeNote].Items; got != 1 {
		t.Errorf("per-type items = %d, want 1", got)
	}
}

func TestLRUOrdering(t *testing.T) {
	m := newTestManager(t, testPolicy())

	for _, id := range []string{"item1", "item2", "item3", "item4", "item5"} {
		m.Admit(testItem(id, types.ItemTypeNote))
	}
	if !m.Touch("item3") {
		t.Fatal("Touch(item3) reported a miss")
	}
	if !m.Touch("item5") {
		t.Fatal("Touch(item5) reported a miss")
	}

	got := m.CandidatesForEviction(2)
	want := []string{"item1", "item2"}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("candidates[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestHitRateAccounting(t *testing.T) {
	m := newTestManager(t, testPolicy())
	m.Admit(testItem("a", types.ItemTypeNote))

	m.Touch("a")
	m.Touch("a")
	m.Touch("a")
	if m.Touch("missing") {
		t.Error("Touch on an untracked id should report a miss")
	}

	stats := m.Stats()
	if stats.Hits != 3 || stats.Misses != 1 {
		t.Fatalf("hits/misses = %d/%d, want 3/1", stats.Hits, stats.Misses)
	}
	if stats.HitRate != 0.75 {
		t.Errorf("hit rate = %v, want 0.75", stats.HitRate)
	}
}

func TestEvictIdempotent(t *testing.T) {
	m := newTestManager(t, testPolicy())
	m.Admit(testItem("a", types.ItemTypeNote))

	m.Evict("a")
	m.Evict("a")
	m.Evict("never-admitted")

	stats := m.Stats()
	if stats.Items != 0 || stats.SizeUnits != 0 {
		t.Errorf("stats after eviction = %d items / %d units, want 0/0", stats.Items, stats.SizeUnits)
	}
	if stats.Evictions != 1 {
		t.Errorf("evictions = %d, want 1", stats.Evictions)
	}
}

func TestPruneEvictsExpiredEntries(t *testing.T) {
	m := newTestManager(t, testPolicy())

	for _, id := range []string{"fresh-1", "fresh-2", "stale-1", "stale-2"} {
		m.Admit(testItem(id, types.ItemTypeNote))
	}
	old := time.Now().Add(-31 * 24 * time.Hour)
	m.entries["stale-1"].meta.LastAccessed = old
	m.entries["stale-2"].meta.LastAccessed = old

	evicted := m.Prune()

	got := make(map[string]bool, len(evicted))
	for _, id := range evicted {
		got[id] = true
	}
	if len(evicted) != 2 || !got["stale-1"] || !got["stale-2"] {
		t.Errorf("evicted = %v, want the two stale entries", evicted)
	}
	for _, id := range []string{"fresh-1", "fresh-2"} {
		if !m.Tracked(id) {
			t.Errorf("%s should survive an age sweep", id)
		}
	}
}

func TestPrunePressureRelief(t *testing.T) {
	cfg := testPolicy()
	cfg.MaxItems = 10
	cfg.PerType = nil
	cfg.PruneThreshold = 0.5
	m := newTestManager(t, cfg)

	for i := 0; i < 8; i++ {
		m.Admit(testItem(fmt.Sprintf("n-%d", i), types.ItemTypeNote))
	}

	// Nothing is age-expired; utilization 0.8 exceeds the 0.5 threshold, so
	// the pressure phase evicts ceil(0.1*8) = 1 entry, the least recent one.
	evicted := m.Prune()
	if len(evicted) != 1 {
		t.Fatalf("evicted %d entries, want 1", len(evicted))
	}
	if evicted[0] != "n-0" {
		t.Errorf("evicted %q, want the first-admitted n-0", evicted[0])
	}
	if m.Stats().Items != 7 {
		t.Errorf("items after prune = %d, want 7", m.Stats().Items)
	}
}

func TestShouldPrune(t *testing.T) {
	cfg := testPolicy()
	cfg.MaxItems = 4
	cfg.PerType = nil
	cfg.PruneThreshold = 0.5
	m := newTestManager(t, cfg)

	if m.ShouldPrune() {
		t.Error("empty cache should not need pruning")
	}

	for i := 0; i < 3; i++ {
		m.Admit(testItem(fmt.Sprintf("n-%d", i), types.ItemTypeNote))
	}
	if !m.ShouldPrune() {
		t.Error("utilization above threshold should trigger a prune")
	}

	// Time trigger fires even without pressure.
	m2 := newTestManager(t, testPolicy())
	m2.Admit(testItem("a", types.ItemTypeNote))
	m2.mu.Lock()
	m2.lastPrune = time.Now().Add(-2 * time.Hour)
	m2.mu.Unlock()
	if !m2.ShouldPrune() {
		t.Error("elapsed prune interval should trigger a prune")
	}
}
