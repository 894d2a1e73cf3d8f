package cache

import (
	"sort"
	"time"

	"github.com/syncache/syncache/internal/config"
	"github.com/syncache/syncache/pkg/types"
)

// Status contributions.
const (
	scoreUnread         = 50
	scoreStarred        = 40
	scoreArchived       = -60
	scorePriorityHigh   = 20
	scorePriorityMedium = 10
)

// Age decays the score by 2 points per day since creation, floored at -100:
// a 50+ day old item is not penalized further by age alone.
const (
	agePenaltyPerDay = 2.0
	agePenaltyFloor  = -100.0
)

// Access recency contributes max(0, 30 - 3*days): a full bonus on same-day
// access, decaying to zero by day ten. Never-accessed items get nothing.
const (
	recencyMax          = 30.0
	recencyDecayPerDay  = 3.0
	recencyWindowDays   = 7
	coldWindowDays      = 30
	hotScoreThreshold   = 50.0
	coldScoreThreshold  = 20.0
	evictPriorityWeight = 0.7
	evictRecencyWeight  = 0.3
)

var typeWeights = map[types.ItemType]float64{
	types.ItemTypeEmail: 10,
	types.ItemTypeTask:  8,
	types.ItemTypeEvent: 6,
	types.ItemTypeNote:  4,
}

// Scorer ranks items by inferred importance. Scores are recomputed on every
// call: their inputs move with the clock.
type Scorer struct {
	loadStrategy string
	loadCap      int
	now          func() time.Time
}

// NewScorer creates a scorer following the cache policy's initial-load
// settings.
func NewScorer(cfg *config.CacheConfig) *Scorer {
	return &Scorer{
		loadStrategy: cfg.InitialLoadStrategy,
		loadCap:      cfg.InitialLoadCap,
		now:          time.Now,
	}
}

// Score computes the four-component priority score for an item. The total is
// floored at zero.
func (s *Scorer) Score(item *types.Item) types.PriorityScore {
	now := s.now()
	score := types.PriorityScore{ID: item.ID}

	if item.Unread() {
		score.Status += scoreUnread
	}
	if item.Starred() {
		score.Status += scoreStarred
	}
	if item.Archived() {
		score.Status += scoreArchived
	}
	switch item.ManualPriority() {
	case types.PriorityHigh:
		score.Status += scorePriorityHigh
	case types.PriorityMedium:
		score.Status += scorePriorityMedium
	}

	ageDays := now.Sub(item.CreatedAt).Hours() / 24
	if ageDays > 0 {
		score.Age = -agePenaltyPerDay * ageDays
		if score.Age < agePenaltyFloor {
			score.Age = agePenaltyFloor
		}
	}

	score.Recency = s.recencyComponent(item, now)
	score.Type = typeWeights[item.Type]

	score.Total = score.Status + score.Age + score.Recency + score.Type
	if score.Total < 0 {
		score.Total = 0
	}
	return score
}

func (s *Scorer) recencyComponent(item *types.Item, now time.Time) float64 {
	accessed, ok := item.LastAccessedAt()
	if !ok {
		return 0
	}
	days := now.Sub(accessed).Hours() / 24
	if days < 0 {
		days = 0
	}
	r := recencyMax - recencyDecayPerDay*days
	if r < 0 {
		return 0
	}
	return r
}

// Rank returns the items sorted by descending score. The sort is stable, so
// equally scored items keep their input order.
func (s *Scorer) Rank(items []*types.Item) []*types.Item {
	ranked := append([]*types.Item(nil), items...)
	scores := make(map[string]float64, len(ranked))
	for _, it := range ranked {
		scores[it.ID] = s.Score(it).Total
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return scores[ranked[i].ID] > scores[ranked[j].ID]
	})
	return ranked
}

// SelectForInitialLoad picks the items to preload on startup according to
// the configured strategy: "all" returns everything, "minimal" the most
// recently created N, "smart" the top N by score.
func (s *Scorer) SelectForInitialLoad(items []*types.Item) []*types.Item {
	switch s.loadStrategy {
	case config.InitialLoadAll:
		return items
	case config.InitialLoadMinimal:
		byCreation := append([]*types.Item(nil), items...)
		sort.SliceStable(byCreation, func(i, j int) bool {
			return byCreation[i].CreatedAt.After(byCreation[j].CreatedAt)
		})
		return capped(byCreation, s.loadCap)
	default: // smart
		return capped(s.Rank(items), s.loadCap)
	}
}

func capped(items []*types.Item, n int) []*types.Item {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}

// SelectForEviction blends priority with access recency and returns the
// count lowest-valued ids, evicted first. Blending keeps a high-priority
// item alive even when it happens to be the least recently touched one,
// while recency still breaks ties among equally unimportant items.
func (s *Scorer) SelectForEviction(items []*types.Item, count int) []string {
	type scored struct {
		id    string
		blend float64
	}

	now := s.now()
	all := make([]scored, 0, len(items))
	for _, it := range items {
		priority := s.Score(it).Total
		recency := s.recencyComponent(it, now) / recencyMax * 100
		all = append(all, scored{
			id:    it.ID,
			blend: evictPriorityWeight*priority + evictRecencyWeight*recency,
		})
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].blend < all[j].blend })

	if count > len(all) {
		count = len(all)
	}
	ids := make([]string, 0, count)
	for _, sc := range all[:count] {
		ids = append(ids, sc.id)
	}
	return ids
}

// IdentifyHot returns the items considered hot: score above 50 or accessed
// within the last seven days. For monitoring, not the eviction path.
func (s *Scorer) IdentifyHot(items []*types.Item) []*types.Item {
	now := s.now()
	var hot []*types.Item
	for _, it := range items {
		if s.Score(it).Total > hotScoreThreshold || accessedWithin(it, now, recencyWindowDays) {
			hot = append(hot, it)
		}
	}
	return hot
}

// IdentifyCold returns the items considered cold: score below 20 and no
// access within the last thirty days.
func (s *Scorer) IdentifyCold(items []*types.Item) []*types.Item {
	now := s.now()
	var cold []*types.Item
	for _, it := range items {
		if s.Score(it).Total < coldScoreThreshold && !accessedWithin(it, now, coldWindowDays) {
			cold = append(cold, it)
		}
	}
	return cold
}

func accessedWithin(item *types.Item, now time.Time, days int) bool {
	accessed, ok := item.LastAccessedAt()
	if !ok {
		return false
	}
	return now.Sub(accessed) <= time.Duration(days)*24*time.Hour
}
