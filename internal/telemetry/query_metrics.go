// Package telemetry keeps in-process query statistics. Nothing leaves the
// process; the HTTP server exposes a snapshot.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LatencyBucket is a latency histogram bucket.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// LatencyToBucket maps d onto its bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// QueryEvent is one completed query.
type QueryEvent struct {
	Collection  string
	Query       string
	ResultCount int
	Latency     time.Duration
	Failed      bool
}

// ringBuffer keeps the last capacity items. Callers hold QueryMetrics.mu.
type ringBuffer[T any] struct {
	items []T
	head  int
	size  int
}

func newRingBuffer[T any](capacity int) *ringBuffer[T] {
	return &ringBuffer[T]{items: make([]T, capacity)}
}

func (b *ringBuffer[T]) add(item T) {
	b.items[b.head] = item
	b.head = (b.head + 1) % len(b.items)
	if b.size < len(b.items) {
		b.size++
	}
}

// newestFirst returns the buffered items, most recent first.
func (b *ringBuffer[T]) newestFirst() []T {
	out := make([]T, 0, b.size)
	for i := 1; i <= b.size; i++ {
		out = append(out, b.items[(b.head-i+len(b.items))%len(b.items)])
	}
	return out
}

// ExtractTerms lowercases query and keeps words of three or more runes.
func ExtractTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if len([]rune(w)) >= 3 {
			terms = append(terms, w)
		}
	}
	return terms
}

// TermCount is a query term and how often it was seen.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// Snapshot is a point-in-time copy of the metrics.
type Snapshot struct {
	TotalQueries        int64                   `json:"total_queries"`
	FailedQueries       int64                   `json:"failed_queries"`
	ZeroResultCount     int64                   `json:"zero_result_count"`
	ExactRepeatCount    int64                   `json:"exact_repeat_count"`
	ByCollection        map[string]int64        `json:"by_collection"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	TopTerms            []TermCount             `json:"top_terms"`
	ZeroResultQueries   []string                `json:"zero_result_queries"`
	Since               time.Time               `json:"since"`
}

// ZeroResultRate is the share of successful queries that found nothing.
func (s Snapshot) ZeroResultRate() float64 {
	ok := s.TotalQueries - s.FailedQueries
	if ok <= 0 {
		return 0
	}
	return float64(s.ZeroResultCount) / float64(ok)
}

// Config bounds the memory QueryMetrics uses.
type Config struct {
	TopTermsCapacity      int
	ZeroResultsCapacity   int
	RecentQueriesCapacity int
}

// DefaultConfig returns the default capacities.
func DefaultConfig() Config {
	return Config{
		TopTermsCapacity:      100,
		ZeroResultsCapacity:   50,
		RecentQueriesCapacity: 500,
	}
}

// QueryMetrics aggregates QueryEvents. Safe for concurrent use.
type QueryMetrics struct {
	mu sync.Mutex

	total         int64
	failed        int64
	zeroResults   int64
	exactRepeats  int64
	byCollection  map[string]int64
	latencies     map[LatencyBucket]int64
	topTerms      *lru.Cache[string, int64]
	recentQueries *lru.Cache[string, struct{}]
	zeroQueries   *ringBuffer[string]
	since         time.Time
}

// NewQueryMetrics creates an empty QueryMetrics. Zero capacities take
// their defaults.
func NewQueryMetrics(cfg Config) *QueryMetrics {
	def := DefaultConfig()
	if cfg.TopTermsCapacity <= 0 {
		cfg.TopTermsCapacity = def.TopTermsCapacity
	}
	if cfg.ZeroResultsCapacity <= 0 {
		cfg.ZeroResultsCapacity = def.ZeroResultsCapacity
	}
	if cfg.RecentQueriesCapacity <= 0 {
		cfg.RecentQueriesCapacity = def.RecentQueriesCapacity
	}

	// lru.New only fails for non-positive sizes.
	topTerms, _ := lru.New[string, int64](cfg.TopTermsCapacity)
	recent, _ := lru.New[string, struct{}](cfg.RecentQueriesCapacity)

	return &QueryMetrics{
		byCollection:  make(map[string]int64),
		latencies:     make(map[LatencyBucket]int64),
		topTerms:      topTerms,
		recentQueries: recent,
		zeroQueries:   newRingBuffer[string](cfg.ZeroResultsCapacity),
		since:         time.Now(),
	}
}

// Record adds one event. A nil QueryMetrics ignores it.
func (m *QueryMetrics) Record(ev QueryEvent) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.byCollection[ev.Collection]++
	m.latencies[LatencyToBucket(ev.Latency)]++
	if ev.Failed {
		m.failed++
		return
	}

	normalized := strings.Join(strings.Fields(strings.ToLower(ev.Query)), " ")
	sum := sha256.Sum256([]byte(normalized))
	key := hex.EncodeToString(sum[:8])
	if m.recentQueries.Contains(key) {
		m.exactRepeats++
	}
	m.recentQueries.Add(key, struct{}{})

	for _, term := range ExtractTerms(ev.Query) {
		n, _ := m.topTerms.Get(term)
		m.topTerms.Add(term, n+1)
	}

	if ev.ResultCount == 0 {
		m.zeroResults++
		m.zeroQueries.add(ev.Query)
	}
}

// Snapshot copies the current metrics. TopTerms holds at most limit
// entries, most frequent first.
func (m *QueryMetrics) Snapshot(limit int) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		TotalQueries:        m.total,
		FailedQueries:       m.failed,
		ZeroResultCount:     m.zeroResults,
		ExactRepeatCount:    m.exactRepeats,
		ByCollection:        make(map[string]int64, len(m.byCollection)),
		LatencyDistribution: make(map[LatencyBucket]int64, len(m.latencies)),
		ZeroResultQueries:   m.zeroQueries.newestFirst(),
		Since:               m.since,
	}
	for k, v := range m.byCollection {
		s.ByCollection[k] = v
	}
	for k, v := range m.latencies {
		s.LatencyDistribution[k] = v
	}

	terms := make([]TermCount, 0, m.topTerms.Len())
	for _, k := range m.topTerms.Keys() {
		if n, ok := m.topTerms.Peek(k); ok {
			terms = append(terms, TermCount{Term: k, Count: n})
		}
	}
	sort.SliceStable(terms, func(i, j int) bool {
		if terms[i].Count != terms[j].Count {
			return terms[i].Count > terms[j].Count
		}
		return terms[i].Term < terms[j].Term
	})
	if limit > 0 && len(terms) > limit {
		terms = terms[:limit]
	}
	s.TopTerms = terms
	return s
}
