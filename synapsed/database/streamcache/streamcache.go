// Package streamcache answers "which entities changed since stream
// position P?" from memory, so sync requests only hit the database when
// the cache genuinely cannot know. It never returns a false negative:
// when its knowledge does not reach back far enough it says so and the
// caller falls back to a database query.
package streamcache

import (
	"sync"

	"github.com/google/btree"
	"github.com/prometheus/client_golang/prometheus"
)

// Result of a change query.
type Result int

const (
	// Unchanged means the entity provably has no change after the
	// queried position.
	Unchanged Result = iota
	// Changed means a change was recorded after the queried position.
	Changed
	// Unknown means the queried position predates the watermark; the
	// caller must fall back to the database. Callers must not conflate
	// Unknown with Changed.
	Unknown
)

func (r Result) String() string {
	switch r {
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	case Unknown:
		return "unknown"
	default:
		return "invalid"
	}
}

const defaultMaxSize = 10000

type entry struct {
	key string
	pos int64
}

func entryLess(a, b entry) bool {
	if a.pos != b.pos {
		return a.pos < b.pos
	}
	return a.key < b.key
}

// Cache is a bounded map of entity key to the latest stream position at
// which the entity changed. A watermark records the earliest position
// for which the cache has complete knowledge; eviction advances the
// watermark instead of losing correctness. Safe for concurrent use.
type Cache struct {
	name    string
	maxSize int

	mu        sync.Mutex
	entities  map[string]int64
	byPos     *btree.BTreeG[entry]
	watermark int64
	prefill   map[string]int64

	answered prometheus.Counter
	fallback prometheus.Counter

	sizeDesc      *prometheus.Desc
	watermarkDesc *prometheus.Desc
}

type Option func(*Cache)

// WithMaxSize bounds the number of cached entities. When exceeded, the
// lowest-position entries are evicted and the watermark advances.
func WithMaxSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithPrefill bulk-loads entity positions recovered from the database
// at startup. The watermark passed to New must be the minimum position
// of the mapping (or the stream's max token when the mapping is empty).
func WithPrefill(mapping map[string]int64) Option {
	return func(c *Cache) {
		c.prefill = mapping
	}
}

// New builds a cache whose knowledge is complete from currentPos
// onward. Queries are only trustworthy once any prefill has been
// applied, which New does before returning.
func New(name string, currentPos int64, opts ...Option) *Cache {
	labels := prometheus.Labels{"cache": name}
	c := &Cache{
		name:      name,
		maxSize:   defaultMaxSize,
		entities:  make(map[string]int64),
		byPos:     btree.NewG(16, entryLess),
		watermark: currentPos,
		answered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "synapsed",
			Subsystem:   "stream_change_cache",
			Name:        "answered_total",
			Help:        "Change queries answered precisely from memory.",
			ConstLabels: labels,
		}),
		fallback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "synapsed",
			Subsystem:   "stream_change_cache",
			Name:        "fallback_total",
			Help:        "Change queries below the watermark, forcing a database fallback.",
			ConstLabels: labels,
		}),
		sizeDesc: prometheus.NewDesc(
			"synapsed_stream_change_cache_size",
			"Number of entities currently cached.",
			nil, labels,
		),
		watermarkDesc: prometheus.NewDesc(
			"synapsed_stream_change_cache_watermark",
			"Earliest stream position with complete cache knowledge.",
			nil, labels,
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	for key, pos := range c.prefill {
		c.record(key, pos)
	}
	c.prefill = nil
	return c
}

// Name returns the cache's registration name.
func (c *Cache) Name() string {
	return c.name
}

// HasChangedSince reports whether key changed at a position strictly
// greater than since. Unknown forces the caller to the database.
func (c *Cache) HasChangedSince(key string, since int64) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A recorded change after `since` is proof enough regardless of the
	// watermark.
	if pos, ok := c.entities[key]; ok && pos > since {
		c.answered.Inc()
		return Changed
	}
	if since >= c.watermark {
		c.answered.Inc()
		return Unchanged
	}
	c.fallback.Inc()
	return Unknown
}

// AllChangedSince returns every entity that changed at a position
// strictly greater than since, ordered by position. ok is false when
// since predates the watermark and the set cannot be known.
func (c *Cache) AllChangedSince(since int64) (keys []string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if since < c.watermark {
		c.fallback.Inc()
		return nil, false
	}
	c.byPos.AscendGreaterOrEqual(entry{pos: since + 1}, func(e entry) bool {
		keys = append(keys, e.key)
		return true
	})
	c.answered.Inc()
	return keys, true
}

// RecordChange notes that key changed at pos. This must be called after
// the owning transaction commits; recording is what keeps the cache's
// knowledge complete above the watermark. Positions at or below the
// key's recorded latest change are ignored.
func (c *Cache) RecordChange(key string, pos int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(key, pos)
}

func (c *Cache) record(key string, pos int64) {
	if old, ok := c.entities[key]; ok {
		if pos <= old {
			return
		}
		c.byPos.Delete(entry{key: key, pos: old})
	}
	c.entities[key] = pos
	c.byPos.ReplaceOrInsert(entry{key: key, pos: pos})

	evicted := false
	for c.byPos.Len() > c.maxSize {
		min, _ := c.byPos.DeleteMin()
		delete(c.entities, min.key)
		evicted = true
		if min.pos > c.watermark {
			c.watermark = min.pos
		}
	}
	if !evicted {
		return
	}
	// Knowledge now begins at the earliest retained entry. The
	// watermark only ever moves forward.
	if min, ok := c.byPos.Min(); ok && min.pos > c.watermark {
		c.watermark = min.pos
	}
}

// Watermark returns the earliest position for which the cache has
// complete knowledge.
func (c *Cache) Watermark() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermark
}

// Len returns the number of cached entities.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entities)
}

var _ prometheus.Collector = (*Cache)(nil)

func (c *Cache) Describe(ch chan<- *prometheus.Desc) {
	c.answered.Describe(ch)
	c.fallback.Describe(ch)
	ch <- c.sizeDesc
	ch <- c.watermarkDesc
}

func (c *Cache) Collect(ch chan<- prometheus.Metric) {
	c.answered.Collect(ch)
	c.fallback.Collect(ch)

	c.mu.Lock()
	size, watermark := len(c.entities), c.watermark
	c.mu.Unlock()
	ch <- prometheus.MustNewConstMetric(c.sizeDesc, prometheus.GaugeValue, float64(size))
	ch <- prometheus.MustNewConstMetric(c.watermarkDesc, prometheus.GaugeValue, float64(watermark))
}
