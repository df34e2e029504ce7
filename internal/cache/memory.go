package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/chartsense/chartsense/pkg/logging"
	"github.com/chartsense/chartsense/pkg/types"
)

// MemoryTier is the lowest-latency cache tier: a bounded, TTL-based map
// with approximate LRU eviction. All methods are safe for concurrent use;
// the mutex covers the whole check-evict-insert sequence.
type MemoryTier struct {
	mu         sync.Mutex
	maxEntries int
	defaultTTL time.Duration
	items      map[string]*memoryItem
	evictList  *list.List

	logger  *logging.Logger
	metrics types.MetricsRecorder
	stats   types.CacheStats

	// now is swappable in tests
	now func() time.Time
}

// MemoryConfig represents memory tier configuration.
type MemoryConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

type memoryItem struct {
	key        string
	value      []byte
	createdAt  time.Time
	accessTime time.Time
	ttl        time.Duration
	element    *list.Element
}

func (it *memoryItem) expired(now time.Time) bool {
	if it.ttl <= 0 {
		return false
	}
	return now.Sub(it.accessTime) > it.ttl
}

// NewMemoryTier creates a new memory tier.
func NewMemoryTier(config *MemoryConfig, logger *logging.Logger) *MemoryTier {
	if config == nil {
		config = &MemoryConfig{
			MaxEntries: 10000,
			TTL:        5 * time.Minute,
		}
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 10000
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &MemoryTier{
		maxEntries: config.MaxEntries,
		defaultTTL: config.TTL,
		items:      make(map[string]*memoryItem),
		evictList:  list.New(),
		logger:     logger.With(logging.F("tier", "memory")),
		metrics:    types.NopMetrics{},
		stats:      types.CacheStats{Capacity: int64(config.MaxEntries)},
		now:        time.Now,
	}
}

// SetMetrics attaches a metrics recorder.
func (m *MemoryTier) SetMetrics(rec types.MetricsRecorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec != nil {
		m.metrics = rec
	}
}

// Get retrieves a value from the tier.
func (m *MemoryTier) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeExpiredLocked()

	item, exists := m.items[key]
	if !exists {
		m.stats.Misses++
		m.metrics.RecordCacheOp("memory", "get", "miss")
		return nil, false
	}

	item.accessTime = m.now()
	m.evictList.MoveToFront(item.element)

	m.stats.Hits++
	m.metrics.RecordCacheOp("memory", "get", "hit")

	value := make([]byte, len(item.value))
	copy(value, item.value)
	return value, true
}

// Set stores a value in the tier. A non-positive ttl selects the
// configured default. Always succeeds short of the process dying.
func (m *MemoryTier) Set(key string, value []byte, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeExpiredLocked()

	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := m.now()

	if item, exists := m.items[key]; exists {
		item.value = append(item.value[:0], value...)
		item.createdAt = now
		item.accessTime = now
		item.ttl = ttl
		m.evictList.MoveToFront(item.element)
		m.metrics.RecordCacheOp("memory", "set", "ok")
		return true
	}

	item := &memoryItem{
		key:        key,
		value:      append([]byte(nil), value...),
		createdAt:  now,
		accessTime: now,
		ttl:        ttl,
	}
	item.element = m.evictList.PushFront(item)
	m.items[key] = item

	// Evict oldest-by-last-access until under the entry limit.
	for len(m.items) > m.maxEntries && m.evictList.Len() > 0 {
		m.evictOldestLocked()
	}

	m.metrics.RecordCacheOp("memory", "set", "ok")
	m.metrics.RecordTierUsage("memory", len(m.items), 0)
	return true
}

// Delete removes a key. Returns true if the key was present.
func (m *MemoryTier) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, exists := m.items[key]
	if !exists {
		return false
	}
	m.removeLocked(item)
	return true
}

// Clear removes every entry and returns how many were removed.
func (m *MemoryTier) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := len(m.items)
	m.items = make(map[string]*memoryItem)
	m.evictList.Init()
	m.metrics.RecordTierUsage("memory", 0, 0)
	return count
}

// CleanupExpired purges expired entries and returns how many were removed.
func (m *MemoryTier) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purgeExpiredLocked()
}

// Len returns the current entry count.
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Stats returns tier statistics.
func (m *MemoryTier) Stats() types.CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	stats.Entries = len(m.items)
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if stats.Capacity > 0 {
		stats.Utilization = float64(len(m.items)) / float64(stats.Capacity)
	}
	return stats
}

func (m *MemoryTier) purgeExpiredLocked() int {
	now := m.now()
	var expired []*memoryItem
	for _, item := range m.items {
		if item.expired(now) {
			expired = append(expired, item)
		}
	}
	for _, item := range expired {
		m.removeLocked(item)
		m.stats.Expirations++
	}
	return len(expired)
}

func (m *MemoryTier) evictOldestLocked() {
	element := m.evictList.Back()
	if element == nil {
		return
	}
	item := element.Value.(*memoryItem)
	m.removeLocked(item)
	m.stats.Evictions++
}

func (m *MemoryTier) removeLocked(item *memoryItem) {
	if item.element != nil {
		m.evictList.Remove(item.element)
	}
	delete(m.items, item.key)
}
