package types

import (
	"context"
	"time"
)

// CacheStats represents cache performance statistics for a single tier.
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Entries     int     `json:"entries"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// Tier is the contract shared by every cache tier. Tiers never return
// errors: internal faults are logged and reported as a miss or a failed
// set so the caller can always fall back to recomputing the value.
type Tier interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) bool
	Delete(key string) bool
	Clear() int
	Stats() CacheStats
}

// AnalysisEntry is one durable analysis artifact as stored by an
// AnalysisStore implementation.
type AnalysisEntry struct {
	Key        string    `json:"key"`
	Type       string    `json:"type"`
	Instrument string    `json:"instrument"`
	Timeframe  string    `json:"timeframe"`
	Payload    []byte    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the entry's expiry has passed at the given time.
func (e *AnalysisEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// AnalysisStore is the durable storage collaborator behind the
// persistent analysis tier. Implementations live in internal/storage.
type AnalysisStore interface {
	FindByKey(ctx context.Context, key string) (*AnalysisEntry, error)
	Save(ctx context.Context, entry *AnalysisEntry) error
	DeleteExpired(ctx context.Context) (int, error)
	// DeleteByType removes all entries of one analysis type, optionally
	// narrowed to a single instrument (empty instrument means all).
	DeleteByType(ctx context.Context, analysisType, instrument string) (int, error)
	DeleteByInstrument(ctx context.Context, instrument string) (int, error)
	DeleteAll(ctx context.Context) (int, error)
	Statistics(ctx context.Context) (map[string]interface{}, error)
}
