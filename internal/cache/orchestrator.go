package cache

import (
	"context"
	"time"

	"github.com/chartsense/chartsense/pkg/logging"
	"github.com/chartsense/chartsense/pkg/types"
)

// TierSelection chooses which tiers participate in a single operation.
type TierSelection struct {
	Memory     bool
	Disk       bool
	Persistent bool
}

// AllTiers selects every tier.
func AllTiers() TierSelection {
	return TierSelection{Memory: true, Disk: true, Persistent: true}
}

// FastTiers selects the memory and disk tiers only.
func FastTiers() TierSelection {
	return TierSelection{Memory: true, Disk: true}
}

// Orchestrator presents one get/set/delete surface over the three tiers
// as a read-through cascade with write-through semantics. The persistent
// tier participates only for the "analysis" namespace.
type Orchestrator struct {
	memory   *MemoryTier
	disk     *DiskTier
	analysis *AnalysisTier // optional

	logger *logging.Logger
}

// NewOrchestrator composes the tiers. The analysis tier may be nil for
// deployments without a durable store.
func NewOrchestrator(memory *MemoryTier, disk *DiskTier, analysis *AnalysisTier, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Orchestrator{
		memory:   memory,
		disk:     disk,
		analysis: analysis,
		logger:   logger.With(logging.F("component", "orchestrator")),
	}
}

// Get checks the tiers fastest-first and promotes a hit into every faster
// enabled tier, so the next access for the same descriptor is served from
// the fastest tier. Returns false only when every enabled tier misses.
func (o *Orchestrator) Get(ctx context.Context, desc Descriptor, sel TierSelection) ([]byte, bool) {
	key := desc.Key()

	if sel.Memory && o.memory != nil {
		if value, ok := o.memory.Get(key); ok {
			return value, true
		}
	}

	if sel.Disk && o.disk != nil {
		if value, ok := o.disk.Get(key); ok {
			if sel.Memory && o.memory != nil {
				o.memory.Set(key, value, 0)
			}
			return value, true
		}
	}

	if sel.Persistent && o.persistentEligible(desc) {
		if value, ok := o.analysis.GetByKey(ctx, key); ok {
			if sel.Disk && o.disk != nil {
				o.disk.Set(key, value, 0)
			}
			if sel.Memory && o.memory != nil {
				o.memory.Set(key, value, 0)
			}
			return value, true
		}
	}

	return nil, false
}

// Set writes to every enabled tier independently. It returns true when at
// least one tier committed: a degraded cache still answers correctly (a
// miss just recomputes), so partial failure is tolerated rather than
// surfaced.
func (o *Orchestrator) Set(ctx context.Context, desc Descriptor, value []byte, ttl time.Duration, sel TierSelection) bool {
	key := desc.Key()
	committed := false

	if sel.Memory && o.memory != nil {
		if o.memory.Set(key, value, ttl) {
			committed = true
		}
	}

	if sel.Disk && o.disk != nil {
		if o.disk.Set(key, value, ttl) {
			committed = true
		}
	}

	if sel.Persistent && o.persistentEligible(desc) {
		analysisType := desc.Fields["type"]
		instrument := desc.Fields["instrument"]
		timeframe := desc.Fields["timeframe"]
		if o.analysis.SetByKey(ctx, key, analysisType, instrument, timeframe, value, ttl) {
			committed = true
		}
	}

	if !committed {
		o.logger.Warn("set failed on every enabled tier", logging.F("descriptor", desc.String()))
	}
	return committed
}

// Delete removes the descriptor's entry from the fast tiers. Returns true
// if any tier held the entry.
func (o *Orchestrator) Delete(ctx context.Context, desc Descriptor) bool {
	key := desc.Key()
	deleted := false

	if o.memory != nil && o.memory.Delete(key) {
		deleted = true
	}
	if o.disk != nil && o.disk.Delete(key) {
		deleted = true
	}
	return deleted
}

// ClearAll empties every tier and returns the per-tier removal counts.
func (o *Orchestrator) ClearAll(ctx context.Context) map[string]int {
	counts := make(map[string]int)
	if o.memory != nil {
		counts["memory"] = o.memory.Clear()
	}
	if o.disk != nil {
		counts["disk"] = o.disk.Clear()
	}
	if o.analysis != nil {
		counts["analysis"] = o.analysis.Invalidate(ctx, "", "")
	}
	return counts
}

// CleanupExpired sweeps expired entries from every tier and returns the
// per-tier counts.
func (o *Orchestrator) CleanupExpired(ctx context.Context) map[string]int {
	counts := make(map[string]int)
	if o.memory != nil {
		counts["memory"] = o.memory.CleanupExpired()
	}
	if o.disk != nil {
		counts["disk"] = o.disk.CleanupExpired()
	}
	if o.analysis != nil {
		counts["analysis"] = o.analysis.CleanupExpired(ctx)
	}
	return counts
}

// Stats returns per-tier statistics for the fast tiers.
func (o *Orchestrator) Stats() map[string]types.CacheStats {
	stats := make(map[string]types.CacheStats)
	if o.memory != nil {
		stats["memory"] = o.memory.Stats()
	}
	if o.disk != nil {
		stats["disk"] = o.disk.Stats()
	}
	return stats
}

func (o *Orchestrator) persistentEligible(desc Descriptor) bool {
	return o.analysis != nil && desc.Namespace == NamespaceAnalysis
}
