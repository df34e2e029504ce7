package cache

import (
	"context"
	"testing"
	"time"
)

func newTestOrchestrator(t *testing.T, store *fakeStore) *Orchestrator {
	t.Helper()

	memory := NewMemoryTier(&MemoryConfig{MaxEntries: 100, TTL: time.Hour}, nil)
	disk, err := NewDiskTier(&DiskConfig{Directory: t.TempDir(), MaxSize: 1024 * 1024, TTL: time.Hour}, nil)
	if err != nil {
		t.Fatalf("NewDiskTier failed: %v", err)
	}

	var analysis *AnalysisTier
	if store != nil {
		analysis = NewAnalysisTier(store, &AnalysisConfig{DefaultTTL: time.Hour}, nil)
	}
	return NewOrchestrator(memory, disk, analysis, nil)
}

// TestOrchestrator_WriteThroughReadBack tests a set lands in every
// selected tier and reads back
func TestOrchestrator_WriteThroughReadBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore()
	orch := newTestOrchestrator(t, store)

	desc := NewDescriptor(NamespaceAnalysis, map[string]string{
		"type":       "trend",
		"instrument": "AAPL",
		"timeframe":  "1d",
	})

	if ok := orch.Set(ctx, desc, []byte("up"), time.Hour, AllTiers()); !ok {
		t.Fatal("Set returned false")
	}

	// All three tiers hold the entry.
	if orch.memory.Len() != 1 {
		t.Error("memory tier missed the write")
	}
	if orch.disk.Size() == 0 {
		t.Error("disk tier missed the write")
	}
	if store.len() != 1 {
		t.Error("analysis store missed the write")
	}

	value, found := orch.Get(ctx, desc, AllTiers())
	if !found || string(value) != "up" {
		t.Errorf("expected 'up', got %q (found=%v)", value, found)
	}
}

// TestOrchestrator_DiskHitPromotesToMemory tests a disk hit backfills
// the memory tier
func TestOrchestrator_DiskHitPromotesToMemory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	orch := newTestOrchestrator(t, nil)

	desc := NewDescriptor(NamespaceQuotes, map[string]string{"instrument": "AAPL"})

	// Write to disk only, so the first read must come from disk.
	if ok := orch.Set(ctx, desc, []byte("q"), time.Hour, TierSelection{Disk: true}); !ok {
		t.Fatal("disk-only Set returned false")
	}
	if orch.memory.Len() != 0 {
		t.Fatal("memory tier unexpectedly populated")
	}

	if _, found := orch.Get(ctx, desc, FastTiers()); !found {
		t.Fatal("expected disk hit")
	}
	if orch.memory.Len() != 1 {
		t.Fatal("disk hit did not promote to memory")
	}

	// Second read is served from memory: disable disk and read again.
	value, found := orch.Get(ctx, desc, TierSelection{Memory: true})
	if !found || string(value) != "q" {
		t.Errorf("promoted entry not readable from memory: %q (found=%v)", value, found)
	}
}

// TestOrchestrator_PersistentHitPromotes tests an analysis hit backfills
// both fast tiers
func TestOrchestrator_PersistentHitPromotes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore()
	orch := newTestOrchestrator(t, store)

	desc := NewDescriptor(NamespaceAnalysis, map[string]string{
		"type":       "pattern",
		"instrument": "MSFT",
	})

	if ok := orch.Set(ctx, desc, []byte("hs"), time.Hour, TierSelection{Persistent: true}); !ok {
		t.Fatal("persistent-only Set returned false")
	}

	if _, found := orch.Get(ctx, desc, AllTiers()); !found {
		t.Fatal("expected persistent hit")
	}
	if orch.memory.Len() != 1 {
		t.Error("persistent hit did not promote to memory")
	}
	if orch.disk.Size() == 0 {
		t.Error("persistent hit did not promote to disk")
	}
}

// TestOrchestrator_PersistentOnlyForAnalysis tests non-analysis
// namespaces never touch the durable store
func TestOrchestrator_PersistentOnlyForAnalysis(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore()
	orch := newTestOrchestrator(t, store)

	desc := NewDescriptor(NamespaceQuotes, map[string]string{"instrument": "AAPL"})
	orch.Set(ctx, desc, []byte("q"), time.Hour, AllTiers())

	if store.len() != 0 {
		t.Error("non-analysis entry written to the durable store")
	}
}

// TestOrchestrator_SetSucceedsOnPartialFailure tests the set contract:
// true when at least one tier commits
func TestOrchestrator_SetSucceedsOnPartialFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore()
	store.failAll = true
	orch := newTestOrchestrator(t, store)

	desc := NewDescriptor(NamespaceAnalysis, map[string]string{
		"type":       "trend",
		"instrument": "AAPL",
	})

	if ok := orch.Set(ctx, desc, []byte("up"), time.Hour, AllTiers()); !ok {
		t.Error("expected success when fast tiers committed despite store fault")
	}
}

// TestOrchestrator_Miss tests a full miss returns false without error
func TestOrchestrator_Miss(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	orch := newTestOrchestrator(t, newFakeStore())

	desc := NewDescriptor(NamespaceAnalysis, map[string]string{"type": "x", "instrument": "y"})
	if _, found := orch.Get(ctx, desc, AllTiers()); found {
		t.Error("expected miss for never-written descriptor")
	}
}

// TestOrchestrator_Delete tests fast-tier removal
func TestOrchestrator_Delete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	orch := newTestOrchestrator(t, nil)

	desc := NewDescriptor(NamespaceQuotes, map[string]string{"instrument": "AAPL"})
	orch.Set(ctx, desc, []byte("q"), time.Hour, FastTiers())

	if !orch.Delete(ctx, desc) {
		t.Error("Delete returned false for present entry")
	}
	if _, found := orch.Get(ctx, desc, FastTiers()); found {
		t.Error("entry still readable after delete")
	}
	if orch.Delete(ctx, desc) {
		t.Error("Delete returned true for absent entry")
	}
}

// TestOrchestrator_ClearAll tests the fan-out clear reaches every tier
func TestOrchestrator_ClearAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore()
	orch := newTestOrchestrator(t, store)

	desc := NewDescriptor(NamespaceAnalysis, map[string]string{
		"type":       "trend",
		"instrument": "AAPL",
	})
	orch.Set(ctx, desc, []byte("up"), time.Hour, AllTiers())

	counts := orch.ClearAll(ctx)
	if counts["memory"] != 1 || counts["disk"] != 1 || counts["analysis"] != 1 {
		t.Errorf("unexpected clear counts: %v", counts)
	}
	if store.len() != 0 {
		t.Error("analysis store not emptied")
	}
}

// TestOrchestrator_CleanupExpired tests the sweep fan-out
func TestOrchestrator_CleanupExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore()
	orch := newTestOrchestrator(t, store)

	current := time.Now()
	orch.memory.now = func() time.Time { return current }
	orch.disk.now = func() time.Time { return current }
	store.now = func() time.Time { return current }

	desc := NewDescriptor(NamespaceAnalysis, map[string]string{
		"type":       "trend",
		"instrument": "AAPL",
	})
	orch.Set(ctx, desc, []byte("up"), time.Minute, AllTiers())

	current = current.Add(2 * time.Minute)
	counts := orch.CleanupExpired(ctx)
	if counts["memory"] != 1 || counts["disk"] != 1 || counts["analysis"] != 1 {
		t.Errorf("unexpected cleanup counts: %v", counts)
	}
}

// TestOrchestrator_NilAnalysisTier tests the orchestrator works without
// a durable store
func TestOrchestrator_NilAnalysisTier(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	orch := newTestOrchestrator(t, nil)

	desc := NewDescriptor(NamespaceAnalysis, map[string]string{
		"type":       "trend",
		"instrument": "AAPL",
	})

	if ok := orch.Set(ctx, desc, []byte("up"), time.Hour, AllTiers()); !ok {
		t.Fatal("Set failed with nil analysis tier")
	}
	if _, found := orch.Get(ctx, desc, AllTiers()); !found {
		t.Error("Get failed with nil analysis tier")
	}
	counts := orch.ClearAll(ctx)
	if _, ok := counts["analysis"]; ok {
		t.Error("unexpected analysis count with nil tier")
	}
}
