package cache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestDiskTier(t *testing.T, config *DiskConfig) *DiskTier {
	t.Helper()
	if config == nil {
		config = &DiskConfig{
			Directory: t.TempDir(),
			MaxSize:   1024 * 1024,
			TTL:       time.Hour,
		}
	}
	if config.Directory == "" {
		config.Directory = t.TempDir()
	}
	tier, err := NewDiskTier(config, nil)
	if err != nil {
		t.Fatalf("NewDiskTier failed: %v", err)
	}
	return tier
}

// TestNewDiskTier tests tier creation
func TestNewDiskTier(t *testing.T) {
	t.Parallel()

	t.Run("missing directory rejected", func(t *testing.T) {
		if _, err := NewDiskTier(&DiskConfig{Directory: ""}, nil); err == nil {
			t.Error("expected error for empty directory")
		}
	})

	t.Run("directory created", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "cache")
		if _, err := NewDiskTier(&DiskConfig{Directory: dir, MaxSize: 1024}, nil); err != nil {
			t.Fatalf("NewDiskTier failed: %v", err)
		}
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("cache directory not created: %v", err)
		}
	})
}

// TestDiskTier_SetGet tests round-trip storage with and without
// compression
func TestDiskTier_SetGet(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		compression bool
	}{
		{name: "uncompressed", compression: false},
		{name: "compressed", compression: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier := newTestDiskTier(t, &DiskConfig{
				Directory:   t.TempDir(),
				MaxSize:     1024 * 1024,
				TTL:         time.Hour,
				Compression: tt.compression,
			})

			payload := bytes.Repeat([]byte("market data "), 64)
			if ok := tier.Set("k1", payload, 0); !ok {
				t.Fatal("Set returned false")
			}
			value, found := tier.Get("k1")
			if !found {
				t.Fatal("expected hit for stored key")
			}
			if !bytes.Equal(value, payload) {
				t.Error("payload mismatch after round trip")
			}
		})
	}
}

// TestDiskTier_SidecarWritten tests the metadata sidecar sits next to
// the payload file
func TestDiskTier_SidecarWritten(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tier := newTestDiskTier(t, &DiskConfig{Directory: dir, MaxSize: 1024 * 1024, TTL: time.Hour})

	tier.Set("k1", []byte("v"), time.Minute)

	names, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading cache dir: %v", err)
	}
	var payloads, sidecars int
	for _, de := range names {
		switch {
		case strings.HasSuffix(de.Name(), payloadSuffix):
			payloads++
		case strings.HasSuffix(de.Name(), sidecarSuffix):
			sidecars++
		}
	}
	if payloads != 1 || sidecars != 1 {
		t.Errorf("expected 1 payload + 1 sidecar, got %d + %d", payloads, sidecars)
	}
}

// TestDiskTier_IdempotentSet tests that re-setting a key overwrites in
// place instead of accumulating files
func TestDiskTier_IdempotentSet(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tier := newTestDiskTier(t, &DiskConfig{Directory: dir, MaxSize: 1024 * 1024, TTL: time.Hour})

	for i := 0; i < 5; i++ {
		tier.Set("same-key", []byte(fmt.Sprintf("v%d", i)), 0)
	}

	names, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading cache dir: %v", err)
	}
	if len(names) != 2 {
		t.Errorf("expected exactly 2 files after repeated sets, got %d", len(names))
	}

	value, found := tier.Get("same-key")
	if !found || string(value) != "v4" {
		t.Errorf("expected latest value 'v4', got %q (found=%v)", value, found)
	}
}

// TestDiskTier_Expiry tests entries expire by absolute deadline
func TestDiskTier_Expiry(t *testing.T) {
	t.Parallel()

	tier := newTestDiskTier(t, nil)
	current := time.Now()
	tier.now = func() time.Time { return current }

	tier.Set("k", []byte("v"), time.Minute)

	current = current.Add(30 * time.Second)
	if _, found := tier.Get("k"); !found {
		t.Fatal("entry expired before deadline")
	}

	current = current.Add(31 * time.Second)
	if _, found := tier.Get("k"); found {
		t.Error("expected expiry past deadline")
	}
	if tier.Stats().Expirations != 1 {
		t.Errorf("expected 1 expiration, got %d", tier.Stats().Expirations)
	}
}

// TestDiskTier_CleanupExpired tests the sweep removes only expired
// entries and orphans
func TestDiskTier_CleanupExpired(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tier := newTestDiskTier(t, &DiskConfig{Directory: dir, MaxSize: 1024 * 1024, TTL: time.Hour})
	current := time.Now()
	tier.now = func() time.Time { return current }

	tier.Set("short", []byte("v"), time.Second)
	tier.Set("long", []byte("v"), time.Hour)

	// Orphan payload with no sidecar.
	orphan := filepath.Join(dir, "deadbeef"+payloadSuffix)
	if err := os.WriteFile(orphan, []byte("x"), 0644); err != nil {
		t.Fatalf("writing orphan: %v", err)
	}

	current = current.Add(2 * time.Second)
	removed := tier.CleanupExpired()
	if removed != 2 {
		t.Errorf("expected 2 removals (expired + orphan), got %d", removed)
	}
	if _, found := tier.Get("long"); !found {
		t.Error("live entry removed by cleanup")
	}
}

// TestDiskTier_SizeBound tests hysteresis eviction keeps the directory
// under the configured limit
func TestDiskTier_SizeBound(t *testing.T) {
	t.Parallel()

	// Small limit, incompressible-ish payloads so sizes are predictable.
	tier := newTestDiskTier(t, &DiskConfig{
		Directory:   t.TempDir(),
		MaxSize:     8 * 1024,
		TTL:         time.Hour,
		Compression: false,
	})

	payload := bytes.Repeat([]byte{0xAB}, 1024)
	for i := 0; i < 20; i++ {
		if ok := tier.Set(fmt.Sprintf("k%d", i), payload, 0); !ok {
			t.Fatalf("Set %d returned false", i)
		}
	}

	if size := tier.Size(); size > 8*1024 {
		t.Errorf("directory size %d exceeds limit", size)
	}
	if tier.Stats().Evictions == 0 {
		t.Error("expected evictions under sustained writes")
	}

	// The most recent write survives.
	if _, found := tier.Get("k19"); !found {
		t.Error("most recent entry evicted")
	}
}

// TestDiskTier_SurvivesReopen tests a fresh tier over the same
// directory serves entries written by its predecessor
func TestDiskTier_SurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	config := &DiskConfig{Directory: dir, MaxSize: 1024 * 1024, TTL: time.Hour, Compression: true}

	first := newTestDiskTier(t, config)
	first.Set("persisted", []byte("still here"), time.Hour)

	second := newTestDiskTier(t, config)
	value, found := second.Get("persisted")
	if !found {
		t.Fatal("entry lost across tier restart")
	}
	if string(value) != "still here" {
		t.Errorf("expected 'still here', got %q", value)
	}
}

// TestDiskTier_CorruptSidecarDegrades tests a mangled sidecar acts as a
// miss instead of an error
func TestDiskTier_CorruptSidecarDegrades(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tier := newTestDiskTier(t, &DiskConfig{Directory: dir, MaxSize: 1024 * 1024, TTL: time.Hour})
	tier.Set("k", []byte("v"), 0)

	base := tier.basePath("k")
	if err := os.WriteFile(base+sidecarSuffix, []byte("{not json"), 0644); err != nil {
		t.Fatalf("corrupting sidecar: %v", err)
	}

	if _, found := tier.Get("k"); found {
		t.Error("expected miss for entry with corrupt sidecar")
	}
}

// TestDiskTier_SetFailsWhenUnwritable tests Set reports failure instead
// of claiming success for a payload that never reached disk
func TestDiskTier_SetFailsWhenUnwritable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tier := newTestDiskTier(t, &DiskConfig{
		Directory:   dir,
		MaxSize:     1024 * 1024,
		TTL:         time.Hour,
		Compression: true,
	})

	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("removing cache directory: %v", err)
	}

	if tier.Set("k", []byte("v"), 0) {
		t.Error("Set returned true with no writable directory")
	}
	if _, found := tier.Get("k"); found {
		t.Error("expected miss for entry that failed to write")
	}
}

// TestDiskTier_DeleteClear tests removal operations
func TestDiskTier_DeleteClear(t *testing.T) {
	t.Parallel()

	tier := newTestDiskTier(t, nil)
	tier.Set("a", []byte("1"), 0)
	tier.Set("b", []byte("2"), 0)

	if !tier.Delete("a") {
		t.Error("Delete returned false for present key")
	}
	if tier.Delete("a") {
		t.Error("Delete returned true for absent key")
	}

	if removed := tier.Clear(); removed != 1 {
		t.Errorf("expected Clear to remove 1 entry, got %d", removed)
	}
	if tier.Size() != 0 {
		t.Errorf("expected empty directory after Clear, size=%d", tier.Size())
	}
}
