package cache

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chartsense/chartsense/pkg/logging"
	"github.com/chartsense/chartsense/pkg/types"
)

const (
	payloadSuffix = ".cache"
	sidecarSuffix = ".meta.json"

	// Eviction hysteresis: start evicting above the high-water mark and
	// stop once the directory is back under the low-water mark, so a
	// stream of writes near capacity does not thrash.
	diskHighWater = 0.90
	diskLowWater  = 0.80
)

// DiskTier is the restart-surviving cache tier. Each entry is a payload
// file plus a JSON metadata sidecar under one directory. Filenames are
// derived from a SHA-256 of the key, so any key is filesystem-safe and
// collisions are not a practical concern. Filesystem errors degrade to
// miss / no-op and are logged, never propagated.
type DiskTier struct {
	mu          sync.Mutex
	directory   string
	maxSize     int64
	defaultTTL  time.Duration
	compression bool

	logger  *logging.Logger
	metrics types.MetricsRecorder
	stats   types.CacheStats

	now func() time.Time
}

// DiskConfig represents disk tier configuration.
type DiskConfig struct {
	Directory   string        `yaml:"directory"`
	MaxSize     int64         `yaml:"max_size"`
	TTL         time.Duration `yaml:"ttl"`
	Compression bool          `yaml:"compression"`
}

// diskSidecar is the metadata written next to each payload file.
type diskSidecar struct {
	Key        string        `json:"key"`
	CreatedAt  time.Time     `json:"created_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	TTL        time.Duration `json:"ttl"`
	Compressed bool          `json:"compressed"`
	Size       int64         `json:"size"`
}

// NewDiskTier creates a new disk tier rooted at the configured directory.
func NewDiskTier(config *DiskConfig, logger *logging.Logger) (*DiskTier, error) {
	if config == nil {
		config = &DiskConfig{
			Directory:   filepath.Join(os.TempDir(), "chartsense-cache"),
			MaxSize:     512 * 1024 * 1024,
			TTL:         time.Hour,
			Compression: true,
		}
	}
	if config.Directory == "" {
		return nil, fmt.Errorf("disk tier: directory is required")
	}
	if config.MaxSize <= 0 {
		config.MaxSize = 512 * 1024 * 1024
	}
	if logger == nil {
		logger = logging.Nop()
	}

	if err := os.MkdirAll(config.Directory, 0750); err != nil {
		return nil, fmt.Errorf("disk tier: create directory: %w", err)
	}

	return &DiskTier{
		directory:   config.Directory,
		maxSize:     config.MaxSize,
		defaultTTL:  config.TTL,
		compression: config.Compression,
		logger:      logger.With(logging.F("tier", "disk")),
		metrics:     types.NopMetrics{},
		stats:       types.CacheStats{Capacity: config.MaxSize},
		now:         time.Now,
	}, nil
}

// SetMetrics attaches a metrics recorder.
func (d *DiskTier) SetMetrics(rec types.MetricsRecorder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec != nil {
		d.metrics = rec
	}
}

// Get retrieves a value from the tier.
func (d *DiskTier) Get(key string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	base := d.basePath(key)
	meta, err := d.readSidecar(base)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn("sidecar read failed", logging.Err(err))
		}
		d.stats.Misses++
		d.metrics.RecordCacheOp("disk", "get", "miss")
		return nil, false
	}

	if d.expired(meta) {
		d.removeEntry(base)
		d.stats.Expirations++
		d.stats.Misses++
		d.metrics.RecordCacheOp("disk", "get", "miss")
		return nil, false
	}

	value, err := d.readPayload(base, meta.Compressed)
	if err != nil {
		d.logger.Warn("payload read failed", logging.Err(err))
		d.removeEntry(base)
		d.stats.Misses++
		d.metrics.RecordCacheOp("disk", "get", "miss")
		return nil, false
	}

	d.stats.Hits++
	d.metrics.RecordCacheOp("disk", "get", "hit")
	return value, true
}

// Set stores a value. A non-positive ttl selects the configured default.
// Returns false only when the entry could not be written.
func (d *DiskTier) Set(key string, value []byte, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.purgeExpiredLocked()

	if ttl <= 0 {
		ttl = d.defaultTTL
	}
	now := d.now()

	base := d.basePath(key)
	meta := diskSidecar{
		Key:        key,
		CreatedAt:  now,
		TTL:        ttl,
		Compressed: d.compression,
		Size:       int64(len(value)),
	}
	if ttl > 0 {
		meta.ExpiresAt = now.Add(ttl)
	}

	if err := d.writePayload(base, value); err != nil {
		d.logger.Warn("payload write failed", logging.Err(err))
		d.metrics.RecordCacheOp("disk", "set", "error")
		return false
	}
	if err := d.writeSidecar(base, &meta); err != nil {
		d.logger.Warn("sidecar write failed", logging.Err(err))
		_ = os.Remove(base + payloadSuffix)
		d.metrics.RecordCacheOp("disk", "set", "error")
		return false
	}

	d.evictIfNeededLocked()

	d.metrics.RecordCacheOp("disk", "set", "ok")
	return true
}

// Delete removes an entry. Returns true if the entry was present.
func (d *DiskTier) Delete(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	base := d.basePath(key)
	if _, err := os.Stat(base + sidecarSuffix); err != nil {
		return false
	}
	d.removeEntry(base)
	return true
}

// Clear removes every entry and returns how many were removed.
func (d *DiskTier) Clear() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := d.listEntries()
	if err != nil {
		d.logger.Warn("clear: list failed", logging.Err(err))
		return 0
	}
	for _, e := range entries {
		d.removeEntry(e.base)
	}
	return len(entries)
}

// CleanupExpired purges expired entries and returns how many were removed.
func (d *DiskTier) CleanupExpired() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.purgeExpiredLocked()
}

// Size returns the total size of the cache directory in bytes.
func (d *DiskTier) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := d.listEntries()
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		total += e.size
	}
	return total
}

// Stats returns tier statistics.
func (d *DiskTier) Stats() types.CacheStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := d.stats
	entries, err := d.listEntries()
	if err == nil {
		stats.Entries = len(entries)
		for _, e := range entries {
			stats.Size += e.size
		}
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if stats.Capacity > 0 {
		stats.Utilization = float64(stats.Size) / float64(stats.Capacity)
	}
	return stats
}

// Internal helpers. All assume d.mu is held.

type diskEntry struct {
	base    string
	size    int64
	modTime time.Time
}

func (d *DiskTier) basePath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(d.directory, fmt.Sprintf("%x", sum[:16]))
}

func (d *DiskTier) expired(meta *diskSidecar) bool {
	return !meta.ExpiresAt.IsZero() && d.now().After(meta.ExpiresAt)
}

func (d *DiskTier) listEntries() ([]diskEntry, error) {
	dirEntries, err := os.ReadDir(d.directory)
	if err != nil {
		return nil, err
	}

	byBase := make(map[string]*diskEntry)
	for _, de := range dirEntries {
		name := de.Name()
		var base string
		switch {
		case strings.HasSuffix(name, payloadSuffix):
			base = strings.TrimSuffix(name, payloadSuffix)
		case strings.HasSuffix(name, sidecarSuffix):
			base = strings.TrimSuffix(name, sidecarSuffix)
		default:
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue
		}

		full := filepath.Join(d.directory, base)
		entry, ok := byBase[full]
		if !ok {
			entry = &diskEntry{base: full, modTime: info.ModTime()}
			byBase[full] = entry
		}
		entry.size += info.Size()
		if info.ModTime().After(entry.modTime) {
			entry.modTime = info.ModTime()
		}
	}

	entries := make([]diskEntry, 0, len(byBase))
	for _, e := range byBase {
		entries = append(entries, *e)
	}
	return entries, nil
}

func (d *DiskTier) removeEntry(base string) {
	_ = os.Remove(base + payloadSuffix)
	_ = os.Remove(base + sidecarSuffix)
}

func (d *DiskTier) purgeExpiredLocked() int {
	entries, err := d.listEntries()
	if err != nil {
		d.logger.Warn("purge: list failed", logging.Err(err))
		return 0
	}

	removed := 0
	for _, e := range entries {
		meta, err := d.readSidecar(e.base)
		if err != nil {
			// Orphaned payload without a readable sidecar is unusable.
			d.removeEntry(e.base)
			removed++
			continue
		}
		if d.expired(meta) {
			d.removeEntry(e.base)
			d.stats.Expirations++
			removed++
		}
	}
	return removed
}

func (d *DiskTier) evictIfNeededLocked() {
	entries, err := d.listEntries()
	if err != nil {
		d.logger.Warn("evict: list failed", logging.Err(err))
		return
	}

	var total int64
	for _, e := range entries {
		total += e.size
	}

	highWater := int64(float64(d.maxSize) * diskHighWater)
	if total <= highWater {
		return
	}

	// Oldest modification time first.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modTime.Before(entries[j].modTime)
	})

	lowWater := int64(float64(d.maxSize) * diskLowWater)
	for _, e := range entries {
		if total <= lowWater {
			break
		}
		d.removeEntry(e.base)
		total -= e.size
		d.stats.Evictions++
	}
	d.metrics.RecordTierUsage("disk", 0, total)
}

func (d *DiskTier) writePayload(base string, value []byte) error {
	file, err := os.Create(base + payloadSuffix)
	if err != nil {
		return err
	}

	var writeErr error
	if d.compression {
		gz := gzip.NewWriter(file)
		if _, err := gz.Write(value); err != nil {
			writeErr = err
		}
		// Close flushes the compressed stream; a failed flush leaves a
		// truncated payload and must fail the set.
		if err := gz.Close(); err != nil && writeErr == nil {
			writeErr = err
		}
	} else if _, err := file.Write(value); err != nil {
		writeErr = err
	}

	if err := file.Close(); err != nil && writeErr == nil {
		writeErr = err
	}
	if writeErr != nil {
		_ = os.Remove(base + payloadSuffix)
		return writeErr
	}
	return nil
}

func (d *DiskTier) readPayload(base string, compressed bool) ([]byte, error) {
	file, err := os.Open(base + payloadSuffix)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var reader io.Reader = file
	if compressed {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, err
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	}

	return io.ReadAll(reader)
}

func (d *DiskTier) writeSidecar(base string, meta *diskSidecar) error {
	tmpPath := base + sidecarSuffix + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(file).Encode(meta); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	// Atomic replace so a crash never leaves a truncated sidecar.
	return os.Rename(tmpPath, base+sidecarSuffix)
}

func (d *DiskTier) readSidecar(base string) (*diskSidecar, error) {
	file, err := os.Open(base + sidecarSuffix)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var meta diskSidecar
	if err := json.NewDecoder(file).Decode(&meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
