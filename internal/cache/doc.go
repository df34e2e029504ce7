// Package cache implements the multi-tier caching subsystem.
//
// Three tiers with different latency and durability trade-offs:
//
//   - MemoryTier: bounded in-process map with per-entry TTL and
//     approximate LRU eviction. Fastest, lost on restart.
//   - DiskTier: payload + metadata sidecar files under one directory,
//     optional gzip compression, size-aware eviction with hysteresis.
//     Survives restarts.
//   - AnalysisTier: durable analysis artifacts behind an AnalysisStore
//     collaborator (SQLite or S3), queryable by type and instrument.
//
// The Orchestrator composes them as a read-through cascade with
// write-through semantics: reads check memory, then disk, then (for the
// "analysis" namespace) the persistent store, promoting hits into the
// faster tiers; writes fan out to every enabled tier and succeed when at
// least one tier commits.
//
// Keys are fixed-width SHA-256 fingerprints of a Descriptor (namespace
// plus named fields, serialized sorted by field name), so logically equal
// requests always map to the same entry regardless of the order the
// caller assembled the fields.
//
// No tier ever returns an error to the caller: capacity and expiry are
// ordinary misses, and infrastructure faults are logged and degrade to
// miss on read or a failed set on write. The worst case is recomputing a
// value, never serving a wrong one.
package cache
