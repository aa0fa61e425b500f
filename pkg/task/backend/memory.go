package backend

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend is an in-process, concurrent-hash-map Storage Backend
// implementation, the first of the "at least one in-process backend"
// named in spec.md §9's design notes. A single mutex guards the whole
// map; contention is expected to be low relative to the I/O cost of a
// remote backend, so per-key locking was not worth the complexity.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]Record

	// ownerCounts tracks a live count of keys per owner prefix,
	// maintained incrementally on Put/Delete. It backs ActiveCount,
	// the supplemental owner-cap enrichment described in SPEC_FULL.md.
	ownerCounts map[string]int
}

// NewMemoryBackend constructs an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records:     make(map[string]Record),
		ownerCounts: make(map[string]int),
	}
}

func ownerOf(key string) string {
	if idx := strings.IndexByte(key, ':'); idx >= 0 {
		return key[:idx]
	}
	return key
}

func (b *MemoryBackend) Get(_ context.Context, key string) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (b *MemoryBackend) Put(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.records[key]
	version := uint64(1)
	if ok {
		version = existing.Version + 1
	} else {
		b.ownerCounts[ownerOf(key)]++
	}
	b.records[key] = Record{Value: append([]byte(nil), value...), Version: version}
	return version, nil
}

func (b *MemoryBackend) PutIfVersion(_ context.Context, key string, value []byte, expectedVersion uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.records[key]
	if !ok {
		return 0, ErrNotFound
	}
	if existing.Version != expectedVersion {
		return 0, &VersionConflictError{Expected: expectedVersion, Actual: existing.Version}
	}
	newVersion := existing.Version + 1
	b.records[key] = Record{Value: append([]byte(nil), value...), Version: newVersion}
	return newVersion, nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.records[key]; !ok {
		return false, nil
	}
	delete(b.records, key)
	if n := b.ownerCounts[ownerOf(key)] - 1; n > 0 {
		b.ownerCounts[ownerOf(key)] = n
	} else {
		delete(b.ownerCounts, ownerOf(key))
	}
	return true, nil
}

func (b *MemoryBackend) ListByPrefix(_ context.Context, prefix string) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := make([]Entry, 0)
	for k, rec := range b.records {
		if strings.HasPrefix(k, prefix) {
			entries = append(entries, Entry{Key: k, Record: rec})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (b *MemoryBackend) CleanupExpired(_ context.Context, isExpired func(Record) bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for k, rec := range b.records {
		if isExpired(rec) {
			delete(b.records, k)
			owner := ownerOf(k)
			if n := b.ownerCounts[owner] - 1; n > 0 {
				b.ownerCounts[owner] = n
			} else {
				delete(b.ownerCounts, owner)
			}
			removed++
		}
	}
	return removed, nil
}

// ActiveCount returns the number of keys currently stored under
// owner's prefix. Implementing this optional OwnerCounter interface
// lets the store enforce a per-owner active-task cap in O(1) instead
// of a full ListByPrefix scan.
func (b *MemoryBackend) ActiveCount(_ context.Context, owner string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ownerCounts[owner], nil
}

// OwnerCounter is an optional Backend extension for cheap per-owner
// active-key counts. Backends that don't implement it (e.g. the Redis
// backend) fall back to a ListByPrefix scan in the store.
type OwnerCounter interface {
	ActiveCount(ctx context.Context, owner string) (int, error)
}

var _ Backend = (*MemoryBackend)(nil)
var _ OwnerCounter = (*MemoryBackend)(nil)
