package offload

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// record is a stored blob plus the checksum it was stored under, grounded
// on friggdb/backend/cache.reader's read-or-cache-to-disk wrapper but
// keeping everything resident instead of spilling to a file.
type record struct {
	data     []byte
	checksum uint64
}

// MemoryBackend is a process-local reference Backend. It exists to drive
// the cache core's tests; it is not meant to survive a restart.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]record
}

// NewMemoryBackend returns an empty in-memory offload store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[uuid.UUID]record)}
}

var _ Backend = (*MemoryBackend)(nil)

// Offload stores a copy of data under a freshly generated id.
func (m *MemoryBackend) Offload(ctx context.Context, data []byte) (uuid.UUID, error) {
	id := uuid.New()
	cp := make([]byte, len(data))
	copy(cp, data)

	m.mu.Lock()
	m.entries[id] = record{data: cp, checksum: xxhash.Sum64(cp)}
	m.mu.Unlock()

	return id, nil
}

// Restore returns the bytes stored under id, verifying their checksum
// hasn't drifted since Offload.
func (m *MemoryBackend) Restore(ctx context.Context, id uuid.UUID) ([]byte, error) {
	m.mu.RLock()
	rec, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if xxhash.Sum64(rec.data) != rec.checksum {
		return nil, ErrCorrupt
	}
	out := make([]byte, len(rec.data))
	copy(out, rec.data)
	return out, nil
}

// Release discards the entry stored under id.
func (m *MemoryBackend) Release(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return ErrReleasing
	}
	delete(m.entries, id)
	return nil
}

// Len reports how many blobs are currently stored, for test assertions.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
