// Package offload declares the pluggable cold-storage contract the cache
// commits custody-tracked bundles to (spec.md §4.F, §6). Only an in-memory reference implementation ships here; the
// persisted storage format is out of scope (spec.md §1).
package offload

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Sentinel errors a Backend implementation should surface.
var (
	ErrNotFound  = errors.New("offload: storage id not found")
	ErrCorrupt   = errors.New("offload: restored bytes fail checksum")
	ErrReleasing = errors.New("offload: release of unknown storage id")
)

// Backend is the external cold-storage collaborator. Implementations may
// write to disk, object storage, or (as here) a process-local map; the
// cache core only ever calls these three methods.
type Backend interface {
	// Offload copies data into cold storage, returning an opaque id the
	// cache records on the entry. The entry keeps its in-pool bundle too.
	Offload(ctx context.Context, data []byte) (uuid.UUID, error)

	// Restore fetches the bytes previously stored under id.
	Restore(ctx context.Context, id uuid.UUID) ([]byte, error)

	// Release discards the stored bytes for id; the cache calls this once
	// an entry is deleted or ages out.
	Release(ctx context.Context, id uuid.UUID) error
}
