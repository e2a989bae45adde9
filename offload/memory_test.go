package offload

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestOffloadRestoreRoundTrips(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	id, err := b.Offload(ctx, []byte("cold payload"))
	require.NoError(t, err)

	got, err := b.Restore(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "cold payload", string(got))
}

func TestRestoreUnknownIDFails(t *testing.T) {
	b := NewMemoryBackend()
	_, err := b.Restore(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReleaseThenRestoreFails(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	id, err := b.Offload(ctx, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, 1, b.Len())

	require.NoError(t, b.Release(ctx, id))
	require.Equal(t, 0, b.Len())

	_, err = b.Restore(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReleaseUnknownIDFails(t *testing.T) {
	b := NewMemoryBackend()
	err := b.Release(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrReleasing)
}

func TestDetectsCorruption(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	id, err := b.Offload(ctx, []byte("original"))
	require.NoError(t, err)

	rec := b.entries[id]
	rec.data[0] ^= 0xFF
	b.entries[id] = rec

	_, err = b.Restore(ctx, id)
	require.ErrorIs(t, err, ErrCorrupt)
}
