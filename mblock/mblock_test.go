package mblock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hse-project/mpool/internal/backend"
	"github.com/hse-project/mpool/internal/backend/membackend"
	"github.com/hse-project/mpool/registry"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	be := membackend.New(t.TempDir())
	t.Cleanup(func() { be.Close() })
	return NewManager(be, registry.New())
}

func TestAllocateWriteCommitRead(t *testing.T) {
	m := newTestManager(t)

	h, props, err := m.Allocate(backend.MediaClassCapacity, false)
	require.NoError(t, err)
	require.Equal(t, uint64(0), props.Written)

	payload := make([]byte, props.Align*2)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, m.WriteSync(h, payload))

	require.NoError(t, m.Commit(h))

	buf := make([]byte, len(payload))
	n, err := m.Read(h, buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
}

func TestWriteAfterCommitFails(t *testing.T) {
	m := newTestManager(t)
	h, props, err := m.Allocate(backend.MediaClassCapacity, false)
	require.NoError(t, err)
	require.NoError(t, m.WriteSync(h, make([]byte, props.Align)))
	require.NoError(t, m.Commit(h))

	err = m.WriteSync(h, make([]byte, props.Align))
	require.Error(t, err)
}

func TestCommitTwiceFails(t *testing.T) {
	m := newTestManager(t)
	h, _, err := m.Allocate(backend.MediaClassCapacity, false)
	require.NoError(t, err)
	require.NoError(t, m.Commit(h))
	require.Error(t, m.Commit(h))
}

func TestAbortRemovesFromRegistry(t *testing.T) {
	m := newTestManager(t)
	h, _, err := m.Allocate(backend.MediaClassCapacity, false)
	require.NoError(t, err)
	require.NoError(t, m.Abort(h))

	// Aborted mblocks are gone from the registry.
	_, err = m.Properties(h)
	require.Error(t, err)
}

func TestDeleteRequiresCommitted(t *testing.T) {
	m := newTestManager(t)
	h, _, err := m.Allocate(backend.MediaClassCapacity, false)
	require.NoError(t, err)
	require.Error(t, m.Delete(h))
}

func TestReadBeforeCommitFails(t *testing.T) {
	m := newTestManager(t)
	h, _, err := m.Allocate(backend.MediaClassCapacity, false)
	require.NoError(t, err)
	_, err = m.Read(h, make([]byte, 16), 0)
	require.Error(t, err)
}

func TestAsyncWriteAcrossMultipleMblocks(t *testing.T) {
	m := newTestManager(t)

	h1, props, err := m.Allocate(backend.MediaClassCapacity, false)
	require.NoError(t, err)
	h2, _, err := m.Allocate(backend.MediaClassCapacity, false)
	require.NoError(t, err)

	actx := m.NewAsyncCtx(0, 0)

	chunk1 := make([]byte, props.Align*4)
	chunk2 := make([]byte, props.Align*3)
	require.NoError(t, actx.WriteAsync(h1, chunk1))
	require.NoError(t, actx.WriteAsync(h2, chunk2))

	require.NoError(t, actx.Flush(context.Background()))

	p1, err := m.Properties(h1)
	require.NoError(t, err)
	require.Equal(t, uint64(len(chunk1)), p1.Written)

	p2, err := m.Properties(h2)
	require.NoError(t, err)
	require.Equal(t, uint64(len(chunk2)), p2.Written)

	// ctx is single-use.
	require.Error(t, actx.Flush(context.Background()))
}

func TestAsyncWriteSplitsIntoOneMebibyteChunksAndPreservesOffsets(t *testing.T) {
	m := newTestManager(t)
	h, props, err := m.Allocate(backend.MediaClassCapacity, false)
	require.NoError(t, err)

	actx := m.NewAsyncCtx(0, 0)
	big := make([]byte, maxChunkBytes+props.Align)
	require.NoError(t, actx.WriteAsync(h, big))
	require.NoError(t, actx.Flush(context.Background()))

	p, err := m.Properties(h)
	require.NoError(t, err)
	require.Equal(t, uint64(len(big)), p.Written)
}

func TestAsyncFlushReportsBackendFailure(t *testing.T) {
	m := newTestManager(t)
	h, props, err := m.Allocate(backend.MediaClassCapacity, true)
	require.NoError(t, err)

	actx := m.NewAsyncCtx(0, 0)
	oversized := make([]byte, props.Capacity+uint64(props.Align))
	require.NoError(t, actx.WriteAsync(h, oversized))
	require.Error(t, actx.Flush(context.Background()))
}

func TestAsyncFlushHonorsThroughputCap(t *testing.T) {
	m := newTestManager(t)
	h, props, err := m.Allocate(backend.MediaClassCapacity, false)
	require.NoError(t, err)

	actx := m.NewAsyncCtx(0, 1)
	data := make([]byte, props.Align*2)
	require.NoError(t, actx.WriteAsync(h, data))
	require.NoError(t, actx.Flush(context.Background()))

	p, err := m.Properties(h)
	require.NoError(t, err)
	require.Equal(t, uint64(len(data)), p.Written)
}
