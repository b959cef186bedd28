package mlog

import (
	"testing"

	"github.com/stretchr/testify/require"

	mpoolerrors "github.com/hse-project/mpool/errors"
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

func allocateCommittedOpen(t *testing.T, m *Manager, capacity uint64) *Handle {
	t.Helper()
	h, _, err := m.Allocate(backend.MediaClassCapacity, capacity)
	require.NoError(t, err)
	require.NoError(t, m.Commit(h))
	_, err = m.Open(h, OpenFlags{})
	require.NoError(t, err)
	return h
}

func TestAppendCloseReopenRewindReadRoundtrip(t *testing.T) {
	m := newTestManager(t)
	h := allocateCommittedOpen(t, m, 1<<20)

	for _, rec := range []string{"a", "bb", "ccc"} {
		require.NoError(t, m.Append(h, []byte(rec), true))
	}
	require.NoError(t, m.Close(h))

	gen, err := m.Open(h, OpenFlags{})
	require.NoError(t, err)
	require.Equal(t, uint64(0), gen)

	require.NoError(t, m.ReadInit(h))
	var got []string
	buf := make([]byte, 16)
	for {
		n, err := m.ReadNext(h, buf)
		if mpoolerrors.Is(err, mpoolerrors.KindNotFound) {
			break
		}
		require.NoError(t, err)
		got = append(got, string(buf[:n]))
	}
	require.Equal(t, []string{"a", "bb", "ccc"}, got)
}

func TestReadNextOverflowDoesNotAdvanceCursor(t *testing.T) {
	m := newTestManager(t)
	h := allocateCommittedOpen(t, m, 1<<20)
	require.NoError(t, m.Append(h, []byte("hello world"), true))
	require.NoError(t, m.ReadInit(h))

	small := make([]byte, 2)
	_, err := m.ReadNext(h, small)
	require.True(t, mpoolerrors.Is(err, mpoolerrors.KindOverflow))
	require.EqualValues(t, len("hello world"), mpoolerrors.ErrnoOf(err))

	big := make([]byte, 32)
	n, err := m.ReadNext(h, big)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(big[:n]))
}

func TestEraseBumpsGenerationToFloor(t *testing.T) {
	m := newTestManager(t)
	h := allocateCommittedOpen(t, m, 1<<20)
	require.NoError(t, m.Append(h, []byte("x"), true))

	gen, err := m.Erase(h, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(5), gen)

	empty, err := m.Empty(h)
	require.NoError(t, err)
	require.True(t, empty)
}

func TestBumpGenerationLeavesRecordsIntact(t *testing.T) {
	m := newTestManager(t)
	h := allocateCommittedOpen(t, m, 1<<20)
	require.NoError(t, m.Append(h, []byte("x"), true))

	gen, err := m.BumpGeneration(h, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(5), gen)

	empty, err := m.Empty(h)
	require.NoError(t, err)
	require.False(t, empty)

	props, err := m.Properties(h)
	require.NoError(t, err)
	require.Equal(t, uint64(5), props.Generation)
}

func TestAppendOnReadOnlyHandleFails(t *testing.T) {
	m := newTestManager(t)
	h, _, err := m.Allocate(backend.MediaClassCapacity, 1<<20)
	require.NoError(t, err)
	require.NoError(t, m.Commit(h))
	_, err = m.Open(h, OpenFlags{ReadOnly: true})
	require.NoError(t, err)

	err = m.Append(h, []byte("x"), true)
	require.Error(t, err)
}

func TestSeekReadNext(t *testing.T) {
	m := newTestManager(t)
	h := allocateCommittedOpen(t, m, 1<<20)
	require.NoError(t, m.Append(h, []byte("aa"), true))
	require.NoError(t, m.Append(h, []byte("bb"), true))

	require.NoError(t, m.ReadInit(h))
	buf := make([]byte, 8)
	n, err := m.ReadNext(h, buf)
	require.NoError(t, err)
	require.Equal(t, "aa", string(buf[:n]))

	n, err = m.SeekReadNext(h, 0, buf)
	require.NoError(t, err)
	require.Equal(t, "bb", string(buf[:n]))
}
