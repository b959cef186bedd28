package mdc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	mpoolerrors "github.com/hse-project/mpool/errors"
	"github.com/hse-project/mpool/internal/backend"
	"github.com/hse-project/mpool/internal/backend/membackend"
	"github.com/hse-project/mpool/mlog"
	"github.com/hse-project/mpool/registry"
)

func newTestManager(t *testing.T) (*Manager, *mlog.Manager) {
	t.Helper()
	be := membackend.New(t.TempDir())
	t.Cleanup(func() { be.Close() })
	lm := mlog.NewManager(be, registry.New())
	return NewManager(lm), lm
}

func readAll(t *testing.T, h *Handle) []string {
	t.Helper()
	require.NoError(t, h.Rewind())
	var got []string
	buf := make([]byte, 256)
	for {
		n, err := h.Read(buf)
		if mpoolerrors.Is(err, mpoolerrors.KindNotFound) {
			break
		}
		require.NoError(t, err)
		got = append(got, string(buf[:n]))
	}
	return got
}

// Seed scenario 3: append many records, compact, append a few more,
// commit the compaction, close, reopen, and see only the
// post-compaction records.
func TestCompactionThenReopenSeesOnlyNewRecords(t *testing.T) {
	mg, _ := newTestManager(t)
	id0, id1, err := mg.Alloc(backend.MediaClassCapacity, 4<<20)
	require.NoError(t, err)
	require.NoError(t, mg.Commit(id0, id1))

	h, err := mg.Open(id0, id1)
	require.NoError(t, err)

	old := bytes.Repeat([]byte("x"), 128)
	for i := 0; i < 1000; i++ {
		require.NoError(t, h.Append(old, false))
	}
	require.NoError(t, h.Cstart())

	newRec := bytes.Repeat([]byte("y"), 128)
	for i := 0; i < 10; i++ {
		require.NoError(t, h.Append(newRec, false))
	}
	require.NoError(t, h.Cend())
	require.NoError(t, h.Close())

	h2, err := mg.Open(id0, id1)
	require.NoError(t, err)
	got := readAll(t, h2)
	require.Len(t, got, 10)
	for _, r := range got {
		require.Equal(t, string(newRec), r)
	}
	require.NoError(t, h2.Close())
}

// Seed scenario 4: crash between Cstart and Cend must recover the
// pre-compaction stream, never a mixture.
func TestCrashDuringCompactionRecoversPreCompactionStream(t *testing.T) {
	mg, _ := newTestManager(t)
	id0, id1, err := mg.Alloc(backend.MediaClassCapacity, 4<<20)
	require.NoError(t, err)
	require.NoError(t, mg.Commit(id0, id1))

	h, err := mg.Open(id0, id1)
	require.NoError(t, err)

	oldRec := []byte("old")
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Append(oldRec, false))
	}
	require.NoError(t, h.Cstart())

	newRec := []byte("new")
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Append(newRec, false))
	}
	// Simulate a crash: no Cend, no Close. Drop the handle and reopen
	// straight from the persisted IDs.

	h2, err := mg.Open(id0, id1)
	require.NoError(t, err)
	got := readAll(t, h2)
	require.Len(t, got, 5)
	for _, r := range got {
		require.Equal(t, "old", r)
	}
	require.NoError(t, h2.Close())
}

// A second, wholly uneventful reopen following crash recovery must
// still see the pre-compaction stream: recovery's own erase of the
// invalid standby must not leave it able to masquerade as the
// authoritative side on the next Open, per spec.md §8 invariant 3.
func TestReopenAfterCrashRecoveryTwiceStillSeesRecoveredStream(t *testing.T) {
	mg, _ := newTestManager(t)
	id0, id1, err := mg.Alloc(backend.MediaClassCapacity, 4<<20)
	require.NoError(t, err)
	require.NoError(t, mg.Commit(id0, id1))

	h, err := mg.Open(id0, id1)
	require.NoError(t, err)

	oldRec := []byte("old")
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Append(oldRec, false))
	}
	require.NoError(t, h.Cstart())

	newRec := []byte("new")
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Append(newRec, false))
	}
	// Simulate a crash: no Cend. Close writes no marker, so the
	// persisted state matches a crash at this point.
	require.NoError(t, h.Close())

	h2, err := mg.Open(id0, id1)
	require.NoError(t, err)
	got := readAll(t, h2)
	require.Len(t, got, 5)
	for _, r := range got {
		require.Equal(t, "old", r)
	}
	require.NoError(t, h2.Close())

	// No writes happened on h2 beyond the recovery scan. Reopening
	// again with nothing else in between must reach the same stream.
	h3, err := mg.Open(id0, id1)
	require.NoError(t, err)
	got = readAll(t, h3)
	require.Len(t, got, 5)
	for _, r := range got {
		require.Equal(t, "old", r)
	}
	require.NoError(t, h3.Close())
}

func TestAppendRewindReadRoundtrip(t *testing.T) {
	mg, _ := newTestManager(t)
	id0, id1, err := mg.Alloc(backend.MediaClassCapacity, 1<<20)
	require.NoError(t, err)
	require.NoError(t, mg.Commit(id0, id1))

	h, err := mg.Open(id0, id1)
	require.NoError(t, err)
	for _, r := range []string{"a", "bb", "ccc"} {
		require.NoError(t, h.Append([]byte(r), true))
	}
	got := readAll(t, h)
	require.Equal(t, []string{"a", "bb", "ccc"}, got)
	require.NoError(t, h.Close())
}

func TestCloseThenReopenPreservesRecords(t *testing.T) {
	mg, _ := newTestManager(t)
	id0, id1, err := mg.Alloc(backend.MediaClassCapacity, 1<<20)
	require.NoError(t, err)
	require.NoError(t, mg.Commit(id0, id1))

	h, err := mg.Open(id0, id1)
	require.NoError(t, err)
	require.NoError(t, h.Append([]byte("one"), true))
	require.NoError(t, h.Append([]byte("two"), true))
	require.NoError(t, h.Close())

	h2, err := mg.Open(id0, id1)
	require.NoError(t, err)
	got := readAll(t, h2)
	require.Equal(t, []string{"one", "two"}, got)
	require.NoError(t, h2.Close())
}

func TestDestroyUnopenedPair(t *testing.T) {
	mg, _ := newTestManager(t)
	id0, id1, err := mg.Alloc(backend.MediaClassCapacity, 1<<20)
	require.NoError(t, err)
	require.NoError(t, mg.Commit(id0, id1))
	require.NoError(t, mg.Destroy(id0, id1))
}

func TestOpenUnsynchronizedRoundtrip(t *testing.T) {
	mg, _ := newTestManager(t)
	id0, id1, err := mg.Alloc(backend.MediaClassCapacity, 1<<20)
	require.NoError(t, err)
	require.NoError(t, mg.Commit(id0, id1))

	h, err := mg.OpenUnsynchronized(id0, id1)
	require.NoError(t, err)
	require.NoError(t, h.Append([]byte("solo"), true))
	got := readAll(t, h)
	require.Equal(t, []string{"solo"}, got)
	require.NoError(t, h.Close())
}

func TestCendWithoutCstartFails(t *testing.T) {
	mg, _ := newTestManager(t)
	id0, id1, err := mg.Alloc(backend.MediaClassCapacity, 1<<20)
	require.NoError(t, err)
	require.NoError(t, mg.Commit(id0, id1))

	h, err := mg.Open(id0, id1)
	require.NoError(t, err)
	require.Error(t, h.Cend())
	require.NoError(t, h.Close())
}
