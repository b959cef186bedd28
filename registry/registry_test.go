package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	mpoolerrors "github.com/hse-project/mpool/errors"
	"github.com/hse-project/mpool/internal/backend"
)

type fakeDescriptor struct {
	kind        backend.Kind
	destroyable bool
}

func (d *fakeDescriptor) Kind() backend.Kind   { return d.kind }
func (d *fakeDescriptor) Destroyable() bool    { return d.destroyable }

func TestInsertFindGetPut(t *testing.T) {
	r := New()
	id := backend.NewObjectID(backend.KindMblock, backend.MediaClassCapacity, 1)
	desc := &fakeDescriptor{kind: backend.KindMblock}

	require.NoError(t, r.Insert(id, desc))
	require.Equal(t, 1, r.Len())

	err := r.Insert(id, desc)
	require.True(t, mpoolerrors.Is(err, mpoolerrors.KindAlreadyExists))

	got, err := r.FindGet(id, backend.KindMblock)
	require.NoError(t, err)
	require.Same(t, desc, got)
	require.EqualValues(t, 1, r.RefCount(id))

	r.Put(id)
	require.EqualValues(t, 0, r.RefCount(id))
}

func TestFindWrongKind(t *testing.T) {
	r := New()
	id := backend.NewObjectID(backend.KindMlog, backend.MediaClassCapacity, 1)
	require.NoError(t, r.Insert(id, &fakeDescriptor{kind: backend.KindMlog}))

	_, err := r.Find(id, backend.KindMblock)
	require.True(t, mpoolerrors.Is(err, mpoolerrors.KindInvalidArgument))
}

func TestRemoveBusyThenDestroyable(t *testing.T) {
	r := New()
	id := backend.NewObjectID(backend.KindMblock, backend.MediaClassCapacity, 1)
	desc := &fakeDescriptor{kind: backend.KindMblock, destroyable: true}
	require.NoError(t, r.Insert(id, desc))

	_, err := r.FindGet(id, backend.KindMblock)
	require.NoError(t, err)

	err = r.Remove(id)
	require.True(t, mpoolerrors.Is(err, mpoolerrors.KindBusy))

	r.Put(id)
	require.NoError(t, r.Remove(id))
	require.Equal(t, 0, r.Len())
}

func TestRemoveNotDestroyable(t *testing.T) {
	r := New()
	id := backend.NewObjectID(backend.KindMblock, backend.MediaClassCapacity, 1)
	require.NoError(t, r.Insert(id, &fakeDescriptor{kind: backend.KindMblock, destroyable: false}))

	err := r.Remove(id)
	require.True(t, mpoolerrors.Is(err, mpoolerrors.KindInvalidState))
}

func TestPutWithoutGetPanics(t *testing.T) {
	r := New()
	id := backend.NewObjectID(backend.KindMblock, backend.MediaClassCapacity, 1)
	require.NoError(t, r.Insert(id, &fakeDescriptor{kind: backend.KindMblock}))

	require.Panics(t, func() {
		r.Put(id)
		r.Put(id)
	})
}
