package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	mpoolerrors "github.com/hse-project/mpool/errors"
	"github.com/hse-project/mpool/internal/backend"
	"github.com/hse-project/mpool/internal/backend/membackend"
	"github.com/hse-project/mpool/params"
)

func TestOpenCloseRoundtrip(t *testing.T) {
	be := membackend.New(t.TempDir())
	p, err := Open(context.Background(), Config{
		Backend:    be,
		RuntimeDir: t.TempDir(),
		Params:     params.Params{Label: "roundtrip"},
	})
	require.NoError(t, err)
	require.Equal(t, backend.MediaClassCapacity, p.Params().MediaClass)
	require.NoError(t, p.Close(context.Background()))
}

func TestSecondExclusiveOpenFailsBusy(t *testing.T) {
	runtimeDir := t.TempDir()
	be1 := membackend.New(t.TempDir())
	p1, err := Open(context.Background(), Config{
		Backend:    be1,
		RuntimeDir: runtimeDir,
		Mode:       ModeExclusive,
		Params:     params.Params{Label: "shared-name"},
	})
	require.NoError(t, err)
	defer p1.Close(context.Background())

	be2 := membackend.New(t.TempDir())
	_, err = Open(context.Background(), Config{
		Backend:    be2,
		RuntimeDir: runtimeDir,
		Mode:       ModeExclusive,
		Params:     params.Params{Label: "shared-name"},
	})
	require.Error(t, err)
	require.Equal(t, mpoolerrors.KindBusy, mpoolerrors.KindOf(err))
}

func TestDistinctLabelsDoNotConflict(t *testing.T) {
	runtimeDir := t.TempDir()
	be1 := membackend.New(t.TempDir())
	p1, err := Open(context.Background(), Config{Backend: be1, RuntimeDir: runtimeDir, Params: params.Params{Label: "a"}})
	require.NoError(t, err)
	defer p1.Close(context.Background())

	be2 := membackend.New(t.TempDir())
	p2, err := Open(context.Background(), Config{Backend: be2, RuntimeDir: runtimeDir, Params: params.Params{Label: "b"}})
	require.NoError(t, err)
	defer p2.Close(context.Background())
}

func TestCloseFailsWithOutstandingReference(t *testing.T) {
	be := membackend.New(t.TempDir())
	p, err := Open(context.Background(), Config{Backend: be, RuntimeDir: t.TempDir(), Params: params.Params{Label: "busy"}})
	require.NoError(t, err)

	h, _, err := p.Mblock.Allocate(backend.MediaClassCapacity, false)
	require.NoError(t, err)

	err = p.Close(context.Background())
	require.Error(t, err)
	require.Equal(t, mpoolerrors.KindBusy, mpoolerrors.KindOf(err))

	require.NoError(t, p.Mblock.Abort(h))
	require.NoError(t, p.Close(context.Background()))
}

func TestCloseTwiceFails(t *testing.T) {
	be := membackend.New(t.TempDir())
	p, err := Open(context.Background(), Config{Backend: be, RuntimeDir: t.TempDir(), Params: params.Params{Label: "twice"}})
	require.NoError(t, err)
	require.NoError(t, p.Close(context.Background()))
	require.Error(t, p.Close(context.Background()))
}
