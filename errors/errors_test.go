package errors

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMerrKindOf(t *testing.T) {
	require.Equal(t, KindNone, KindOf(nil))

	err := New(KindNotFound, "object 42")
	require.Equal(t, KindNotFound, KindOf(err))
	require.True(t, Is(err, KindNotFound))
	require.False(t, Is(err, KindBusy))
}

func TestMerrErrno(t *testing.T) {
	err := Errno(KindIO, 5, "write extent")
	require.Equal(t, int32(5), ErrnoOf(err))
	require.Contains(t, err.Error(), "errno 5")
	require.Contains(t, err.Error(), "write extent")
}

func TestMerrRenderFallsBackToKind(t *testing.T) {
	err := New(KindCorrupt, "")
	require.Contains(t, err.Error(), "corrupt")
}
