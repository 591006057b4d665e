package shm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAttachDetachUnlink(t *testing.T) {
	seg, err := Create(1024)
	require.NoError(t, err)
	require.NotZero(t, seg.ID)
	require.GreaterOrEqual(t, seg.Size, 1024)

	peer, err := Attach(seg.ID)
	require.NoError(t, err)
	require.Equal(t, seg.Size, peer.Size)

	copy(seg.Bytes(), []byte("hello"))
	require.Equal(t, []byte("hello"), peer.Bytes()[:5])

	require.NoError(t, Detach(peer))
	require.NoError(t, Detach(seg))
	require.NoError(t, Unlink(seg.ID))
	// idempotent
	require.NoError(t, Unlink(seg.ID))
}

func TestRoundToPage(t *testing.T) {
	if got := roundToPage(1); got < 1 || got%pageSize != 0 {
		t.Fatalf("roundToPage(1) = %d, want a positive multiple of %d", got, pageSize)
	}
	if got := roundToPage(0); got != pageSize {
		t.Fatalf("roundToPage(0) = %d, want %d", got, pageSize)
	}
}

func TestResizePreservesPrefix(t *testing.T) {
	seg, err := Create(64)
	require.NoError(t, err)
	defer func() {
		_ = Detach(seg)
		_ = Unlink(seg.ID)
	}()

	copy(seg.Bytes(), []byte("preserve-me"))
	target := seg.Size + pageSize*2
	bigger, err := Resize(seg, target)
	require.NoError(t, err)
	require.GreaterOrEqual(t, bigger.Size, target)
	require.Equal(t, []byte("preserve-me"), bigger.Bytes()[:11])

	require.NoError(t, Unlink(bigger.ID))
}
