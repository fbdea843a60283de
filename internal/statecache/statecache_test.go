package statecache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot(overlay, peer, tunnel string) Snapshot {
	return Snapshot{
		OverlayID: overlay,
		PeerID:    peer,
		TunnelID:  tunnel,
		State:     "TNL_ONLINE",
		TapName:   "ipoptap0" + peer[:4],
		MAC:       "00:16:3e:00:00:01",
		PeerMAC:   "00:16:3e:00:00:02",
		UpdatedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestPutGetDelete(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	snap := testSnapshot("ov1", "peer1", "t1")
	require.NoError(t, s.Put(snap))

	got, ok, err := s.Get("ov1", "peer1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap, got)

	_, ok, err = s.Get("ov1", "peer2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Delete("ov1", "peer1"))
	_, ok, err = s.Get("ov1", "peer1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting an absent pair is a no-op.
	require.NoError(t, s.Delete("ov1", "peer1"))
}

func TestPutReplaces(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	snap := testSnapshot("ov1", "peer1", "t1")
	require.NoError(t, s.Put(snap))
	snap.State = "TNL_OFFLINE"
	require.NoError(t, s.Put(snap))

	got, ok, err := s.Get("ov1", "peer1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "TNL_OFFLINE", got.State)
}

func TestListFiltersByOverlay(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(testSnapshot("ov1", "peer1", "t1")))
	require.NoError(t, s.Put(testSnapshot("ov1", "peer2", "t2")))
	require.NoError(t, s.Put(testSnapshot("ov2", "peer3", "t3")))

	all, err := s.List("")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	ov1, err := s.List("ov1")
	require.NoError(t, err)
	assert.Len(t, ov1, 2)
}

// TestSurvivesReopen: the inventory is the point of the store.
func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(testSnapshot("ov1", "peer1", "t1")))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()
	got, ok, err := s2.Get("ov1", "peer1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t1", got.TunnelID)
}

func TestClosedStoreErrors(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Put(testSnapshot("ov1", "peer1", "t1")), ErrClosed)
	_, _, err = s.Get("ov1", "peer1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Delete("ov1", "peer1"), ErrClosed)
	_, err = s.List("")
	assert.ErrorIs(t, err, ErrClosed)
	// Closing twice is fine.
	assert.NoError(t, s.Close())
}
