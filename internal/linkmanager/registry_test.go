package linkmanager

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *registry {
	return newRegistry([]string{overlayID})
}

func TestRegistryAssignAndResolve(t *testing.T) {
	r := newTestRegistry()
	tnl := &Tunnel{OverlayID: overlayID, PeerID: nodeB, TunnelID: "t1"}
	r.addTunnel(tnl)
	r.assignLink("t1", "l1", CreationStateA1)

	assert.Equal(t, "l1", r.linkID("t1"))
	assert.Equal(t, "t1", r.tunnelID("l1"))
	got, ok := r.tunnelForPeer(overlayID, nodeB)
	require.True(t, ok)
	assert.Equal(t, "t1", got)
	assert.True(t, r.isIncomplete("t1"))
	assert.False(t, r.isComplete("t1"))
}

func TestRegistryRemoveLinkKeepsTunnel(t *testing.T) {
	r := newTestRegistry()
	r.addTunnel(&Tunnel{OverlayID: overlayID, PeerID: nodeB, TunnelID: "t1", State: TunnelOnline})
	r.assignLink("t1", "t1", CreationStateEstablished)

	r.removeLinkFromTunnel("t1")

	tnl := r.tunnel("t1")
	require.NotNil(t, tnl)
	assert.Nil(t, tnl.Link)
	assert.Equal(t, TunnelOffline, tnl.State)
	assert.Empty(t, r.links)
	assert.False(t, r.isIncomplete("t1"))
	assert.False(t, r.isComplete("t1"))
}

// TestRegistryCleanupIdempotent: cleanup twice is a no-op the second time.
func TestRegistryCleanupIdempotent(t *testing.T) {
	r := newTestRegistry()
	r.addTunnel(&Tunnel{OverlayID: overlayID, PeerID: nodeB, TunnelID: "t1"})
	r.assignLink("t1", "t1", CreationStateB1)

	r.cleanupRemovedTunnel("t1")
	assert.Empty(t, r.tunnels)
	assert.Empty(t, r.links)
	assert.Empty(t, r.peers[overlayID])

	// Second call must not panic or mutate anything.
	r.cleanupRemovedTunnel("t1")
	assert.Empty(t, r.tunnels)
}

func TestRegistryIgnoredTapNames(t *testing.T) {
	r := newTestRegistry()
	r.addTunnel(&Tunnel{OverlayID: overlayID, PeerID: nodeB, TunnelID: "t1",
		Descriptor: Descriptor{TapName: "ipoptap0peerone"}})
	r.addIgnored(overlayID, []string{"eth0"})

	names := r.ignoredTapNames(overlayID, "newtap")
	assert.ElementsMatch(t, []string{"ipoptap0peerone", "eth0", "newtap"}, names)

	// Without a new interface only the existing names remain.
	names = r.ignoredTapNames(overlayID, "")
	assert.ElementsMatch(t, []string{"ipoptap0peerone", "eth0"}, names)
}

// TestRegistryInvariantsUnderRandomOps drives random assign/remove/cleanup
// sequences and checks the cross-index invariants after every step: one
// tunnel per (overlay, peer), every link back-pointer resolving to its
// owning tunnel, and no orphaned link entries.
func TestRegistryInvariantsUnderRandomOps(t *testing.T) {
	r := newTestRegistry()
	rng := rand.New(rand.NewSource(42))
	peerPool := make([]string, 8)
	for i := range peerPool {
		peerPool[i] = fmt.Sprintf("%032d", i)
	}

	for step := 0; step < 2000; step++ {
		peer := peerPool[rng.Intn(len(peerPool))]
		switch rng.Intn(4) {
		case 0: // create
			if _, exists := r.tunnelForPeer(overlayID, peer); !exists {
				tnlid := fmt.Sprintf("tnl-%s-%d", peer[:4], step)
				r.addTunnel(&Tunnel{OverlayID: overlayID, PeerID: peer, TunnelID: tnlid})
				r.assignLink(tnlid, tnlid, CreationStateA1)
			}
		case 1: // complete
			if tnlid, exists := r.tunnelForPeer(overlayID, peer); exists {
				if tnl := r.tunnel(tnlid); tnl != nil && tnl.Link != nil {
					tnl.Link.CreationState = CreationStateEstablished
				}
			}
		case 2: // drop link
			if tnlid, exists := r.tunnelForPeer(overlayID, peer); exists {
				r.removeLinkFromTunnel(tnlid)
			}
		case 3: // remove
			if tnlid, exists := r.tunnelForPeer(overlayID, peer); exists {
				r.cleanupRemovedTunnel(tnlid)
			}
		}
		checkRegistryInvariants(t, r)
	}
}

func checkRegistryInvariants(t *testing.T, r *registry) {
	t.Helper()
	// I1: at most one tunnel per (overlay, peer); index entries resolve.
	for olid, peers := range r.peers {
		for peer, tnlid := range peers {
			tnl := r.tunnel(tnlid)
			require.NotNil(t, tnl, "peer index points at a missing tunnel")
			require.Equal(t, olid, tnl.OverlayID)
			require.Equal(t, peer, tnl.PeerID)
		}
	}
	// I2: every link back-pointer resolves to a tunnel owning that link.
	for lnkid, tnlid := range r.links {
		tnl := r.tunnel(tnlid)
		require.NotNil(t, tnl, "link index points at a missing tunnel")
		require.NotNil(t, tnl.Link, "link index points at a linkless tunnel")
		require.Equal(t, lnkid, tnl.Link.LinkID)
	}
	// Reverse of I2: every owned link is indexed.
	for tnlid, tnl := range r.tunnels {
		if tnl.Link != nil {
			require.Equal(t, tnlid, r.links[tnl.Link.LinkID])
		}
	}
}
