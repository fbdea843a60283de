// Package linkmanager establishes, monitors, and tears down the P2P tunnels
// of an overlay node. Each tunnel wraps a single NAT-traversing link created
// by the Tincan datapath and negotiated with the peer over signaling.
package linkmanager

import (
	"time"
)

// TunnelState is the lifecycle state of a tunnel.
type TunnelState int

const (
	// TunnelCreating means the link handshake is in progress.
	TunnelCreating TunnelState = iota
	// TunnelQuerying means connectivity is being rechecked after a
	// reported drop.
	TunnelQuerying
	// TunnelOnline means the link is passing traffic.
	TunnelOnline
	// TunnelOffline means the tunnel persists but its link is down or
	// removed.
	TunnelOffline
)

// String returns the string representation of the state.
func (s TunnelState) String() string {
	switch s {
	case TunnelCreating:
		return "TNL_CREATING"
	case TunnelQuerying:
		return "TNL_QUERYING"
	case TunnelOnline:
		return "TNL_ONLINE"
	case TunnelOffline:
		return "TNL_OFFLINE"
	default:
		return "TNL_UNKNOWN"
	}
}

// CreationState tracks a link's progress through the create handshake. The
// values follow the two role progressions: 0xA1-0xA4 on the initiating node,
// 0xB1-0xB3 on the responder, 0xC0 once established on either.
type CreationState byte

const (
	// CreationStateA1 is set when the initiator allocates the tunnel and
	// requests its local endpoint.
	CreationStateA1 CreationState = 0xA1
	// CreationStateA2 is set when the initiator has its descriptor and
	// requests the peer's endpoint.
	CreationStateA2 CreationState = 0xA2
	// CreationStateA3 is set when the peer's endpoint data arrived and
	// the local link create is in flight.
	CreationStateA3 CreationState = 0xA3
	// CreationStateA4 is set when the local CAS is being sent to the peer.
	CreationStateA4 CreationState = 0xA4
	// CreationStateB1 is set when the responder accepts an endpoint
	// request and creates its local link.
	CreationStateB1 CreationState = 0xB1
	// CreationStateB2 is set when the responder has returned its
	// endpoint data and awaits the initiator's CAS.
	CreationStateB2 CreationState = 0xB2
	// CreationStateB3 is set when the responder is applying the
	// initiator's CAS.
	CreationStateB3 CreationState = 0xB3
	// CreationStateEstablished marks a fully negotiated link.
	CreationStateEstablished CreationState = 0xC0
)

// Complete reports whether the handshake has finished.
func (s CreationState) Complete() bool {
	return s == CreationStateEstablished
}

// Descriptor is the local virtual-interface identity of a tunnel, populated
// asynchronously from datapath responses.
type Descriptor struct {
	MAC     string
	TapName string
	FPR     string
	PeerMAC string
}

// Link is the transient negotiation and connectivity record inside a tunnel.
type Link struct {
	LinkID        string
	CreationState CreationState
	IceRole       string
	// Stats is the datapath's opaque counter map.
	Stats map[string]any
	// StatusRetry counts consecutive OFFLINE stats results; the health
	// monitor acts once it passes its thresholds.
	StatusRetry int
}

// Tunnel is the durable association with one peer in one overlay. Its link
// record may be replaced without destroying the tunnel.
type Tunnel struct {
	OverlayID  string
	PeerID     string
	TunnelID   string
	State      TunnelState
	Descriptor Descriptor
	Link       *Link
	// CreatedAt is reset whenever a link creation starts; the expiry
	// sweep measures handshake age from it.
	CreatedAt time.Time
}
