package linkmanager

import (
	"errors"
	"fmt"
)

// Sentinel errors for link manager operations. Each corresponds to one
// failure policy: surface, rollback, or discard.
var (
	// ErrBadRequest covers missing or undecodable identifiers and tunnels
	// that cannot be resolved. Unknown overlays are rejected with their own
	// message.
	ErrBadRequest = errors.New("insufficient or invalid parameters")
	// ErrConflict fails the local upstream create whose incomplete tunnel
	// was torn down after losing collision arbitration to the peer's
	// request. Requests for a pair that already has a tunnel are rejected
	// with their own messages.
	ErrConflict = errors.New("tunnel already exists")
	// ErrBusy is returned when teardown is requested mid-handshake.
	ErrBusy = errors.New("tunnel busy, retry operation")
	// ErrDatapathFailure names the datapath-rejection kind. No handler
	// returns it: a datapath rejection reaches the caller as the datapath's
	// own response data.
	ErrDatapathFailure = errors.New("datapath request failed")
	// ErrSignalingFailure names the unreachable-peer kind. No handler
	// returns it: a signaling failure reaches the caller as the signaling
	// module's own response data.
	ErrSignalingFailure = errors.New("signaling request failed")
	// ErrExpired is returned for handshakes reclaimed by the expiry sweep.
	ErrExpired = errors.New("link creation expired")
	// ErrStale marks responses for tunnels that no longer exist.
	ErrStale = errors.New("stale response for removed tunnel")
)

// TunnelError wraps an error with the tunnel context it occurred in.
type TunnelError struct {
	OverlayID string
	PeerID    string
	TunnelID  string
	Op        string
	Err       error
}

// Error returns the error message.
func (e *TunnelError) Error() string {
	if e.TunnelID != "" {
		return fmt.Sprintf("tunnel %.7s (%.7s<->%.7s): %s: %v",
			e.TunnelID, e.OverlayID, e.PeerID, e.Op, e.Err)
	}
	return fmt.Sprintf("overlay %.7s peer %.7s: %s: %v", e.OverlayID, e.PeerID, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TunnelError) Unwrap() error {
	return e.Err
}
