// Package signal implements the overlay signaling surface: remote actions
// addressed to a named module on a peer node, and the wire codec used to
// carry them. The transport itself (XMPP, relay server, ...) is pluggable;
// this package owns the envelope format and the bus-facing module.
package signal

// ModuleName is the bus name the signaling module registers under.
const ModuleName = "Signal"

// ActionRemoteAction requests delivery of a RemoteAction to a peer.
const ActionRemoteAction = "SIG_REMOTE_ACTION"

// RemoteAction addresses an action invocation to a module on a peer node.
type RemoteAction struct {
	OverlayID   string
	RecipientID string
	// RecipientCM names the controller module on the peer that should
	// handle the action, e.g. "LinkManager".
	RecipientCM string
	Action      string
	Params      any
}

// Reply is the peer's answer to a delivered remote action. It is the
// response data of a completed SIG_REMOTE_ACTION task.
type Reply struct {
	OverlayID   string
	RecipientID string
	Action      string
	Data        any
}
