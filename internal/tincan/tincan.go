// Package tincan defines the task contract with the Tincan datapath engine:
// the module that owns the tap devices and runs ICE/DTLS. The link manager
// talks to it exclusively through request tasks carrying these types.
package tincan

// ModuleName is the bus name the datapath engine registers under.
const ModuleName = "TincanInterface"

// Actions the datapath accepts or emits.
const (
	ActionCreateTunnel   = "TCI_CREATE_TUNNEL"
	ActionCreateLink     = "TCI_CREATE_LINK"
	ActionQueryLinkStats = "TCI_QUERY_LINK_STATS"
	ActionRemoveTunnel   = "TCI_REMOVE_TUNNEL"
	ActionRemoveLink     = "TCI_REMOVE_LINK"
	// ActionMsgNotify is the async notification channel from the datapath
	// to its subscribers (link state changes and the like).
	ActionMsgNotify = "TCI_TINCAN_MSG_NOTIFY"
)

// NodeData is the endpoint identity quadruple exchanged during link
// negotiation. CAS is empty until the local ICE gathering has produced a
// candidate bundle.
type NodeData struct {
	UID string
	MAC string
	FPR string
	CAS string
}

// CreateTunnelParams asks the datapath to bring up a new tap device and the
// tunnel scaffolding for one peer.
type CreateTunnelParams struct {
	OverlayID    string
	NodeID       string
	TunnelID     string
	LinkID       string
	StunServers  []string
	TurnServers  []string
	Type         string
	TapName      string
	IP4          string
	MTU4         int
	IP4PrefixLen int
	// IgnoredNetInterfaces lists device names the ICE agent must not
	// gather candidates from.
	IgnoredNetInterfaces []string
}

// CreateLinkParams asks the datapath to create or update the link endpoint
// inside an existing or new tunnel, seeded with the remote peer's NodeData.
type CreateLinkParams struct {
	OverlayID            string
	NodeID               string
	TunnelID             string
	LinkID               string
	StunServers          []string
	TurnServers          []string
	Type                 string
	TapName              string
	IP4                  string
	MTU4                 int
	IP4PrefixLen         int
	IgnoredNetInterfaces []string
	NodeData             NodeData
}

// RemoveParams identifies the tunnel or link to tear down.
type RemoveParams struct {
	OverlayID string
	TunnelID  string
	LinkID    string
	PeerID    string
}

// TunnelDescriptor is the datapath's answer to TCI_CREATE_TUNNEL: the local
// virtual-interface identity.
type TunnelDescriptor struct {
	MAC     string
	TapName string
	FPR     string
}

// LinkDescriptor is the datapath's answer to TCI_CREATE_LINK, carrying the
// locally gathered candidate bundle.
type LinkDescriptor struct {
	MAC     string
	TapName string
	FPR     string
	CAS     string
}

// MsgNotifyParams is the payload of an async datapath notification.
type MsgNotifyParams struct {
	Command   string
	Data      string
	OverlayID string
	TunnelID  string
	LinkID    string
}

// Link state change notifications carried in MsgNotifyParams.
const (
	CommandLinkStateChange = "LinkStateChange"
	LinkStateUp            = "LINK_STATE_UP"
	LinkStateDown          = "LINK_STATE_DOWN"
)
