package linkmanager

import (
	"github.com/spf13/cast"

	"github.com/ipoplabs/goIPOPd/internal/tincan"
)

// Inbound actions handled by the link manager.
const (
	ActionCreateTunnel    = "LNK_CREATE_TUNNEL"
	ActionRemoveTunnel    = "LNK_REMOVE_TUNNEL"
	ActionRemoveLink      = "LNK_REMOVE_LINK"
	ActionQueryTunnelInfo = "LNK_QUERY_TUNNEL_INFO"
	ActionAddIgnoredInf   = "LNK_ADD_IGN_INF"
	ActionReqLinkEndpoint = "LNK_REQ_LINK_ENDPT"
	ActionAddPeerCAS      = "LNK_ADD_PEER_CAS"
	ActionVizDataReq      = "VIS_DATA_REQ"
)

// CreateTunnelRequest asks for a new tunnel to a peer on an overlay.
type CreateTunnelRequest struct {
	OverlayID string
	PeerID    string
}

// RemoveRequest identifies a tunnel or link for removal. Either OverlayID
// and PeerID together, or TunnelID, or (for link removal) LinkID suffice.
type RemoveRequest struct {
	OverlayID string
	PeerID    string
	TunnelID  string
	LinkID    string
}

// EndpointParams is the payload of the two peer-originated actions,
// LNK_REQ_LINK_ENDPT and LNK_ADD_PEER_CAS. The codec tags pin the wire key
// spelling used between nodes.
type EndpointParams struct {
	OverlayID string          `codec:"OverlayId"`
	TunnelID  string          `codec:"TunnelId"`
	LinkID    string          `codec:"LinkId"`
	NodeData  tincan.NodeData `codec:"NodeData"`
}

// decodeEndpointParams accepts the typed form (local submissions) or the
// string-keyed map a wire decode produces.
func decodeEndpointParams(v any) (EndpointParams, bool) {
	switch p := v.(type) {
	case EndpointParams:
		return p, true
	case *EndpointParams:
		return *p, true
	case map[string]any:
		ep := EndpointParams{
			OverlayID: cast.ToString(p["OverlayId"]),
			TunnelID:  cast.ToString(p["TunnelId"]),
			LinkID:    cast.ToString(p["LinkId"]),
		}
		nd := cast.ToStringMap(p["NodeData"])
		ep.NodeData = tincan.NodeData{
			UID: cast.ToString(nd["UID"]),
			MAC: cast.ToString(nd["MAC"]),
			FPR: cast.ToString(nd["FPR"]),
			CAS: cast.ToString(nd["CAS"]),
		}
		if ep.OverlayID == "" || ep.NodeData.UID == "" {
			return EndpointParams{}, false
		}
		return ep, true
	default:
		return EndpointParams{}, false
	}
}

// decodeCreateTunnelRequest accepts the typed form or a string-keyed map.
func decodeCreateTunnelRequest(v any) (CreateTunnelRequest, bool) {
	switch p := v.(type) {
	case CreateTunnelRequest:
		return p, true
	case *CreateTunnelRequest:
		return *p, true
	case map[string]any:
		return CreateTunnelRequest{
			OverlayID: cast.ToString(p["OverlayId"]),
			PeerID:    cast.ToString(p["PeerId"]),
		}, true
	default:
		return CreateTunnelRequest{}, false
	}
}

// decodeRemoveRequest accepts the typed form or a string-keyed map.
func decodeRemoveRequest(v any) (RemoveRequest, bool) {
	switch p := v.(type) {
	case RemoveRequest:
		return p, true
	case *RemoveRequest:
		return *p, true
	case map[string]any:
		return RemoveRequest{
			OverlayID: cast.ToString(p["OverlayId"]),
			PeerID:    cast.ToString(p["PeerId"]),
			TunnelID:  cast.ToString(p["TunnelId"]),
			LinkID:    cast.ToString(p["LinkId"]),
		}, true
	default:
		return RemoveRequest{}, false
	}
}

// decodeTunnelDescriptor accepts the typed datapath descriptor or the map a
// wire decode produces.
func decodeTunnelDescriptor(v any) tincan.TunnelDescriptor {
	switch d := v.(type) {
	case tincan.TunnelDescriptor:
		return d
	case *tincan.TunnelDescriptor:
		return *d
	case map[string]any:
		return tincan.TunnelDescriptor{
			MAC:     cast.ToString(d["MAC"]),
			TapName: cast.ToString(d["TapName"]),
			FPR:     cast.ToString(d["FPR"]),
		}
	default:
		return tincan.TunnelDescriptor{}
	}
}

// decodeLinkDescriptor accepts the typed datapath link descriptor or a map.
func decodeLinkDescriptor(v any) tincan.LinkDescriptor {
	switch d := v.(type) {
	case tincan.LinkDescriptor:
		return d
	case *tincan.LinkDescriptor:
		return *d
	case map[string]any:
		return tincan.LinkDescriptor{
			MAC:     cast.ToString(d["MAC"]),
			TapName: cast.ToString(d["TapName"]),
			FPR:     cast.ToString(d["FPR"]),
			CAS:     cast.ToString(d["CAS"]),
		}
	default:
		return tincan.LinkDescriptor{}
	}
}

// decodeMsgNotify accepts the typed datapath notification or a map.
func decodeMsgNotify(v any) (tincan.MsgNotifyParams, bool) {
	switch p := v.(type) {
	case tincan.MsgNotifyParams:
		return p, true
	case *tincan.MsgNotifyParams:
		return *p, true
	case map[string]any:
		return tincan.MsgNotifyParams{
			Command:   cast.ToString(p["Command"]),
			Data:      cast.ToString(p["Data"]),
			OverlayID: cast.ToString(p["OverlayId"]),
			TunnelID:  cast.ToString(p["TunnelId"]),
			LinkID:    cast.ToString(p["LinkId"]),
		}, true
	default:
		return tincan.MsgNotifyParams{}, false
	}
}

// TunnelInfo is one entry of a LNK_QUERY_TUNNEL_INFO response.
type TunnelInfo struct {
	OverlayID string
	TunnelID  string
	PeerID    string
	Stats     map[string]any
	MAC       string
	PeerMAC   string
}

// VizTunnelData is one entry of a VIS_DATA_REQ response.
type VizTunnelData struct {
	NodeID      string
	PeerID      string
	TunnelState string
	TapName     string
	MAC         string
	IceRole     string
}

// CreateTunnelResponse is returned to the upstream caller once the
// handshake completes; the link id equals the tunnel id at creation.
type CreateTunnelResponse struct {
	LinkID string
}
