package linkmanager

import (
	"fmt"

	"github.com/ipoplabs/goIPOPd/internal/signal"
	"github.com/ipoplabs/goIPOPd/internal/task"
	"github.com/ipoplabs/goIPOPd/internal/tincan"
)

// The create-link handshake spans nine phases across the two roles: five on
// the initiating node A, four on the responding node B. Each handler below
// runs one phase under the manager lock and submits the task that triggers
// the next.

// reqCreateTunnel handles LNK_CREATE_TUNNEL. Phase 1 node A: allocate the
// tunnel and ask the datapath for a local endpoint. If a tunnel already
// exists without a link (a previous session went offline), phase 1 is
// skipped and the stored descriptor reused.
func (m *Manager) reqCreateTunnel(t *task.Task) {
	req, ok := decodeCreateTunnelRequest(t.Request.Params)
	if !ok || req.OverlayID == "" || req.PeerID == "" {
		t.SetResponse(ErrBadRequest.Error(), false)
		m.bus.Complete(t)
		return
	}
	if _, ok := m.cfg.Overlays[req.OverlayID]; !ok {
		t.SetResponse(fmt.Sprintf("unknown overlay id %s", req.OverlayID), false)
		m.bus.Complete(t)
		return
	}
	if tnlid, exists := m.reg.tunnelForPeer(req.OverlayID, req.PeerID); exists {
		tnl := m.reg.tunnel(tnlid)
		if tnl == nil {
			t.SetResponse(ErrBadRequest.Error(), false)
			m.bus.Complete(t)
			return
		}
		if tnl.Link != nil {
			t.SetResponse(fmt.Sprintf(
				"a link already exists or is being created for overlay id: %s peer id: %s",
				req.OverlayID, req.PeerID), false)
			m.bus.Complete(t)
			return
		}
		// Tunnel exists but went offline; the descriptor is still good.
		lnkid := tnlid
		m.log.Debug("create link: tunnel exists, skipping phase 1/5 node A",
			"link", short(lnkid), "peer", short(req.PeerID))
		m.reg.assignLink(tnlid, lnkid, CreationStateA2)
		tnl.State = TunnelCreating
		tnl.CreatedAt = m.clock()
		m.trackPending(tnlid, t)
		m.pub.Publish(Event{
			Type: EventCreating, OverlayID: req.OverlayID, PeerID: req.PeerID,
			TunnelID: tnlid, LinkID: lnkid,
		})
		m.persist(tnl)
		m.log.Debug("create link phase 2/5 node A", "link", short(lnkid), "peer", short(req.PeerID))
		m.requestPeerEndpoint(t, tnl, lnkid)
		return
	}

	tnlid := newID()
	lnkid := tnlid
	tnl := &Tunnel{
		OverlayID: req.OverlayID,
		PeerID:    req.PeerID,
		TunnelID:  tnlid,
		State:     TunnelCreating,
		CreatedAt: m.clock(),
	}
	m.reg.addTunnel(tnl)
	m.reg.assignLink(tnlid, lnkid, CreationStateA1)
	m.trackPending(tnlid, t)
	m.log.Debug("create link phase 1/5 node A", "link", short(lnkid), "peer", short(req.PeerID))
	m.pub.Publish(Event{
		Type: EventCreating, OverlayID: req.OverlayID, PeerID: req.PeerID,
		TunnelID: tnlid, LinkID: lnkid,
	})
	m.persist(tnl)
	m.submitCreateTunnel(t, tnl, lnkid)
}

// submitCreateTunnel issues TCI_CREATE_TUNNEL for a freshly allocated tunnel.
func (m *Manager) submitCreateTunnel(parent *task.Task, tnl *Tunnel, lnkid string) {
	ol := m.cfg.Overlays[tnl.OverlayID]
	tapName := m.cfg.EffectiveTapName(tnl.OverlayID, tnl.PeerID)
	params := tincan.CreateTunnelParams{
		OverlayID:            tnl.OverlayID,
		NodeID:               m.cfg.NodeID,
		TunnelID:             tnl.TunnelID,
		LinkID:               lnkid,
		StunServers:          m.cfg.Stun,
		TurnServers:          m.cfg.Turn,
		Type:                 ol.Type,
		TapName:              tapName,
		IP4:                  ol.IP4,
		MTU4:                 ol.MTU4,
		IP4PrefixLen:         ol.IP4PrefixLen,
		IgnoredNetInterfaces: m.reg.ignoredTapNames(tnl.OverlayID, tapName),
	}
	ct := task.NewLinked(parent, ModuleName, tincan.ModuleName, tincan.ActionCreateTunnel, params)
	m.bus.Submit(ct)
}

// respCreateTunnel handles the TCI_CREATE_TUNNEL response. Phase 2 node A:
// store the descriptor and request the peer's endpoint.
func (m *Manager) respCreateTunnel(t *task.Task) {
	parent := t.Parent()
	params, _ := t.Request.Params.(tincan.CreateTunnelParams)
	tnlid := params.TunnelID
	lnkid := params.LinkID
	if !t.Succeeded() {
		data := respData(t)
		tnl := m.reg.tunnel(tnlid)
		m.popPending(tnlid)
		m.reg.cleanupRemovedTunnel(tnlid)
		if tnl != nil {
			m.unpersist(tnl.OverlayID, tnl.PeerID)
		}
		t.Free()
		if parent != nil && parent.Response == nil {
			parent.SetResponse(data, false)
			m.bus.Complete(parent)
		}
		m.log.Warn("create tunnel operation failed", "tunnel", short(tnlid), "err", data)
		return
	}
	tnl := m.reg.tunnel(tnlid)
	if tnl == nil || tnl.Link == nil {
		m.popPending(tnlid)
		t.Free()
		if parent != nil && parent.Response == nil {
			parent.SetResponse(ErrStale.Error(), false)
			m.bus.Complete(parent)
		}
		return
	}
	tnl.Link.CreationState = CreationStateA2
	m.updateTunnelDescriptor(tnl, decodeTunnelDescriptor(t.Response.Data))
	m.persist(tnl)
	m.log.Debug("create link phase 2/5 node A", "link", short(lnkid))
	t.Free()
	m.requestPeerEndpoint(parent, tnl, lnkid)
}

// requestPeerEndpoint sends LNK_REQ_LINK_ENDPT to the peer with this node's
// endpoint data, linked to the upstream create request.
func (m *Manager) requestPeerEndpoint(parent *task.Task, tnl *Tunnel, lnkid string) {
	params := EndpointParams{
		OverlayID: tnl.OverlayID,
		TunnelID:  tnl.TunnelID,
		LinkID:    lnkid,
		NodeData: tincan.NodeData{
			FPR: tnl.Descriptor.FPR,
			MAC: tnl.Descriptor.MAC,
			UID: m.cfg.NodeID,
		},
	}
	act := signal.RemoteAction{
		OverlayID:   tnl.OverlayID,
		RecipientID: tnl.PeerID,
		RecipientCM: ModuleName,
		Action:      ActionReqLinkEndpoint,
		Params:      params,
	}
	var rt *task.Task
	if parent != nil {
		rt = task.NewLinked(parent, ModuleName, signal.ModuleName, signal.ActionRemoteAction, act)
	} else {
		rt = task.New(ModuleName, signal.ModuleName, signal.ActionRemoteAction, act)
	}
	m.bus.Submit(rt)
}

// reqLinkEndpoint handles LNK_REQ_LINK_ENDPT from a peer. Phase 3 node B:
// decide whether this node can facilitate the link, arbitrating collisions
// when both sides initiated simultaneously.
func (m *Manager) reqLinkEndpoint(t *task.Task) {
	ep, ok := decodeEndpointParams(t.Request.Params)
	if !ok {
		t.SetResponse(ErrBadRequest.Error(), false)
		m.bus.Complete(t)
		return
	}
	olid := ep.OverlayID
	if _, ok := m.cfg.Overlays[olid]; !ok {
		m.log.Warn("endpoint request for unconfigured overlay rejected", "overlay", short(olid))
		t.SetResponse("unknown overlay id specified in request", false)
		m.bus.Complete(t)
		return
	}
	lnkid := ep.LinkID
	peerID := ep.NodeData.UID
	tnlid, _ := m.reg.tunnelForPeer(olid, peerID)

	if m.reg.isComplete(tnlid) {
		t.SetResponse("a tunnel already exists with this peer", false)
		m.bus.Complete(t)
		m.log.Info("endpoint request from a paired peer rejected",
			"overlay", short(olid), "peer", short(peerID), "link", short(lnkid))
		return
	}
	if m.reg.isIncomplete(tnlid) {
		// Simultaneous open. Lexicographic comparison of the remote id
		// against the local node id picks the same winner on both sides.
		if peerID < m.cfg.NodeID {
			m.log.Warn("endpoint request collision, removing local tunnel",
				"peer", short(peerID), "tunnel", short(tnlid))
			if up := m.popPending(tnlid); up != nil && up.Response == nil {
				up.SetResponse(ErrConflict.Error(), false)
				m.bus.Complete(up)
			}
			rm := task.NewLinked(t, ModuleName, tincan.ModuleName, tincan.ActionRemoveTunnel,
				tincan.RemoveParams{
					OverlayID: olid,
					TunnelID:  tnlid,
					LinkID:    m.reg.linkID(tnlid),
					PeerID:    peerID,
				})
			m.bus.Submit(rm)
		} else {
			m.log.Warn("endpoint request collision, superceeding remote tunnel",
				"peer", short(peerID), "link", short(lnkid))
			t.SetResponse("tunnel request superceeded, discard your endpoint", false)
			m.bus.Complete(t)
		}
		return
	}
	m.acceptLinkEndpoint(t, ep)
}

// acceptLinkEndpoint proceeds with phase B1: record the tunnel (reusing an
// offline one when present) and ask the datapath for this side's link.
func (m *Manager) acceptLinkEndpoint(t *task.Task, ep EndpointParams) {
	olid := ep.OverlayID
	lnkid := ep.LinkID
	peerID := ep.NodeData.UID
	tnlid, exists := m.reg.tunnelForPeer(olid, peerID)
	if exists && m.reg.tunnel(tnlid) != nil {
		tnl := m.reg.tunnel(tnlid)
		m.log.Debug("create link phase 1/4 node B, tunnel exists",
			"link", short(lnkid), "tunnel", short(tnlid))
		tnl.State = TunnelCreating
		tnl.CreatedAt = m.clock()
		m.reg.assignLink(tnlid, lnkid, CreationStateB1)
	} else {
		tnlid = lnkid
		m.log.Debug("create link phase 1/4 node B", "link", short(lnkid), "peer", short(peerID))
		tnl := &Tunnel{
			OverlayID: olid,
			PeerID:    peerID,
			TunnelID:  tnlid,
			State:     TunnelCreating,
			CreatedAt: m.clock(),
		}
		m.reg.addTunnel(tnl)
		m.reg.assignLink(tnlid, lnkid, CreationStateB1)
	}
	tnl := m.reg.tunnel(tnlid)
	m.trackPending(tnlid, t)
	m.pub.Publish(Event{
		Type: EventCreating, OverlayID: olid, PeerID: peerID,
		TunnelID: tnlid, LinkID: lnkid,
	})
	m.persist(tnl)

	ol := m.cfg.Overlays[olid]
	tapName := m.cfg.EffectiveTapName(olid, peerID)
	params := tincan.CreateLinkParams{
		OverlayID:            olid,
		NodeID:               m.cfg.NodeID,
		TunnelID:             tnlid,
		LinkID:               lnkid,
		StunServers:          m.cfg.Stun,
		TurnServers:          m.cfg.Turn,
		Type:                 ol.Type,
		TapName:              tapName,
		IP4:                  ol.IP4,
		MTU4:                 ol.MTU4,
		IP4PrefixLen:         ol.IP4PrefixLen,
		IgnoredNetInterfaces: m.reg.ignoredTapNames(olid, tapName),
		NodeData: tincan.NodeData{
			FPR: ep.NodeData.FPR,
			MAC: ep.NodeData.MAC,
			UID: ep.NodeData.UID,
		},
	}
	lt := task.NewLinked(t, ModuleName, tincan.ModuleName, tincan.ActionCreateLink, params)
	m.bus.Submit(lt)
}

// respCreateLink handles every TCI_CREATE_LINK response; the parent task's
// action tells which phase this completes: 4 node B, 6 node A, or 8 node B.
func (m *Manager) respCreateLink(t *task.Task) {
	parent := t.Parent()
	params, _ := t.Request.Params.(tincan.CreateLinkParams)
	if !t.Succeeded() {
		tnlid := m.reg.tunnelID(params.LinkID)
		if tnlid == "" {
			tnlid = params.TunnelID
		}
		data := respData(t)
		m.log.Warn("create link endpoint failed", "link", short(params.LinkID), "err", data)
		m.popPending(tnlid)
		t.Free()
		if parent != nil && parent.Response == nil {
			parent.SetResponse(data, false)
			m.bus.Complete(parent)
		}
		m.rollbackLinkCreation(tnlid)
		return
	}
	if parent == nil {
		t.Free()
		m.log.Debug("create link response without parent discarded", "link", short(params.LinkID))
		return
	}
	switch parent.Request.Action {
	case ActionReqLinkEndpoint:
		m.completeLinkEndpointRequest(t, parent, params)
	case ActionCreateTunnel:
		m.sendLocalCASToPeer(t, parent, params)
	case ActionAddPeerCAS:
		m.completeLinkCreation(t, parent, params)
	default:
		t.Free()
	}
}

// completeLinkEndpointRequest finishes phase 4 node B: store this side's
// descriptor and reply to the initiator with NodeData and CAS.
func (m *Manager) completeLinkEndpointRequest(t *task.Task, parent *task.Task, params tincan.CreateLinkParams) {
	lnkid := params.LinkID
	tnlid := m.reg.tunnelID(lnkid)
	tnl := m.reg.tunnel(tnlid)
	if tnl == nil || tnl.Link == nil {
		m.popPending(tnlid)
		t.Free()
		if parent.Response == nil {
			parent.SetResponse(ErrStale.Error(), false)
			m.bus.Complete(parent)
		}
		return
	}
	m.log.Debug("create link phase 2/4 node B",
		"link", short(lnkid), "peer", short(params.NodeData.UID))
	desc := decodeLinkDescriptor(t.Response.Data)
	m.updateTunnelDescriptor(tnl, tincan.TunnelDescriptor{
		MAC: desc.MAC, TapName: desc.TapName, FPR: desc.FPR,
	})
	tnl.Descriptor.PeerMAC = params.NodeData.MAC
	tnl.Link.CreationState = CreationStateB2
	m.persist(tnl)
	data := EndpointParams{
		OverlayID: params.OverlayID,
		TunnelID:  tnlid,
		LinkID:    lnkid,
		NodeData: tincan.NodeData{
			MAC: desc.MAC,
			FPR: desc.FPR,
			UID: m.cfg.NodeID,
			CAS: desc.CAS,
		},
	}
	t.Free()
	m.popPending(tnlid)
	parent.SetResponse(data, true)
	m.bus.Complete(parent)
}

// createLinkEndpoint runs phase 5 node A: the peer's endpoint data arrived,
// create our side of the link with it.
func (m *Manager) createLinkEndpoint(reply signal.Reply, parent *task.Task) {
	data, ok := decodeEndpointParams(reply.Data)
	if !ok {
		if parent != nil && parent.Response == nil {
			parent.SetResponse(ErrBadRequest.Error(), false)
			m.bus.Complete(parent)
		}
		return
	}
	lnkid := data.LinkID
	tnlid := m.reg.tunnelID(lnkid)
	tnl := m.reg.tunnel(tnlid)
	if tnl == nil || tnl.Link == nil {
		// The handshake expired and was reclaimed while the reply was
		// in flight.
		if parent != nil && parent.Response == nil {
			parent.SetResponse("tunnel creation timeout failure", false)
			m.bus.Complete(parent)
		}
		return
	}
	tnl.Link.CreationState = CreationStateA3
	m.log.Debug("create link phase 3/5 node A",
		"link", short(lnkid), "peer", short(reply.RecipientID))
	tnl.Descriptor.PeerMAC = data.NodeData.MAC
	m.persist(tnl)
	ol := m.cfg.Overlays[tnl.OverlayID]
	params := tincan.CreateLinkParams{
		OverlayID: tnl.OverlayID,
		NodeID:    m.cfg.NodeID,
		TunnelID:  tnlid,
		LinkID:    lnkid,
		Type:      ol.Type,
		NodeData:  data.NodeData,
	}
	var lt *task.Task
	if parent != nil {
		lt = task.NewLinked(parent, ModuleName, tincan.ModuleName, tincan.ActionCreateLink, params)
	} else {
		lt = task.New(ModuleName, tincan.ModuleName, tincan.ActionCreateLink, params)
	}
	m.bus.Submit(lt)
}

// sendLocalCASToPeer runs phase 6 node A: our CAS is gathered, forward it.
func (m *Manager) sendLocalCASToPeer(t *task.Task, parent *task.Task, params tincan.CreateLinkParams) {
	lnkid := params.LinkID
	tnlid := m.reg.tunnelID(lnkid)
	tnl := m.reg.tunnel(tnlid)
	if tnl == nil || tnl.Link == nil {
		m.popPending(tnlid)
		t.Free()
		if parent.Response == nil {
			parent.SetResponse(ErrStale.Error(), false)
			m.bus.Complete(parent)
		}
		return
	}
	tnl.Link.CreationState = CreationStateA4
	m.log.Debug("create link phase 4/5 node A", "link", short(lnkid), "peer", short(tnl.PeerID))
	desc := decodeLinkDescriptor(t.Response.Data)
	act := signal.RemoteAction{
		OverlayID:   tnl.OverlayID,
		RecipientID: tnl.PeerID,
		RecipientCM: ModuleName,
		Action:      ActionAddPeerCAS,
		Params: EndpointParams{
			OverlayID: tnl.OverlayID,
			TunnelID:  tnlid,
			LinkID:    lnkid,
			NodeData: tincan.NodeData{
				UID: m.cfg.NodeID,
				MAC: desc.MAC,
				CAS: desc.CAS,
				FPR: desc.FPR,
			},
		},
	}
	rt := task.NewLinked(parent, ModuleName, signal.ModuleName, signal.ActionRemoteAction, act)
	m.bus.Submit(rt)
	t.Free()
}

// reqAddPeerCAS handles LNK_ADD_PEER_CAS from the initiator. Phase 7 node B:
// hand the initiator's CAS to the datapath. CAS for a tunnel this node no
// longer tracks is discarded without touching state.
func (m *Manager) reqAddPeerCAS(t *task.Task) {
	ep, ok := decodeEndpointParams(t.Request.Params)
	if !ok {
		t.SetResponse(ErrBadRequest.Error(), false)
		m.bus.Complete(t)
		return
	}
	olid := ep.OverlayID
	lnkid := ep.LinkID
	peerID := ep.NodeData.UID
	tnlid := m.reg.tunnelID(lnkid)
	tnl := m.reg.tunnel(tnlid)
	_, known := m.reg.tunnelForPeer(olid, peerID)
	if !known || tnl == nil || tnl.Link == nil {
		m.log.Debug("peer CAS for an aborted link discarded",
			"link", short(lnkid), "peer", short(peerID))
		t.SetResponse(ErrStale.Error(), false)
		m.bus.Complete(t)
		return
	}
	tnl.Link.CreationState = CreationStateB3
	m.log.Debug("create link phase 3/4 node B", "link", short(lnkid), "peer", short(peerID))
	m.trackPending(tnlid, t)
	ol := m.cfg.Overlays[olid]
	params := tincan.CreateLinkParams{
		OverlayID: olid,
		NodeID:    m.cfg.NodeID,
		TunnelID:  tnlid,
		LinkID:    lnkid,
		Type:      ol.Type,
		NodeData:  ep.NodeData,
	}
	lt := task.NewLinked(t, ModuleName, tincan.ModuleName, tincan.ActionCreateLink, params)
	m.bus.Submit(lt)
}

// completeLinkCreation finishes phase 8 node B: the datapath acknowledged
// the peer's CAS; reply to the initiator and mark the link established.
func (m *Manager) completeLinkCreation(t *task.Task, parent *task.Task, params tincan.CreateLinkParams) {
	pep, _ := decodeEndpointParams(parent.Request.Params)
	lnkid := params.LinkID
	tnlid := m.reg.tunnelID(lnkid)
	tnl := m.reg.tunnel(tnlid)
	if tnl == nil || tnl.Link == nil {
		m.popPending(tnlid)
		t.Free()
		if parent.Response == nil {
			parent.SetResponse(ErrStale.Error(), false)
			m.bus.Complete(parent)
		}
		return
	}
	tnl.Link.CreationState = CreationStateEstablished
	m.log.Debug("create link phase 4/4 node B", "link", short(lnkid), "peer", short(pep.NodeData.UID))
	desc := decodeLinkDescriptor(t.Response.Data)
	data := EndpointParams{
		OverlayID: params.OverlayID,
		TunnelID:  tnlid,
		LinkID:    lnkid,
		NodeData: tincan.NodeData{
			MAC: desc.MAC,
			FPR: desc.FPR,
			UID: m.cfg.NodeID,
			CAS: desc.CAS,
		},
	}
	m.persist(tnl)
	t.Free()
	m.popPending(tnlid)
	parent.SetResponse(data, true)
	m.bus.Complete(parent)
	m.log.Info("tunnel link accepted", "tunnel", short(tnlid), "link", short(lnkid),
		"overlay", short(pep.OverlayID), "peer", short(pep.NodeData.UID))
}

// completeCreateLinkRequest finishes phase 9 node A: the peer acknowledged
// our CAS, complete the upstream request with the link id.
func (m *Manager) completeCreateLinkRequest(parent *task.Task) {
	if parent == nil {
		return
	}
	req, _ := decodeCreateTunnelRequest(parent.Request.Params)
	tnlid, ok := m.reg.tunnelForPeer(req.OverlayID, req.PeerID)
	if !ok {
		m.log.Debug("response to an aborted create link operation discarded",
			"peer", short(req.PeerID))
		if parent.Response == nil {
			parent.SetResponse(ErrStale.Error(), false)
			m.bus.Complete(parent)
		}
		return
	}
	tnl := m.reg.tunnel(tnlid)
	lnkid := m.reg.linkID(tnlid)
	if tnl != nil && tnl.Link != nil {
		tnl.Link.CreationState = CreationStateEstablished
	}
	m.persist(tnl)
	m.log.Debug("create link phase 5/5 node A", "tunnel", short(tnlid), "peer", short(req.PeerID))
	m.popPending(tnlid)
	if parent.Response == nil {
		parent.SetResponse(CreateTunnelResponse{LinkID: lnkid}, true)
		m.bus.Complete(parent)
	}
	m.log.Info("tunnel created", "link", short(lnkid),
		"overlay", short(req.OverlayID), "peer", short(req.PeerID))
}

// respRemoteAction routes SIG_REMOTE_ACTION responses: the peer's answer to
// an endpoint request enters phase 5 node A, the answer to a CAS delivery
// enters phase 9 node A. Failures roll the incomplete link back.
func (m *Manager) respRemoteAction(t *task.Task) {
	parent := t.Parent()
	if !t.Succeeded() {
		var tnlid string
		if act, ok := t.Request.Params.(signal.RemoteAction); ok {
			if ep, epok := decodeEndpointParams(act.Params); epok {
				tnlid = m.reg.tunnelID(ep.LinkID)
				if tnlid == "" {
					tnlid = ep.TunnelID
				}
			}
		}
		data := respData(t)
		m.popPending(tnlid)
		t.Free()
		if parent != nil && parent.Response == nil {
			parent.SetResponse(data, false)
			m.bus.Complete(parent)
		}
		m.rollbackLinkCreation(tnlid)
		return
	}
	reply, ok := t.Response.Data.(signal.Reply)
	t.Free()
	if !ok {
		m.log.Warn("malformed remote action response discarded", "task", t.String())
		return
	}
	switch reply.Action {
	case ActionReqLinkEndpoint:
		m.createLinkEndpoint(reply, parent)
	case ActionAddPeerCAS:
		m.completeCreateLinkRequest(parent)
	}
}

// updateTunnelDescriptor merges a datapath descriptor into the tunnel.
func (m *Manager) updateTunnelDescriptor(tnl *Tunnel, desc tincan.TunnelDescriptor) {
	if desc.MAC != "" {
		tnl.Descriptor.MAC = desc.MAC
	}
	if desc.TapName != "" {
		tnl.Descriptor.TapName = desc.TapName
	}
	if desc.FPR != "" {
		tnl.Descriptor.FPR = desc.FPR
	}
}

// respData extracts a task's response payload, nil when absent.
func respData(t *task.Task) any {
	if t.Response == nil {
		return nil
	}
	return t.Response.Data
}
