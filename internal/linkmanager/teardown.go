package linkmanager

import (
	"github.com/ipoplabs/goIPOPd/internal/task"
	"github.com/ipoplabs/goIPOPd/internal/tincan"
)

// reqRemoveTunnel handles LNK_REMOVE_TUNNEL. Teardown is only permitted on
// settled tunnels; mid-handshake requests are refused so the state machine
// is never yanked out from under an in-flight phase.
func (m *Manager) reqRemoveTunnel(t *task.Task) {
	req, ok := decodeRemoveRequest(t.Request.Params)
	if !ok {
		t.SetResponse(ErrBadRequest.Error(), false)
		m.bus.Complete(t)
		return
	}
	olid, peerID, tnlid, resolved := m.resolveTunnel(req)
	if !resolved {
		t.SetResponse(ErrBadRequest.Error(), false)
		m.bus.Complete(t)
		return
	}
	tnl := m.reg.tunnel(tnlid)
	if tnl == nil {
		t.SetResponse(ErrBadRequest.Error(), false)
		m.bus.Complete(t)
		return
	}
	if tnl.State == TunnelOnline || tnl.State == TunnelOffline {
		params := tincan.RemoveParams{
			OverlayID: olid,
			TunnelID:  tnlid,
			LinkID:    m.reg.linkID(tnlid),
			PeerID:    peerID,
		}
		rt := task.NewLinked(t, ModuleName, tincan.ModuleName, tincan.ActionRemoveTunnel, params)
		m.bus.Submit(rt)
		return
	}
	t.SetResponse(ErrBusy.Error(), false)
	m.bus.Complete(t)
}

// reqRemoveLink handles LNK_REMOVE_LINK: removes the link but keeps the
// tunnel, leaving it offline for a later re-link.
func (m *Manager) reqRemoveLink(t *task.Task) {
	req, ok := decodeRemoveRequest(t.Request.Params)
	if !ok {
		t.SetResponse(ErrBadRequest.Error(), false)
		m.bus.Complete(t)
		return
	}
	if req.TunnelID == "" && req.LinkID != "" {
		req.TunnelID = m.reg.tunnelID(req.LinkID)
	}
	olid, peerID, tnlid, resolved := m.resolveTunnel(req)
	if !resolved {
		t.SetResponse(ErrBadRequest.Error(), false)
		m.bus.Complete(t)
		return
	}
	tnl := m.reg.tunnel(tnlid)
	if tnl == nil {
		t.SetResponse(ErrBadRequest.Error(), false)
		m.bus.Complete(t)
		return
	}
	if tnl.State == TunnelOnline || tnl.State == TunnelOffline {
		params := tincan.RemoveParams{
			OverlayID: olid,
			TunnelID:  tnlid,
			LinkID:    m.reg.linkID(tnlid),
			PeerID:    peerID,
		}
		rt := task.NewLinked(t, ModuleName, tincan.ModuleName, tincan.ActionRemoveLink, params)
		m.bus.Submit(rt)
		return
	}
	t.SetResponse(ErrBusy.Error(), false)
	m.bus.Complete(t)
}

// resolveTunnel resolves a removal request to (overlay, peer, tunnel) from
// whichever identifiers it carries.
func (m *Manager) resolveTunnel(req RemoveRequest) (olid, peerID, tnlid string, ok bool) {
	switch {
	case req.OverlayID != "" && req.PeerID != "":
		tnlid, ok = m.reg.tunnelForPeer(req.OverlayID, req.PeerID)
		if !ok {
			return "", "", "", false
		}
		return req.OverlayID, req.PeerID, tnlid, true
	case req.TunnelID != "":
		tnl := m.reg.tunnel(req.TunnelID)
		if tnl == nil {
			return "", "", "", false
		}
		return tnl.OverlayID, tnl.PeerID, tnl.TunnelID, true
	default:
		return "", "", "", false
	}
}

// respRemoveTunnel handles the datapath's teardown confirmation. Even when
// the datapath reports the tunnel unknown the local record is dropped; the
// datapath is authoritative for resources it no longer holds.
func (m *Manager) respRemoveTunnel(t *task.Task) {
	parent := t.Parent()
	params, _ := t.Request.Params.(tincan.RemoveParams)
	tnlid := params.TunnelID
	lnkid := m.reg.linkID(tnlid)
	tnl := m.reg.tunnel(tnlid)

	evt := Event{
		Type:      EventRemoved,
		OverlayID: params.OverlayID,
		PeerID:    params.PeerID,
		TunnelID:  tnlid,
		LinkID:    lnkid,
	}
	if tnl != nil {
		evt.TapName = tnl.Descriptor.TapName
		if evt.PeerID == "" {
			evt.PeerID = tnl.PeerID
		}
	}
	m.pub.Publish(evt)
	m.reg.cleanupRemovedTunnel(tnlid)
	if tnl != nil {
		m.unpersist(tnl.OverlayID, tnl.PeerID)
	}
	t.Free()
	if parent != nil {
		if parent.Request.Action == ActionReqLinkEndpoint {
			// Collision teardown finished; re-enter phase 3 node B
			// with the surviving initiator's request.
			m.reqLinkEndpoint(parent)
		} else if parent.Response == nil {
			parent.SetResponse("Tunnel removed", true)
			m.bus.Complete(parent)
		}
	}
	m.log.Info("tunnel removed", "tunnel", short(tnlid),
		"overlay", short(params.OverlayID), "node", short(m.cfg.NodeID), "peer", short(evt.PeerID))
}

// respRemoveLink handles the datapath's link teardown confirmation: the
// tunnel survives, offline and linkless.
func (m *Manager) respRemoveLink(t *task.Task) {
	parent := t.Parent()
	params, _ := t.Request.Params.(tincan.RemoveParams)
	tnlid := params.TunnelID
	lnkid := m.reg.linkID(tnlid)
	tnl := m.reg.tunnel(tnlid)

	evt := Event{
		Type:      EventRemoved,
		OverlayID: params.OverlayID,
		PeerID:    params.PeerID,
		TunnelID:  tnlid,
		LinkID:    lnkid,
	}
	if tnl != nil {
		evt.TapName = tnl.Descriptor.TapName
		if evt.PeerID == "" {
			evt.PeerID = tnl.PeerID
		}
	}
	m.pub.Publish(evt)
	m.reg.removeLinkFromTunnel(tnlid)
	m.persist(tnl)
	t.Free()
	if parent != nil && parent.Response == nil {
		parent.SetResponse("Link removed", true)
		m.bus.Complete(parent)
	}
	m.log.Info("link removed", "link", short(lnkid), "tunnel", short(tnlid),
		"overlay", short(params.OverlayID), "peer", short(evt.PeerID))
}

// rollbackLinkCreation reclaims a link that failed or expired mid-handshake.
// Any upstream task still waiting on the tunnel is failed rather than left
// pending, then the datapath is asked to drop the partial tunnel. A tunnel
// that already vanished makes this a no-op.
func (m *Manager) rollbackLinkCreation(tnlid string) {
	tnl := m.reg.tunnel(tnlid)
	if tnl == nil || tnl.Link == nil {
		return
	}
	if tnl.Link.CreationState.Complete() {
		return
	}
	if up := m.popPending(tnlid); up != nil && up.Response == nil {
		up.SetResponse(ErrExpired.Error(), false)
		m.bus.Complete(up)
	}
	params := tincan.RemoveParams{
		OverlayID: tnl.OverlayID,
		PeerID:    tnl.PeerID,
		TunnelID:  tnlid,
		LinkID:    tnl.Link.LinkID,
	}
	rt := task.New(ModuleName, tincan.ModuleName, tincan.ActionRemoveTunnel, params)
	m.bus.Submit(rt)
	m.log.Info("initiated removal of incomplete link",
		"link", short(tnl.Link.LinkID), "peer", short(tnl.PeerID),
		"creation_state", tnl.Link.CreationState)
}
