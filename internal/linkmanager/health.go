package linkmanager

import (
	"github.com/ipoplabs/goIPOPd/internal/task"
	"github.com/ipoplabs/goIPOPd/internal/tincan"
)

// Health monitor retry thresholds. An OFFLINE stats result bumps the link's
// retry counter; the thresholds below decide when to act on it.
const (
	// offlineTeardownRetries forces teardown of a link stuck CREATING.
	offlineTeardownRetries = 2
	// offlineNotifyRetries confirms a QUERYING link as disconnected.
	offlineNotifyRetries = 1
)

// cleanupExpiredIncompleteLinks rolls back every handshake older than the
// link expiry bound. Must run under the manager lock.
func (m *Manager) cleanupExpiredIncompleteLinks() {
	expiry := m.cfg.LinkExpiry()
	now := m.clock()
	ids := make([]string, 0, len(m.reg.tunnels))
	for tnlid := range m.reg.tunnels {
		ids = append(ids, tnlid)
	}
	for _, tnlid := range ids {
		tnl := m.reg.tunnel(tnlid)
		if tnl == nil || tnl.Link == nil || tnl.Link.CreationState.Complete() {
			continue
		}
		if now.Sub(tnl.CreatedAt) > expiry {
			m.rollbackLinkCreation(tnlid)
		}
	}
}

// queryLinkStats submits one batched stats query covering every established
// link. Must run under the manager lock.
func (m *Manager) queryLinkStats() {
	var ids []string
	for tnlid, tnl := range m.reg.tunnels {
		if tnl.Link != nil && tnl.Link.CreationState.Complete() {
			ids = append(ids, tnlid)
		}
	}
	if len(ids) == 0 {
		return
	}
	qt := task.New(ModuleName, tincan.ModuleName, tincan.ActionQueryLinkStats, ids)
	m.bus.Submit(qt)
}

// respQueryLinkStats applies a stats report. UNKNOWN means the datapath has
// forgotten the tunnel and is authoritative; OFFLINE is retried before any
// action; ONLINE refreshes role and counters.
func (m *Manager) respQueryLinkStats(t *task.Task) {
	defer t.Free()
	if !t.Succeeded() {
		m.log.Warn("link stats update error", "err", respData(t))
		return
	}
	report := tincan.DecodeStatsReport(respData(t))
	if report == nil {
		return
	}
	for tnlid, links := range report {
		for lnkid, status := range links {
			switch status.Status {
			case tincan.StateUnknown:
				tnl := m.reg.tunnel(tnlid)
				m.reg.cleanupRemovedTunnel(tnlid)
				if tnl != nil {
					m.unpersist(tnl.OverlayID, tnl.PeerID)
				}
			case tincan.StateOffline:
				m.handleOfflineStats(tnlid, lnkid)
			case tincan.StateOnline:
				tnl := m.reg.tunnel(tnlid)
				if tnl == nil || tnl.Link == nil {
					continue
				}
				tnl.State = TunnelOnline
				tnl.Link.IceRole = status.IceRole
				tnl.Link.Stats = status.Stats
				tnl.Link.StatusRetry = 0
				m.persist(tnl)
			default:
				m.log.Warn("unrecognized link status",
					"link", short(lnkid), "status", string(status.Status))
			}
		}
	}
}

func (m *Manager) handleOfflineStats(tnlid, lnkid string) {
	tnl := m.reg.tunnel(tnlid)
	if tnl == nil || tnl.Link == nil {
		return
	}
	retry := tnl.Link.StatusRetry
	switch {
	case retry >= offlineTeardownRetries && tnl.State == TunnelCreating:
		// The link is stuck creating, destroy it.
		params := tincan.RemoveParams{
			OverlayID: tnl.OverlayID,
			PeerID:    tnl.PeerID,
			TunnelID:  tnlid,
			LinkID:    lnkid,
		}
		m.bus.Submit(task.New(ModuleName, tincan.ModuleName, tincan.ActionRemoveTunnel, params))
	case retry >= offlineNotifyRetries && tnl.State == TunnelQuerying:
		// The link went offline, notify subscribers.
		tnl.State = TunnelOffline
		m.pub.Publish(Event{
			Type:      EventDisconnected,
			OverlayID: tnl.OverlayID,
			PeerID:    tnl.PeerID,
			TunnelID:  tnlid,
			LinkID:    lnkid,
			TapName:   tnl.Descriptor.TapName,
		})
		m.persist(tnl)
	default:
		tnl.Link.StatusRetry = retry + 1
	}
}

// reqTincanMsg handles async datapath notifications. Link state changes
// drive the recheck loop: DOWN triggers an immediate stats query, UP brings
// the tunnel online and announces it unless a recheck was already underway.
func (m *Manager) reqTincanMsg(t *task.Task) {
	msg, ok := decodeMsgNotify(t.Request.Params)
	if !ok {
		t.SetResponse(ErrBadRequest.Error(), false)
		m.bus.Complete(t)
		return
	}
	if msg.Command != tincan.CommandLinkStateChange {
		t.SetResponse(nil, true)
		m.bus.Complete(t)
		return
	}
	tnlid := m.reg.tunnelID(msg.LinkID)
	tnl := m.reg.tunnel(tnlid)
	if tnl == nil {
		m.log.Debug("link state change for unknown link discarded", "link", short(msg.LinkID))
		t.SetResponse(nil, true)
		m.bus.Complete(t)
		return
	}
	switch msg.Data {
	case tincan.LinkStateDown:
		tnl.State = TunnelQuerying
		m.persist(tnl)
		m.bus.Submit(task.New(ModuleName, tincan.ModuleName,
			tincan.ActionQueryLinkStats, []string{tnlid}))
	case tincan.LinkStateUp:
		prev := tnl.State
		tnl.State = TunnelOnline
		if prev != TunnelQuerying {
			m.pub.Publish(Event{
				Type:        EventConnected,
				OverlayID:   tnl.OverlayID,
				PeerID:      tnl.PeerID,
				TunnelID:    tnlid,
				LinkID:      msg.LinkID,
				TapName:     tnl.Descriptor.TapName,
				MAC:         tnl.Descriptor.MAC,
				PeerMAC:     tnl.Descriptor.PeerMAC,
				ConnectedAt: m.clock(),
			})
		} else if tnl.Link != nil {
			// The recheck resolved itself; suppress the duplicate
			// CONNECTED and just clear the retry counter.
			tnl.Link.StatusRetry = 0
		}
		m.persist(tnl)
	}
	t.SetResponse(nil, true)
	m.bus.Complete(t)
}
