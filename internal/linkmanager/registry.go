package linkmanager

// registry holds the three tunnel indices and the per-overlay ignored
// interface sets. It is owned by the Manager and only touched under the
// manager's lock; no method here locks or fails, lookups simply report
// absence.
type registry struct {
	// tunnels maps tunnel id to its record (exclusive ownership).
	tunnels map[string]*Tunnel
	// links maps link id back to its owning tunnel id.
	links map[string]string
	// peers maps overlay id to peer id to tunnel id.
	peers map[string]map[string]string
	// ignored maps overlay id to interface names the datapath must not
	// gather candidates from.
	ignored map[string]map[string]struct{}
}

func newRegistry(overlayIDs []string) *registry {
	r := &registry{
		tunnels: make(map[string]*Tunnel),
		links:   make(map[string]string),
		peers:   make(map[string]map[string]string),
		ignored: make(map[string]map[string]struct{}),
	}
	for _, olid := range overlayIDs {
		r.peers[olid] = make(map[string]string)
		r.ignored[olid] = make(map[string]struct{})
	}
	return r
}

// tunnel returns the record for tnlid, or nil.
func (r *registry) tunnel(tnlid string) *Tunnel {
	return r.tunnels[tnlid]
}

// tunnelForPeer resolves the (overlay, peer) primary index.
func (r *registry) tunnelForPeer(olid, peerID string) (string, bool) {
	peers, ok := r.peers[olid]
	if !ok {
		return "", false
	}
	tnlid, ok := peers[peerID]
	return tnlid, ok
}

// linkID returns the link id owned by tnlid, or "".
func (r *registry) linkID(tnlid string) string {
	tnl := r.tunnels[tnlid]
	if tnl == nil || tnl.Link == nil {
		return ""
	}
	return tnl.Link.LinkID
}

// tunnelID resolves a link id to its owning tunnel id, or "".
func (r *registry) tunnelID(lnkid string) string {
	return r.links[lnkid]
}

// addTunnel records a new tunnel and its peer index entry.
func (r *registry) addTunnel(tnl *Tunnel) {
	r.tunnels[tnl.TunnelID] = tnl
	peers, ok := r.peers[tnl.OverlayID]
	if !ok {
		peers = make(map[string]string)
		r.peers[tnl.OverlayID] = peers
	}
	peers[tnl.PeerID] = tnl.TunnelID
}

// assignLink sets the tunnel's link record and the link back-reference.
// Required before publishing any CREATING event.
func (r *registry) assignLink(tnlid, lnkid string, state CreationState) {
	if tnl, ok := r.tunnels[tnlid]; ok {
		tnl.Link = &Link{
			LinkID:        lnkid,
			CreationState: state,
			Stats:         make(map[string]any),
		}
	}
	r.links[lnkid] = tnlid
}

// removeLinkFromTunnel drops the link back-reference and clears the link
// record, leaving the tunnel OFFLINE. The tunnel itself is kept.
func (r *registry) removeLinkFromTunnel(tnlid string) {
	tnl := r.tunnels[tnlid]
	if tnl == nil {
		return
	}
	if tnl.Link != nil && tnl.Link.LinkID != "" {
		delete(r.links, tnl.Link.LinkID)
	}
	tnl.Link = nil
	tnl.State = TunnelOffline
}

// cleanupRemovedTunnel removes the tunnel record and its peer index entry.
// Idempotent: a second call for the same id is a no-op.
func (r *registry) cleanupRemovedTunnel(tnlid string) {
	tnl, ok := r.tunnels[tnlid]
	if !ok {
		return
	}
	delete(r.tunnels, tnlid)
	if tnl.Link != nil && tnl.Link.LinkID != "" {
		delete(r.links, tnl.Link.LinkID)
	}
	if peers, ok := r.peers[tnl.OverlayID]; ok {
		delete(peers, tnl.PeerID)
	}
}

// isIncomplete reports whether tnlid holds a link still mid-handshake.
func (r *registry) isIncomplete(tnlid string) bool {
	tnl := r.tunnels[tnlid]
	return tnl != nil && tnl.Link != nil && !tnl.Link.CreationState.Complete()
}

// isComplete reports whether tnlid holds an established link.
func (r *registry) isComplete(tnlid string) bool {
	tnl := r.tunnels[tnlid]
	return tnl != nil && tnl.Link != nil && tnl.Link.CreationState.Complete()
}

// addIgnored merges interface names into an overlay's ignore set.
func (r *registry) addIgnored(olid string, names []string) {
	set, ok := r.ignored[olid]
	if !ok {
		set = make(map[string]struct{})
		r.ignored[olid] = set
	}
	for _, n := range names {
		set[n] = struct{}{}
	}
}

// ignoredTapNames returns the union of every current tunnel's tap name, the
// overlay's configured ignore set, and newInfName if non-empty. The datapath
// is handed this blocklist so it never candidates its own or sibling
// overlays' taps.
func (r *registry) ignoredTapNames(olid, newInfName string) []string {
	set := make(map[string]struct{})
	if newInfName != "" {
		set[newInfName] = struct{}{}
	}
	for _, tnl := range r.tunnels {
		if tnl.Descriptor.TapName != "" {
			set[tnl.Descriptor.TapName] = struct{}{}
		}
	}
	for n := range r.ignored[olid] {
		set[n] = struct{}{}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	return names
}
