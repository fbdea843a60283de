package linkmanager

import (
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/ipoplabs/goIPOPd/internal/config"
	"github.com/ipoplabs/goIPOPd/internal/signal"
	"github.com/ipoplabs/goIPOPd/internal/statecache"
	"github.com/ipoplabs/goIPOPd/internal/task"
	"github.com/ipoplabs/goIPOPd/internal/tincan"
)

// ModuleName is the bus name the link manager registers under, and the
// recipient module name peers address remote actions to.
const ModuleName = "LinkManager"

// Manager is the link manager core. A single mutex serializes every task
// handler and timer tick; handlers never block on I/O, they submit further
// tasks and return.
type Manager struct {
	cfg   *config.Config
	bus   task.Submitter
	pub   *Publisher
	cache *statecache.Store
	log   *slog.Logger
	clock func() time.Time

	mu  sync.Mutex
	reg *registry
	// pendingCreate maps a mid-handshake tunnel id to the upstream task
	// awaiting its completion, so rollback and expiry can fail it rather
	// than leak it.
	pendingCreate map[string]*task.Task
}

// Option configures optional manager collaborators.
type Option func(*Manager)

// WithStateCache attaches a persistent tunnel inventory. The manager writes
// through on every descriptor and state change.
func WithStateCache(cache *statecache.Store) Option {
	return func(m *Manager) { m.cache = cache }
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// New creates a link manager.
func New(cfg *config.Config, bus task.Submitter, pub *Publisher, log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:           cfg,
		bus:           bus,
		pub:           pub,
		log:           log.With("module", ModuleName),
		clock:         time.Now,
		reg:           newRegistry(cfg.OverlayIDs()),
		pendingCreate: make(map[string]*task.Task),
	}
	for olid, ol := range cfg.Overlays {
		m.reg.addIgnored(olid, ol.IgnoredNetInterfaces)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name implements task.Module.
func (m *Manager) Name() string { return ModuleName }

// ProcessTask implements task.Module. The lock is held for the entire
// handler body so multi-step registry mutations stay atomic with respect to
// other tasks.
func (m *Manager) ProcessTask(t *task.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch t.Op {
	case task.OpRequest:
		m.dispatchRequest(t)
	case task.OpResponse:
		m.dispatchResponse(t)
	}
}

func (m *Manager) dispatchRequest(t *task.Task) {
	switch t.Request.Action {
	case ActionCreateTunnel:
		m.reqCreateTunnel(t)
	case ActionReqLinkEndpoint:
		m.reqLinkEndpoint(t)
	case ActionAddPeerCAS:
		m.reqAddPeerCAS(t)
	case ActionRemoveTunnel:
		m.reqRemoveTunnel(t)
	case ActionRemoveLink:
		m.reqRemoveLink(t)
	case ActionQueryTunnelInfo:
		m.reqQueryTunnelInfo(t)
	case ActionAddIgnoredInf:
		m.reqAddIgnoredInf(t)
	case ActionVizDataReq:
		m.reqVizData(t)
	case tincan.ActionMsgNotify:
		m.reqTincanMsg(t)
	default:
		// Pass-through default: unknown requests are acknowledged so
		// the sender is not left waiting.
		t.SetResponse(nil, true)
		m.bus.Complete(t)
	}
}

func (m *Manager) dispatchResponse(t *task.Task) {
	switch t.Request.Action {
	case signal.ActionRemoteAction:
		m.respRemoteAction(t)
	case tincan.ActionCreateTunnel:
		m.respCreateTunnel(t)
	case tincan.ActionCreateLink:
		m.respCreateLink(t)
	case tincan.ActionQueryLinkStats:
		m.respQueryLinkStats(t)
	case tincan.ActionRemoveTunnel:
		m.respRemoveTunnel(t)
	case tincan.ActionRemoveLink:
		m.respRemoveLink(t)
	default:
		// Unknown response with a sole outstanding child: propagate
		// the child's result to its parent.
		parent := t.Parent()
		var data any
		status := false
		if t.Response != nil {
			data, status = t.Response.Data, t.Response.Status
		}
		t.Free()
		if parent != nil && parent.Outstanding() == 0 && parent.Response == nil {
			parent.SetResponse(data, status)
			m.bus.Complete(parent)
		}
	}
}

// TimerTick runs one health monitor pass: the expiry sweep and the batched
// stats query.
func (m *Manager) TimerTick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupExpiredIncompleteLinks()
	m.queryLinkStats()
}

// newID allocates a 128-bit identifier rendered as lowercase hex.
func newID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// short truncates an id for log lines.
func short(id string) string {
	if len(id) > 7 {
		return id[:7]
	}
	return id
}

// trackPending records the upstream task awaiting a tunnel's handshake.
func (m *Manager) trackPending(tnlid string, t *task.Task) {
	m.pendingCreate[tnlid] = t
}

// popPending removes and returns the upstream task for a tunnel, or nil.
func (m *Manager) popPending(tnlid string) *task.Task {
	t, ok := m.pendingCreate[tnlid]
	if !ok {
		return nil
	}
	delete(m.pendingCreate, tnlid)
	return t
}

// persist writes the tunnel's snapshot through to the state cache.
func (m *Manager) persist(tnl *Tunnel) {
	if m.cache == nil || tnl == nil {
		return
	}
	snap := statecache.Snapshot{
		OverlayID: tnl.OverlayID,
		PeerID:    tnl.PeerID,
		TunnelID:  tnl.TunnelID,
		State:     tnl.State.String(),
		TapName:   tnl.Descriptor.TapName,
		MAC:       tnl.Descriptor.MAC,
		PeerMAC:   tnl.Descriptor.PeerMAC,
		UpdatedAt: m.clock(),
	}
	if err := m.cache.Put(snap); err != nil {
		m.log.Warn("state cache write failed", "tunnel", short(tnl.TunnelID), "err", err)
	}
}

// unpersist drops a removed tunnel's snapshot.
func (m *Manager) unpersist(olid, peerID string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Delete(olid, peerID); err != nil {
		m.log.Warn("state cache delete failed", "overlay", short(olid), "peer", short(peerID), "err", err)
	}
}

// reqQueryTunnelInfo reports every ONLINE tunnel's identity and stats.
func (m *Manager) reqQueryTunnelInfo(t *task.Task) {
	results := make(map[string]TunnelInfo)
	for tnlid, tnl := range m.reg.tunnels {
		if tnl.State != TunnelOnline || tnl.Link == nil {
			continue
		}
		results[tnlid] = TunnelInfo{
			OverlayID: tnl.OverlayID,
			TunnelID:  tnlid,
			PeerID:    tnl.PeerID,
			Stats:     tnl.Link.Stats,
			MAC:       tnl.Descriptor.MAC,
			PeerMAC:   tnl.Descriptor.PeerMAC,
		}
	}
	t.SetResponse(results, true)
	m.bus.Complete(t)
}

// reqAddIgnoredInf merges interface names into the per-overlay ignore sets.
func (m *Manager) reqAddIgnoredInf(t *task.Task) {
	switch details := t.Request.Params.(type) {
	case map[string][]string:
		for olid, names := range details {
			m.reg.addIgnored(olid, names)
		}
	case map[string]any:
		for olid, names := range details {
			m.reg.addIgnored(olid, cast.ToStringSlice(names))
		}
	default:
		t.SetResponse(ErrBadRequest.Error(), false)
		m.bus.Complete(t)
		return
	}
	t.SetResponse(nil, true)
	m.bus.Complete(t)
}

// reqVizData reports the tunnel topology for the visualization subscriber.
func (m *Manager) reqVizData(t *task.Task) {
	tunnels := make(map[string]VizTunnelData)
	for tnlid, tnl := range m.reg.tunnels {
		if tnl.Link == nil {
			continue
		}
		data := VizTunnelData{
			NodeID:      m.cfg.NodeID,
			PeerID:      tnl.PeerID,
			TunnelState: tnl.State.String(),
			TapName:     tnl.Descriptor.TapName,
			MAC:         tnl.Descriptor.MAC,
			IceRole:     tnl.Link.IceRole,
		}
		tunnels[tnlid] = data
	}
	t.SetResponse(map[string]any{ModuleName: tunnels}, true)
	m.bus.Complete(t)
}
