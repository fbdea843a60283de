package linkmanager

import (
	"log/slog"
	"sync"
	"time"
)

// TunnelEventsTopic is the name of the lifecycle event topic.
const TunnelEventsTopic = "LNK_TUNNEL_EVENTS"

// EventType identifies a tunnel lifecycle transition.
type EventType int

const (
	// EventCreating is published on the first link assignment at either
	// role.
	EventCreating EventType = iota
	// EventConnected is published on the transition to ONLINE from a
	// non-QUERYING state.
	EventConnected
	// EventDisconnected is published once the health monitor confirms a
	// link OFFLINE after retrying.
	EventDisconnected
	// EventRemoved is published when the datapath confirms a tunnel or
	// link teardown.
	EventRemoved
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventCreating:
		return "CREATING"
	case EventConnected:
		return "CONNECTED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// Event is one record on the tunnel lifecycle topic.
type Event struct {
	Type      EventType
	OverlayID string
	PeerID    string
	TunnelID  string
	LinkID    string
	// TapName is set on CONNECTED, DISCONNECTED, and REMOVED when the
	// descriptor held one.
	TapName string
	// MAC and PeerMAC are set on CONNECTED.
	MAC     string
	PeerMAC string
	// ConnectedAt is the locally captured timestamp on CONNECTED.
	ConnectedAt time.Time
}

// Publisher fans lifecycle events out to subscribers. Delivery is
// fire-and-forget: a subscriber that stops draining its channel loses
// events rather than blocking the core.
type Publisher struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	log    *slog.Logger
}

// NewPublisher creates an event publisher.
func NewPublisher(log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		subs: make(map[int]chan Event),
		log:  log.With("topic", TunnelEventsTopic),
	}
}

// Subscribe registers a new subscriber. The returned cancel function removes
// the subscription and closes the channel.
func (p *Publisher) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.mu.Unlock()
	cancel := func() {
		p.mu.Lock()
		if sub, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(sub)
		}
		p.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers evt to every subscriber without blocking.
func (p *Publisher) Publish(evt Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- evt:
		default:
			p.log.Warn("subscriber lagging, event dropped",
				"subscriber", id, "event", evt.Type.String(), "tunnel", evt.TunnelID)
		}
	}
}
