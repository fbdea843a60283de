package signal

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/ipoplabs/goIPOPd/internal/task"
)

var (
	// ErrNoTransport is returned when a remote action is submitted before
	// a transport has been attached.
	ErrNoTransport = errors.New("signaling transport not configured")
	// ErrBadRemoteAction is returned when a SIG_REMOTE_ACTION task does
	// not carry RemoteAction params.
	ErrBadRemoteAction = errors.New("malformed remote action parameters")
)

// Transport delivers encoded frames to a peer node on an overlay. Delivery
// is asynchronous; replies come back through Client.Receive.
type Transport interface {
	Send(overlayID, peerID string, frame []byte) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(overlayID, peerID string, frame []byte) error

// Send calls f.
func (f TransportFunc) Send(overlayID, peerID string, frame []byte) error {
	return f(overlayID, peerID, frame)
}

// Client is the bus module that relays remote actions between local modules
// and peer nodes. Outbound requests are correlated to their replies through
// the envelope task id; inbound requests are dispatched onto the bus with
// the client as initiator so their completions can be relayed back.
type Client struct {
	nodeID    string
	bus       task.Submitter
	transport Transport
	log       *slog.Logger

	mu      sync.Mutex
	pending map[string]*task.Task
	inbound map[string]*Envelope
}

// NewClient creates a signaling client for the given local node id.
func NewClient(nodeID string, bus task.Submitter, transport Transport, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		nodeID:    nodeID,
		bus:       bus,
		transport: transport,
		log:       log.With("module", ModuleName),
		pending:   make(map[string]*task.Task),
		inbound:   make(map[string]*Envelope),
	}
}

// Name implements task.Module.
func (c *Client) Name() string { return ModuleName }

// ProcessTask implements task.Module. Requests are outbound remote actions;
// responses are completions of inbound remote actions previously dispatched
// to a local module.
func (c *Client) ProcessTask(t *task.Task) {
	switch t.Op {
	case task.OpRequest:
		c.handleRemoteAction(t)
	case task.OpResponse:
		c.relayReply(t)
	}
}

func (c *Client) handleRemoteAction(t *task.Task) {
	if t.Request.Action != ActionRemoteAction {
		t.SetResponse("unsupported action", false)
		c.bus.Complete(t)
		return
	}
	act, ok := t.Request.Params.(RemoteAction)
	if !ok {
		t.SetResponse(ErrBadRemoteAction.Error(), false)
		c.bus.Complete(t)
		return
	}
	if c.transport == nil {
		t.SetResponse(ErrNoTransport.Error(), false)
		c.bus.Complete(t)
		return
	}
	env := &Envelope{
		TaskID:      t.ID,
		OverlayID:   act.OverlayID,
		SenderID:    c.nodeID,
		RecipientID: act.RecipientID,
		RecipientCM: act.RecipientCM,
		Action:      act.Action,
		Params:      act.Params,
	}
	frame, err := EncodeEnvelope(env)
	if err != nil {
		t.SetResponse(err.Error(), false)
		c.bus.Complete(t)
		return
	}
	c.mu.Lock()
	c.pending[t.ID] = t
	c.mu.Unlock()
	if err := c.transport.Send(act.OverlayID, act.RecipientID, frame); err != nil {
		c.mu.Lock()
		delete(c.pending, t.ID)
		c.mu.Unlock()
		c.log.Warn("remote action send failed",
			"peer", act.RecipientID, "action", act.Action, "err", err)
		t.SetResponse(err.Error(), false)
		c.bus.Complete(t)
	}
}

// relayReply encodes the completion of an inbound remote action and sends
// it back to the node that originated the action.
func (c *Client) relayReply(t *task.Task) {
	c.mu.Lock()
	env, ok := c.inbound[t.ID]
	delete(c.inbound, t.ID)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("response without a matching inbound envelope discarded", "task", t.String())
		return
	}
	reply := &Envelope{
		TaskID:      env.TaskID,
		OverlayID:   env.OverlayID,
		SenderID:    c.nodeID,
		RecipientID: env.SenderID,
		RecipientCM: env.RecipientCM,
		Action:      env.Action,
		Reply:       true,
		Status:      t.Succeeded(),
	}
	if t.Response != nil {
		reply.Params = t.Response.Data
	}
	frame, err := EncodeEnvelope(reply)
	if err != nil {
		c.log.Warn("reply encode failed", "action", env.Action, "err", err)
		return
	}
	if c.transport == nil {
		return
	}
	if err := c.transport.Send(env.OverlayID, env.SenderID, frame); err != nil {
		c.log.Warn("reply send failed", "peer", env.SenderID, "action", env.Action, "err", err)
	}
}

// Receive ingests a frame from the transport. Replies complete their pending
// remote-action task; requests are dispatched to the addressed local module.
func (c *Client) Receive(frame []byte) {
	env, err := DecodeEnvelope(frame)
	if err != nil {
		c.log.Warn("undecodable frame discarded", "err", err)
		return
	}
	if env.Reply {
		c.mu.Lock()
		t, ok := c.pending[env.TaskID]
		delete(c.pending, env.TaskID)
		c.mu.Unlock()
		if !ok {
			c.log.Debug("reply for unknown task discarded", "task_id", env.TaskID)
			return
		}
		t.SetResponse(Reply{
			OverlayID:   env.OverlayID,
			RecipientID: env.SenderID,
			Action:      env.Action,
			Data:        env.Params,
		}, env.Status)
		c.bus.Complete(t)
		return
	}
	t := task.New(ModuleName, env.RecipientCM, env.Action, env.Params)
	c.mu.Lock()
	c.inbound[t.ID] = env
	c.mu.Unlock()
	c.bus.Submit(t)
}
