package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoModule completes every request with its own params.
type echoModule struct {
	name     string
	bus      *Bus
	received chan *Task
}

func (m *echoModule) Name() string { return m.name }

func (m *echoModule) ProcessTask(t *Task) {
	if t.Op == OpRequest {
		t.SetResponse(t.Request.Params, true)
		m.bus.Complete(t)
		return
	}
	m.received <- t
}

func runBus(t *testing.T, b *Bus) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	return cancel
}

func TestBusRequestResponseRoundTrip(t *testing.T) {
	b := NewBus(16, nil)
	caller := &echoModule{name: "caller", bus: b, received: make(chan *Task, 1)}
	callee := &echoModule{name: "callee", bus: b, received: make(chan *Task, 1)}
	b.Register(caller)
	b.Register(callee)
	cancel := runBus(t, b)
	defer cancel()

	tk := New("caller", "callee", "ECHO", "hello")
	b.Submit(tk)

	select {
	case resp := <-caller.received:
		require.Same(t, tk, resp)
		assert.Equal(t, OpResponse, resp.Op)
		assert.True(t, resp.Succeeded())
		assert.Equal(t, "hello", resp.Response.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("response never delivered")
	}
}

// TestBusUnknownRecipientFailsBack: tasks addressed nowhere bounce to the
// initiator as failures instead of vanishing.
func TestBusUnknownRecipientFailsBack(t *testing.T) {
	b := NewBus(16, nil)
	caller := &echoModule{name: "caller", bus: b, received: make(chan *Task, 1)}
	b.Register(caller)
	cancel := runBus(t, b)
	defer cancel()

	tk := New("caller", "nonexistent", "ECHO", nil)
	b.Submit(tk)

	select {
	case resp := <-caller.received:
		assert.False(t, resp.Succeeded())
		assert.Equal(t, ErrUnknownModule.Error(), resp.Response.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("failure never delivered")
	}
}

func TestBusCompleteWithoutResponseFails(t *testing.T) {
	b := NewBus(16, nil)
	caller := &echoModule{name: "caller", bus: b, received: make(chan *Task, 1)}
	b.Register(caller)
	cancel := runBus(t, b)
	defer cancel()

	tk := New("caller", "caller", "NOOP", nil)
	b.Complete(tk)

	select {
	case resp := <-caller.received:
		assert.False(t, resp.Succeeded())
	case <-time.After(2 * time.Second):
		t.Fatal("completion never delivered")
	}
}
