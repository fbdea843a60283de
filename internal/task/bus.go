package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// DefaultQueueSize is the per-module queue depth used when none is given.
const DefaultQueueSize = 256

var (
	// ErrUnknownModule is returned when a task addresses a module that was
	// never registered.
	ErrUnknownModule = errors.New("unknown module")
)

// Module is a named participant on the bus. ProcessTask receives both
// requests addressed to the module and responses to requests it initiated.
type Module interface {
	Name() string
	ProcessTask(*Task)
}

// Submitter is the narrow surface modules use to issue and complete tasks.
type Submitter interface {
	// Submit routes a request task to its recipient.
	Submit(*Task)
	// Complete routes a completed task back to its initiator.
	Complete(*Task)
}

// Bus is a bounded in-process message bus. Each registered module owns one
// delivery goroutine draining its queue, so a module's handlers never run
// concurrently with each other.
type Bus struct {
	mu      sync.RWMutex
	entries map[string]*busEntry
	qsize   int
	closed  bool
	log     *slog.Logger
}

type busEntry struct {
	mod   Module
	queue chan *Task
}

// NewBus creates a bus whose per-module queues hold queueSize tasks.
func NewBus(queueSize int, log *slog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		entries: make(map[string]*busEntry),
		qsize:   queueSize,
		log:     log.With("module", "TaskBus"),
	}
}

// Register adds a module to the bus. Registering after Run has started is
// not supported.
func (b *Bus) Register(m Module) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[m.Name()] = &busEntry{
		mod:   m,
		queue: make(chan *Task, b.qsize),
	}
}

// Submit routes a request task to its recipient's queue. A task addressed to
// an unregistered module is failed back to its initiator immediately.
func (b *Bus) Submit(t *Task) {
	b.deliver(t.Request.Recipient, t)
}

// Complete records the task as a response and routes it back to the module
// that initiated it.
func (b *Bus) Complete(t *Task) {
	t.Op = OpResponse
	if t.Response == nil {
		t.SetResponse(nil, false)
	}
	b.deliver(t.Request.Initiator, t)
}

func (b *Bus) deliver(name string, t *Task) {
	b.mu.RLock()
	entry, ok := b.entries[name]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		b.log.Warn("task dropped, bus closed", "task", t.String())
		return
	}
	if !ok {
		b.log.Warn("task addressed to unknown module", "recipient", name, "task", t.String())
		if t.Op == OpRequest {
			t.SetResponse(ErrUnknownModule.Error(), false)
			b.Complete(t)
		}
		return
	}
	select {
	case entry.queue <- t:
	default:
		// A full queue means the module has stalled; dropping beats
		// deadlocking the submitter.
		b.log.Error("task dropped, queue full", "recipient", name, "task", t.String())
	}
}

// Run drains every registered module's queue until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	b.mu.RLock()
	for _, entry := range b.entries {
		wg.Add(1)
		go func(e *busEntry) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-e.queue:
					e.mod.ProcessTask(t)
				}
			}
		}(entry)
	}
	b.mu.RUnlock()
	wg.Wait()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return ctx.Err()
}
