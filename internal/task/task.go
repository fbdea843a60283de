// Package task implements the correlated request/response tasks that drive
// controller modules. A module issues work to a collaborator by submitting a
// request task; the collaborator completes it and the response is routed back
// to the initiator as a later task. Multi-step flows link child tasks to the
// request that started them so responses can walk back up the chain.
package task

import (
	"fmt"

	"github.com/google/uuid"
)

// OpType distinguishes the two directions a task can travel.
type OpType int

const (
	// OpRequest is a task on its way to the recipient module.
	OpRequest OpType = iota
	// OpResponse is a completed task on its way back to the initiator.
	OpResponse
)

// String returns the string representation of the op type.
func (o OpType) String() string {
	switch o {
	case OpRequest:
		return "request"
	case OpResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Request describes the work a task asks its recipient to perform.
type Request struct {
	// Initiator is the name of the module that submitted the task.
	Initiator string
	// Recipient is the name of the module the task is addressed to.
	Recipient string
	// Action is the capability being invoked, e.g. "LNK_CREATE_TUNNEL".
	Action string
	// Params carries the action-specific parameters.
	Params any
}

// Response carries the outcome of a completed task.
type Response struct {
	// Data is the action-specific result, or an explanatory value on failure.
	Data any
	// Status is true when the request succeeded.
	Status bool
}

// Task is a single correlated unit of work. A task starts life as a request;
// the recipient sets a response and completes it, flipping it to OpResponse.
// Tasks are only ever mutated by the module currently dispatching them, under
// that module's lock, so they carry no locking of their own.
type Task struct {
	// ID uniquely identifies the task.
	ID string
	// Op is the current direction of the task.
	Op OpType
	// Request is immutable after submission.
	Request Request
	// Response is nil until the recipient completes the task.
	Response *Response

	parent      *Task
	outstanding int
}

// New creates an unlinked request task.
func New(initiator, recipient, action string, params any) *Task {
	return &Task{
		ID: uuid.New().String(),
		Op: OpRequest,
		Request: Request{
			Initiator: initiator,
			Recipient: recipient,
			Action:    action,
			Params:    params,
		},
	}
}

// NewLinked creates a request task whose completion is correlated back to
// parent. The parent gains one outstanding child and must not be completed
// until its children have been freed.
func NewLinked(parent *Task, initiator, recipient, action string, params any) *Task {
	t := New(initiator, recipient, action, params)
	t.parent = parent
	parent.outstanding++
	return t
}

// Parent returns the task this one is linked to, or nil.
func (t *Task) Parent() *Task {
	return t.parent
}

// Outstanding returns the number of linked children not yet freed.
func (t *Task) Outstanding() int {
	return t.outstanding
}

// SetResponse records the outcome of the task. It does not route the task
// anywhere; use Bus.Complete for that.
func (t *Task) SetResponse(data any, status bool) {
	t.Response = &Response{Data: data, Status: status}
}

// Succeeded reports whether the task has completed successfully.
func (t *Task) Succeeded() bool {
	return t.Response != nil && t.Response.Status
}

// Free detaches a finished child from its parent, releasing one outstanding
// slot. Calling Free on an unlinked task is a no-op.
func (t *Task) Free() {
	if t.parent != nil {
		t.parent.outstanding--
		t.parent = nil
	}
}

// String renders a short description for logging.
func (t *Task) String() string {
	return fmt.Sprintf("task %.8s %s %s->%s %s",
		t.ID, t.Op, t.Request.Initiator, t.Request.Recipient, t.Request.Action)
}
