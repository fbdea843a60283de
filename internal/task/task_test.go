package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTask(t *testing.T) {
	tk := New("A", "B", "DO_THING", 42)
	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, OpRequest, tk.Op)
	assert.Equal(t, "A", tk.Request.Initiator)
	assert.Equal(t, "B", tk.Request.Recipient)
	assert.Equal(t, "DO_THING", tk.Request.Action)
	assert.Equal(t, 42, tk.Request.Params)
	assert.Nil(t, tk.Parent())
	assert.Zero(t, tk.Outstanding())
	assert.False(t, tk.Succeeded())
}

func TestLinkedTaskBookkeeping(t *testing.T) {
	parent := New("A", "B", "PARENT_OP", nil)
	c1 := NewLinked(parent, "B", "C", "CHILD_OP", nil)
	c2 := NewLinked(parent, "B", "D", "CHILD_OP", nil)

	require.Same(t, parent, c1.Parent())
	require.Equal(t, 2, parent.Outstanding())

	c1.Free()
	assert.Equal(t, 1, parent.Outstanding())
	assert.Nil(t, c1.Parent())
	// Freeing twice must not double-decrement.
	c1.Free()
	assert.Equal(t, 1, parent.Outstanding())

	c2.Free()
	assert.Zero(t, parent.Outstanding())
}

func TestSetResponse(t *testing.T) {
	tk := New("A", "B", "DO_THING", nil)
	tk.SetResponse("ok", true)
	require.NotNil(t, tk.Response)
	assert.True(t, tk.Succeeded())
	assert.Equal(t, "ok", tk.Response.Data)

	tk.SetResponse("failed", false)
	assert.False(t, tk.Succeeded())
}

func TestTaskIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tk := New("A", "B", "OP", nil)
		require.False(t, seen[tk.ID])
		seen[tk.ID] = true
	}
}
