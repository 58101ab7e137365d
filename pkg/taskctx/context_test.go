package taskctx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndCleanup(t *testing.T) {
	mgr := NewManager()
	ctx := mgr.Create("t-1", "echo", "")
	assert.Equal(t, 0, ctx.Depth)
	assert.Equal(t, 1, mgr.Count())

	got, ok := mgr.Get("t-1")
	require.True(t, ok)
	assert.Same(t, ctx, got)

	mgr.Cleanup("t-1")
	assert.Equal(t, 0, mgr.Count())
}

func TestChildInheritsSnapshotOfParentVariables(t *testing.T) {
	mgr := NewManager()
	parent := mgr.Create("parent", "", "")
	parent.SetVariable("region", "eu-west")

	child := mgr.Create("child", "echo", "parent")
	assert.Equal(t, 1, child.Depth)

	v, ok := child.Variable("region")
	require.True(t, ok)
	assert.Equal(t, "eu-west", v)

	// Snapshot semantics: later parent writes do not leak into the child.
	parent.SetVariable("region", "us-east")
	v, _ = child.Variable("region")
	assert.Equal(t, "eu-west", v)
}

func TestChildInheritsParentDeadline(t *testing.T) {
	mgr := NewManager()
	parent := mgr.Create("parent", "", "")
	deadline := time.Now().Add(time.Hour)
	parent.SetDeadline(deadline)

	child := mgr.Create("child", "echo", "parent")
	got, set := child.Deadline()
	require.True(t, set)
	assert.Equal(t, deadline, got)
}

func TestRecordStepDurations(t *testing.T) {
	mgr := NewManager()
	mgr.Create("t-1", "echo", "")

	mgr.RecordStep("t-1", "echo", "first", "in", "out", "")
	mgr.RecordStep("t-1", "echo", "second", nil, nil, "boom")

	ctx, _ := mgr.Get("t-1")
	steps := ctx.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, "first", steps[0].Action)
	assert.Equal(t, "boom", steps[1].Error)
	assert.GreaterOrEqual(t, steps[0].DurationMs, int64(0))
	assert.True(t, !steps[1].Timestamp.Before(steps[0].Timestamp))
}

func TestRecordStepUnknownTaskIsNoop(t *testing.T) {
	mgr := NewManager()
	assert.NotPanics(t, func() {
		mgr.RecordStep("ghost", "", "action", nil, nil, "")
	})
}

func TestWithinDeadline(t *testing.T) {
	mgr := NewManager()
	ctx := mgr.Create("t-1", "", "")
	assert.True(t, ctx.WithinDeadline())

	ctx.SetDeadline(time.Now().Add(-time.Second))
	assert.False(t, ctx.WithinDeadline())

	ctx.SetDeadline(time.Now().Add(time.Minute))
	assert.True(t, ctx.WithinDeadline())
}

func TestStepsSnapshotIsolated(t *testing.T) {
	mgr := NewManager()
	mgr.Create("t-1", "", "")
	mgr.RecordStep("t-1", "", "one", nil, nil, "")

	ctx, _ := mgr.Get("t-1")
	steps := ctx.Steps()
	steps[0].Action = "mutated"

	assert.Equal(t, "one", ctx.Steps()[0].Action)
}
