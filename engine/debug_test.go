package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadeflow/cascade/event"
	"github.com/cascadeflow/cascade/flow"
)

// blockRegistry registers a "block" node type that reports entry on started
// and holds until release is closed or the node context dies.
func blockRegistry(t *testing.T, started chan string, release chan struct{}) *flow.Registry {
	t.Helper()
	reg := flow.NewRegistry()
	require.NoError(t, flow.RegisterBuiltins(reg))
	require.NoError(t, reg.Register(flow.NodeType{
		TypeID:  "block",
		Inputs:  []flow.PortSpec{{ID: "in"}},
		Outputs: []flow.PortSpec{{ID: "out"}},
		Behavior: func(ctx context.Context, inv flow.Invocation, _ flow.Services) (flow.Result, error) {
			started <- inv.Node.ID
			select {
			case <-release:
				return flow.Result{Outputs: map[string]any{"out": nil}}, nil
			case <-ctx.Done():
				return flow.Result{}, ctx.Err()
			}
		},
	}))
	return reg
}

func awaitNode(t *testing.T, started chan string) string {
	t.Helper()
	select {
	case id := <-started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no node entered")
		return ""
	}
}

func assertNoNode(t *testing.T, started chan string, d time.Duration) {
	t.Helper()
	select {
	case id := <-started:
		t.Fatalf("node %s entered unexpectedly", id)
	case <-time.After(d):
	}
}

func TestPauseBlocksNextNodeAndResumeReleases(t *testing.T) {
	started := make(chan string, 4)
	release := make(chan struct{})
	reg := blockRegistry(t, started, release)

	f := chain("block", "a", "b")
	sink := &collector{}
	ec := rootContext(t)
	e, err := New(f, ec, Options{Registry: reg, Sink: sink})
	require.NoError(t, err)

	done := make(chan *Result, 1)
	go func() {
		res, execErr := e.Execute(context.Background())
		require.NoError(t, execErr)
		done <- res
	}()

	require.Equal(t, "a", awaitNode(t, started))
	e.Pause("operator requested")

	paused, ok := sink.first(event.FlowPaused)
	require.True(t, ok)
	var fd event.FlowData
	require.NoError(t, paused.Decode(&fd))
	assert.Equal(t, "operator requested", fd.Reason)

	var changes []event.StatusChangeData
	for _, ev := range sink.snapshot() {
		if ev.Type != event.NodeStatusChanged {
			continue
		}
		var change event.StatusChangeData
		require.NoError(t, ev.Decode(&change))
		changes = append(changes, change)
	}
	assert.Contains(t, changes, event.StatusChangeData{NodeID: "a", From: "idle", To: "initialized"})
	assert.Contains(t, changes, event.StatusChangeData{NodeID: "a", From: "running", To: "paused"})
	assert.Equal(t, NodePaused, ec.Status("a"))

	// a finishes while paused; b must stay blocked at the gate.
	close(release)
	assertNoNode(t, started, 150*time.Millisecond)
	assert.Equal(t, NodeCompleted, ec.Status("a"))

	e.Resume()
	require.Equal(t, "b", awaitNode(t, started))
	res := <-done
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, sink.count(event.FlowResumed))
}

func TestStepAdmitsExactlyOneNode(t *testing.T) {
	started := make(chan string, 4)
	release := make(chan struct{})
	close(release) // nodes run through immediately once admitted
	reg := blockRegistry(t, started, release)

	// Two independent seeds.
	f := &flow.Flow{ID: "f-step", Nodes: []*flow.Node{
		{ID: "a", TypeID: "block", Outputs: []flow.Port{{ID: "out"}}},
		{ID: "b", TypeID: "block", Outputs: []flow.Port{{ID: "out"}}},
	}}
	ec := rootContext(t)
	e, err := New(f, ec, Options{Registry: reg})
	require.NoError(t, err)
	e.Debugger().Pause()

	done := make(chan *Result, 1)
	go func() {
		res, execErr := e.Execute(context.Background())
		require.NoError(t, execErr)
		done <- res
	}()

	assertNoNode(t, started, 100*time.Millisecond)

	e.Step()
	awaitNode(t, started)
	assertNoNode(t, started, 100*time.Millisecond)

	e.Resume()
	awaitNode(t, started)
	res := <-done
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestBreakpointPausesRun(t *testing.T) {
	f := chain(flow.TypeNoop, "a", "b")
	sink := &collector{}
	ec := rootContext(t)
	e := newTestEngine(t, f, ec, sink)
	e.Debugger().AddBreakpoint("b")

	done := make(chan *Result, 1)
	go func() {
		res, execErr := e.Execute(context.Background())
		require.NoError(t, execErr)
		done <- res
	}()

	require.Eventually(t, func() bool {
		return sink.count(event.DebugBreakpointHit) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, NodeCompleted, ec.Status("a"))
	assert.NotEqual(t, NodeCompleted, ec.Status("b"))

	hit, _ := sink.first(event.DebugBreakpointHit)
	var bp event.BreakpointData
	require.NoError(t, hit.Decode(&bp))
	assert.Equal(t, "b", bp.NodeID)

	e.Resume()
	res := <-done
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, NodeCompleted, ec.Status("b"))
}

func TestBreakpointBookkeeping(t *testing.T) {
	d := newDebugger(NewAbortController())
	d.AddBreakpoint("b")
	d.AddBreakpoint("a")
	d.AddBreakpoint("a")
	assert.Equal(t, []string{"a", "b"}, d.Breakpoints())
	d.RemoveBreakpoint("a")
	assert.Equal(t, []string{"b"}, d.Breakpoints())
	assert.False(t, d.armBreakpoint("a"))
	assert.True(t, d.armBreakpoint("b"))
}

func TestDebuggerStopCancelsRun(t *testing.T) {
	started := make(chan string, 2)
	release := make(chan struct{})
	defer close(release)
	reg := blockRegistry(t, started, release)

	f := chain("block", "a")
	sink := &collector{}
	ec := rootContext(t)
	e, err := New(f, ec, Options{Registry: reg, Sink: sink})
	require.NoError(t, err)

	done := make(chan *Result, 1)
	go func() {
		res, execErr := e.Execute(context.Background())
		require.NoError(t, execErr)
		done <- res
	}()

	awaitNode(t, started)
	e.Debugger().Stop()

	res := <-done
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, StopReason, res.Reason)
	terminal, ok := sink.first(event.FlowCancelled)
	require.True(t, ok)
	var fd event.FlowData
	require.NoError(t, terminal.Decode(&fd))
	assert.Equal(t, StopReason, fd.Reason)
}

func TestWaitForCommandHonorsContext(t *testing.T) {
	d := newDebugger(NewAbortController())
	d.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.WaitForCommand(ctx, "n")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
