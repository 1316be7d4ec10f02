package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadeflow/cascade/event"
	"github.com/cascadeflow/cascade/flow"
	"github.com/cascadeflow/cascade/store"
)

func TestCreateRejectsUnknownFlow(t *testing.T) {
	env := newEnv(t, []*flow.Flow{twoStepFlow("flow-known")})
	_, err := env.svc.Create(context.Background(), CreateParams{FlowID: "flow-missing", OwnerID: "owner-1"})
	require.ErrorIs(t, err, flow.ErrNotFound)
}

func TestControlPlanePreconditions(t *testing.T) {
	ctx := context.Background()
	f := delayFlow("flow-gated", 2000)
	env := newEnv(t, []*flow.Flow{f})

	id, err := env.svc.Create(ctx, CreateParams{FlowID: f.ID, OwnerID: "owner-1"})
	require.NoError(t, err)

	// created: only start and stop apply.
	require.ErrorIs(t, env.svc.Pause(ctx, id, "x"), ErrPrecondition)
	require.ErrorIs(t, env.svc.Resume(ctx, id), ErrPrecondition)
	require.ErrorIs(t, env.svc.Step(ctx, id), ErrPrecondition)

	require.NoError(t, env.svc.Start(ctx, id))
	env.awaitStatus(t, id, store.StatusRunning)

	// running: a second start is refused, as is resume.
	require.ErrorIs(t, env.svc.Start(ctx, id), ErrPrecondition)
	require.ErrorIs(t, env.svc.Resume(ctx, id), ErrPrecondition)

	require.NoError(t, env.svc.Stop(ctx, id, "user"))

	// stopped is terminal: everything is refused.
	require.ErrorIs(t, env.svc.Start(ctx, id), ErrPrecondition)
	require.ErrorIs(t, env.svc.Pause(ctx, id, "x"), ErrPrecondition)
	require.ErrorIs(t, env.svc.Resume(ctx, id), ErrPrecondition)
	require.ErrorIs(t, env.svc.Step(ctx, id), ErrPrecondition)
	require.ErrorIs(t, env.svc.Stop(ctx, id, "again"), ErrPrecondition)

	row, err := env.svc.GetExecutionDetails(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "user", row.ErrorMessage)
}

func TestSubscribeUnknownExecution(t *testing.T) {
	env := newEnv(t, []*flow.Flow{twoStepFlow("flow-known")})
	_, err := env.svc.SubscribeToExecutionEvents(context.Background(), "exec_missing", SubscribeParams{})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubscribeFiltersEventTypes(t *testing.T) {
	ctx := context.Background()
	f := twoStepFlow("flow-filter")
	env := newEnv(t, []*flow.Flow{f})

	id, err := env.svc.Create(ctx, CreateParams{FlowID: f.ID, OwnerID: "owner-1"})
	require.NoError(t, err)
	require.NoError(t, env.svc.Start(ctx, id))
	env.awaitStatus(t, id, store.StatusCompleted)

	sub, err := env.svc.SubscribeToExecutionEvents(ctx, id, SubscribeParams{
		EventTypes: []event.EventType{event.NodeCompleted},
	})
	require.NoError(t, err)
	events := collectUntilClosed(t, sub, 5*time.Second)

	require.Len(t, events, 2)
	// Filtering preserves the original index of each envelope.
	assert.Equal(t, int64(3), events[0].Index)
	assert.Equal(t, int64(7), events[1].Index)
	var first, second event.NodeData
	require.NoError(t, events[0].Decode(&first))
	require.NoError(t, events[1].Decode(&second))
	assert.Equal(t, "a", first.NodeID)
	assert.Equal(t, "b", second.NodeID)
}

func TestSubscribeFromIndexResumes(t *testing.T) {
	ctx := context.Background()
	f := twoStepFlow("flow-resume")
	env := newEnv(t, []*flow.Flow{f})

	id, err := env.svc.Create(ctx, CreateParams{FlowID: f.ID, OwnerID: "owner-1"})
	require.NoError(t, err)
	require.NoError(t, env.svc.Start(ctx, id))
	env.awaitStatus(t, id, store.StatusCompleted)

	// A fresh subscriber starting at offset 4 picks up right where a
	// previous one left off: envelope indices continue at 3.
	sub, err := env.svc.SubscribeToExecutionEvents(ctx, id, SubscribeParams{FromIndex: 4})
	require.NoError(t, err)
	events := collectUntilClosed(t, sub, 5*time.Second)

	require.NotEmpty(t, events)
	assert.Equal(t, int64(3), events[0].Index)
	assert.Equal(t, event.NodeCompleted, events[0].Type)
	assert.Equal(t, event.FlowCompleted, events[len(events)-1].Type)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Index+1, events[i].Index)
	}
}

func TestSubscribeBatchingHonorsSize(t *testing.T) {
	ctx := context.Background()
	f := twoStepFlow("flow-batched")
	env := newEnv(t, []*flow.Flow{f})

	id, err := env.svc.Create(ctx, CreateParams{FlowID: f.ID, OwnerID: "owner-1"})
	require.NoError(t, err)
	require.NoError(t, env.svc.Start(ctx, id))
	env.awaitStatus(t, id, store.StatusCompleted)

	sub, err := env.svc.SubscribeToExecutionEvents(ctx, id, SubscribeParams{BatchSize: 3})
	require.NoError(t, err)

	total := 0
	deadline := time.After(5 * time.Second)
	for {
		select {
		case b, ok := <-sub:
			if !ok {
				require.Equal(t, 10, total)
				return
			}
			assert.LessOrEqual(t, len(b.Events), 3)
			total += len(b.Events)
			if b.Closed {
				require.Equal(t, 10, total)
				return
			}
		case <-deadline:
			t.Fatalf("subscription never closed, got %d events", total)
		}
	}
}
