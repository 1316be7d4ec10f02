package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadeflow/cascade/engine"
	"github.com/cascadeflow/cascade/event"
	"github.com/cascadeflow/cascade/flow"
	"github.com/cascadeflow/cascade/store"
	"github.com/cascadeflow/cascade/sysdb"
)

func TestScrubIntegration(t *testing.T) {
	assert.Nil(t, scrubIntegration(nil))

	in := map[string]any{
		"channel":   "C123",
		"teamId":    "T456",
		"messageId": "m-1",
		"messageTs": "1700000000.0001",
		"requestId": "r-9",
	}
	out := scrubIntegration(in)
	assert.Equal(t, map[string]any{"channel": "C123", "teamId": "T456"}, out)
	// The parent's own context is left alone.
	assert.Contains(t, in, "messageId")
}

func newChildRow(t *testing.T, parentID string) *store.Execution {
	t.Helper()
	row, err := store.New(store.Params{
		FlowID:            "flow-x",
		OwnerID:           "owner-1",
		RootExecutionID:   parentID,
		ParentExecutionID: parentID,
		ExecutionDepth:    1,
	})
	require.NoError(t, err)
	return row
}

func TestAppendChildTerminal(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, []*flow.Flow{twoStepFlow("flow-x")})
	parentID := "exec_parent_open"

	metaEnv, err := event.New(event.MetaIndex, event.FlowSubscribed, event.ExecutionMeta{ExecutionID: parentID})
	require.NoError(t, err)
	_, err = env.db.WriteStream(ctx, parentID, StreamKeyEvents, mustJSON(t, metaEnv))
	require.NoError(t, err)

	child := newChildRow(t, parentID)
	env.orc.appendChildTerminal(ctx, parentID, child, &flow.EventData{Name: "order.created"}, atomicResult{Status: engine.StatusCompleted, DurationMs: 5})

	entries, err := env.db.ReadStream(ctx, parentID, StreamKeyEvents, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var env2 event.Envelope
	require.NoError(t, json.Unmarshal(entries[1].Value, &env2))
	assert.Equal(t, event.ChildExecutionCompleted, env2.Type)
	// The embedded index matches what delivery derives from the offset.
	assert.Equal(t, entries[1].Offset-1, env2.Index)
	var data event.ChildData
	require.NoError(t, env2.Decode(&data))
	assert.Equal(t, child.ID, data.ChildExecutionID)
	assert.Equal(t, parentID, data.ParentExecutionID)
	assert.Equal(t, "order.created", data.EventName)
	assert.Equal(t, string(engine.StatusCompleted), data.Status)
	assert.Empty(t, data.Error)
}

func TestAppendChildTerminalFailure(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, []*flow.Flow{twoStepFlow("flow-x")})
	parentID := "exec_parent_fail"

	metaEnv, err := event.New(event.MetaIndex, event.FlowSubscribed, event.ExecutionMeta{ExecutionID: parentID})
	require.NoError(t, err)
	_, err = env.db.WriteStream(ctx, parentID, StreamKeyEvents, mustJSON(t, metaEnv))
	require.NoError(t, err)

	child := newChildRow(t, parentID)
	env.orc.appendChildTerminal(ctx, parentID, child, nil, atomicResult{Status: engine.StatusFailed, Error: "boom"})

	entries, err := env.db.ReadStream(ctx, parentID, StreamKeyEvents, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var env2 event.Envelope
	require.NoError(t, json.Unmarshal(entries[1].Value, &env2))
	assert.Equal(t, event.ChildExecutionFailed, env2.Type)
	var data event.ChildData
	require.NoError(t, env2.Decode(&data))
	assert.Equal(t, "boom", data.Error)
	assert.Empty(t, data.EventName)
}

func TestAppendChildTerminalSkipsClosedParent(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, []*flow.Flow{twoStepFlow("flow-x")})
	parentID := "exec_parent_closed"

	inserted, err := env.db.InsertWorkflow(ctx, &sysdb.Workflow{ID: parentID, Name: WorkflowName, Status: sysdb.StatusPending, QueueName: testQueue, AppVersion: "v1"})
	require.NoError(t, err)
	require.True(t, inserted)
	metaEnv, err := event.New(event.MetaIndex, event.FlowSubscribed, event.ExecutionMeta{ExecutionID: parentID})
	require.NoError(t, err)
	_, err = env.db.WriteStream(ctx, parentID, StreamKeyEvents, mustJSON(t, metaEnv))
	require.NoError(t, err)
	_, err = env.db.MarkTerminal(ctx, parentID, sysdb.StatusSuccess, nil, "")
	require.NoError(t, err)

	child := newChildRow(t, parentID)
	env.orc.appendChildTerminal(ctx, parentID, child, nil, atomicResult{Status: engine.StatusCompleted})

	// Entry then close sentinel; the child event was dropped without error.
	entries, err := env.db.ReadStream(ctx, parentID, StreamKeyEvents, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[1].Closed)
}
