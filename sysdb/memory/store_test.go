package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadeflow/cascade/sysdb"
)

func enqueue(t *testing.T, s *Store, id, queue string) *sysdb.Workflow {
	t.Helper()
	wf := &sysdb.Workflow{
		ID:         id,
		Name:       "executionWorkflow",
		Status:     sysdb.StatusEnqueued,
		QueueName:  queue,
		AppVersion: "v1",
		Input:      json.RawMessage(`{"executionId":"` + id + `"}`),
	}
	created, err := s.InsertWorkflow(context.Background(), wf)
	require.NoError(t, err)
	require.True(t, created)
	return wf
}

func TestInsertWorkflowIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	enqueue(t, s, "wf-1", "q")

	created, err := s.InsertWorkflow(ctx, &sysdb.Workflow{ID: "wf-1", Name: "other", Status: sysdb.StatusEnqueued})
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "executionWorkflow", got.Name)
	assert.Equal(t, sysdb.StatusEnqueued, got.Status)
}

func TestGetWorkflowNotFound(t *testing.T) {
	_, err := New().GetWorkflow(context.Background(), "wf-missing")
	assert.ErrorIs(t, err, sysdb.ErrWorkflowNotFound)
}

func TestClaimEnqueued(t *testing.T) {
	ctx := context.Background()
	s := New()
	enqueue(t, s, "wf-1", "q")
	time.Sleep(2 * time.Millisecond)
	enqueue(t, s, "wf-2", "q")
	time.Sleep(2 * time.Millisecond)
	enqueue(t, s, "wf-3", "q")

	claimed, err := s.ClaimEnqueued(ctx, "q", "v1", "exec-a", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	// oldest first
	assert.Equal(t, "wf-1", claimed[0].ID)
	assert.Equal(t, "wf-2", claimed[1].ID)
	for _, wf := range claimed {
		assert.Equal(t, sysdb.StatusRunning, wf.Status)
		assert.Equal(t, "exec-a", wf.ExecutorID)
		assert.NotNil(t, wf.StartedAt)
		assert.NotNil(t, wf.HeartbeatAt)
	}

	// second claim gets only the remaining row
	claimed, err = s.ClaimEnqueued(ctx, "q", "v1", "exec-b", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "wf-3", claimed[0].ID)
}

func TestClaimEnqueuedVersionFilter(t *testing.T) {
	ctx := context.Background()
	s := New()
	enqueue(t, s, "wf-1", "q")

	claimed, err := s.ClaimEnqueued(ctx, "q", "v2", "exec-a", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = s.ClaimEnqueued(ctx, "q", "v1", "exec-a", 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestMarkTerminalClosesStreams(t *testing.T) {
	ctx := context.Background()
	s := New()
	enqueue(t, s, "wf-1", "q")

	_, err := s.WriteStream(ctx, "wf-1", "events", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	_, err = s.WriteStream(ctx, "wf-1", "events", json.RawMessage(`{"n":2}`))
	require.NoError(t, err)

	changed, err := s.MarkTerminal(ctx, "wf-1", sysdb.StatusSuccess, json.RawMessage(`"done"`), "")
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, sysdb.StatusSuccess, got.Status)
	assert.Equal(t, json.RawMessage(`"done"`), got.Output)

	entries, err := s.ReadStream(ctx, "wf-1", "events", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[2].Closed)
	assert.Equal(t, int64(2), entries[2].Offset)

	// terminal rows are frozen
	changed, err = s.MarkTerminal(ctx, "wf-1", sysdb.StatusError, nil, "late")
	require.NoError(t, err)
	assert.False(t, changed)
	got, err = s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, sysdb.StatusSuccess, got.Status)

	// writing to a closed stream fails
	_, err = s.WriteStream(ctx, "wf-1", "events", json.RawMessage(`{"n":3}`))
	assert.ErrorIs(t, err, sysdb.ErrStreamClosed)
}

func TestStepCheckpointFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	s := New()

	step, err := s.GetStep(ctx, "wf-1", 0)
	require.NoError(t, err)
	assert.Nil(t, step)

	require.NoError(t, s.SaveStep(ctx, &sysdb.StepResult{
		WorkflowID: "wf-1", FunctionID: 0, FunctionName: "updateToRunning",
		Output: json.RawMessage(`true`),
	}))
	// replayed save with a different value is ignored
	require.NoError(t, s.SaveStep(ctx, &sysdb.StepResult{
		WorkflowID: "wf-1", FunctionID: 0, FunctionName: "updateToRunning",
		Output: json.RawMessage(`false`),
	}))

	step, err = s.GetStep(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.NotNil(t, step)
	assert.Equal(t, json.RawMessage(`true`), step.Output)

	require.NoError(t, s.SaveStep(ctx, &sysdb.StepResult{
		WorkflowID: "wf-1", FunctionID: 2, FunctionName: "executeFlowAtomic", Error: "boom",
	}))
	require.NoError(t, s.SaveStep(ctx, &sysdb.StepResult{
		WorkflowID: "wf-1", FunctionID: 1, FunctionName: "recv",
	}))

	steps, err := s.ListSteps(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, int64(0), steps[0].FunctionID)
	assert.Equal(t, int64(1), steps[1].FunctionID)
	assert.Equal(t, int64(2), steps[2].FunctionID)
	assert.Equal(t, "boom", steps[2].Error)
}

func TestWriteStreamDenseOffsets(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 0; i < 5; i++ {
		offset, err := s.WriteStream(ctx, "wf-1", "events", json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.Equal(t, int64(i), offset)
	}

	entries, err := s.ReadStream(ctx, "wf-1", "events", 2, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(2), entries[0].Offset)

	entries, err = s.ReadStream(ctx, "wf-1", "events", 0, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestNotificationsFIFOAndDedup(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, ok, err := s.ConsumeNotification(ctx, "wf-1", "COMMAND")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SendNotification(ctx, &sysdb.Notification{
		RecipientID: "wf-1", Topic: "COMMAND", Payload: json.RawMessage(`{"cmd":"PAUSE"}`),
	}))
	require.NoError(t, s.SendNotification(ctx, &sysdb.Notification{
		RecipientID: "wf-1", Topic: "COMMAND", Payload: json.RawMessage(`{"cmd":"RESUME"}`),
	}))

	payload, ok, err := s.ConsumeNotification(ctx, "wf-1", "COMMAND")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"cmd":"PAUSE"}`, string(payload))

	payload, ok, err = s.ConsumeNotification(ctx, "wf-1", "COMMAND")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"cmd":"RESUME"}`, string(payload))
}

func TestSendNotificationReplayDedup(t *testing.T) {
	ctx := context.Background()
	s := New()

	n := &sysdb.Notification{
		RecipientID: "wf-child", Topic: "START_SIGNAL",
		SenderID: "wf-parent", SenderStep: 4,
		Payload: json.RawMessage(`{}`),
	}
	require.NoError(t, s.SendNotification(ctx, n))
	require.NoError(t, s.SendNotification(ctx, n))

	_, ok, err := s.ConsumeNotification(ctx, "wf-child", "START_SIGNAL")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = s.ConsumeNotification(ctx, "wf-child", "START_SIGNAL")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHeartbeatAndStaleWorkflows(t *testing.T) {
	ctx := context.Background()
	s := New()
	enqueue(t, s, "wf-1", "q")
	enqueue(t, s, "wf-2", "q")

	claimed, err := s.ClaimEnqueued(ctx, "q", "v1", "exec-a", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	n, err := s.Heartbeat(ctx, "exec-a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stale, err := s.StaleWorkflows(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = s.StaleWorkflows(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 2)
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	s := New()
	enqueue(t, s, "wf-1", "q")

	_, err := s.ClaimEnqueued(ctx, "q", "v1", "exec-a", 1)
	require.NoError(t, err)

	attempts, ok, err := s.Requeue(ctx, "wf-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, attempts)

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, sysdb.StatusEnqueued, got.Status)
	assert.Empty(t, got.ExecutorID)

	// requeue of a non-running row is a no-op
	attempts, ok, err = s.Requeue(ctx, "wf-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, attempts)

	_, _, err = s.Requeue(ctx, "wf-missing")
	assert.ErrorIs(t, err, sysdb.ErrWorkflowNotFound)
}

func TestTryRecoveryLock(t *testing.T) {
	ctx := context.Background()
	s := New()

	release, ok, err := s.TryRecoveryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.TryRecoveryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	release2, ok, err := s.TryRecoveryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}

func TestWatchStream(t *testing.T) {
	ctx := context.Background()
	s := New()

	wake, cancel, err := s.WatchStream(ctx, "wf-1", "events")
	require.NoError(t, err)
	defer cancel()

	_, err = s.WriteStream(ctx, "wf-1", "events", json.RawMessage(`{}`))
	require.NoError(t, err)

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("expected stream wake")
	}

	// unrelated stream does not wake this watcher
	_, err = s.WriteStream(ctx, "wf-2", "events", json.RawMessage(`{}`))
	require.NoError(t, err)
	select {
	case <-wake:
		t.Fatal("unexpected wake")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchNotifications(t *testing.T) {
	ctx := context.Background()
	s := New()

	wake, cancel, err := s.WatchNotifications(ctx, "wf-1", "COMMAND")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.SendNotification(ctx, &sysdb.Notification{
		RecipientID: "wf-1", Topic: "COMMAND", Payload: json.RawMessage(`{}`),
	}))

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("expected notification wake")
	}
}

func TestListWorkflows(t *testing.T) {
	ctx := context.Background()
	s := New()
	enqueue(t, s, "wf-1", "q1")
	time.Sleep(2 * time.Millisecond)
	enqueue(t, s, "wf-2", "q2")
	_, err := s.ClaimEnqueued(ctx, "q2", "v1", "exec-a", 1)
	require.NoError(t, err)

	all, err := s.ListWorkflows(ctx, sysdb.WorkflowFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "wf-2", all[0].ID) // newest first

	running, err := s.ListWorkflows(ctx, sysdb.WorkflowFilter{Statuses: []sysdb.Status{sysdb.StatusRunning}})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "wf-2", running[0].ID)

	q1, err := s.ListWorkflows(ctx, sysdb.WorkflowFilter{Queue: "q1"})
	require.NoError(t, err)
	require.Len(t, q1, 1)

	n, err := s.CountWorkflows(ctx, "q2", sysdb.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
