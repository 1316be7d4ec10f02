package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/cascadeflow/cascade/durable"
	"github.com/cascadeflow/cascade/engine"
	"github.com/cascadeflow/cascade/event"
	"github.com/cascadeflow/cascade/flow"
	"github.com/cascadeflow/cascade/store"
	"github.com/cascadeflow/cascade/sysdb"
)

// transientIntegrationKeys are request-scoped integration fields dropped
// when the context propagates to a child execution.
var transientIntegrationKeys = []string{"messageId", "messageTs", "requestId"}

// childSpawner turns emitted domain events into child execution rows during
// the atomic step. Rows are created as the engine runs; the workflow starts
// the corresponding sibling workflows after the step returns, since starts
// are forbidden inside steps.
type childSpawner struct {
	o   *Orchestrator
	row *store.Execution

	mu    sync.Mutex
	tasks []childTask
}

// drain creates a child execution per unprocessed emitted event and marks
// each event processed. A depth violation fails the emitting node with the
// sentinel's exact text.
func (s *childSpawner) drain(ctx context.Context, eng *engine.Engine, ec *engine.ExecutionContext) error {
	for _, ev := range ec.UnprocessedEvents() {
		if err := s.spawn(ctx, eng, ev); err != nil {
			return err
		}
		ec.MarkProcessed(ev.ID)
	}
	return nil
}

func (s *childSpawner) spawn(ctx context.Context, eng *engine.Engine, ev engine.EmittedEvent) error {
	child, err := store.New(store.Params{
		FlowID:            s.row.FlowID,
		OwnerID:           s.row.OwnerID,
		RootExecutionID:   s.row.RootExecutionID,
		ParentExecutionID: s.row.ID,
		ExecutionDepth:    s.row.ExecutionDepth + 1,
		Options:           s.row.Options,
		Integration:       scrubIntegration(s.row.Integration),
	})
	if err != nil {
		if errors.Is(err, store.ErrDepthExceeded) {
			// The bare sentinel text is the client-visible failure
			// message.
			return store.ErrDepthExceeded
		}
		return err
	}
	if err := s.o.exec.Create(ctx, child); err != nil {
		return fmt.Errorf("create child execution: %w", err)
	}
	s.mu.Lock()
	s.tasks = append(s.tasks, childTask{
		ExecutionID: child.ID,
		Event:       &flow.EventData{ID: ev.ID, Name: ev.Name, Payload: ev.Payload, EmitterNodeID: ev.EmitterNodeID},
	})
	s.mu.Unlock()
	eng.Append(event.ChildExecutionSpawned, event.ChildData{
		ChildExecutionID:  child.ID,
		ParentExecutionID: s.row.ID,
		EventName:         ev.Name,
		EmitterNodeID:     ev.EmitterNodeID,
		ExecutionDepth:    child.ExecutionDepth,
	})
	return nil
}

func (s *childSpawner) collected() []childTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tasks)
}

// scrubIntegration copies the integration context without its transient
// fields.
func scrubIntegration(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	for _, k := range transientIntegrationKeys {
		delete(out, k)
	}
	return out
}

// notifyParent appends this child's terminal event to the parent's stream
// from a checkpointed step. The append is best effort: parents usually
// terminate long before their children, and a closed parent stream is
// skipped silently.
func (o *Orchestrator) notifyParent(wc *durable.WorkflowContext, row *store.Execution, ev *flow.EventData, res atomicResult) {
	if row.ParentExecutionID == nil {
		return
	}
	parentID := *row.ParentExecutionID
	_, err := wc.RunStep("notifyParent", func(sc context.Context) (json.RawMessage, error) {
		o.appendChildTerminal(sc, parentID, row, ev, res)
		return nil, nil
	})
	if err != nil {
		o.logger.Warn(wc.Context(), "parent notification step failed", "execution_id", row.ID, "error", err.Error())
	}
}

// appendChildTerminal writes a CHILD_EXECUTION_COMPLETED or _FAILED envelope
// into the parent's stream. The embedded index mirrors the offset the entry
// should land at; subscribers key on the stream offset, which the write
// assigns atomically.
func (o *Orchestrator) appendChildTerminal(ctx context.Context, parentID string, row *store.Execution, ev *flow.EventData, res atomicResult) {
	t := event.ChildExecutionCompleted
	if res.Status != engine.StatusCompleted {
		t = event.ChildExecutionFailed
	}
	eventName := ""
	if ev != nil {
		eventName = ev.Name
	}
	entries, err := o.db.ReadStream(ctx, parentID, StreamKeyEvents, 0, 0)
	if err != nil {
		o.logger.Warn(ctx, "read parent stream failed", "execution_id", row.ID, "parent_id", parentID, "error", err.Error())
		return
	}
	env, err := event.New(int64(len(entries))-1, t, event.ChildData{
		ChildExecutionID:  row.ID,
		ParentExecutionID: parentID,
		EventName:         eventName,
		ExecutionDepth:    row.ExecutionDepth,
		Status:            string(res.Status),
		Error:             res.Error,
	})
	if err != nil {
		o.logger.Warn(ctx, "build child terminal event failed", "execution_id", row.ID, "error", err.Error())
		return
	}
	b, err := json.Marshal(env)
	if err != nil {
		o.logger.Warn(ctx, "encode child terminal event failed", "execution_id", row.ID, "error", err.Error())
		return
	}
	if _, err := o.db.WriteStream(ctx, parentID, StreamKeyEvents, b); err != nil {
		if errors.Is(err, sysdb.ErrStreamClosed) {
			return
		}
		o.logger.Warn(ctx, "parent stream append failed", "execution_id", row.ID, "parent_id", parentID, "error", err.Error())
	}
}
