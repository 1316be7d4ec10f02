package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cascadeflow/cascade/durable"
	"github.com/cascadeflow/cascade/event"
	"github.com/cascadeflow/cascade/store"
	"github.com/cascadeflow/cascade/stream"
	"github.com/cascadeflow/cascade/telemetry"
)

// ErrPrecondition marks control-plane calls rejected by the execution's
// current status.
var ErrPrecondition = errors.New("orchestrator: operation precondition failed")

type (
	// Service is the transport-agnostic control plane over executions.
	// Embedding applications expose it over whatever transport they run.
	Service struct {
		o *Orchestrator
	}

	// CreateParams describes a new root execution.
	CreateParams struct {
		FlowID         string
		OwnerID        string
		Options        map[string]any
		Integration    map[string]any
		ExternalEvents []store.ExternalEvent
	}

	// SubscribeParams tunes one event subscription.
	SubscribeParams struct {
		// FromIndex is the first stream offset delivered. Zero replays
		// from the metadata event.
		FromIndex int64
		// EventTypes filters delivered envelopes. Empty delivers all.
		EventTypes []event.EventType
		// BatchSize and BatchTimeout tune delivery batching. Zero values
		// use the transport defaults.
		BatchSize    int
		BatchTimeout time.Duration
	}

	// EventBatch is one subscription delivery. Closed marks the final
	// batch of a terminated execution.
	EventBatch struct {
		Events []event.Envelope
		Closed bool
	}
)

// NewService returns the control plane bound to o.
func NewService(o *Orchestrator) *Service {
	return &Service{o: o}
}

// Create writes a root execution row and enqueues its workflow. The
// workflow announces itself on the event stream and then waits for Start.
func (s *Service) Create(ctx context.Context, p CreateParams) (string, error) {
	if _, err := s.o.flows.Load(ctx, p.FlowID); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}
	row, err := store.New(store.Params{
		FlowID:         p.FlowID,
		OwnerID:        p.OwnerID,
		Options:        p.Options,
		Integration:    p.Integration,
		ExternalEvents: p.ExternalEvents,
	})
	if err != nil {
		return "", err
	}
	if err := s.o.exec.Create(ctx, row); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}
	input, err := json.Marshal(workflowInput{ExecutionID: row.ID})
	if err != nil {
		return "", fmt.Errorf("encode workflow input: %w", err)
	}
	if _, err := s.o.rt.StartWorkflow(ctx, WorkflowName, input, durable.StartOptions{WorkflowID: row.ID, Queue: s.o.queue}); err != nil {
		return "", fmt.Errorf("enqueue execution %s: %w", row.ID, err)
	}
	return row.ID, nil
}

// Start releases an execution waiting on its start signal. It requires
// status created.
func (s *Service) Start(ctx context.Context, id string) error {
	row, err := s.o.exec.Get(ctx, id)
	if err != nil {
		return err
	}
	if row.Status != store.StatusCreated {
		return fmt.Errorf("%w: start requires created, execution %s is %s", ErrPrecondition, id, row.Status)
	}
	return s.o.rt.Send(ctx, id, TopicStart, nil)
}

// Stop terminates a non-terminal execution: the owning worker is told to
// abort, the workflow is cancelled, and the row turns stopped with reason
// as its error message.
func (s *Service) Stop(ctx context.Context, id, reason string) error {
	row, err := s.o.exec.Get(ctx, id)
	if err != nil {
		return err
	}
	if row.Status.Terminal() {
		return fmt.Errorf("%w: execution %s is already %s", ErrPrecondition, id, row.Status)
	}
	cmd, err := json.Marshal(NewCommand(CommandStop, reason))
	if err != nil {
		return err
	}
	if err := s.o.rt.Send(ctx, id, TopicCommand, cmd); err != nil {
		s.o.logger.Warn(ctx, "stop command send failed", "execution_id", id, "error", err.Error())
	}
	if err := s.o.rt.CancelWorkflow(ctx, id); err != nil {
		s.o.logger.Warn(ctx, "workflow cancel failed", "execution_id", id, "error", err.Error())
	}
	now := time.Now().UTC()
	if err := s.o.exec.UpdateStatus(ctx, store.StatusUpdate{ID: id, Status: store.StatusStopped, CompletedAt: &now, ErrorMessage: reason}); err != nil {
		return err
	}
	s.o.metrics.IncCounter(telemetry.MetricExecutionsStopped, 1, "flow_id", row.FlowID)
	return nil
}

// Pause asks a running execution's debugger to hold new nodes. It requires
// status running.
func (s *Service) Pause(ctx context.Context, id, reason string) error {
	row, err := s.o.exec.Get(ctx, id)
	if err != nil {
		return err
	}
	if row.Status != store.StatusRunning {
		return fmt.Errorf("%w: pause requires running, execution %s is %s", ErrPrecondition, id, row.Status)
	}
	return s.sendCommand(ctx, id, NewCommand(CommandPause, reason))
}

// Resume releases a paused execution. It requires status paused.
func (s *Service) Resume(ctx context.Context, id string) error {
	row, err := s.o.exec.Get(ctx, id)
	if err != nil {
		return err
	}
	if row.Status != store.StatusPaused {
		return fmt.Errorf("%w: resume requires paused, execution %s is %s", ErrPrecondition, id, row.Status)
	}
	return s.sendCommand(ctx, id, NewCommand(CommandResume, ""))
}

// Step admits exactly one node through a paused execution's gate. It
// requires status paused.
func (s *Service) Step(ctx context.Context, id string) error {
	row, err := s.o.exec.Get(ctx, id)
	if err != nil {
		return err
	}
	if row.Status != store.StatusPaused {
		return fmt.Errorf("%w: step requires paused, execution %s is %s", ErrPrecondition, id, row.Status)
	}
	return s.sendCommand(ctx, id, NewCommand(CommandStep, ""))
}

func (s *Service) sendCommand(ctx context.Context, id string, cmd Command) error {
	b, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return s.o.rt.Send(ctx, id, TopicCommand, b)
}

// GetExecutionDetails returns the execution row.
func (s *Service) GetExecutionDetails(ctx context.Context, id string) (*store.Execution, error) {
	return s.o.exec.Get(ctx, id)
}

// GetExecutionsTree returns the BFS-flattened tree rooted at id.
func (s *Service) GetExecutionsTree(ctx context.Context, id string) ([]store.TreeEntry, error) {
	return s.o.exec.ExecutionTree(ctx, id)
}

// GetRootExecutions pages a flow's root executions newest-first.
func (s *Service) GetRootExecutions(ctx context.Context, flowID string, limit int, after *time.Time) ([]*store.RootExecution, error) {
	return s.o.exec.RootExecutions(ctx, flowID, limit, after)
}

// SubscribeToExecutionEvents follows an execution's event stream. The
// channel yields batches until the stream closes or ctx ends; the last
// batch of a terminated execution has Closed set.
func (s *Service) SubscribeToExecutionEvents(ctx context.Context, id string, p SubscribeParams) (<-chan EventBatch, error) {
	if _, err := s.o.exec.Get(ctx, id); err != nil {
		return nil, err
	}
	batches, err := s.o.streams.Subscribe(ctx, id, StreamKeyEvents, stream.SubscribeOptions{
		FromOffset:   p.FromIndex,
		MaxBatchSize: p.BatchSize,
		BatchTimeout: p.BatchTimeout,
	})
	if err != nil {
		return nil, err
	}
	var want map[event.EventType]bool
	if len(p.EventTypes) > 0 {
		want = make(map[event.EventType]bool, len(p.EventTypes))
		for _, t := range p.EventTypes {
			want[t] = true
		}
	}
	out := make(chan EventBatch)
	go s.forward(ctx, id, batches, want, out)
	return out, nil
}

func (s *Service) forward(ctx context.Context, id string, in <-chan stream.Batch, want map[event.EventType]bool, out chan<- EventBatch) {
	defer close(out)
	for b := range in {
		events := make([]event.Envelope, 0, len(b.Entries))
		for _, entry := range b.Entries {
			if entry.Closed {
				continue
			}
			var env event.Envelope
			if err := json.Unmarshal(entry.Value, &env); err != nil {
				s.o.logger.Warn(ctx, "skipping undecodable stream entry", "execution_id", id, "offset", entry.Offset, "error", err.Error())
				continue
			}
			// The offset is the authoritative cursor; deriving the index
			// from it keeps the delivered sequence dense even across
			// out-of-band appends.
			env.Index = entry.Offset - 1
			if want != nil && !want[env.Type] {
				continue
			}
			events = append(events, env)
		}
		if len(events) == 0 && !b.Closed {
			continue
		}
		select {
		case out <- EventBatch{Events: events, Closed: b.Closed}:
		case <-ctx.Done():
			return
		}
	}
}
