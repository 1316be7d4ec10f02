package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cascadeflow/cascade/durable"
	"github.com/cascadeflow/cascade/engine"
	"github.com/cascadeflow/cascade/event"
	"github.com/cascadeflow/cascade/flow"
	"github.com/cascadeflow/cascade/store"
	"github.com/cascadeflow/cascade/telemetry"
)

type (
	// workflowInput starts one execution workflow. Event carries the domain
	// event that spawned a child; roots leave it nil.
	workflowInput struct {
		ExecutionID string          `json:"executionId"`
		Event       *flow.EventData `json:"event,omitempty"`
	}

	// workflowOutput is the workflow's recorded result.
	workflowOutput struct {
		Status     string `json:"status"`
		DurationMs int64  `json:"durationMs,omitempty"`
		Error      string `json:"error,omitempty"`
	}

	// atomicResult is the checkpointed outcome of the executeFlowAtomic
	// step. Replays branch on it, so it must capture everything the
	// workflow does afterwards.
	atomicResult struct {
		Status      engine.Status `json:"status"`
		DurationMs  int64         `json:"durationMs"`
		Error       string        `json:"error,omitempty"`
		Reason      string        `json:"reason,omitempty"`
		ErrorNodeID string        `json:"errorNodeId,omitempty"`
		ChildTasks  []childTask   `json:"childTasks,omitempty"`
	}

	// childTask identifies a child execution created during the atomic step
	// and waiting to be started at the workflow level.
	childTask struct {
		ExecutionID string          `json:"executionId"`
		Event       *flow.EventData `json:"event"`
	}
)

// run is the execution workflow. Its checkpointed operations follow a fixed
// order per branch so a replay after recovery consumes the same indices:
// write metadata, self-send (children only), receive the start signal, mark
// running, execute the flow, start children, mark terminal, notify the
// parent (children only).
func (o *Orchestrator) run(wc *durable.WorkflowContext, in workflowInput) (workflowOutput, error) {
	execID := wc.WorkflowID()
	if in.ExecutionID != "" && in.ExecutionID != execID {
		return workflowOutput{}, fmt.Errorf("workflow %s started with input for execution %s", execID, in.ExecutionID)
	}
	ctx := wc.Context()

	// Identity attributes are immutable after creation, so this read
	// replays deterministically for everything the workflow derives from
	// it.
	row, err := o.exec.Get(ctx, execID)
	if err != nil {
		return workflowOutput{}, fmt.Errorf("load execution %s: %w", execID, err)
	}
	isChild := !row.IsRoot()

	abort := engine.NewAbortController()
	commands := NewCommandController()

	loopCtx, stopLoop := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	go o.commandLoop(loopCtx, wc, abort, commands, loopDone)
	defer func() {
		stopLoop()
		<-loopDone
	}()

	if err := o.writeMeta(wc, row); err != nil {
		return workflowOutput{}, err
	}

	if isChild {
		if err := wc.Send(execID, TopicStart, nil); err != nil {
			return workflowOutput{}, fmt.Errorf("self-send start signal: %w", err)
		}
	}
	startTimeout := o.rootStartTimeout
	if isChild {
		startTimeout = o.childStartTimeout
	}
	_, started, err := wc.Recv(TopicStart, startTimeout)
	if err != nil {
		return workflowOutput{}, err
	}
	if !started {
		if err := o.writeTerminal(wc, execID, event.FlowFailed, event.FlowData{
			ExecutionID: execID,
			FlowID:      row.FlowID,
			Status:      string(engine.StatusFailed),
			Error:       startTimeoutMessage,
		}); err != nil {
			return workflowOutput{}, err
		}
		if err := o.markFailed(wc, execID, startTimeoutMessage, ""); err != nil {
			return workflowOutput{}, err
		}
		o.metrics.IncCounter(telemetry.MetricExecutionsFailed, 1, "flow_id", row.FlowID)
		return workflowOutput{Status: string(store.StatusFailed), Error: startTimeoutMessage}, errors.New(startTimeoutMessage)
	}

	proceeded, err := o.markRunning(wc, execID)
	if err != nil {
		return workflowOutput{}, err
	}
	if !proceeded {
		// The row turned terminal between the start signal and here: a
		// stop won the race and there is nothing to run. Subscribers still
		// get their terminal event before the stream closes.
		if err := o.writeTerminal(wc, execID, event.FlowCancelled, event.FlowData{
			ExecutionID: execID,
			FlowID:      row.FlowID,
			Status:      string(engine.StatusCancelled),
		}); err != nil {
			return workflowOutput{}, err
		}
		return workflowOutput{Status: string(store.StatusStopped)}, nil
	}
	o.metrics.IncCounter(telemetry.MetricExecutionsStarted, 1, "flow_id", row.FlowID)

	raw, stepErr := wc.RunStep("executeFlowAtomic", func(sc context.Context) (json.RawMessage, error) {
		res, err := o.executeFlow(sc, wc, row, in.Event, abort, commands)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})
	if stepErr != nil {
		if errors.Is(stepErr, durable.ErrWorkflowCancelled) || errors.Is(stepErr, durable.ErrShuttingDown) || errors.Is(stepErr, context.Canceled) {
			return workflowOutput{}, stepErr
		}
		// The step died before the engine could publish its own terminal
		// event (a flow-load failure, for example). A retried step may have
		// published one already; consumers tolerate the duplicate.
		if err := o.writeTerminal(wc, execID, event.FlowFailed, event.FlowData{
			ExecutionID: execID,
			FlowID:      row.FlowID,
			Status:      string(engine.StatusFailed),
			Error:       stepErr.Error(),
		}); err != nil {
			return workflowOutput{}, err
		}
		if err := o.markFailed(wc, execID, stepErr.Error(), ""); err != nil {
			return workflowOutput{}, err
		}
		o.metrics.IncCounter(telemetry.MetricExecutionsFailed, 1, "flow_id", row.FlowID)
		return workflowOutput{Status: string(store.StatusFailed), Error: stepErr.Error()}, stepErr
	}
	var res atomicResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return workflowOutput{}, fmt.Errorf("decode executeFlowAtomic result: %w", err)
	}

	// Children are started before the parent row turns terminal. They are
	// independent lifecycles; the parent does not wait for them.
	for _, task := range res.ChildTasks {
		input, err := json.Marshal(workflowInput{ExecutionID: task.ExecutionID, Event: task.Event})
		if err != nil {
			return workflowOutput{}, fmt.Errorf("encode child input: %w", err)
		}
		if _, err := wc.StartWorkflow(WorkflowName, input, durable.StartOptions{WorkflowID: task.ExecutionID, Queue: o.queue}); err != nil {
			return workflowOutput{}, fmt.Errorf("start child %s: %w", task.ExecutionID, err)
		}
	}

	out := workflowOutput{DurationMs: res.DurationMs, Error: res.Error}
	switch res.Status {
	case engine.StatusCompleted:
		if err := o.markCompleted(wc, execID); err != nil {
			return workflowOutput{}, err
		}
		out.Status = string(store.StatusCompleted)
		o.metrics.IncCounter(telemetry.MetricExecutionsCompleted, 1, "flow_id", row.FlowID)
	case engine.StatusCancelled:
		// The row is normally already stopped by the control plane; this
		// covers aborts raised without it, such as a debugger stop.
		if err := o.markStopped(wc, execID, res.Reason); err != nil {
			return workflowOutput{}, err
		}
		out.Status = string(store.StatusStopped)
	default:
		if err := o.markFailed(wc, execID, res.Error, res.ErrorNodeID); err != nil {
			return workflowOutput{}, err
		}
		out.Status = string(store.StatusFailed)
		o.metrics.IncCounter(telemetry.MetricExecutionsFailed, 1, "flow_id", row.FlowID)
	}

	if isChild {
		o.notifyParent(wc, row, in.Event, res)
	}
	return out, nil
}

// writeMeta appends the FLOW_SUBSCRIBED metadata event at envelope index -1
// as the first stream entry, so subscribers reading from offset zero always
// observe the execution's identity before any engine output.
func (o *Orchestrator) writeMeta(wc *durable.WorkflowContext, row *store.Execution) error {
	env, err := event.New(event.MetaIndex, event.FlowSubscribed, event.ExecutionMeta{
		ExecutionID:       row.ID,
		FlowID:            row.FlowID,
		OwnerID:           row.OwnerID,
		RootExecutionID:   row.RootExecutionID,
		ParentExecutionID: row.ParentExecutionID,
		ExecutionDepth:    row.ExecutionDepth,
		Integration:       row.Integration,
	})
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode metadata event: %w", err)
	}
	if _, err := wc.WriteStream(StreamKeyEvents, b); err != nil {
		return fmt.Errorf("write metadata event: %w", err)
	}
	return nil
}

// writeTerminal appends a terminal envelope for runs that never reach the
// engine's own terminal publish, keeping the contract that subscribers
// observe a terminal event before the stream closes. The checkpointed write
// replays to the same offset; delivery derives the index from the offset, so
// the embedded index only covers the common case of a stream holding nothing
// but the metadata event.
func (o *Orchestrator) writeTerminal(wc *durable.WorkflowContext, execID string, t event.EventType, data event.FlowData) error {
	env, err := event.New(event.MetaIndex+1, t, data)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode terminal event: %w", err)
	}
	if _, err := wc.WriteStream(StreamKeyEvents, b); err != nil {
		return fmt.Errorf("write terminal event for %s: %w", execID, err)
	}
	return nil
}

// executeFlow is the body of the executeFlowAtomic step: it loads the flow,
// runs the engine with events sinking into the workflow stream, samples the
// CommandController on a timer, and collects the child executions spawned by
// emitted events.
func (o *Orchestrator) executeFlow(ctx context.Context, wc *durable.WorkflowContext, row *store.Execution, ev *flow.EventData, abort *engine.AbortController, commands *CommandController) (*atomicResult, error) {
	def, err := o.flows.Load(ctx, row.FlowID)
	if err != nil {
		return nil, fmt.Errorf("load flow %s: %w", row.FlowID, err)
	}
	parent := ""
	if row.ParentExecutionID != nil {
		parent = *row.ParentExecutionID
	}
	ec, err := engine.NewExecutionContext(engine.ContextParams{
		ExecutionID:       row.ID,
		FlowID:            row.FlowID,
		OwnerID:           row.OwnerID,
		RootExecutionID:   row.RootExecutionID,
		ParentExecutionID: parent,
		Depth:             row.ExecutionDepth,
		Integration:       row.Integration,
		Event:             ev,
		Abort:             abort,
	})
	if err != nil {
		return nil, err
	}

	// Inside a step the stream write is a plain durable append.
	sink := event.SinkFunc(func(_ context.Context, env event.Envelope) error {
		b, err := json.Marshal(env)
		if err != nil {
			return err
		}
		_, err = wc.WriteStream(StreamKeyEvents, b)
		return err
	})

	spawner := &childSpawner{o: o, row: row}
	var eng *engine.Engine
	eng, err = engine.New(def, ec, engine.Options{
		Registry: o.reg,
		Sink:     sink,
		EventCallback: func(cbCtx context.Context, cbEC *engine.ExecutionContext) error {
			return spawner.drain(cbCtx, eng, cbEC)
		},
		MaxConcurrency: o.engineMaxConcurrency,
		NodeTimeout:    o.nodeTimeout,
		FlowTimeout:    o.flowTimeout,
		Logger:         o.logger,
		Metrics:        o.metrics,
	})
	if err != nil {
		return nil, err
	}

	timerCtx, stopTimer := context.WithCancel(ctx)
	timerDone := make(chan struct{})
	go o.commandTimer(timerCtx, row.ID, eng, commands, timerDone)

	res, err := eng.Execute(ctx)
	stopTimer()
	<-timerDone
	if err != nil {
		return nil, err
	}

	if res.Status == engine.StatusCompleted {
		// Events whose emitter never reached the completion callback, for
		// example from a node that failed after emitting, still spawn
		// children.
		if err := spawner.drain(ctx, eng, ec); err != nil {
			return nil, err
		}
	}

	errorNode := ""
	if res.Status == engine.StatusFailed {
		errorNode = firstErrorNode(ec)
	}
	return &atomicResult{
		Status:      res.Status,
		DurationMs:  res.Duration.Milliseconds(),
		Error:       res.Error,
		Reason:      res.Reason,
		ErrorNodeID: errorNode,
		ChildTasks:  spawner.collected(),
	}, nil
}

// commandLoop polls the COMMAND topic every 500ms for the lifetime of the
// workflow. Stops are acted on immediately; debugger commands are handed to
// the CommandController for the engine-side timer.
func (o *Orchestrator) commandLoop(ctx context.Context, wc *durable.WorkflowContext, abort *engine.AbortController, commands *CommandController, done chan<- struct{}) {
	defer close(done)
	tick := time.NewTicker(commandPollTick)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		payload, ok, err := wc.TryRecv(ctx, TopicCommand)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Warn(ctx, "command poll failed", "execution_id", wc.WorkflowID(), "error", err.Error())
			continue
		}
		if !ok {
			continue
		}
		var cmd Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			o.logger.Warn(ctx, "discarding malformed command", "execution_id", wc.WorkflowID(), "error", err.Error())
			continue
		}
		switch cmd.Kind {
		case CommandStop:
			// Abort first so the engine terminates with the caller's
			// reason rather than the generic cancellation cause.
			abort.Abort(cmd.Reason)
			if err := o.rt.CancelWorkflow(ctx, wc.WorkflowID()); err != nil {
				o.logger.Warn(ctx, "cancel after stop command failed", "execution_id", wc.WorkflowID(), "error", err.Error())
			}
			return
		case CommandPause, CommandResume, CommandStep:
			commands.Set(cmd)
		default:
			o.logger.Warn(ctx, "ignoring unknown command", "execution_id", wc.WorkflowID(), "command", string(cmd.Kind))
		}
	}
}

// commandTimer samples the CommandController every 100ms while the engine
// runs and forwards newer commands to the debugger, mirroring pause and
// resume onto the execution row.
func (o *Orchestrator) commandTimer(ctx context.Context, execID string, eng *engine.Engine, commands *CommandController, done chan<- struct{}) {
	defer close(done)
	tick := time.NewTicker(engineCommandTick)
	defer tick.Stop()
	var lastApplied int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		cmd, ok := commands.Since(lastApplied)
		if !ok {
			continue
		}
		lastApplied = cmd.Timestamp
		switch cmd.Kind {
		case CommandPause:
			eng.Pause(cmd.Reason)
			o.mirrorRowStatus(ctx, execID, store.StatusPaused)
		case CommandResume:
			eng.Resume()
			o.mirrorRowStatus(ctx, execID, store.StatusRunning)
		case CommandStep:
			eng.Step()
		}
	}
}

// mirrorRowStatus applies a pause or resume transition to the execution
// row, tolerating rows already in the target state from duplicate commands.
func (o *Orchestrator) mirrorRowStatus(ctx context.Context, execID string, status store.Status) {
	err := o.exec.UpdateStatus(ctx, store.StatusUpdate{ID: execID, Status: status})
	if err == nil || errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrTerminal) {
		return
	}
	o.logger.Warn(ctx, "row update for command failed", "execution_id", execID, "status", string(status), "error", err.Error())
}

// markRunning transitions the row to running inside a checkpointed step.
// It reports false when the row is already terminal, which ends the
// workflow without running the flow.
func (o *Orchestrator) markRunning(wc *durable.WorkflowContext, id string) (bool, error) {
	out, err := wc.RunStep("updateToRunning", func(sc context.Context) (json.RawMessage, error) {
		now := time.Now().UTC()
		err := o.exec.UpdateStatus(sc, store.StatusUpdate{ID: id, Status: store.StatusRunning, StartedAt: &now})
		switch {
		case errors.Is(err, store.ErrTerminal):
			return json.Marshal(false)
		case errors.Is(err, store.ErrInvalidTransition):
			// Redo after a crash between the row write and the
			// checkpoint: the row already advanced past created.
			return json.Marshal(true)
		case err != nil:
			return nil, err
		}
		return json.Marshal(true)
	})
	if err != nil {
		return false, err
	}
	var proceeded bool
	if err := json.Unmarshal(out, &proceeded); err != nil {
		return false, fmt.Errorf("decode updateToRunning result: %w", err)
	}
	return proceeded, nil
}

func (o *Orchestrator) markCompleted(wc *durable.WorkflowContext, id string) error {
	_, err := wc.RunStep("updateToCompleted", func(sc context.Context) (json.RawMessage, error) {
		now := time.Now().UTC()
		err := o.exec.UpdateStatus(sc, store.StatusUpdate{ID: id, Status: store.StatusCompleted, CompletedAt: &now})
		if err != nil && !errors.Is(err, store.ErrTerminal) {
			return nil, err
		}
		return nil, nil
	})
	return err
}

func (o *Orchestrator) markFailed(wc *durable.WorkflowContext, id, msg, nodeID string) error {
	_, err := wc.RunStep("updateToFailed", func(sc context.Context) (json.RawMessage, error) {
		now := time.Now().UTC()
		err := o.exec.UpdateStatus(sc, store.StatusUpdate{ID: id, Status: store.StatusFailed, CompletedAt: &now, ErrorMessage: msg, ErrorNodeID: nodeID})
		if err != nil && !errors.Is(err, store.ErrTerminal) {
			return nil, err
		}
		return nil, nil
	})
	return err
}

func (o *Orchestrator) markStopped(wc *durable.WorkflowContext, id, reason string) error {
	_, err := wc.RunStep("updateToStopped", func(sc context.Context) (json.RawMessage, error) {
		now := time.Now().UTC()
		err := o.exec.UpdateStatus(sc, store.StatusUpdate{ID: id, Status: store.StatusStopped, CompletedAt: &now, ErrorMessage: reason})
		if err != nil && !errors.Is(err, store.ErrTerminal) {
			return nil, err
		}
		return nil, nil
	})
	return err
}

// firstErrorNode returns the lexically first node that ended in error, for
// the row's failure report.
func firstErrorNode(ec *engine.ExecutionContext) string {
	statuses := ec.Statuses()
	ids := make([]string, 0, len(statuses))
	for id, st := range statuses {
		if st == engine.NodeError {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[0]
}
