package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cascadeflow/cascade/sysdb"
	"github.com/cascadeflow/cascade/telemetry"
)

type (
	// WorkflowContext is handed to a workflow function and carries the
	// checkpoint cursor. Checkpointed operations (RunStep, Send, Recv,
	// Sleep, StartWorkflow, workflow-level WriteStream) each consume one
	// index of the monotonic per-workflow sequence; on replay an index that
	// already has a checkpoint returns the persisted result without
	// executing. The checkpointed operations must be called from the
	// workflow goroutine only. TryRecv and WriteStream are safe from
	// auxiliary goroutines and step bodies.
	WorkflowContext struct {
		rt    *Runtime
		ctx   context.Context
		id    string
		name  string
		queue string

		next   int64
		inStep atomic.Bool
	}

	// StepFunc is a raw step body. Most code uses the typed Step helper
	// instead.
	StepFunc func(ctx context.Context) (json.RawMessage, error)

	// StepOption tunes a single RunStep call.
	StepOption func(*stepConfig)

	stepConfig struct {
		maxAttempts int
		backoff     time.Duration
	}

	// recvRecord is the persisted result of a Recv: the hit/miss flag plus
	// the consumed payload.
	recvRecord struct {
		Received bool            `json:"received"`
		Payload  json.RawMessage `json:"payload,omitempty"`
	}
)

// WithMaxAttempts retries the step body up to n total attempts before the
// final error is checkpointed. Attempts beyond the first back off linearly.
func WithMaxAttempts(n int) StepOption {
	return func(c *stepConfig) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRetryBackoff sets the base delay between step attempts.
func WithRetryBackoff(d time.Duration) StepOption {
	return func(c *stepConfig) {
		if d > 0 {
			c.backoff = d
		}
	}
}

func newWorkflowContext(r *Runtime, ctx context.Context, wf *sysdb.Workflow) *WorkflowContext {
	return &WorkflowContext{
		rt:    r,
		ctx:   ctx,
		id:    wf.ID,
		name:  wf.Name,
		queue: wf.QueueName,
	}
}

// WorkflowID returns the durable identity of this workflow.
func (wc *WorkflowContext) WorkflowID() string { return wc.id }

// Name returns the registered workflow name.
func (wc *WorkflowContext) Name() string { return wc.name }

// Context returns the workflow's context. It is cancelled by
// CancelWorkflow and by a hard runtime stop; step bodies receive it.
func (wc *WorkflowContext) Context() context.Context { return wc.ctx }

// gate is the checkpoint boundary check: cancellation and quiescing are
// observed here, between operations, so the operation in flight always
// completes.
func (wc *WorkflowContext) gate() error {
	select {
	case <-wc.ctx.Done():
		return cancelCause(wc.ctx)
	case <-wc.rt.quiesce:
		return ErrShuttingDown
	default:
		return nil
	}
}

func (wc *WorkflowContext) nextIndex() int64 {
	n := wc.next
	wc.next++
	return n
}

// detached returns a context for checkpoint and terminal writes. Those
// writes must land even when the workflow was just cancelled, otherwise
// history and status diverge.
func (wc *WorkflowContext) detached() context.Context {
	return context.WithoutCancel(wc.ctx)
}

// RunStep executes fn once and checkpoints its outcome under the next
// function index. On replay the persisted outcome is returned and fn does
// not run. Inside fn, checkpointed runtime operations are rejected with
// ErrInsideStep; only WriteStream is allowed.
func (wc *WorkflowContext) RunStep(name string, fn StepFunc, opts ...StepOption) (json.RawMessage, error) {
	if wc.inStep.Load() {
		return nil, fmt.Errorf("%w: step %q", ErrInsideStep, name)
	}
	if err := wc.gate(); err != nil {
		return nil, err
	}
	idx := wc.nextIndex()
	if prior, err := wc.rt.db.GetStep(wc.ctx, wc.id, idx); err != nil {
		return nil, fmt.Errorf("load checkpoint %s[%d]: %w", wc.id, idx, err)
	} else if prior != nil {
		wc.rt.metrics.IncCounter(telemetry.MetricStepsReplayed, 1, "step", name)
		if prior.Error != "" {
			return nil, errors.New(prior.Error)
		}
		return prior.Output, nil
	}

	cfg := stepConfig{maxAttempts: 1, backoff: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(&cfg)
	}

	wc.inStep.Store(true)
	out, err := wc.attemptStep(fn, cfg)
	wc.inStep.Store(false)

	record := &sysdb.StepResult{
		WorkflowID:   wc.id,
		FunctionID:   idx,
		FunctionName: name,
		Output:       out,
	}
	if err != nil {
		record.Error = err.Error()
	}
	if saveErr := wc.rt.db.SaveStep(wc.detached(), record); saveErr != nil {
		return nil, fmt.Errorf("save checkpoint %s[%d]: %w", wc.id, idx, saveErr)
	}
	wc.rt.metrics.IncCounter(telemetry.MetricStepsCheckpointed, 1, "step", name)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (wc *WorkflowContext) attemptStep(fn StepFunc, cfg stepConfig) (json.RawMessage, error) {
	var (
		out json.RawMessage
		err error
	)
	for attempt := 1; ; attempt++ {
		out, err = invokeStep(wc.ctx, fn)
		if err == nil || attempt >= cfg.maxAttempts {
			return out, err
		}
		select {
		case <-wc.ctx.Done():
			return nil, cancelCause(wc.ctx)
		case <-time.After(time.Duration(attempt) * cfg.backoff):
		}
	}
}

func invokeStep(ctx context.Context, fn StepFunc) (out json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("step panic: %v", rec)
		}
	}()
	return fn(ctx)
}

// Step runs a typed step body through RunStep, marshaling the result as the
// checkpoint payload.
func Step[T any](wc *WorkflowContext, name string, fn func(context.Context) (T, error), opts ...StepOption) (T, error) {
	var zero T
	raw, err := wc.RunStep(name, func(ctx context.Context) (json.RawMessage, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		b, merr := json.Marshal(v)
		if merr != nil {
			return nil, fmt.Errorf("encode result of step %s: %w", name, merr)
		}
		return b, nil
	}, opts...)
	if err != nil {
		return zero, err
	}
	if len(raw) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("decode result of step %s: %w", name, err)
	}
	return v, nil
}

// Typed adapts a workflow function with a concrete input and output type to
// the raw WorkflowFunc shape used at registration.
func Typed[I, O any](fn func(*WorkflowContext, I) (O, error)) WorkflowFunc {
	return func(wc *WorkflowContext, input json.RawMessage) (json.RawMessage, error) {
		var in I
		if len(input) > 0 {
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("decode workflow input: %w", err)
			}
		}
		out, err := fn(wc, in)
		if err != nil {
			return nil, err
		}
		b, merr := json.Marshal(out)
		if merr != nil {
			return nil, fmt.Errorf("encode workflow output: %w", merr)
		}
		return b, nil
	}
}

// Send delivers a message to another workflow's topic. The delivery is
// checkpointed at the sender's index and deduplicated on
// (recipient, topic, sender, index), so a replayed Send never produces a
// second copy.
func (wc *WorkflowContext) Send(destinationID, topic string, payload json.RawMessage) error {
	if wc.inStep.Load() {
		return fmt.Errorf("%w: send", ErrInsideStep)
	}
	if err := wc.gate(); err != nil {
		return err
	}
	idx := wc.nextIndex()
	if prior, err := wc.rt.db.GetStep(wc.ctx, wc.id, idx); err != nil {
		return fmt.Errorf("load checkpoint %s[%d]: %w", wc.id, idx, err)
	} else if prior != nil {
		if prior.Error != "" {
			return errors.New(prior.Error)
		}
		return nil
	}
	err := wc.rt.db.SendNotification(wc.ctx, &sysdb.Notification{
		RecipientID: destinationID,
		Topic:       topic,
		SenderID:    wc.id,
		SenderStep:  idx,
		Payload:     payload,
	})
	if err != nil {
		// Not checkpointed: recovery re-runs the send and the
		// uniqueness constraint absorbs any duplicate.
		return fmt.Errorf("send to %s[%s]: %w", destinationID, topic, err)
	}
	return wc.rt.db.SaveStep(wc.detached(), &sysdb.StepResult{
		WorkflowID:   wc.id,
		FunctionID:   idx,
		FunctionName: "send",
	})
}

// Recv consumes the oldest undelivered message for the topic, waiting up to
// timeout. The miss case (false) is also checkpointed so replay is
// deterministic. A timeout of zero polls once without waiting.
func (wc *WorkflowContext) Recv(topic string, timeout time.Duration) (json.RawMessage, bool, error) {
	if wc.inStep.Load() {
		return nil, false, fmt.Errorf("%w: recv", ErrInsideStep)
	}
	if err := wc.gate(); err != nil {
		return nil, false, err
	}
	idx := wc.nextIndex()
	if prior, err := wc.rt.db.GetStep(wc.ctx, wc.id, idx); err != nil {
		return nil, false, fmt.Errorf("load checkpoint %s[%d]: %w", wc.id, idx, err)
	} else if prior != nil {
		var rec recvRecord
		if err := json.Unmarshal(prior.Output, &rec); err != nil {
			return nil, false, fmt.Errorf("decode recv checkpoint %s[%d]: %w", wc.id, idx, err)
		}
		return rec.Payload, rec.Received, nil
	}

	payload, received, err := wc.waitForNotification(topic, timeout)
	if err != nil {
		return nil, false, err
	}
	out, err := json.Marshal(recvRecord{Received: received, Payload: payload})
	if err != nil {
		return nil, false, fmt.Errorf("encode recv checkpoint: %w", err)
	}
	if err := wc.rt.db.SaveStep(wc.detached(), &sysdb.StepResult{
		WorkflowID:   wc.id,
		FunctionID:   idx,
		FunctionName: "recv",
		Output:       out,
	}); err != nil {
		return nil, false, fmt.Errorf("save recv checkpoint %s[%d]: %w", wc.id, idx, err)
	}
	return payload, received, nil
}

func (wc *WorkflowContext) waitForNotification(topic string, timeout time.Duration) (json.RawMessage, bool, error) {
	var (
		wake <-chan struct{}
		stop func()
	)
	if wc.rt.noteWaker != nil {
		ch, cancel, err := wc.rt.noteWaker.WatchNotifications(wc.ctx, wc.id, topic)
		if err != nil {
			wc.rt.logger.Warn(wc.ctx, "notification watch unavailable, polling",
				"workflow_id", wc.id, "topic", topic, "error", err.Error())
		} else {
			wake = ch
			stop = cancel
		}
	}
	if stop != nil {
		defer stop()
	}

	deadline := time.Now().Add(timeout)
	for {
		payload, ok, err := wc.rt.db.ConsumeNotification(wc.ctx, wc.id, topic)
		if err != nil {
			return nil, false, fmt.Errorf("consume notification %s[%s]: %w", wc.id, topic, err)
		}
		if ok {
			return payload, true, nil
		}
		remaining := time.Until(deadline)
		if timeout <= 0 || remaining <= 0 {
			return nil, false, nil
		}
		pause := wc.rt.pollInterval
		if remaining < pause {
			pause = remaining
		}
		select {
		case <-wc.ctx.Done():
			return nil, false, cancelCause(wc.ctx)
		case <-wc.rt.quiesce:
			return nil, false, ErrShuttingDown
		case <-wake:
		case <-time.After(pause):
		}
	}
}

// TryRecv consumes the oldest undelivered message for the topic without
// blocking and without checkpointing. It exists for auxiliary polling
// goroutines running beside the workflow body; decisions that must replay
// deterministically go through Recv instead.
func (wc *WorkflowContext) TryRecv(ctx context.Context, topic string) (json.RawMessage, bool, error) {
	return wc.rt.db.ConsumeNotification(ctx, wc.id, topic)
}

// WriteStream appends a value to one of this workflow's streams and returns
// the assigned offset. At the workflow level the append is checkpointed so
// replay does not duplicate it. Inside a step it is a plain append: a step
// retried after a mid-write crash may duplicate values, which stream
// consumers tolerate.
func (wc *WorkflowContext) WriteStream(key string, value json.RawMessage) (int64, error) {
	if wc.inStep.Load() {
		return wc.rt.db.WriteStream(wc.detached(), wc.id, key, value)
	}
	if err := wc.gate(); err != nil {
		return 0, err
	}
	idx := wc.nextIndex()
	if prior, err := wc.rt.db.GetStep(wc.ctx, wc.id, idx); err != nil {
		return 0, fmt.Errorf("load checkpoint %s[%d]: %w", wc.id, idx, err)
	} else if prior != nil {
		var offset int64
		if err := json.Unmarshal(prior.Output, &offset); err != nil {
			return 0, fmt.Errorf("decode stream checkpoint %s[%d]: %w", wc.id, idx, err)
		}
		return offset, nil
	}
	offset, err := wc.rt.db.WriteStream(wc.detached(), wc.id, key, value)
	if err != nil {
		return 0, fmt.Errorf("write stream %s[%s]: %w", wc.id, key, err)
	}
	out, _ := json.Marshal(offset)
	if err := wc.rt.db.SaveStep(wc.detached(), &sysdb.StepResult{
		WorkflowID:   wc.id,
		FunctionID:   idx,
		FunctionName: "writeStream",
		Output:       out,
	}); err != nil {
		return 0, fmt.Errorf("save stream checkpoint %s[%d]: %w", wc.id, idx, err)
	}
	wc.rt.metrics.IncCounter(telemetry.MetricEventsPublished, 1, "key", key)
	return offset, nil
}

// Sleep pauses the workflow durably. The wake time is checkpointed before
// sleeping, so a crash mid-sleep resumes with the original deadline rather
// than restarting the full duration.
func (wc *WorkflowContext) Sleep(d time.Duration) error {
	if wc.inStep.Load() {
		return fmt.Errorf("%w: sleep", ErrInsideStep)
	}
	if err := wc.gate(); err != nil {
		return err
	}
	idx := wc.nextIndex()
	var wake time.Time
	if prior, err := wc.rt.db.GetStep(wc.ctx, wc.id, idx); err != nil {
		return fmt.Errorf("load checkpoint %s[%d]: %w", wc.id, idx, err)
	} else if prior != nil {
		if err := json.Unmarshal(prior.Output, &wake); err != nil {
			return fmt.Errorf("decode sleep checkpoint %s[%d]: %w", wc.id, idx, err)
		}
	} else {
		wake = time.Now().UTC().Add(d)
		out, _ := json.Marshal(wake)
		if err := wc.rt.db.SaveStep(wc.detached(), &sysdb.StepResult{
			WorkflowID:   wc.id,
			FunctionID:   idx,
			FunctionName: "sleep",
			Output:       out,
		}); err != nil {
			return fmt.Errorf("save sleep checkpoint %s[%d]: %w", wc.id, idx, err)
		}
	}
	remaining := time.Until(wake)
	if remaining <= 0 {
		return nil
	}
	select {
	case <-wc.ctx.Done():
		return cancelCause(wc.ctx)
	case <-wc.rt.quiesce:
		return ErrShuttingDown
	case <-time.After(remaining):
		return nil
	}
}

// StartWorkflow starts a child workflow from workflow code. The start is
// checkpointed, so replay returns a handle to the already-started child
// instead of spawning a second one. When opts.WorkflowID is empty the child
// identity derives deterministically from the parent identity and index.
func (wc *WorkflowContext) StartWorkflow(name string, input json.RawMessage, opts StartOptions) (*Handle, error) {
	if wc.inStep.Load() {
		return nil, fmt.Errorf("%w: startWorkflow", ErrInsideStep)
	}
	if err := wc.gate(); err != nil {
		return nil, err
	}
	wc.rt.mu.RLock()
	_, known := wc.rt.workflows[name]
	queue, queueKnown := wc.rt.queues[queueName(opts.Queue)]
	wc.rt.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	if !queueKnown {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, opts.Queue)
	}

	idx := wc.nextIndex()
	if prior, err := wc.rt.db.GetStep(wc.ctx, wc.id, idx); err != nil {
		return nil, fmt.Errorf("load checkpoint %s[%d]: %w", wc.id, idx, err)
	} else if prior != nil {
		return &Handle{rt: wc.rt, id: prior.ChildWorkflowID}, nil
	}

	childID := opts.WorkflowID
	if childID == "" {
		childID = fmt.Sprintf("%s-%d", wc.id, idx)
	}
	if _, err := wc.rt.db.InsertWorkflow(wc.ctx, &sysdb.Workflow{
		ID:         childID,
		Name:       name,
		Status:     sysdb.StatusEnqueued,
		QueueName:  queue.Name,
		AppVersion: wc.rt.appVersion,
		Input:      input,
	}); err != nil {
		return nil, fmt.Errorf("enqueue child workflow %s: %w", childID, err)
	}
	if err := wc.rt.db.SaveStep(wc.detached(), &sysdb.StepResult{
		WorkflowID:      wc.id,
		FunctionID:      idx,
		FunctionName:    "startWorkflow",
		ChildWorkflowID: childID,
	}); err != nil {
		return nil, fmt.Errorf("save child checkpoint %s[%d]: %w", wc.id, idx, err)
	}
	wc.rt.nudge(queue.Name)
	return &Handle{rt: wc.rt, id: childID}, nil
}

// cancelCause maps a done context to the runtime's sentinel errors where a
// cause was recorded, falling back to the plain context error.
func cancelCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return ctx.Err()
}
