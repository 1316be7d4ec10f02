package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/cascadeflow/cascade/sysdb"
	"github.com/cascadeflow/cascade/telemetry"
)

// claimLoop pulls enqueued workflows off one queue. Claims are paced by a
// rate limiter and nudged by local enqueues so an idle worker reacts
// promptly. Each claimed workflow holds one worker slot until it unwinds.
func (r *Runtime) claimLoop(q QueueConfig) {
	defer r.wg.Done()

	r.mu.RLock()
	nudge := r.nudges[q.Name]
	r.mu.RUnlock()

	limiter := rate.NewLimiter(rate.Every(r.pollInterval), 1)
	for {
		if r.shuttingDown() {
			return
		}
		if err := limiter.Wait(r.baseCtx); err != nil {
			return
		}

		grabbed := 0
		for grabbed < int(r.workerMax) && r.workerSlots.TryAcquire(1) {
			grabbed++
		}
		claimed := 0
		if grabbed > 0 {
			claimed = r.claimBatch(q, grabbed)
			r.workerSlots.Release(int64(grabbed - claimed))
		}
		if claimed == grabbed && claimed > 0 {
			// Full batch, more work is likely waiting.
			continue
		}
		select {
		case <-r.baseCtx.Done():
			return
		case <-r.quiesce:
			return
		case <-nudge:
		case <-time.After(r.pollInterval):
		}
	}
}

// claimBatch claims up to slots workflows, honoring the queue's cluster-wide
// cap, and launches an executor per claim. It returns how many slots were
// consumed.
func (r *Runtime) claimBatch(q QueueConfig, slots int) int {
	ctx := r.baseCtx
	allowed := slots
	if q.GlobalConcurrency > 0 {
		running, err := r.db.CountWorkflows(ctx, q.Name, sysdb.StatusRunning)
		if err != nil {
			r.logger.Warn(ctx, "queue concurrency check failed", "queue", q.Name, "error", err.Error())
			return 0
		}
		if headroom := q.GlobalConcurrency - running; headroom < allowed {
			allowed = headroom
		}
		if allowed <= 0 {
			return 0
		}
	}
	claimed, err := r.db.ClaimEnqueued(ctx, q.Name, r.appVersion, r.executorID, allowed)
	if err != nil {
		r.logger.Warn(ctx, "queue claim failed", "queue", q.Name, "error", err.Error())
		return 0
	}
	if len(claimed) > 0 {
		r.metrics.IncCounter(telemetry.MetricQueueDequeues, float64(len(claimed)), "queue", q.Name)
	}
	for _, wf := range claimed {
		r.wg.Add(1)
		go r.runWorkflow(wf)
	}
	return len(claimed)
}

// runWorkflow drives one claimed workflow to a terminal status (or back to
// the queue when the runtime quiesces). It owns one worker slot.
func (r *Runtime) runWorkflow(wf *sysdb.Workflow) {
	defer r.wg.Done()
	defer r.workerSlots.Release(1)

	ctx, cancel := context.WithCancelCause(r.baseCtx)
	defer cancel(nil)

	r.activeMu.Lock()
	r.active[wf.ID] = cancel
	r.activeMu.Unlock()
	defer func() {
		r.activeMu.Lock()
		delete(r.active, wf.ID)
		r.activeMu.Unlock()
	}()

	r.metrics.SetGauge(telemetry.MetricActiveWorkflows, 1)
	defer r.metrics.SetGauge(telemetry.MetricActiveWorkflows, -1)

	r.mu.RLock()
	fn := r.workflows[wf.Name]
	r.mu.RUnlock()

	detached := context.WithoutCancel(ctx)
	if fn == nil {
		// Version pinning should prevent this; an unknown name here means
		// the registry and the queue disagree.
		r.logger.Error(detached, fmt.Errorf("workflow function %q not registered", wf.Name),
			"claimed workflow has no function", "workflow_id", wf.ID)
		r.finishWorkflow(detached, wf.ID, sysdb.StatusError, nil,
			fmt.Sprintf("workflow function %q not registered", wf.Name))
		return
	}

	r.logger.Debug(ctx, "workflow executing", "workflow_id", wf.ID, "name", wf.Name, "queue", wf.QueueName)
	start := time.Now()
	wc := newWorkflowContext(r, ctx, wf)
	out, err := invokeWorkflow(fn, wc, wf.Input)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		r.finishWorkflow(detached, wf.ID, sysdb.StatusSuccess, out, "")
		r.metrics.IncCounter(telemetry.MetricWorkflowsFinished, 1, "status", string(sysdb.StatusSuccess))
		r.logger.Debug(detached, "workflow completed", "workflow_id", wf.ID, "duration_ms", elapsed.Milliseconds())
	case isShutdownErr(ctx, err):
		if _, _, reqErr := r.db.Requeue(detached, wf.ID); reqErr != nil {
			r.logger.Error(detached, reqErr, "requeue on shutdown failed", "workflow_id", wf.ID)
		} else {
			r.logger.Info(detached, "workflow requeued for shutdown", "workflow_id", wf.ID)
		}
	case isCancelErr(ctx, err):
		r.finishWorkflow(detached, wf.ID, sysdb.StatusCancelled, nil, "")
		r.metrics.IncCounter(telemetry.MetricWorkflowsFinished, 1, "status", string(sysdb.StatusCancelled))
		r.logger.Info(detached, "workflow cancelled", "workflow_id", wf.ID)
	default:
		r.finishWorkflow(detached, wf.ID, sysdb.StatusError, nil, err.Error())
		r.metrics.IncCounter(telemetry.MetricWorkflowsFinished, 1, "status", string(sysdb.StatusError))
		r.logger.Error(detached, err, "workflow failed", "workflow_id", wf.ID, "name", wf.Name)
	}
}

// finishWorkflow flips the row terminal, which also closes the workflow's
// open streams. Losing the race against a concurrent terminal write is fine.
func (r *Runtime) finishWorkflow(ctx context.Context, id string, status sysdb.Status, out json.RawMessage, errMsg string) {
	if _, err := r.db.MarkTerminal(ctx, id, status, out, errMsg); err != nil {
		// The row stays running with a stale heartbeat; the sweeper
		// requeues it and replay reproduces the same terminal outcome.
		r.logger.Error(ctx, err, "terminal status write failed", "workflow_id", id, "status", string(status))
	}
}

func invokeWorkflow(fn WorkflowFunc, wc *WorkflowContext, input json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("workflow panic: %v", rec)
		}
	}()
	return fn(wc, input)
}

// isShutdownErr reports whether the workflow unwound because the runtime is
// quiescing (or its base context died without a more specific cause), in
// which case it is requeued rather than failed.
func isShutdownErr(ctx context.Context, err error) bool {
	if errors.Is(err, ErrShuttingDown) {
		return true
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrShuttingDown) && errors.Is(err, context.Canceled) {
		return true
	}
	// Parent context death with no recorded cause: treat as executor loss.
	return errors.Is(err, context.Canceled) && errors.Is(cause, context.Canceled)
}

func isCancelErr(ctx context.Context, err error) bool {
	if errors.Is(err, ErrWorkflowCancelled) {
		return true
	}
	return errors.Is(err, context.Canceled) && errors.Is(context.Cause(ctx), ErrWorkflowCancelled)
}
