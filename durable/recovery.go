package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/cascadeflow/cascade/sysdb"
	"github.com/cascadeflow/cascade/telemetry"
)

// heartbeatLoop refreshes the liveness timestamp of every workflow this
// executor is running. The sweeper uses the timestamp to tell crashed
// executors from busy ones.
func (r *Runtime) heartbeatLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.heartbeatTick)
	defer ticker.Stop()
	for {
		select {
		case <-r.baseCtx.Done():
			return
		case <-r.quiesce:
			return
		case <-ticker.C:
		}
		if _, err := r.db.Heartbeat(r.baseCtx, r.executorID); err != nil {
			r.logger.Warn(r.baseCtx, "heartbeat failed", "executor_id", r.executorID, "error", err.Error())
		}
	}
}

// recoveryLoop periodically sweeps for workflows whose executor stopped
// heartbeating. One sweep runs immediately at start so a restarted single
// node does not wait a full interval to pick up its own past work.
func (r *Runtime) recoveryLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.recoveryTick)
	defer ticker.Stop()
	for {
		r.sweep()
		select {
		case <-r.baseCtx.Done():
			return
		case <-r.quiesce:
			return
		case <-ticker.C:
		}
	}
}

// sweep re-enqueues stale running workflows. The cluster-wide advisory lock
// keeps concurrent sweepers from double-scanning; losing the lock skips the
// round entirely.
func (r *Runtime) sweep() {
	ctx := r.baseCtx
	release, acquired, err := r.db.TryRecoveryLock(ctx)
	if err != nil {
		r.logger.Warn(ctx, "recovery lock unavailable", "error", err.Error())
		return
	}
	if !acquired {
		return
	}
	defer release()

	cutoff := time.Now().UTC().Add(-r.staleAfter)
	stale, err := r.db.StaleWorkflows(ctx, cutoff, recoveryBatch)
	if err != nil {
		r.logger.Warn(ctx, "stale workflow scan failed", "error", err.Error())
		return
	}
	recovered := 0
	for _, wf := range stale {
		if r.isActive(wf.ID) {
			// Ours and alive; the next heartbeat refreshes it.
			continue
		}
		if r.requeueStale(ctx, wf) {
			recovered++
		}
	}
	if recovered > 0 {
		r.metrics.IncCounter(telemetry.MetricWorkflowsRecovered, float64(recovered))
		r.nudgeAll()
	}
}

// requeueStale sends one stale workflow back to its queue. A workflow whose
// recovery budget is already spent is retired with status error instead of
// being exposed to claimers again.
func (r *Runtime) requeueStale(ctx context.Context, wf *sysdb.Workflow) bool {
	if wf.RecoveryAttempts >= r.maxRecovery {
		msg := fmt.Sprintf("exceeded maximum recovery attempts (%d)", r.maxRecovery)
		if _, err := r.db.MarkTerminal(ctx, wf.ID, sysdb.StatusError, nil, msg); err != nil {
			r.logger.Error(ctx, err, "failed to retire unrecoverable workflow", "workflow_id", wf.ID)
		} else {
			r.logger.Warn(ctx, "workflow retired after repeated recoveries",
				"workflow_id", wf.ID, "attempts", wf.RecoveryAttempts)
		}
		return false
	}
	attempts, requeued, err := r.db.Requeue(ctx, wf.ID)
	if err != nil {
		r.logger.Warn(ctx, "requeue failed", "workflow_id", wf.ID, "error", err.Error())
		return false
	}
	if !requeued {
		return false
	}
	r.logger.Info(ctx, "workflow re-enqueued after executor loss",
		"workflow_id", wf.ID, "queue", wf.QueueName, "attempts", attempts)
	return true
}

// recoverOwn re-enqueues workflows still assigned to this executor identity
// from a previous incarnation. With per-process random identities this finds
// nothing; deployments that configure a stable ExecutorID get immediate
// recovery instead of waiting out the staleness window.
func (r *Runtime) recoverOwn(ctx context.Context) error {
	orphans, err := r.db.ListWorkflows(ctx, sysdb.WorkflowFilter{
		Executor: r.executorID,
		Statuses: []sysdb.Status{sysdb.StatusRunning},
	})
	if err != nil {
		return err
	}
	recovered := 0
	for _, wf := range orphans {
		if r.requeueStale(ctx, wf) {
			recovered++
		}
	}
	if recovered > 0 {
		r.metrics.IncCounter(telemetry.MetricWorkflowsRecovered, float64(recovered))
		r.logger.Info(ctx, "recovered orphans from previous incarnation",
			"executor_id", r.executorID, "count", recovered)
	}
	return nil
}

func (r *Runtime) isActive(id string) bool {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	_, ok := r.active[id]
	return ok
}

func (r *Runtime) nudgeAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.nudges {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
