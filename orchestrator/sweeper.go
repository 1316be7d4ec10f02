package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cascadeflow/cascade/store"
	"github.com/cascadeflow/cascade/telemetry"
)

// sweepBatchSize bounds one expiry scan.
const sweepBatchSize = 100

// claimExpiredReason is recorded on the failure counter when a legacy lease
// lapses.
const claimExpiredReason = "worker claim expired"

// RunClaimSweeper periodically expires stale legacy claim leases and fails
// executions whose failure budget is spent. The durable runtime recovers
// its own workflows; this loop only maintains the compatibility claim
// table and the exhaustion terminal. It returns when ctx ends.
func (o *Orchestrator) RunClaimSweeper(ctx context.Context) {
	tick := time.NewTicker(o.recoveryScanInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		o.sweepClaims(ctx)
	}
}

// sweepClaims performs one scan under the shared recovery lock, so a single
// process scans at a time.
func (o *Orchestrator) sweepClaims(ctx context.Context) {
	release, acquired, err := o.db.TryRecoveryLock(ctx)
	if err != nil {
		o.logger.Warn(ctx, "recovery lock unavailable", "error", err.Error())
		return
	}
	if !acquired {
		return
	}
	defer release()

	ids, err := o.exec.ExpireStaleClaims(ctx, sweepBatchSize)
	if err != nil {
		o.logger.Warn(ctx, "claim expiry scan failed", "error", err.Error())
		return
	}
	for _, id := range ids {
		count, err := o.exec.RecordFailure(ctx, id, claimExpiredReason)
		if err != nil {
			o.logger.Warn(ctx, "failure count update failed", "execution_id", id, "error", err.Error())
			continue
		}
		if count < o.maxFailureCount {
			o.logger.Info(ctx, "expired claim recorded", "execution_id", id, "failure_count", count)
			continue
		}
		msg := fmt.Sprintf("Exceeded maximum failure count (%d)", o.maxFailureCount)
		now := time.Now().UTC()
		err = o.exec.UpdateStatus(ctx, store.StatusUpdate{ID: id, Status: store.StatusFailed, CompletedAt: &now, ErrorMessage: msg})
		if err != nil {
			if errors.Is(err, store.ErrTerminal) {
				continue
			}
			o.logger.Warn(ctx, "exhausted execution update failed", "execution_id", id, "error", err.Error())
			continue
		}
		o.logger.Info(ctx, "execution failed after exhausting failure budget", "execution_id", id, "failure_count", count)
		o.metrics.IncCounter(telemetry.MetricExecutionsFailed, 1, "reason", "failure_budget")
	}
}
