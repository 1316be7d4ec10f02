// Package stream delivers workflow stream rows to subscribers with bounded
// latency. A subscription names a (workflow, key) pair and a starting
// offset; the transport drains historical rows first, then follows the live
// feed, waking on database notifications when a waker is available and
// polling otherwise. Batches respect the subscriber's size and flush-timeout
// limits, and every subscriber observes the stream's close sentinel as a
// final closed batch before its channel is closed.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/cascadeflow/cascade/sysdb"
	"github.com/cascadeflow/cascade/telemetry"
)

const (
	defaultMaxBatchSize = 32
	defaultBatchTimeout = 100 * time.Millisecond
	defaultPollInterval = 250 * time.Millisecond

	// fetchLimit bounds a single catch-up read so one subscriber cannot
	// hold large result sets in memory.
	fetchLimit = 256
)

type (
	// Transport turns the append-only stream table into push-style
	// subscriptions. It is safe for concurrent use; each Subscribe call
	// runs its own delivery goroutine.
	Transport struct {
		db     sysdb.Store
		waker  sysdb.StreamWaker
		logger telemetry.Logger

		pollInterval time.Duration
	}

	// Options configures a Transport.
	Options struct {
		// DB reads stream rows.
		DB sysdb.Store
		// Waker wakes subscriptions when rows land. Nil means every
		// subscription polls at PollInterval.
		Waker sysdb.StreamWaker
		// Logger emits structured logs.
		Logger telemetry.Logger
		// PollInterval is the fallback polling cadence. Defaults to 250ms.
		PollInterval time.Duration
	}

	// SubscribeOptions tunes one subscription.
	SubscribeOptions struct {
		// FromOffset is the first offset delivered. Zero replays the whole
		// stream.
		FromOffset int64
		// MaxBatchSize caps entries per delivered batch. Defaults to 32.
		MaxBatchSize int
		// BatchTimeout flushes a partial batch that has waited this long
		// for more rows. Defaults to 100ms.
		BatchTimeout time.Duration
	}

	// Batch is one delivery. Closed marks the final batch: the stream's
	// close sentinel was reached and the subscription channel closes after
	// it. A closed batch may still carry trailing entries.
	Batch struct {
		Entries []sysdb.StreamEntry
		Closed  bool
	}
)

// New validates the options and returns a Transport.
func New(opts Options) (*Transport, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("stream: Options.DB is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Transport{
		db:           opts.DB,
		waker:        opts.Waker,
		logger:       opts.Logger,
		pollInterval: opts.PollInterval,
	}, nil
}

// Subscribe follows one stream. The returned channel yields batches until
// the stream closes or ctx is cancelled, then is closed. Cancelling ctx
// detaches the subscription and releases its resources; the subscriber must
// drain or abandon the channel, never close it.
func (t *Transport) Subscribe(ctx context.Context, workflowID, key string, opts SubscribeOptions) (<-chan Batch, error) {
	if workflowID == "" || key == "" {
		return nil, fmt.Errorf("stream: workflow id and key are required")
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = defaultMaxBatchSize
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = defaultBatchTimeout
	}
	if opts.FromOffset < 0 {
		opts.FromOffset = 0
	}

	var (
		wake <-chan struct{}
		stop func()
	)
	if t.waker != nil {
		ch, cancel, err := t.waker.WatchStream(ctx, workflowID, key)
		if err != nil {
			t.logger.Warn(ctx, "stream watch unavailable, subscription will poll",
				"workflow_id", workflowID, "key", key, "error", err.Error())
		} else {
			wake = ch
			stop = cancel
		}
	}

	out := make(chan Batch)
	go t.deliver(ctx, workflowID, key, opts, wake, stop, out)
	return out, nil
}

// deliver owns one subscription: catch-up reads, live follows, batching, and
// the final closed batch.
func (t *Transport) deliver(ctx context.Context, workflowID, key string, opts SubscribeOptions, wake <-chan struct{}, stop func(), out chan<- Batch) {
	defer close(out)
	if stop != nil {
		defer stop()
	}

	next := opts.FromOffset
	var pending []sysdb.StreamEntry

	// flush pushes the pending entries as one batch. It reports false when
	// the subscriber went away.
	flush := func(closed bool) bool {
		if len(pending) == 0 && !closed {
			return true
		}
		b := Batch{Entries: pending, Closed: closed}
		pending = nil
		select {
		case out <- b:
			return true
		case <-ctx.Done():
			return false
		}
	}

	flushTimer := time.NewTimer(opts.BatchTimeout)
	if !flushTimer.Stop() {
		<-flushTimer.C
	}
	defer flushTimer.Stop()
	timerArmed := false

	for {
		entries, err := t.db.ReadStream(ctx, workflowID, key, next, fetchLimit)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn(ctx, "stream read failed, retrying",
				"workflow_id", workflowID, "key", key, "error", err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.pollInterval):
			}
			continue
		}

		for _, e := range entries {
			next = e.Offset + 1
			if e.Closed {
				flush(true)
				return
			}
			pending = append(pending, e)
			if len(pending) >= opts.MaxBatchSize {
				if !flush(false) {
					return
				}
				if timerArmed {
					if !flushTimer.Stop() {
						<-flushTimer.C
					}
					timerArmed = false
				}
			}
		}
		if len(entries) == fetchLimit {
			// More rows are already visible.
			continue
		}

		if len(pending) > 0 && !timerArmed {
			flushTimer.Reset(opts.BatchTimeout)
			timerArmed = true
		}

		var poll <-chan time.Time
		if wake == nil {
			poll = time.After(t.pollInterval)
		}
		select {
		case <-ctx.Done():
			return
		case <-flushTimer.C:
			timerArmed = false
			if !flush(false) {
				return
			}
		case <-wake:
		case <-poll:
		}
	}
}
