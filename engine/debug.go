package engine

import (
	"context"
	"sort"
	"sync"
)

// StopReason is the cancellation reason recorded when the debugger stops an
// execution. Stops carrying it terminate as cancellations, never failures.
const StopReason = "Stopped by debugger"

// Debugger gates node entry for one engine run. While paused, nodes block in
// WaitForCommand before transferring inputs; Continue releases them all and
// Step releases exactly one. Breakpoints pause the run when hit.
//
// All methods are safe for concurrent use; the command timer and the
// debug-session owner may drive the same controller.
type Debugger struct {
	abort *AbortController

	mu          sync.Mutex
	paused      bool
	steps       int
	breakpoints map[string]struct{}
	gate        chan struct{}
}

func newDebugger(abort *AbortController) *Debugger {
	return &Debugger{
		abort:       abort,
		breakpoints: make(map[string]struct{}),
		gate:        make(chan struct{}),
	}
}

// Pause blocks further node entry. It reports whether the state changed.
func (d *Debugger) Pause() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.paused {
		return false
	}
	d.paused = true
	return true
}

// Continue releases all blocked nodes and unpauses. It reports whether the
// state changed.
func (d *Debugger) Continue() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.paused {
		return false
	}
	d.paused = false
	d.steps = 0
	d.broadcast()
	return true
}

// Step lets one blocked node through while staying paused.
func (d *Debugger) Step() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.paused {
		return
	}
	d.steps++
	d.broadcast()
}

// Stop aborts the run as a debugger-initiated cancellation.
func (d *Debugger) Stop() {
	d.abort.Abort(StopReason)
}

// AddBreakpoint arms a breakpoint on the node.
func (d *Debugger) AddBreakpoint(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.breakpoints[nodeID] = struct{}{}
}

// RemoveBreakpoint disarms the node's breakpoint.
func (d *Debugger) RemoveBreakpoint(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.breakpoints, nodeID)
}

// Breakpoints returns the armed node IDs sorted.
func (d *Debugger) Breakpoints() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.breakpoints))
	for id := range d.breakpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// armBreakpoint pauses the run when the node carries a breakpoint. It
// reports whether one was hit.
func (d *Debugger) armBreakpoint(nodeID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.breakpoints[nodeID]; !ok {
		return false
	}
	d.paused = true
	return true
}

// WaitForCommand blocks while the debugger is paused, unless a step token
// admits the node. It returns ctx's error when the run collapses first.
func (d *Debugger) WaitForCommand(ctx context.Context, nodeID string) error {
	d.mu.Lock()
	for {
		if !d.paused {
			d.mu.Unlock()
			return nil
		}
		if d.steps > 0 {
			d.steps--
			d.mu.Unlock()
			return nil
		}
		gate := d.gate
		d.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gate:
		}
		d.mu.Lock()
	}
}

// broadcast wakes every waiter. Callers hold d.mu.
func (d *Debugger) broadcast() {
	close(d.gate)
	d.gate = make(chan struct{})
}
