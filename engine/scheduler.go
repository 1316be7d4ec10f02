package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cascadeflow/cascade/event"
	"github.com/cascadeflow/cascade/flow"
	"github.com/cascadeflow/cascade/telemetry"
)

type unitKind int

const (
	unitNode unitKind = iota
	unitBackground
)

type (
	// completion is one scheduler unit resolving: a node activation or a
	// single background action.
	completion struct {
		node string
		kind unitKind
		// background carries the actions a node deferred; the orchestrator
		// schedules them as independent units.
		background []flow.BackgroundAction
	}

	// bgState tracks a backgrounding node's outstanding actions. The unit
	// that drops remaining to zero performs the final transition.
	bgState struct {
		node *flow.Node

		mu        sync.Mutex
		remaining int
		firstErr  error
	}
)

// run seeds zero-dependency nodes and consumes completions until no unit is
// outstanding or the run context collapses. It returns after every worker
// goroutine has exited.
func (e *Engine) run(ctx context.Context) {
	deps := make(map[string]int, len(e.runnable))
	for id := range e.runnable {
		deps[id] = 0
	}
	for _, edge := range e.flow.Edges {
		if e.runnable[edge.Source.NodeID] && e.runnable[edge.Target.NodeID] {
			deps[edge.Target.NodeID]++
		}
	}

	var (
		wg          sync.WaitGroup
		sem         = semaphore.NewWeighted(int64(e.maxConcurrency))
		completions = make(chan completion, e.maxConcurrency)
		pending     = 0
	)

	submitNode := func(n *flow.Node) {
		pending++
		wg.Add(1)
		go func() {
			defer wg.Done()
			var background []flow.BackgroundAction
			if err := sem.Acquire(ctx, 1); err == nil {
				background = e.runNode(ctx, n)
				sem.Release(1)
			}
			completions <- completion{node: n.ID, kind: unitNode, background: background}
		}()
	}
	submitBackground := func(bg *bgState, action flow.BackgroundAction) {
		pending++
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if acqErr := sem.Acquire(ctx, 1); acqErr == nil {
				err = e.runBackground(ctx, action)
				sem.Release(1)
			} else {
				err = acqErr
			}
			bg.mu.Lock()
			bg.remaining--
			if err != nil && bg.firstErr == nil {
				bg.firstErr = err
			}
			last := bg.remaining == 0
			bg.mu.Unlock()
			if last {
				e.finishBackground(ctx, bg)
			}
			completions <- completion{node: bg.node.ID, kind: unitBackground}
		}()
	}

	// Seeds move to initialized before any of them starts, so subscribers
	// see the initial frontier first.
	var seeds []*flow.Node
	for _, id := range sortedIDs(e.runnable) {
		if deps[id] == 0 {
			n := e.flow.Node(id)
			e.ec.setStatus(id, NodeInitialized)
			e.publish(e.pubCtx, event.NodeStatusChanged, event.StatusChangeData{
				NodeID: id, From: string(NodeIdle), To: string(NodeInitialized),
			})
			seeds = append(seeds, n)
		}
	}
	for _, n := range seeds {
		submitNode(n)
	}

	for pending > 0 {
		c := <-completions
		pending--
		switch c.kind {
		case unitNode:
			if len(c.background) > 0 {
				bg := &bgState{node: e.flow.Node(c.node), remaining: len(c.background)}
				for _, action := range c.background {
					submitBackground(bg, action)
				}
			}
			// A resolved source releases its dependents whatever its
			// outcome; the transfer check turns bad outcomes into skips.
			for _, edge := range e.flow.Outgoing(c.node) {
				target := edge.Target.NodeID
				if !e.runnable[target] {
					continue
				}
				deps[target]--
				if deps[target] == 0 {
					submitNode(e.flow.Node(target))
				}
			}
		case unitBackground:
		}
	}
	wg.Wait()
}

// runNode gates on the debugger, transfers inputs, invokes the behavior and
// publishes the node's lifecycle events. It returns the background actions
// the node deferred, if any.
func (e *Engine) runNode(ctx context.Context, n *flow.Node) []flow.BackgroundAction {
	if e.debug.armBreakpoint(n.ID) {
		e.publish(e.pubCtx, event.DebugBreakpointHit, event.BreakpointData{NodeID: n.ID})
	}
	if err := e.debug.WaitForCommand(ctx, n.ID); err != nil {
		return nil
	}

	inputs, skipReason := e.transfer(ctx, n)
	if ctx.Err() != nil {
		return nil
	}
	if skipReason != "" {
		e.ec.setStatus(n.ID, NodeSkipped)
		e.publish(e.pubCtx, event.NodeSkipped, event.NodeData{
			NodeID: n.ID, NodeName: n.Name, NodeType: n.TypeID,
			Status: string(NodeSkipped), Reason: skipReason,
		})
		e.metrics.IncCounter(telemetry.MetricNodesExecuted, 1, "status", string(NodeSkipped))
		return nil
	}

	nt, ok := e.reg.Lookup(n.TypeID)
	if !ok {
		e.failNode(n, 0, fmt.Errorf("node type %s not registered", n.TypeID))
		return nil
	}

	e.ec.setStatus(n.ID, NodeRunning)
	e.publish(e.pubCtx, event.NodeStarted, event.NodeData{
		NodeID: n.ID, NodeName: n.Name, NodeType: n.TypeID,
	})

	start := time.Now()
	res, err, timedOut := e.invoke(ctx, nt, flow.Invocation{Node: n, Inputs: inputs, Event: e.ec.Event})
	elapsed := time.Since(start)
	e.metrics.RecordDuration(telemetry.MetricNodeDuration, elapsed, "node_type", n.TypeID)

	if err != nil {
		if timedOut {
			e.failNode(n, elapsed, fmt.Errorf("node %s timed out after %s", n.ID, e.nodeTimeout))
			e.ec.abort.Fail(fmt.Errorf("node %s timed out after %s", n.ID, e.nodeTimeout))
			return nil
		}
		if ctx.Err() != nil {
			// The run is collapsing; the terminal flow event explains it.
			return nil
		}
		e.failNode(n, elapsed, err)
		return nil
	}

	e.ec.setOutputs(n.ID, res.Outputs)

	if len(res.BackgroundActions) > 0 {
		e.ec.setStatus(n.ID, NodeBackgrounding)
		e.publish(e.pubCtx, event.NodeBackgrounded, event.NodeData{
			NodeID: n.ID, NodeName: n.Name, NodeType: n.TypeID,
			Status: string(NodeBackgrounding),
		})
		return res.BackgroundActions
	}

	e.completeNode(ctx, n, elapsed)
	return nil
}

// completeNode runs the event callback and publishes the completion. A
// callback error converts the completion into a failure and aborts the run.
func (e *Engine) completeNode(ctx context.Context, n *flow.Node, elapsed time.Duration) {
	if err := e.runCallback(ctx); err != nil {
		e.failNode(n, elapsed, err)
		e.ec.abort.Fail(err)
		return
	}
	e.ec.setStatus(n.ID, NodeCompleted)
	e.publish(e.pubCtx, event.NodeCompleted, event.NodeData{
		NodeID: n.ID, NodeName: n.Name, NodeType: n.TypeID,
		Status: string(NodeCompleted), DurationMs: elapsed.Milliseconds(),
	})
	e.metrics.IncCounter(telemetry.MetricNodesExecuted, 1, "status", string(NodeCompleted))
}

func (e *Engine) failNode(n *flow.Node, elapsed time.Duration, err error) {
	e.ec.setStatus(n.ID, NodeError)
	e.publish(e.pubCtx, event.NodeFailed, event.NodeData{
		NodeID: n.ID, NodeName: n.Name, NodeType: n.TypeID,
		Status: string(NodeError), Error: err.Error(), DurationMs: elapsed.Milliseconds(),
	})
	e.metrics.IncCounter(telemetry.MetricNodesExecuted, 1, "status", string(NodeError))
}

// invoke runs the behavior under the node timeout, containing panics.
// timedOut distinguishes the node's own deadline from the run collapsing.
func (e *Engine) invoke(ctx context.Context, nt *flow.NodeType, inv flow.Invocation) (res flow.Result, err error, timedOut bool) {
	nodeCtx := ctx
	if e.nodeTimeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, e.nodeTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node panic: %v", r)
		}
		timedOut = errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	}()
	res, err = nt.Behavior(nodeCtx, inv, nodeServices{engine: e, nodeID: inv.Node.ID})
	return
}

// runBackground executes one deferred action, containing panics.
func (e *Engine) runBackground(ctx context.Context, action flow.BackgroundAction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("background action panic: %v", r)
		}
	}()
	return action(ctx)
}

// finishBackground performs the deferred terminal transition once the last
// background action resolved.
func (e *Engine) finishBackground(ctx context.Context, bg *bgState) {
	if e.ec.abort.Aborted() {
		return
	}
	bg.mu.Lock()
	failure := bg.firstErr
	bg.mu.Unlock()
	if failure != nil {
		e.failNode(bg.node, 0, failure)
		return
	}
	e.completeNode(ctx, bg.node, 0)
}

// nodeServices is the per-node facility surface handed to behaviors.
type nodeServices struct {
	engine *Engine
	nodeID string
}

func (s nodeServices) EmitEvent(name string, payload map[string]any) {
	s.engine.ec.EmitEvent(name, payload, s.nodeID)
}

func (s nodeServices) DebugLog(message string) {
	s.engine.publish(s.engine.publishCtx(), event.DebugLogString, event.DebugLogData{
		NodeID: s.nodeID, Message: message,
	})
}
