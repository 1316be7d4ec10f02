package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/cascadeflow/cascade/event"
	"github.com/cascadeflow/cascade/flow"
)

// transfer moves values across the node's incoming edges in parallel and
// assembles the behavior's input map. A port fed by several edges is
// satisfied by the first successful delivery. The returned reason is
// non-empty when some connected port received no delivery at all; the
// caller skips the node.
func (e *Engine) transfer(ctx context.Context, n *flow.Node) (map[string]any, string) {
	incoming := e.flow.Incoming(n.ID)
	inputs := make(map[string]any, len(incoming))
	if len(incoming) == 0 {
		return inputs, ""
	}
	nt, _ := e.reg.Lookup(n.TypeID)

	var (
		mu       sync.Mutex
		portErrs = make(map[string]string)
		wg       sync.WaitGroup
	)
	for _, edge := range incoming {
		wg.Add(1)
		go func(ed *flow.Edge) {
			defer wg.Done()
			data := event.EdgeData{
				EdgeID:       ed.ID,
				SourceNodeID: ed.Source.NodeID,
				SourcePortID: ed.Source.PortID,
				TargetNodeID: ed.Target.NodeID,
				TargetPortID: ed.Target.PortID,
			}
			e.publish(e.pubCtx, event.EdgeTransferStarted, data)
			value, err := e.transferEdge(ed, nt)
			mu.Lock()
			if err != nil {
				if _, seen := portErrs[ed.Target.PortID]; !seen {
					portErrs[ed.Target.PortID] = err.Error()
				}
			} else if _, delivered := inputs[ed.Target.PortID]; !delivered {
				inputs[ed.Target.PortID] = value
			}
			mu.Unlock()
			if err != nil {
				data.Error = err.Error()
				e.publish(e.pubCtx, event.EdgeTransferFailed, data)
				return
			}
			e.publish(e.pubCtx, event.EdgeTransferCompleted, data)
		}(edge)
	}
	wg.Wait()

	for portID, reason := range portErrs {
		if _, delivered := inputs[portID]; !delivered {
			return nil, reason
		}
	}
	return inputs, ""
}

// transferEdge reads the source port value and validates it against the
// target port's schema. Sources that are not completed or backgrounding
// cannot deliver.
func (e *Engine) transferEdge(ed *flow.Edge, target *flow.NodeType) (any, error) {
	status := e.ec.Status(ed.Source.NodeID)
	if status != NodeCompleted && status != NodeBackgrounding {
		return nil, fmt.Errorf("wrong status of source node: %s", status)
	}
	value := e.ec.Output(ed.Source.NodeID, ed.Source.PortID)
	if target != nil {
		if err := target.ValidateInput(ed.Target.PortID, value); err != nil {
			return nil, err
		}
	}
	return value, nil
}
