package engine

import (
	"context"
	"sync"

	"github.com/cascadeflow/cascade/event"
	"github.com/cascadeflow/cascade/telemetry"
)

// publisher serializes event emission for one run and assigns the dense
// envelope index sequence starting at zero. When a send fails the index is
// not consumed, so the indices that do reach the sink stay contiguous.
type publisher struct {
	sink   event.Sink
	logger telemetry.Logger

	mu   sync.Mutex
	next int64
}

func (p *publisher) publish(ctx context.Context, t event.EventType, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	env, err := event.New(p.next, t, payload)
	if err != nil {
		p.logger.Warn(ctx, "event payload not serializable", "type", string(t), "error", err.Error())
		return
	}
	if err := p.sink.Send(ctx, env); err != nil {
		p.logger.Warn(ctx, "event publish failed", "type", string(t), "index", env.Index, "error", err.Error())
		return
	}
	p.next++
}
