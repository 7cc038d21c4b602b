package monitor

import (
	"context"

	"options-core/internal/events"
)

// Collector folds bus events into the metrics counters so the rest of the
// system never talks to metrics directly.
type Collector struct {
	Bus     *events.Bus
	Metrics *SystemMetrics
}

// Start subscribes to the event stream until ctx is done.
func (c *Collector) Start(ctx context.Context) {
	if c.Bus == nil || c.Metrics == nil {
		return
	}

	counters := map[events.Event]func(){
		events.EventPriceTick:           c.Metrics.IncrementTicks,
		events.EventSignalGenerated:     c.Metrics.IncrementSignals,
		events.EventOrderPlaced:         c.Metrics.IncrementOrdersPlaced,
		events.EventOrderExited:         c.Metrics.IncrementOrdersExited,
		events.EventRiskRejected:        c.Metrics.IncrementRiskRejections,
		events.EventBalanceInsufficient: c.Metrics.IncrementRiskRejections,
	}

	for event, inc := range counters {
		stream, unsub := c.Bus.Subscribe(event, 256)
		go func(stream <-chan any, unsub func(), inc func()) {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-stream:
					if !ok {
						return
					}
					inc()
				}
			}
		}(stream, unsub, inc)
	}
}
