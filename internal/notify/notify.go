// Package notify fans lifecycle events out to human-facing sinks. Delivery
// is best-effort: a failing sink is logged and never blocks the core loops.
package notify

import (
	"context"
	"fmt"
	"log"

	"options-core/internal/events"
	"options-core/internal/lifecycle"
	"options-core/internal/signal"
)

// Sink delivers one formatted notification.
type Sink interface {
	Notify(ctx context.Context, subject, body string) error
}

// LogSink writes notifications to the process log. The default sink.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, subject, body string) error {
	log.Printf("notify: %s: %s", subject, body)
	return nil
}

// Dispatcher subscribes to lifecycle events and formats them for sinks.
type Dispatcher struct {
	Bus   *events.Bus
	Sinks []Sink
}

// Start consumes events until ctx is done. One goroutine per event type; a
// slow sink delays only its own stream.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.Bus == nil || len(d.Sinks) == 0 {
		log.Println("notify: no sinks configured, notifications disabled")
		return
	}

	watched := []events.Event{
		events.EventSignalGenerated,
		events.EventOrderPlaced,
		events.EventOrderFilled,
		events.EventOrderExited,
		events.EventOrderCancelled,
		events.EventOrderRejected,
		events.EventRiskRejected,
		events.EventBalanceInsufficient,
		events.EventFeedHealth,
	}

	for _, event := range watched {
		stream, unsub := d.Bus.Subscribe(event, 64)
		go func(event events.Event, stream <-chan any, unsub func()) {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					subject, body := format(event, msg)
					d.deliver(ctx, subject, body)
				}
			}
		}(event, stream, unsub)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, subject, body string) {
	for _, sink := range d.Sinks {
		if err := sink.Notify(ctx, subject, body); err != nil {
			log.Printf("notify: sink delivery failed: %v", err)
		}
	}
}

func format(event events.Event, msg any) (subject, body string) {
	switch event {
	case events.EventSignalGenerated:
		if sig, ok := msg.(signal.Signal); ok {
			return "Signal " + string(sig.Direction),
				fmt.Sprintf("%s %s strike %.0f spot %.2f confidence %.0f",
					sig.Instrument, sig.OptionType, sig.Strike, sig.SpotPrice, sig.Confidence)
		}
	case events.EventOrderPlaced:
		if o, ok := msg.(lifecycle.ActiveOrder); ok {
			return "Order placed",
				fmt.Sprintf("%s qty %d entry %.2f target %.2f stop %.2f paper=%v",
					o.Contract.Symbol, o.Qty, o.EntryPrice, o.Target, o.StopLoss, o.Paper)
		}
	case events.EventOrderFilled:
		if o, ok := msg.(lifecycle.ActiveOrder); ok {
			return "Order filled", fmt.Sprintf("%s at %.2f", o.Contract.Symbol, o.AvgFillPrice)
		}
	case events.EventOrderExited:
		if ev, ok := msg.(lifecycle.ExitEvent); ok {
			return "Order exited " + string(ev.Reason),
				fmt.Sprintf("%s exit %.2f pnl %.2f", ev.Order.Contract.Symbol, ev.Order.ExitPrice, ev.PnL)
		}
	case events.EventOrderCancelled:
		if o, ok := msg.(lifecycle.ActiveOrder); ok {
			return "Order cancelled", o.Contract.Symbol
		}
	case events.EventOrderRejected:
		if o, ok := msg.(lifecycle.ActiveOrder); ok {
			return "Order rejected", o.Contract.Symbol
		}
	case events.EventRiskRejected:
		if sig, ok := msg.(signal.Signal); ok {
			return "Signal blocked", fmt.Sprintf("%s %s rejected by risk checks", sig.Instrument, sig.Direction)
		}
	case events.EventBalanceInsufficient:
		if sig, ok := msg.(signal.Signal); ok {
			return "Insufficient margin", fmt.Sprintf("%s %s skipped, margin too low", sig.Instrument, sig.Direction)
		}
	case events.EventFeedHealth:
		return "Feed health", fmt.Sprint(msg)
	}
	return string(event), fmt.Sprint(msg)
}
