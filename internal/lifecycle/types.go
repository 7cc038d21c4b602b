package lifecycle

import (
	"time"

	"options-core/internal/broker"
	"options-core/internal/signal"
)

// Status is the order state machine. SUBMITTED may fill or die; only FILLED
// orders can exit.
type Status string

const (
	StatusSubmitted      Status = "SUBMITTED"
	StatusFilled         Status = "FILLED"
	StatusExitedTarget   Status = "EXITED_TARGET"
	StatusExitedStoploss Status = "EXITED_STOPLOSS"
	StatusCancelled      Status = "CANCELLED"
	StatusRejected       Status = "REJECTED"
)

var transitions = map[Status][]Status{
	StatusSubmitted: {StatusFilled, StatusCancelled, StatusRejected},
	StatusFilled:    {StatusExitedTarget, StatusExitedStoploss},
}

// canTransition reports whether from -> to is a legal move.
func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status ends the order's life.
func (s Status) Terminal() bool {
	switch s {
	case StatusExitedTarget, StatusExitedStoploss, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// ExitReason records why a filled order was closed.
type ExitReason string

const (
	ExitTarget   ExitReason = "TARGET"
	ExitStoploss ExitReason = "STOPLOSS"
	ExitTimeout  ExitReason = "TIMEOUT"
	ExitManual   ExitReason = "MANUAL"
)

// statusFor maps an exit reason to its terminal status. Timeout and manual
// closes book under the stop-loss bucket for reporting.
func statusFor(reason ExitReason) Status {
	if reason == ExitTarget {
		return StatusExitedTarget
	}
	return StatusExitedStoploss
}

// ActiveOrder is one tracked position from submission to terminal state.
// ExitPrice doubles as the duplicate-exit guard: once set it is never
// overwritten, so overlapping reconciliation evidence books P&L exactly once.
type ActiveOrder struct {
	ID           string
	Signal       signal.Signal
	Contract     broker.ContractRef
	Qty          int
	EntryPrice   float64
	Target       float64
	StopLoss     float64
	Status       Status
	Paper        bool
	SubmittedAt  time.Time
	FilledAt     time.Time
	AvgFillPrice float64
	ExitPrice    float64
	ExitReason   ExitReason
	ExitedAt     time.Time
	RealizedPnL  float64

	lastProbe time.Time
}

// fillPrice is the entry used for P&L: the reported fill when known,
// otherwise the quoted entry.
func (o *ActiveOrder) fillPrice() float64 {
	if o.AvgFillPrice > 0 {
		return o.AvgFillPrice
	}
	return o.EntryPrice
}

// ExitEvent is the payload of a terminal order notification.
type ExitEvent struct {
	Order  ActiveOrder
	Reason ExitReason
	PnL    float64
}
