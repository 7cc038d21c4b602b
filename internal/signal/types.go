package signal

import (
	"context"
	"time"
)

// Direction of the expected index move.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// OptionType of the contract to trade for a direction.
type OptionType string

const (
	OptionCall OptionType = "CALL"
	OptionPut  OptionType = "PUT"
)

// IndicatorSnapshot captures the inputs behind a signal for later review.
type IndicatorSnapshot struct {
	EMA           float64
	RSI           float64
	PercentChange float64
	BufferLen     int
}

// Signal is an actionable trade intent derived from the tick stream.
// EntryPrice, Target and StopLoss start at zero and are finalized during
// submission once a live contract quote is known.
type Signal struct {
	ID             string
	Instrument     string
	Direction      Direction
	SpotPrice      float64
	OptionType     OptionType
	Strike         float64
	Expiry         string
	ContractSymbol string
	EntryPrice     float64
	Target         float64
	StopLoss       float64
	Confidence     float64
	GeneratedAt    time.Time
	Indicators     IndicatorSnapshot
}

// Advice is an external prediction model's view of a proposed trade.
// Confidence is the model's own 0..1 score, not the engine's percentage.
type Advice struct {
	Action     string // BUY, SELL or HOLD
	Confidence float64
}

// Advisor consults an external prediction service about a breakout the
// engine is ready to signal. Consultation is best-effort: an error leaves
// the local decision untouched.
type Advisor interface {
	Advise(ctx context.Context, instrument string, price float64, ind IndicatorSnapshot) (Advice, error)
}
