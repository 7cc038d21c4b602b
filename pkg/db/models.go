package db

import (
	"database/sql"
	"time"
)

// ActiveOrderRow is the persisted form of an in-flight bracket order. It is
// written on every lifecycle transition and read back once at startup so a
// restart does not orphan live positions.
type ActiveOrderRow struct {
	ID             string
	SignalID       string
	Instrument     string
	ContractSymbol string
	Token          string
	Exchange       string
	OptionType     string
	Strike         float64
	Expiry         string
	Qty            int
	EntryPrice     float64
	Target         float64
	StopLoss       float64
	Status         string
	Paper          bool
	AvgFillPrice   float64
	SubmittedAt    time.Time
	FilledAt       sql.NullTime
}

// ClosedOrderRow is the immutable audit record of a finished trade.
type ClosedOrderRow struct {
	ID             string
	SignalID       string
	Instrument     string
	ContractSymbol string
	OptionType     string
	Strike         float64
	Qty            int
	EntryPrice     float64
	ExitPrice      float64
	ExitReason     string
	Status         string
	PnL            float64
	Paper          bool
	SubmittedAt    time.Time
	ExitedAt       time.Time
}

// LedgerDayRow is one calendar day of realized results. Keyed by the
// YYYY-MM-DD trading date in exchange-local time.
type LedgerDayRow struct {
	Date        string
	RealizedPnL float64
	TradeCount  int
	Wins        int
	Losses      int
}
