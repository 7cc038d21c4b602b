package broker

import (
	"errors"
	"time"
)

// Broker error taxonomy. Wrappers and the reconciliation loop branch on these
// with errors.Is, so concrete clients must wrap their transport errors.
var (
	// ErrRateLimited means the broker throttled us; skip the rest of the cycle.
	ErrRateLimited = errors.New("broker: rate limited")
	// ErrAuthExpired means the session token is no longer valid.
	ErrAuthExpired = errors.New("broker: auth expired")
	// ErrTokenNotFound means the contract could not be resolved to a tradable token.
	ErrTokenNotFound = errors.New("broker: contract token not found")
	// ErrNoQuote means the broker returned no usable price for the contract.
	ErrNoQuote = errors.New("broker: no quote available")
)

// Order statuses as reported by the broker order book.
const (
	StatusPlaced    = "PLACED"
	StatusComplete  = "COMPLETE"
	StatusCancelled = "CANCELLED"
	StatusRejected  = "REJECTED"
)

// Sides on broker trade records.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// ContractRef identifies a tradable option contract.
type ContractRef struct {
	Symbol   string // e.g. NIFTY25SEP24900CE
	Token    string // exchange instrument token
	Exchange string // e.g. NFO
	LotSize  int
}

// BracketOrderRequest places one entry leg plus two conditional exit legs.
// SquareOff and StopLoss are absolute trigger prices for the exit legs.
type BracketOrderRequest struct {
	Contract  ContractRef
	Qty       int
	Price     float64
	SquareOff float64
	StopLoss  float64
}

// OrderRecord is one row of the broker order book.
type OrderRecord struct {
	OrderID      string
	Symbol       string
	Status       string
	AvgFillPrice float64
	UpdatedAt    time.Time
}

// TradeRecord is one row of the broker trade book.
type TradeRecord struct {
	OrderID  string
	Symbol   string
	Side     string
	Price    float64
	Qty      int
	FillTime time.Time
}

// Quote is a point-in-time last traded price for a contract.
type Quote struct {
	Symbol    string
	LastPrice float64
	AsOf      time.Time
}

// Margin is the account's available margin snapshot.
type Margin struct {
	Available float64
	AsOf      time.Time
}
