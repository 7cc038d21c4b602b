package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaperClient simulates the brokerage for paper trading. Quotes are synthetic
// option premiums derived from a live spot source, so bracket exits react to
// real market movement without any capital at risk. Order submission is
// accepted and forgotten; the lifecycle manager fills simulated orders itself
// and never consults the paper order/trade books.
type PaperClient struct {
	// SpotPrice returns the current underlying index price, usually wired to
	// the price feed. A zero return means no price is known yet.
	SpotPrice func(instrument string) float64
	// LotSizes maps instrument name to contract lot size.
	LotSizes map[string]int
	// Margin is the fixed simulated account margin.
	Margin float64

	mu        sync.Mutex
	contracts map[string]paperContract
}

type paperContract struct {
	instrument string
	strike     float64
	optionType string
}

// timeValueFrac approximates extrinsic premium as a fraction of spot.
const timeValueFrac = 0.004

func (p *PaperClient) Authenticate(ctx context.Context) error { return nil }

func (p *PaperClient) SubmitBracketOrder(ctx context.Context, req BracketOrderRequest) (string, error) {
	return uuid.NewString(), nil
}

func (p *PaperClient) OrderBook(ctx context.Context) ([]OrderRecord, error) {
	return nil, nil
}

func (p *PaperClient) TradeBook(ctx context.Context) ([]TradeRecord, error) {
	return nil, nil
}

func (p *PaperClient) OrderStatus(ctx context.Context, orderID string) (OrderRecord, error) {
	return OrderRecord{OrderID: orderID, Status: StatusComplete}, nil
}

// GetQuote prices the contract as intrinsic value plus a flat time value.
// Crude, but it moves with the live index in the right direction, which is
// all the simulated bracket legs need.
func (p *PaperClient) GetQuote(ctx context.Context, contract ContractRef) (Quote, error) {
	p.mu.Lock()
	pc, known := p.contracts[contract.Symbol]
	p.mu.Unlock()
	if !known {
		return Quote{}, fmt.Errorf("paper quote %s: %w", contract.Symbol, ErrTokenNotFound)
	}

	spot := 0.0
	if p.SpotPrice != nil {
		spot = p.SpotPrice(pc.instrument)
	}
	if spot <= 0 {
		return Quote{}, fmt.Errorf("paper quote %s: %w", contract.Symbol, ErrNoQuote)
	}

	intrinsic := spot - pc.strike
	if pc.optionType == "PUT" {
		intrinsic = pc.strike - spot
	}
	if intrinsic < 0 {
		intrinsic = 0
	}
	premium := intrinsic + spot*timeValueFrac

	return Quote{Symbol: contract.Symbol, LastPrice: premium, AsOf: time.Now()}, nil
}

func (p *PaperClient) AvailableMargin(ctx context.Context) (Margin, error) {
	return Margin{Available: p.Margin, AsOf: time.Now()}, nil
}

// ResolveContract builds a synthetic contract symbol and remembers its shape
// for later quoting.
func (p *PaperClient) ResolveContract(ctx context.Context, instrument string, strike float64, optionType, expiry string) (ContractRef, error) {
	lot, ok := p.LotSizes[instrument]
	if !ok {
		return ContractRef{}, fmt.Errorf("paper resolve %s: %w", instrument, ErrTokenNotFound)
	}

	leg := "CE"
	if strings.EqualFold(optionType, "PUT") {
		leg = "PE"
	}
	symbol := fmt.Sprintf("%s%s%.0f%s", instrument, expiry, strike, leg)

	p.mu.Lock()
	if p.contracts == nil {
		p.contracts = make(map[string]paperContract)
	}
	p.contracts[symbol] = paperContract{instrument: instrument, strike: strike, optionType: strings.ToUpper(optionType)}
	p.mu.Unlock()

	return ContractRef{
		Symbol:   symbol,
		Token:    "PAPER-" + symbol,
		Exchange: "NFO",
		LotSize:  lot,
	}, nil
}
