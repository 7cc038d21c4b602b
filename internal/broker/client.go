package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"
)

// Client is the authenticated request/response surface of the brokerage.
// Session management and REST plumbing live behind this interface; the core
// only depends on the calls below.
type Client interface {
	// Authenticate establishes or refreshes the broker session.
	Authenticate(ctx context.Context) error
	// SubmitBracketOrder places an entry order with target and stop-loss legs
	// and returns the broker order id.
	SubmitBracketOrder(ctx context.Context, req BracketOrderRequest) (string, error)
	// OrderBook returns all of today's orders.
	OrderBook(ctx context.Context) ([]OrderRecord, error)
	// TradeBook returns all of today's fills.
	TradeBook(ctx context.Context) ([]TradeRecord, error)
	// OrderStatus looks up a single order by id.
	OrderStatus(ctx context.Context, orderID string) (OrderRecord, error)
	// GetQuote fetches the last traded price for a contract.
	GetQuote(ctx context.Context, contract ContractRef) (Quote, error)
	// AvailableMargin fetches the account's free margin.
	AvailableMargin(ctx context.Context) (Margin, error)
	// ResolveContract maps an instrument + strike + option type + expiry to a
	// tradable contract token.
	ResolveContract(ctx context.Context, instrument string, strike float64, optionType, expiry string) (ContractRef, error)
}

// RetryClient decorates a Client with request pacing and a single
// re-authenticate-then-retry on expired sessions. Rate-limit and transient
// errors pass through untouched; callers decide how to back off.
type RetryClient struct {
	inner   Client
	limiter *rate.Limiter

	// OnCall, when set, observes the duration of each broker call.
	OnCall func(time.Duration)
}

// NewRetryClient wraps c with a limiter of rps requests per second.
func NewRetryClient(c Client, rps float64) *RetryClient {
	if rps <= 0 {
		rps = 3
	}
	return &RetryClient{
		inner:   c,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// call paces the request and retries exactly once after re-authentication.
func (r *RetryClient) call(ctx context.Context, name string, fn func() error) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	started := time.Now()
	err := fn()
	if r.OnCall != nil {
		r.OnCall(time.Since(started))
	}
	if err == nil || !errors.Is(err, ErrAuthExpired) {
		return err
	}

	log.Printf("broker: %s hit expired session, re-authenticating", name)
	if authErr := r.inner.Authenticate(ctx); authErr != nil {
		return fmt.Errorf("re-authenticate after %s: %w", name, authErr)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	started = time.Now()
	err = fn()
	if r.OnCall != nil {
		r.OnCall(time.Since(started))
	}
	return err
}

func (r *RetryClient) Authenticate(ctx context.Context) error {
	return r.inner.Authenticate(ctx)
}

func (r *RetryClient) SubmitBracketOrder(ctx context.Context, req BracketOrderRequest) (string, error) {
	var id string
	err := r.call(ctx, "submit", func() error {
		var err error
		id, err = r.inner.SubmitBracketOrder(ctx, req)
		return err
	})
	return id, err
}

func (r *RetryClient) OrderBook(ctx context.Context) ([]OrderRecord, error) {
	var out []OrderRecord
	err := r.call(ctx, "order book", func() error {
		var err error
		out, err = r.inner.OrderBook(ctx)
		return err
	})
	return out, err
}

func (r *RetryClient) TradeBook(ctx context.Context) ([]TradeRecord, error) {
	var out []TradeRecord
	err := r.call(ctx, "trade book", func() error {
		var err error
		out, err = r.inner.TradeBook(ctx)
		return err
	})
	return out, err
}

func (r *RetryClient) OrderStatus(ctx context.Context, orderID string) (OrderRecord, error) {
	var out OrderRecord
	err := r.call(ctx, "order status", func() error {
		var err error
		out, err = r.inner.OrderStatus(ctx, orderID)
		return err
	})
	return out, err
}

func (r *RetryClient) GetQuote(ctx context.Context, contract ContractRef) (Quote, error) {
	var out Quote
	err := r.call(ctx, "quote", func() error {
		var err error
		out, err = r.inner.GetQuote(ctx, contract)
		return err
	})
	return out, err
}

func (r *RetryClient) AvailableMargin(ctx context.Context) (Margin, error) {
	var out Margin
	err := r.call(ctx, "margin", func() error {
		var err error
		out, err = r.inner.AvailableMargin(ctx)
		return err
	})
	return out, err
}

func (r *RetryClient) ResolveContract(ctx context.Context, instrument string, strike float64, optionType, expiry string) (ContractRef, error) {
	var out ContractRef
	err := r.call(ctx, "resolve contract", func() error {
		var err error
		out, err = r.inner.ResolveContract(ctx, instrument, strike, optionType, expiry)
		return err
	})
	return out, err
}
