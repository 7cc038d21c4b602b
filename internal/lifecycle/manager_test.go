package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"options-core/internal/broker"
	"options-core/internal/events"
	"options-core/internal/risk"
	"options-core/internal/signal"
)

type fakeClient struct {
	mu        sync.Mutex
	quotes    map[string]float64
	quoteErr  error
	orderBook []broker.OrderRecord
	bookErr   error
	tradeBook []broker.TradeRecord
	submitted int
	probes    int
}

func (f *fakeClient) Authenticate(ctx context.Context) error { return nil }

func (f *fakeClient) SubmitBracketOrder(ctx context.Context, req broker.BracketOrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted++
	return "broker-1", nil
}

func (f *fakeClient) OrderBook(ctx context.Context) ([]broker.OrderRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orderBook, f.bookErr
}

func (f *fakeClient) TradeBook(ctx context.Context) ([]broker.TradeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tradeBook, nil
}

func (f *fakeClient) OrderStatus(ctx context.Context, orderID string) (broker.OrderRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return broker.OrderRecord{OrderID: orderID, Status: broker.StatusComplete}, nil
}

func (f *fakeClient) GetQuote(ctx context.Context, contract broker.ContractRef) (broker.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quoteErr != nil {
		return broker.Quote{}, f.quoteErr
	}
	price, ok := f.quotes[contract.Symbol]
	if !ok {
		return broker.Quote{}, broker.ErrNoQuote
	}
	return broker.Quote{Symbol: contract.Symbol, LastPrice: price, AsOf: time.Now()}, nil
}

func (f *fakeClient) AvailableMargin(ctx context.Context) (broker.Margin, error) {
	return broker.Margin{Available: 1e6, AsOf: time.Now()}, nil
}

func (f *fakeClient) ResolveContract(ctx context.Context, instrument string, strike float64, optionType, expiry string) (broker.ContractRef, error) {
	return broker.ContractRef{
		Symbol:   "NIFTY25SEP24900CE",
		Token:    "43612",
		Exchange: "NFO",
		LotSize:  75,
	}, nil
}

func (f *fakeClient) setQuote(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quotes == nil {
		f.quotes = map[string]float64{}
	}
	f.quotes[symbol] = price
}

type fakeLedger struct {
	mu    sync.Mutex
	pnls  []float64
	total float64
}

func (l *fakeLedger) RecordTrade(ctx context.Context, pnl float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pnls = append(l.pnls, pnl)
	l.total += pnl
	return nil
}

func (l *fakeLedger) bookings() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pnls)
}

func upSignal() signal.Signal {
	return signal.Signal{
		ID:         "sig-1",
		Instrument: "NIFTY",
		Direction:  signal.DirectionUp,
		SpotPrice:  24905,
		OptionType: signal.OptionCall,
		Strike:     24900,
		Expiry:     "25SEP",
		Confidence: 74.5,
	}
}

func newTestManager(client broker.Client, ledger Ledger, paper bool) *Manager {
	return NewManager(Options{
		Client:            client,
		Ledger:            ledger,
		Paper:             paper,
		TargetPct:         0.15,
		StopLossPct:       0.15,
		ReconcileInterval: time.Second,
		StatusProbeAfter:  2 * time.Minute,
		CallTimeout:       time.Second,
	})
}

func TestPaperOrderTargetExitExactlyOnce(t *testing.T) {
	client := &fakeClient{}
	client.setQuote("NIFTY25SEP24900CE", 120)
	ledger := &fakeLedger{}
	m := newTestManager(client, ledger, true)

	ctx := context.Background()
	order, err := m.Submit(ctx, upSignal())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if order.EntryPrice != 120 {
		t.Errorf("entry = %v, expected 120", order.EntryPrice)
	}
	if order.Target != 138 || order.StopLoss != 102 {
		t.Errorf("target/stop = %v/%v, expected 138/102", order.Target, order.StopLoss)
	}

	active := m.ActiveOrders()
	if len(active) != 1 || active[0].Status != StatusFilled {
		t.Fatalf("expected 1 filled paper order, got %+v", active)
	}

	// Quote crosses the target; the first cycle exits, the second must not
	// book anything again.
	client.setQuote("NIFTY25SEP24900CE", 140)
	m.ReconcileOnce(ctx)
	m.ReconcileOnce(ctx)

	if got := ledger.bookings(); got != 1 {
		t.Fatalf("pnl booked %d times, expected exactly once", got)
	}
	if ledger.total != (140-120)*75 {
		t.Errorf("pnl = %v, expected %v", ledger.total, (140-120)*75)
	}

	closed := m.ClosedOrders()
	if len(closed) != 1 {
		t.Fatalf("expected 1 closed order, got %d", len(closed))
	}
	if closed[0].Status != StatusExitedTarget || closed[0].ExitReason != ExitTarget {
		t.Errorf("closed as %s/%s, expected target exit", closed[0].Status, closed[0].ExitReason)
	}
	if closed[0].ExitPrice != 140 {
		t.Errorf("exit price = %v, expected 140", closed[0].ExitPrice)
	}
	if len(m.ActiveOrders()) != 0 {
		t.Error("order must leave the active set on exit")
	}
}

func TestPaperStopLossExit(t *testing.T) {
	client := &fakeClient{}
	client.setQuote("NIFTY25SEP24900CE", 120)
	ledger := &fakeLedger{}
	m := newTestManager(client, ledger, true)

	ctx := context.Background()
	if _, err := m.Submit(ctx, upSignal()); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	client.setQuote("NIFTY25SEP24900CE", 100)
	m.ReconcileOnce(ctx)

	closed := m.ClosedOrders()
	if len(closed) != 1 || closed[0].Status != StatusExitedStoploss {
		t.Fatalf("expected stop-loss exit, got %+v", closed)
	}
	if ledger.total != (100-120)*75 {
		t.Errorf("pnl = %v, expected %v", ledger.total, (100-120)*75)
	}
}

func TestDuplicateExitEvidenceIsSkipped(t *testing.T) {
	client := &fakeClient{}
	client.setQuote("NIFTY25SEP24900CE", 120)
	ledger := &fakeLedger{}
	m := newTestManager(client, ledger, true)

	ctx := context.Background()
	order, err := m.Submit(ctx, upSignal())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	m.applyExit(ctx, order.ID, 140, ExitTarget)
	m.applyExit(ctx, order.ID, 95, ExitStoploss) // overlapping stale evidence

	if got := ledger.bookings(); got != 1 {
		t.Fatalf("pnl booked %d times, expected exactly once", got)
	}
	closed := m.ClosedOrders()
	if closed[0].ExitPrice != 140 {
		t.Errorf("exit price overwritten to %v, must stay 140", closed[0].ExitPrice)
	}
}

func TestExitRequiresFill(t *testing.T) {
	client := &fakeClient{}
	client.setQuote("NIFTY25SEP24900CE", 120)
	ledger := &fakeLedger{}
	m := newTestManager(client, ledger, false) // real mode: stays SUBMITTED

	ctx := context.Background()
	order, err := m.Submit(ctx, upSignal())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	m.applyExit(ctx, order.ID, 140, ExitTarget)

	if got := ledger.bookings(); got != 0 {
		t.Fatalf("pnl booked %d times for an unfilled order", got)
	}
	active := m.ActiveOrders()
	if len(active) != 1 || active[0].Status != StatusSubmitted {
		t.Fatalf("order must stay SUBMITTED, got %+v", active)
	}
}

func TestTieBreakMidpointFavoursTarget(t *testing.T) {
	// 120 is exactly between a 138 target and a 102 stop.
	if got := classifyExit(120, 138, 102); got != ExitTarget {
		t.Errorf("midpoint classified as %s, expected TARGET", got)
	}
	if got := classifyExit(135, 138, 102); got != ExitTarget {
		t.Errorf("near-target classified as %s", got)
	}
	if got := classifyExit(104, 138, 102); got != ExitStoploss {
		t.Errorf("near-stop classified as %s", got)
	}
}

func TestRealOrderFillAndTradeBookExit(t *testing.T) {
	client := &fakeClient{}
	client.setQuote("NIFTY25SEP24900CE", 120)
	ledger := &fakeLedger{}
	m := newTestManager(client, ledger, false)

	ctx := context.Background()
	order, err := m.Submit(ctx, upSignal())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if client.submitted != 1 {
		t.Fatalf("expected 1 broker submission, got %d", client.submitted)
	}

	client.mu.Lock()
	client.orderBook = []broker.OrderRecord{{
		OrderID: order.ID, Symbol: "NIFTY25SEP24900CE",
		Status: broker.StatusComplete, AvgFillPrice: 119.5,
	}}
	client.mu.Unlock()

	m.ReconcileOnce(ctx)
	active := m.ActiveOrders()
	if len(active) != 1 || active[0].Status != StatusFilled || active[0].AvgFillPrice != 119.5 {
		t.Fatalf("expected fill at 119.5, got %+v", active)
	}

	// Two exit candidates in the trade book: the earlier SELL wins.
	later := time.Now().Add(time.Hour)
	earlier := time.Now().Add(30 * time.Minute)
	client.mu.Lock()
	client.tradeBook = []broker.TradeRecord{
		{OrderID: "x-2", Symbol: "NIFTY25SEP24900CE", Side: broker.SideSell, Price: 104, Qty: 75, FillTime: later},
		{OrderID: "x-1", Symbol: "NIFTY25SEP24900CE", Side: broker.SideSell, Price: 140, Qty: 75, FillTime: earlier},
		{OrderID: "x-3", Symbol: "OTHER", Side: broker.SideSell, Price: 999, Qty: 75, FillTime: earlier},
	}
	client.mu.Unlock()

	m.ReconcileOnce(ctx)
	closed := m.ClosedOrders()
	if len(closed) != 1 {
		t.Fatalf("expected 1 closed order, got %d", len(closed))
	}
	if closed[0].ExitPrice != 140 || closed[0].Status != StatusExitedTarget {
		t.Errorf("expected earliest SELL (140, target), got %v %s", closed[0].ExitPrice, closed[0].Status)
	}
	if ledger.total != (140-119.5)*75 {
		t.Errorf("pnl = %v, expected fill-based %v", ledger.total, (140-119.5)*75)
	}
}

func TestRejectedOrderLeavesActiveSet(t *testing.T) {
	client := &fakeClient{}
	client.setQuote("NIFTY25SEP24900CE", 120)
	ledger := &fakeLedger{}
	m := newTestManager(client, ledger, false)

	ctx := context.Background()
	order, err := m.Submit(ctx, upSignal())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	client.mu.Lock()
	client.orderBook = []broker.OrderRecord{{OrderID: order.ID, Status: broker.StatusRejected}}
	client.mu.Unlock()

	m.ReconcileOnce(ctx)
	if len(m.ActiveOrders()) != 0 {
		t.Error("rejected order must leave the active set")
	}
	if got := ledger.bookings(); got != 0 {
		t.Errorf("rejected order booked %d trades", got)
	}
	closed := m.ClosedOrders()
	if len(closed) != 1 || closed[0].Status != StatusRejected {
		t.Fatalf("expected a REJECTED closed record, got %+v", closed)
	}
}

func TestRateLimitSkipsCycle(t *testing.T) {
	client := &fakeClient{}
	client.setQuote("NIFTY25SEP24900CE", 120)
	m := newTestManager(client, &fakeLedger{}, false)

	ctx := context.Background()
	if _, err := m.Submit(ctx, upSignal()); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	client.mu.Lock()
	client.bookErr = broker.ErrRateLimited
	client.mu.Unlock()

	m.ReconcileOnce(ctx)
	active := m.ActiveOrders()
	if len(active) != 1 || active[0].Status != StatusSubmitted {
		t.Fatalf("rate-limited cycle must leave state untouched, got %+v", active)
	}
}

type denyGate struct{}

func (denyGate) Evaluate(sig signal.Signal, premium float64, lotSize int) risk.Decision {
	return risk.Decision{Reason: "max active positions reached (3)"}
}

func TestRiskRejectionAbortsSubmission(t *testing.T) {
	client := &fakeClient{}
	client.setQuote("NIFTY25SEP24900CE", 120)
	m := newTestManager(client, &fakeLedger{}, true)
	m.SetGate(denyGate{})

	_, err := m.Submit(context.Background(), upSignal())
	if !errors.Is(err, ErrRiskRejected) {
		t.Fatalf("expected ErrRiskRejected, got %v", err)
	}
	if len(m.ActiveOrders()) != 0 {
		t.Error("rejected signal must not create an order")
	}
}

func TestSubmitAbortsWithoutQuote(t *testing.T) {
	client := &fakeClient{} // no quotes configured
	m := newTestManager(client, &fakeLedger{}, true)

	_, err := m.Submit(context.Background(), upSignal())
	if !errors.Is(err, broker.ErrNoQuote) {
		t.Fatalf("expected ErrNoQuote, got %v", err)
	}
}

func TestExitEventPublishedOnce(t *testing.T) {
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventOrderExited, 5)
	defer unsub()

	client := &fakeClient{}
	client.setQuote("NIFTY25SEP24900CE", 120)
	m := NewManager(Options{
		Client: client, Ledger: &fakeLedger{}, Bus: bus,
		Paper: true, TargetPct: 0.15, StopLossPct: 0.15,
		ReconcileInterval: time.Second, CallTimeout: time.Second,
	})

	ctx := context.Background()
	if _, err := m.Submit(ctx, upSignal()); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	client.setQuote("NIFTY25SEP24900CE", 140)
	m.ReconcileOnce(ctx)
	m.ReconcileOnce(ctx)

	count := 0
	for {
		select {
		case msg := <-ch:
			ev, ok := msg.(ExitEvent)
			if !ok {
				t.Fatalf("unexpected payload %T", msg)
			}
			if ev.PnL != 1500 || ev.Reason != ExitTarget {
				t.Errorf("event = %+v, expected target exit pnl 1500", ev)
			}
			count++
		default:
			if count != 1 {
				t.Fatalf("got %d exit events, expected exactly 1", count)
			}
			return
		}
	}
}
