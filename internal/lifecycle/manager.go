// Package lifecycle owns the active-order set: it turns cleared signals into
// bracket orders (real or simulated), reconciles them against broker evidence
// on a fixed interval, and books realized P&L exactly once per order.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"options-core/internal/broker"
	"options-core/internal/events"
	"options-core/internal/risk"
	"options-core/internal/signal"
	"options-core/pkg/db"
)

// ErrRiskRejected marks a submission dropped by the risk gate.
var ErrRiskRejected = errors.New("risk gate rejected signal")

// Ledger books realized results.
type Ledger interface {
	RecordTrade(ctx context.Context, pnl float64) error
}

// Gate clears signals for submission. Satisfied by *risk.Gate.
type Gate interface {
	Evaluate(sig signal.Signal, premium float64, lotSize int) risk.Decision
}

// Options wires the manager's collaborators and tunables.
type Options struct {
	Client broker.Client
	Ledger Ledger
	Bus    *events.Bus
	Store  *db.Queries // optional restart recovery

	Paper             bool
	TargetPct         float64 // e.g. 0.15 for +15%
	StopLossPct       float64
	ReconcileInterval time.Duration
	StatusProbeAfter  time.Duration
	CallTimeout       time.Duration

	// OnCycle, when set, observes each reconciliation cycle's duration.
	OnCycle func(time.Duration)
}

// Manager is the single owner of the active-order set.
type Manager struct {
	opts Options
	gate Gate

	mu     sync.Mutex
	active map[string]*ActiveOrder
	closed []ActiveOrder

	now func() time.Time
}

// NewManager builds a lifecycle manager. Call SetGate before Submit; the gate
// is attached after construction because it reads positions back from the
// manager.
func NewManager(opts Options) *Manager {
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 3 * time.Second
	}
	if opts.StatusProbeAfter <= 0 {
		opts.StatusProbeAfter = 2 * time.Minute
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 20 * time.Second
	}
	return &Manager{
		opts:   opts,
		active: make(map[string]*ActiveOrder),
		now:    time.Now,
	}
}

// SetGate attaches the risk gate.
func (m *Manager) SetGate(g Gate) { m.gate = g }

// ActivePositions implements risk.PositionSource.
func (m *Manager) ActivePositions() []risk.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]risk.Position, 0, len(m.active))
	for _, o := range m.active {
		out = append(out, risk.Position{Instrument: o.Signal.Instrument, Direction: o.Signal.Direction})
	}
	return out
}

// ActiveOrders returns a snapshot of the in-flight orders.
func (m *Manager) ActiveOrders() []ActiveOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ActiveOrder, 0, len(m.active))
	for _, o := range m.active {
		out = append(out, *o)
	}
	return out
}

// ClosedOrders returns the finished trades recorded this session.
func (m *Manager) ClosedOrders() []ActiveOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ActiveOrder, len(m.closed))
	copy(out, m.closed)
	return out
}

// Submit resolves the contract and a live premium for the signal, runs the
// risk gate, and places the order. Every failure aborts this signal only.
func (m *Manager) Submit(ctx context.Context, sig signal.Signal) (*ActiveOrder, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()

	contract, err := m.opts.Client.ResolveContract(callCtx, sig.Instrument, sig.Strike, string(sig.OptionType), sig.Expiry)
	if err != nil {
		return nil, fmt.Errorf("resolve contract for %s %v %s: %w", sig.Instrument, sig.Strike, sig.OptionType, err)
	}

	quote, err := m.opts.Client.GetQuote(callCtx, contract)
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", contract.Symbol, err)
	}
	if quote.LastPrice <= 0 {
		return nil, fmt.Errorf("quote %s: %w", contract.Symbol, broker.ErrNoQuote)
	}

	entry := quote.LastPrice
	if m.gate != nil {
		if d := m.gate.Evaluate(sig, entry, contract.LotSize); !d.Allow {
			return nil, fmt.Errorf("%w: %s", ErrRiskRejected, d.Reason)
		}
	}

	sig.ContractSymbol = contract.Symbol
	sig.EntryPrice = entry
	sig.Target = entry * (1 + m.opts.TargetPct)
	sig.StopLoss = entry * (1 - m.opts.StopLossPct)

	order := &ActiveOrder{
		Signal:      sig,
		Contract:    contract,
		Qty:         contract.LotSize,
		EntryPrice:  entry,
		Target:      sig.Target,
		StopLoss:    sig.StopLoss,
		Status:      StatusSubmitted,
		Paper:       m.opts.Paper,
		SubmittedAt: m.now(),
	}

	if m.opts.Paper {
		order.ID = uuid.NewString()
	} else {
		id, err := m.opts.Client.SubmitBracketOrder(callCtx, broker.BracketOrderRequest{
			Contract:  contract,
			Qty:       contract.LotSize,
			Price:     entry,
			SquareOff: sig.Target,
			StopLoss:  sig.StopLoss,
		})
		if err != nil {
			return nil, fmt.Errorf("submit bracket order %s: %w", contract.Symbol, err)
		}
		order.ID = id
	}

	m.mu.Lock()
	m.active[order.ID] = order
	m.mu.Unlock()
	m.persist(ctx, order)

	log.Printf("lifecycle: placed id=%s %s %s strike=%.0f entry=%.2f target=%.2f stop=%.2f paper=%v",
		order.ID, sig.Instrument, sig.OptionType, sig.Strike, entry, sig.Target, sig.StopLoss, order.Paper)
	m.publish(events.EventOrderPlaced, *order)

	// Simulated orders fill at the quoted entry immediately; there is no
	// broker to confirm them.
	if m.opts.Paper {
		m.markFilled(ctx, order.ID, entry)
	}

	return order, nil
}

// markFilled moves a submitted order to FILLED at the given price.
func (m *Manager) markFilled(ctx context.Context, id string, price float64) {
	m.mu.Lock()
	o, ok := m.active[id]
	if !ok || !canTransition(o.Status, StatusFilled) {
		m.mu.Unlock()
		return
	}
	o.Status = StatusFilled
	o.AvgFillPrice = price
	o.FilledAt = m.now()
	snapshot := *o
	m.mu.Unlock()

	m.persist(ctx, &snapshot)
	log.Printf("lifecycle: filled id=%s %s at %.2f", id, snapshot.Contract.Symbol, price)
	m.publish(events.EventOrderFilled, snapshot)
}

// markDead removes a submitted order that was cancelled or rejected upstream.
func (m *Manager) markDead(ctx context.Context, id string, status Status) {
	m.mu.Lock()
	o, ok := m.active[id]
	if !ok || !canTransition(o.Status, status) {
		m.mu.Unlock()
		return
	}
	o.Status = status
	snapshot := *o
	delete(m.active, id)
	m.closed = append(m.closed, snapshot)
	m.mu.Unlock()

	m.unpersist(ctx, &snapshot)
	log.Printf("lifecycle: %s id=%s %s", status, id, snapshot.Contract.Symbol)
	event := events.EventOrderCancelled
	if status == StatusRejected {
		event = events.EventOrderRejected
	}
	m.publish(event, snapshot)
}

// applyExit commits a terminal exit exactly once. Duplicate evidence for an
// order whose ExitPrice is already set is skipped silently.
func (m *Manager) applyExit(ctx context.Context, id string, price float64, reason ExitReason) {
	m.mu.Lock()
	o, ok := m.active[id]
	if !ok || o.ExitPrice != 0 {
		m.mu.Unlock()
		return
	}
	status := statusFor(reason)
	if !canTransition(o.Status, status) {
		m.mu.Unlock()
		log.Printf("lifecycle: refusing %s -> %s for id=%s (order not filled)", o.Status, status, id)
		return
	}
	o.ExitPrice = price
	o.ExitReason = reason
	o.ExitedAt = m.now()
	o.Status = status
	o.RealizedPnL = (price - o.fillPrice()) * float64(o.Qty)
	snapshot := *o
	delete(m.active, id)
	m.closed = append(m.closed, snapshot)
	m.mu.Unlock()

	if m.opts.Ledger != nil {
		if err := m.opts.Ledger.RecordTrade(ctx, snapshot.RealizedPnL); err != nil {
			log.Printf("lifecycle: ledger update failed id=%s: %v", id, err)
		}
	}
	m.unpersist(ctx, &snapshot)

	log.Printf("lifecycle: exit id=%s %s reason=%s exit=%.2f pnl=%.2f",
		id, snapshot.Contract.Symbol, reason, price, snapshot.RealizedPnL)
	m.publish(events.EventOrderExited, ExitEvent{Order: snapshot, Reason: reason, PnL: snapshot.RealizedPnL})
}

// Close exits a filled order at the given price outside the normal bracket
// evidence, e.g. an operator square-off.
func (m *Manager) Close(ctx context.Context, id string, price float64, reason ExitReason) {
	m.applyExit(ctx, id, price, reason)
}

// Run executes reconciliation cycles until ctx is cancelled. Cycles run
// sequentially; a slow cycle delays the next rather than overlapping it.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			started := m.now()
			m.ReconcileOnce(ctx)
			if m.opts.OnCycle != nil {
				m.opts.OnCycle(time.Since(started))
			}
		}
	}
}

func (m *Manager) publish(event events.Event, payload any) {
	if m.opts.Bus != nil {
		m.opts.Bus.Publish(event, payload)
	}
}

// ----------------------------------------
// Persistence
// ----------------------------------------

// Restore loads the in-flight order set written by a previous process.
func (m *Manager) Restore(ctx context.Context) error {
	if m.opts.Store == nil {
		return nil
	}
	rows, err := m.opts.Store.ActiveOrders(ctx)
	if err != nil {
		return fmt.Errorf("restore active orders: %w", err)
	}

	m.mu.Lock()
	var paper []ActiveOrder
	for _, r := range rows {
		o := fromRow(r)
		m.active[o.ID] = o
		if o.Paper && !o.Status.Terminal() {
			paper = append(paper, *o)
		}
	}
	m.mu.Unlock()
	if len(rows) > 0 {
		log.Printf("lifecycle: restored %d active orders", len(rows))
	}

	// A simulated broker forgets its contract universe across restarts, so
	// restored paper orders must be re-registered with it or their quote
	// polls fail every cycle. Failures here keep the order tracked; the next
	// reconcile cycle logs the unresolved quote.
	for _, o := range paper {
		callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		_, err := m.opts.Client.ResolveContract(callCtx, o.Signal.Instrument, o.Signal.Strike,
			string(o.Signal.OptionType), o.Signal.Expiry)
		cancel()
		if err != nil {
			log.Printf("lifecycle: re-register restored contract %s failed: %v", o.Contract.Symbol, err)
		}
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, o *ActiveOrder) {
	if m.opts.Store == nil {
		return
	}
	if err := m.opts.Store.UpsertActiveOrder(ctx, toRow(o)); err != nil {
		log.Printf("lifecycle: persist id=%s failed: %v", o.ID, err)
	}
}

func (m *Manager) unpersist(ctx context.Context, o *ActiveOrder) {
	if m.opts.Store == nil {
		return
	}
	if err := m.opts.Store.DeleteActiveOrder(ctx, o.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
		log.Printf("lifecycle: remove persisted id=%s failed: %v", o.ID, err)
	}
	if o.Status == StatusExitedTarget || o.Status == StatusExitedStoploss ||
		o.Status == StatusCancelled || o.Status == StatusRejected {
		if err := m.opts.Store.InsertClosedOrder(ctx, toClosedRow(o)); err != nil {
			log.Printf("lifecycle: log closed id=%s failed: %v", o.ID, err)
		}
	}
}

func toRow(o *ActiveOrder) db.ActiveOrderRow {
	row := db.ActiveOrderRow{
		ID:             o.ID,
		SignalID:       o.Signal.ID,
		Instrument:     o.Signal.Instrument,
		ContractSymbol: o.Contract.Symbol,
		Token:          o.Contract.Token,
		Exchange:       o.Contract.Exchange,
		OptionType:     string(o.Signal.OptionType),
		Strike:         o.Signal.Strike,
		Expiry:         o.Signal.Expiry,
		Qty:            o.Qty,
		EntryPrice:     o.EntryPrice,
		Target:         o.Target,
		StopLoss:       o.StopLoss,
		Status:         string(o.Status),
		Paper:          o.Paper,
		AvgFillPrice:   o.AvgFillPrice,
		SubmittedAt:    o.SubmittedAt,
	}
	if !o.FilledAt.IsZero() {
		row.FilledAt = sql.NullTime{Time: o.FilledAt, Valid: true}
	}
	return row
}

func toClosedRow(o *ActiveOrder) db.ClosedOrderRow {
	return db.ClosedOrderRow{
		ID:             o.ID,
		SignalID:       o.Signal.ID,
		Instrument:     o.Signal.Instrument,
		ContractSymbol: o.Contract.Symbol,
		OptionType:     string(o.Signal.OptionType),
		Strike:         o.Signal.Strike,
		Qty:            o.Qty,
		EntryPrice:     o.fillPrice(),
		ExitPrice:      o.ExitPrice,
		ExitReason:     string(o.ExitReason),
		Status:         string(o.Status),
		PnL:            o.RealizedPnL,
		Paper:          o.Paper,
		SubmittedAt:    o.SubmittedAt,
		ExitedAt:       o.ExitedAt,
	}
}

func fromRow(r db.ActiveOrderRow) *ActiveOrder {
	o := &ActiveOrder{
		ID: r.ID,
		Signal: signal.Signal{
			ID:             r.SignalID,
			Instrument:     r.Instrument,
			OptionType:     signal.OptionType(r.OptionType),
			Strike:         r.Strike,
			Expiry:         r.Expiry,
			ContractSymbol: r.ContractSymbol,
			EntryPrice:     r.EntryPrice,
			Target:         r.Target,
			StopLoss:       r.StopLoss,
		},
		Contract: broker.ContractRef{
			Symbol:   r.ContractSymbol,
			Token:    r.Token,
			Exchange: r.Exchange,
			LotSize:  r.Qty,
		},
		Qty:          r.Qty,
		EntryPrice:   r.EntryPrice,
		Target:       r.Target,
		StopLoss:     r.StopLoss,
		Status:       Status(r.Status),
		Paper:        r.Paper,
		AvgFillPrice: r.AvgFillPrice,
		SubmittedAt:  r.SubmittedAt,
	}
	if r.FilledAt.Valid {
		o.FilledAt = r.FilledAt.Time
	}
	if o.Signal.OptionType == signal.OptionCall {
		o.Signal.Direction = signal.DirectionUp
	} else {
		o.Signal.Direction = signal.DirectionDown
	}
	return o
}
