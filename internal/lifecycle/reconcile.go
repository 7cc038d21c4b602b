package lifecycle

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"options-core/internal/broker"
)

// ReconcileOnce merges broker evidence (or live quotes for simulated orders)
// into the active-order set. Errors are logged and retried next cycle; a
// rate-limit response abandons the rest of the cycle immediately.
func (m *Manager) ReconcileOnce(ctx context.Context) {
	m.mu.Lock()
	var paper, real []ActiveOrder
	for _, o := range m.active {
		if o.Status.Terminal() {
			continue
		}
		if o.Paper {
			paper = append(paper, *o)
		} else {
			real = append(real, *o)
		}
	}
	m.mu.Unlock()

	if len(paper) > 0 {
		if rateLimited := m.reconcilePaper(ctx, paper); rateLimited {
			return
		}
	}
	if len(real) > 0 {
		m.reconcileReal(ctx, real)
	}
}

// reconcilePaper polls a live quote per simulated order and fires the bracket
// legs locally. Returns true when the broker rate-limited the cycle.
func (m *Manager) reconcilePaper(ctx context.Context, orders []ActiveOrder) bool {
	for _, o := range orders {
		if o.Status != StatusFilled {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		quote, err := m.opts.Client.GetQuote(callCtx, o.Contract)
		cancel()
		if errors.Is(err, broker.ErrRateLimited) {
			log.Printf("lifecycle: rate limited, skipping rest of cycle")
			return true
		}
		if err != nil {
			log.Printf("lifecycle: quote %s failed, retry next cycle: %v", o.Contract.Symbol, err)
			continue
		}

		switch {
		case quote.LastPrice >= o.Target:
			m.applyExit(ctx, o.ID, quote.LastPrice, ExitTarget)
		case quote.LastPrice <= o.StopLoss:
			m.applyExit(ctx, o.ID, quote.LastPrice, ExitStoploss)
		}
	}
	return false
}

// reconcileReal merges three evidence sources for broker-held orders: the
// order book for fills, the trade book for exit legs, and an individual
// status probe for orders filled long enough that silence is suspicious.
func (m *Manager) reconcileReal(ctx context.Context, orders []ActiveOrder) {
	callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	book, err := m.opts.Client.OrderBook(callCtx)
	cancel()
	if errors.Is(err, broker.ErrRateLimited) {
		log.Printf("lifecycle: rate limited, skipping rest of cycle")
		return
	}
	if err != nil {
		log.Printf("lifecycle: order book failed, retry next cycle: %v", err)
		return
	}

	records := make(map[string]broker.OrderRecord, len(book))
	for _, r := range book {
		records[r.OrderID] = r
	}
	for _, o := range orders {
		rec, found := records[o.ID]
		if !found || o.Status != StatusSubmitted {
			continue
		}
		switch rec.Status {
		case broker.StatusComplete:
			m.markFilled(ctx, o.ID, rec.AvgFillPrice)
		case broker.StatusCancelled:
			m.markDead(ctx, o.ID, StatusCancelled)
		case broker.StatusRejected:
			m.markDead(ctx, o.ID, StatusRejected)
		}
	}

	// Exit legs of a bracket order surface as SELL trades on the contract,
	// not as status changes on the entry order id. The trade book is the
	// authoritative exit source.
	callCtx, cancel = context.WithTimeout(ctx, m.opts.CallTimeout)
	trades, err := m.opts.Client.TradeBook(callCtx)
	cancel()
	if errors.Is(err, broker.ErrRateLimited) {
		log.Printf("lifecycle: rate limited, skipping rest of cycle")
		return
	}
	if err != nil {
		log.Printf("lifecycle: trade book failed, retry next cycle: %v", err)
		return
	}

	m.mu.Lock()
	var filled []ActiveOrder
	for _, o := range m.active {
		if !o.Paper && o.Status == StatusFilled {
			filled = append(filled, *o)
		}
	}
	m.mu.Unlock()

	for _, o := range filled {
		if exit, found := exitTradeFor(o, trades); found {
			reason := classifyExit(exit.Price, o.Target, o.StopLoss)
			m.applyExit(ctx, o.ID, exit.Price, reason)
			continue
		}
		m.maybeProbe(ctx, o)
	}
}

// exitTradeFor scans the trade book for SELL trades on the order's contract
// after its fill time. With several candidates the earliest fill wins.
func exitTradeFor(o ActiveOrder, trades []broker.TradeRecord) (broker.TradeRecord, bool) {
	var best broker.TradeRecord
	found := false
	for _, t := range trades {
		if t.Symbol != o.Contract.Symbol || t.Side != broker.SideSell {
			continue
		}
		if o.FilledAt.IsZero() || !t.FillTime.After(o.FilledAt) {
			continue
		}
		if !found || t.FillTime.Before(best.FillTime) {
			best = t
			found = true
		}
	}
	return best, found
}

// classifyExit labels an observed exit price by whichever bracket leg it sits
// closer to. Exact midpoints count as TARGET. This mirrors the bracket's
// server-side legs and can misclassify under heavy slippage; the trade still
// books at the observed price either way.
func classifyExit(price, target, stopLoss float64) ExitReason {
	if math.Abs(price-target) <= math.Abs(price-stopLoss) {
		return ExitTarget
	}
	return ExitStoploss
}

// maybeProbe issues a low-frequency individual status lookup for an order
// that has been FILLED with no exit evidence for longer than expected.
func (m *Manager) maybeProbe(ctx context.Context, o ActiveOrder) {
	if o.FilledAt.IsZero() || m.now().Sub(o.FilledAt) < m.opts.StatusProbeAfter {
		return
	}

	m.mu.Lock()
	live, ok := m.active[o.ID]
	if !ok || m.now().Sub(live.lastProbe) < m.opts.StatusProbeAfter {
		m.mu.Unlock()
		return
	}
	live.lastProbe = m.now()
	m.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	rec, err := m.opts.Client.OrderStatus(callCtx, o.ID)
	cancel()
	if err != nil {
		log.Printf("lifecycle: status probe id=%s failed: %v", o.ID, err)
		return
	}
	log.Printf("lifecycle: status probe id=%s status=%s fill=%.2f age=%s",
		o.ID, rec.Status, rec.AvgFillPrice, time.Since(o.FilledAt).Round(time.Second))
	if rec.Status == broker.StatusCancelled || rec.Status == broker.StatusRejected {
		// The broker walked back a fill we believed in. Keep the order under
		// observation rather than fabricating an exit on one probe.
		log.Printf("lifecycle: probe disagrees with tracked state id=%s (%s vs %s)", o.ID, rec.Status, o.Status)
	}
}
