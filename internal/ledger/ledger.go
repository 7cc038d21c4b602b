// Package ledger tracks realized trading results per day and per ISO week.
// The numbers gate new entries, so they are persisted on every trade and
// re-seeded from storage at startup.
package ledger

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"options-core/internal/events"
	"options-core/pkg/db"
)

const dateLayout = "2006-01-02"

// Ledger is the realized P&L book for the current trading day and week.
type Ledger struct {
	queries   *db.Queries
	bus       *events.Bus
	loc       *time.Location
	resetHour int

	mu      sync.Mutex
	day     db.LedgerDayRow
	weekPnL float64

	now func() time.Time
}

// New builds a ledger; call Load before use to seed from storage.
func New(queries *db.Queries, bus *events.Bus, loc *time.Location, resetHour int) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{
		queries:   queries,
		bus:       bus,
		loc:       loc,
		resetHour: resetHour,
		now:       time.Now,
	}
}

// tradingDate maps a wall-clock instant to its trading day. The day rolls
// over at resetHour local time, not at midnight UTC.
func (l *Ledger) tradingDate(t time.Time) string {
	return t.In(l.loc).Add(-time.Duration(l.resetHour) * time.Hour).Format(dateLayout)
}

// weekStart returns the Monday of the week containing the given trading date.
func weekStart(date string) string {
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		return date
	}
	offset := (int(t.Weekday()) + 6) % 7 // Monday = 0
	return t.AddDate(0, 0, -offset).Format(dateLayout)
}

// Load seeds today's totals and the running weekly P&L from storage.
func (l *Ledger) Load(ctx context.Context) error {
	date := l.tradingDate(l.now())

	day, err := l.queries.LedgerDay(ctx, date)
	if err != nil {
		return fmt.Errorf("seed ledger day: %w", err)
	}
	week, err := l.queries.LedgerRange(ctx, weekStart(date), date)
	if err != nil {
		return fmt.Errorf("seed ledger week: %w", err)
	}

	var weekPnL float64
	for _, d := range week {
		weekPnL += d.RealizedPnL
	}

	l.mu.Lock()
	l.day = day
	l.weekPnL = weekPnL
	l.mu.Unlock()

	log.Printf("ledger: seeded date=%s trades=%d daily=%.2f weekly=%.2f",
		date, day.TradeCount, day.RealizedPnL, weekPnL)
	return nil
}

// RecordTrade folds one realized result into the book and persists it.
func (l *Ledger) RecordTrade(ctx context.Context, pnl float64) error {
	date := l.tradingDate(l.now())
	if err := l.queries.ApplyLedgerTrade(ctx, date, pnl); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev := l.day.Date; prev != date {
		// First trade after a rollover the ticker has not caught yet.
		if prev != "" && weekStart(date) != weekStart(prev) {
			l.weekPnL = 0
		}
		l.day = db.LedgerDayRow{Date: date}
	}
	l.day.RealizedPnL += pnl
	l.day.TradeCount++
	if pnl >= 0 {
		l.day.Wins++
	} else {
		l.day.Losses++
	}
	l.weekPnL += pnl
	return nil
}

// DailyPnL returns today's realized P&L.
func (l *Ledger) DailyPnL() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.day.RealizedPnL
}

// WeeklyPnL returns the realized P&L since Monday.
func (l *Ledger) WeeklyPnL() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.weekPnL
}

// TradeCount returns the number of trades booked today.
func (l *Ledger) TradeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.day.TradeCount
}

// Snapshot returns today's row for status reporting.
func (l *Ledger) Snapshot() db.LedgerDayRow {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.day
}

// Run rolls the book over when the trading date changes. It returns when the
// context is cancelled.
func (l *Ledger) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.rolloverIfNeeded(ctx)
		}
	}
}

func (l *Ledger) rolloverIfNeeded(ctx context.Context) {
	date := l.tradingDate(l.now())

	l.mu.Lock()
	current := l.day.Date
	l.mu.Unlock()

	if current == date || current == "" {
		return
	}

	if err := l.Load(ctx); err != nil {
		log.Printf("ledger: rollover reseed failed: %v", err)
		return
	}
	log.Printf("ledger: rolled over %s -> %s", current, date)
	if l.bus != nil {
		l.bus.Publish(events.EventLedgerReset, date)
	}
}
