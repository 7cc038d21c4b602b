package lifecycle

import (
	"context"
	"testing"
	"time"

	"options-core/internal/broker"
	"options-core/pkg/db"
)

func TestRestoreRecoversActiveOrders(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	store := database.Queries()

	client := &fakeClient{}
	client.setQuote("NIFTY25SEP24900CE", 120)

	first := NewManager(Options{
		Client: client, Ledger: &fakeLedger{}, Store: store,
		Paper: true, TargetPct: 0.15, StopLossPct: 0.15,
		ReconcileInterval: time.Second, CallTimeout: time.Second,
	})

	ctx := context.Background()
	order, err := first.Submit(ctx, upSignal())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Fresh manager over the same store simulates a process restart.
	second := NewManager(Options{
		Client: client, Ledger: &fakeLedger{}, Store: store,
		Paper: true, TargetPct: 0.15, StopLossPct: 0.15,
		ReconcileInterval: time.Second, CallTimeout: time.Second,
	})
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	active := second.ActiveOrders()
	if len(active) != 1 {
		t.Fatalf("expected 1 restored order, got %d", len(active))
	}
	got := active[0]
	if got.ID != order.ID || got.Status != StatusFilled {
		t.Errorf("restored %s/%s, expected %s FILLED", got.ID, got.Status, order.ID)
	}
	if got.Target != 138 || got.StopLoss != 102 || got.Qty != 75 {
		t.Errorf("restored brackets %v/%v qty %d, expected 138/102 qty 75", got.Target, got.StopLoss, got.Qty)
	}

	// The restored order still reconciles: a quote past target closes it.
	client.setQuote("NIFTY25SEP24900CE", 140)
	second.ReconcileOnce(ctx)
	if len(second.ActiveOrders()) != 0 {
		t.Error("restored order should exit on target quote")
	}

	rows, err := store.ActiveOrders(ctx)
	if err != nil {
		t.Fatalf("Failed to read store: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected empty active table after exit, got %d rows", len(rows))
	}
}

// A restarted process builds a fresh simulated broker whose contract registry
// is empty; restored orders must still quote and exit.
func TestRestoreReregistersPaperContracts(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	store := database.Queries()

	spot := 25000.0
	paperClient := func() *broker.PaperClient {
		return &broker.PaperClient{
			SpotPrice: func(string) float64 { return spot },
			LotSizes:  map[string]int{"NIFTY": 75},
			Margin:    200000,
		}
	}

	first := NewManager(Options{
		Client: paperClient(), Ledger: &fakeLedger{}, Store: store,
		Paper: true, TargetPct: 0.15, StopLossPct: 0.15,
		ReconcileInterval: time.Second, CallTimeout: time.Second,
	})

	ctx := context.Background()
	order, err := first.Submit(ctx, upSignal())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	// 24900 CALL at spot 25000: intrinsic 100 plus time value.
	if order.EntryPrice < 100 {
		t.Fatalf("entry = %.2f, expected intrinsic-backed premium", order.EntryPrice)
	}

	// Restart with a brand new paper client: its contract registry is empty.
	led := &fakeLedger{}
	second := NewManager(Options{
		Client: paperClient(), Ledger: led, Store: store,
		Paper: true, TargetPct: 0.15, StopLossPct: 0.15,
		ReconcileInterval: time.Second, CallTimeout: time.Second,
	})
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if len(second.ActiveOrders()) != 1 {
		t.Fatalf("expected 1 restored order, got %d", len(second.ActiveOrders()))
	}

	// Push the index far enough that the premium clears the target leg.
	spot = 25500
	second.ReconcileOnce(ctx)

	if len(second.ActiveOrders()) != 0 {
		t.Fatal("restored order never exited; simulated contract not re-registered")
	}
	closed := second.ClosedOrders()
	if len(closed) != 1 || closed[0].ExitReason != ExitTarget {
		t.Fatalf("closed = %+v, expected one target exit", closed)
	}
	if len(led.pnls) != 1 || led.pnls[0] <= 0 {
		t.Errorf("ledger pnls = %v, expected one profitable trade", led.pnls)
	}
}
