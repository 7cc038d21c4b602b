package monitor

import (
	"context"
	"testing"
	"time"

	"options-core/internal/events"
)

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(100)
	for i := 1; i <= 10; i++ {
		h.Record(float64(i))
	}

	stats := h.Stats()
	if stats.Count != 10 {
		t.Fatalf("count = %d, expected 10", stats.Count)
	}
	if stats.Min != 1 || stats.Max != 10 {
		t.Errorf("min/max = %.0f/%.0f, expected 1/10", stats.Min, stats.Max)
	}
	if stats.Avg != 5.5 {
		t.Errorf("avg = %.2f, expected 5.50", stats.Avg)
	}
	if stats.P50 != 6 {
		t.Errorf("p50 = %.0f, expected 6", stats.P50)
	}
}

func TestLatencyHistogramSlidesWindow(t *testing.T) {
	h := NewLatencyHistogram(3)
	for i := 1; i <= 5; i++ {
		h.Record(float64(i))
	}
	stats := h.Stats()
	if stats.Count != 3 {
		t.Fatalf("count = %d, expected window of 3", stats.Count)
	}
	if stats.Min != 3 || stats.Max != 5 {
		t.Errorf("window = [%.0f, %.0f], expected oldest samples evicted", stats.Min, stats.Max)
	}
}

func TestCollectorCountsBusEvents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	metrics := NewSystemMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	(&Collector{Bus: bus, Metrics: metrics}).Start(ctx)

	bus.Publish(events.EventPriceTick, nil)
	bus.Publish(events.EventPriceTick, nil)
	bus.Publish(events.EventSignalGenerated, nil)
	bus.Publish(events.EventOrderPlaced, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := metrics.GetSnapshot()
		if snap.TicksProcessed == 2 && snap.SignalsGenerated == 1 && snap.OrdersPlaced == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap := metrics.GetSnapshot()
	t.Fatalf("counters never converged: ticks=%d signals=%d placed=%d",
		snap.TicksProcessed, snap.SignalsGenerated, snap.OrdersPlaced)
}
