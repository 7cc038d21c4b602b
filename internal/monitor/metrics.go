package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks overall system performance.
type SystemMetrics struct {
	// Latency histograms
	ReconcileLatency *LatencyHistogram
	BrokerLatency    *LatencyHistogram

	// Counters
	ticksProcessed   uint64
	signalsGenerated uint64
	ordersPlaced     uint64
	ordersExited     uint64
	riskRejections   uint64
	errorsCount      uint64

	lastUpdate time.Time
}

// LatencyHistogram tracks latency samples with a sliding window and lazily
// recomputed percentile stats.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		ReconcileLatency: NewLatencyHistogram(1000),
		BrokerLatency:    NewLatencyHistogram(1000),
		lastUpdate:       time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99. Recomputed only when samples
// have changed since the last call.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementTicks increments the processed ticks counter.
func (m *SystemMetrics) IncrementTicks() {
	atomic.AddUint64(&m.ticksProcessed, 1)
}

// IncrementSignals increments the generated signals counter.
func (m *SystemMetrics) IncrementSignals() {
	atomic.AddUint64(&m.signalsGenerated, 1)
}

// IncrementOrdersPlaced increments the placed orders counter.
func (m *SystemMetrics) IncrementOrdersPlaced() {
	atomic.AddUint64(&m.ordersPlaced, 1)
}

// IncrementOrdersExited increments the terminal exits counter.
func (m *SystemMetrics) IncrementOrdersExited() {
	atomic.AddUint64(&m.ordersExited, 1)
}

// IncrementRiskRejections increments the gate rejections counter.
func (m *SystemMetrics) IncrementRiskRejections() {
	atomic.AddUint64(&m.riskRejections, 1)
}

// IncrementErrors increments the error counter.
func (m *SystemMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
}

// MetricsSnapshot is a point-in-time view for status reporting.
type MetricsSnapshot struct {
	ReconcileLatency LatencyStats `json:"reconcile_latency"`
	BrokerLatency    LatencyStats `json:"broker_latency"`
	TicksProcessed   uint64       `json:"ticks_processed"`
	SignalsGenerated uint64       `json:"signals_generated"`
	OrdersPlaced     uint64       `json:"orders_placed"`
	OrdersExited     uint64       `json:"orders_exited"`
	RiskRejections   uint64       `json:"risk_rejections"`
	ErrorsCount      uint64       `json:"errors_count"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	Timestamp        time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		ReconcileLatency: m.ReconcileLatency.Stats(),
		BrokerLatency:    m.BrokerLatency.Stats(),
		TicksProcessed:   atomic.LoadUint64(&m.ticksProcessed),
		SignalsGenerated: atomic.LoadUint64(&m.signalsGenerated),
		OrdersPlaced:     atomic.LoadUint64(&m.ordersPlaced),
		OrdersExited:     atomic.LoadUint64(&m.ordersExited),
		RiskRejections:   atomic.LoadUint64(&m.riskRejections),
		ErrorsCount:      atomic.LoadUint64(&m.errorsCount),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		Timestamp:        time.Now(),
	}
}
