package broker

import (
	"context"
	"log"
	"sync"
	"time"
)

// MarginCache keeps a periodically refreshed margin snapshot so risk checks
// never block on the broker API. A failed sync keeps the previous snapshot and
// marks it stale; the risk gate treats staleness as a warning, not a block.
type MarginCache struct {
	client       Client
	syncInterval time.Duration

	mu       sync.RWMutex
	margin   Margin
	lastErr  error
	lastSync time.Time
}

// NewMarginCache creates a margin cache. A nil client (paper mode) serves the
// fixed value set via SetFixed.
func NewMarginCache(client Client, syncInterval time.Duration) *MarginCache {
	if syncInterval <= 0 {
		syncInterval = 30 * time.Second
	}
	return &MarginCache{client: client, syncInterval: syncInterval}
}

// SetFixed seeds a static margin (paper mode, or fallback when the broker has
// no margin API).
func (m *MarginCache) SetFixed(amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.margin = Margin{Available: amount, AsOf: time.Now()}
	m.lastSync = time.Now()
	m.lastErr = nil
}

// Start begins periodic margin sync until ctx is done.
func (m *MarginCache) Start(ctx context.Context) {
	if m.client == nil {
		return
	}
	if err := m.Sync(ctx); err != nil {
		log.Printf("broker: initial margin sync failed: %v", err)
	}

	ticker := time.NewTicker(m.syncInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Sync(ctx); err != nil {
					log.Printf("broker: margin sync error: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sync fetches the latest margin from the broker.
func (m *MarginCache) Sync(ctx context.Context) error {
	margin, err := m.client.AvailableMargin(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
	if err != nil {
		return err
	}
	m.margin = margin
	m.lastSync = time.Now()
	return nil
}

// Snapshot returns the cached margin and whether it is fresh. fresh is false
// when the last sync failed or no sync has happened within two intervals.
func (m *MarginCache) Snapshot() (margin Margin, fresh bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fresh = m.lastErr == nil && !m.lastSync.IsZero() &&
		time.Since(m.lastSync) < 2*m.syncInterval
	return m.margin, fresh
}
