package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"options-core/pkg/config"
)

type fakeConn struct {
	frames chan []byte
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 32)}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	msg, ok := <-c.frames
	if !ok {
		return nil, errors.New("connection closed")
	}
	return msg, nil
}

func (c *fakeConn) WriteJSON(v any) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.frames) })
	return nil
}

func (c *fakeConn) push(msg string) { c.frames <- []byte(msg) }

// fakeDialer serves scripted connections, then fails every further dial.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, errors.New("upstream unreachable")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testInstruments() []config.Instrument {
	return []config.Instrument{
		{Name: "NIFTY", Token: "1001", Exchange: "NFO", LotSize: 75, Enabled: true},
	}
}

func newTestFeed(d Dialer) *Feed {
	f := New(Options{
		Dialer:            d,
		Instruments:       testInstruments(),
		MaxReconnects:     3,
		HeartbeatWindow:   time.Second,
		HeartbeatInterval: time.Hour, // keep the writer quiet in tests
	})
	f.backoffBase = time.Millisecond
	f.backoffCap = 2 * time.Millisecond
	return f
}

func TestTickDeliveryAndFiltering(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	f := newTestFeed(dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.Initialize(ctx); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	if f.State() != StateSubscribed {
		t.Fatalf("state=%v, expected SUBSCRIBED", f.State())
	}

	var mu sync.Mutex
	var got []Tick
	f.Subscribe(func(tk Tick) {
		mu.Lock()
		got = append(got, tk)
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	conn.push(`{"token":"1001","ltp":24850.5}`)
	conn.push(`{"token":"9999","ltp":111}`) // unknown token: ignored
	conn.push(`not json at all`)            // malformed: dropped
	conn.push(`{"token":"1001","ltp":24860}`)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	if got[0].Price != 24850.5 || got[1].Price != 24860 {
		t.Fatalf("tick prices out of order: %+v", got)
	}
	mu.Unlock()

	if p := f.CurrentPrice("NIFTY"); p != 24860 {
		t.Fatalf("CurrentPrice=%v, expected 24860", p)
	}
	if ticks := f.RecentTicks("NIFTY"); len(ticks) != 2 {
		t.Fatalf("RecentTicks len=%d, expected 2", len(ticks))
	}

	f.Disconnect()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error on shutdown: %v", err)
	}
}

func TestSubscriberPanicDoesNotBlockOthers(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	f := newTestFeed(dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.Initialize(ctx); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}

	f.Subscribe(func(Tick) { panic("listener bug") })

	var mu sync.Mutex
	received := 0
	f.Subscribe(func(Tick) {
		mu.Lock()
		received++
		mu.Unlock()
	})

	go f.Run(ctx)
	conn.push(`{"token":"1001","ltp":24900}`)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 1
	})
	f.Disconnect()
}

func TestReconnectCeilingIsFatalExactlyOnce(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	f := newTestFeed(dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.Initialize(ctx); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	// Kill the live connection; every redial fails.
	conn.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrReconnectCeiling) {
			t.Fatalf("Run returned %v, expected ErrReconnectCeiling", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not surface the fatal reconnect error")
	}

	// One initial dial plus exactly maxReconnects retries, no more after fatal.
	if got := dialer.dialCount(); got != 4 {
		t.Fatalf("dial count=%d, expected 4 (1 initial + 3 retries)", got)
	}
	if f.State() != StateDisconnected {
		t.Fatalf("state after fatal=%v, expected DISCONNECTED", f.State())
	}
}

func TestReconnectRestoresSubscription(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}
	f := newTestFeed(dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.Initialize(ctx); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}

	var mu sync.Mutex
	var prices []float64
	f.Subscribe(func(tk Tick) {
		mu.Lock()
		prices = append(prices, tk.Price)
		mu.Unlock()
	})

	go f.Run(ctx)

	first.push(`{"token":"1001","ltp":24800}`)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(prices) == 1
	})

	// Drop the connection; the second scripted conn picks up.
	first.Close()
	second.push(`{"token":"1001","ltp":24810}`)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(prices) == 2
	})
	f.Disconnect()
}

func TestHealthyRequiresRecentHeartbeat(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	f := newTestFeed(dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if f.Healthy() {
		t.Fatal("feed should not be healthy before connecting")
	}

	if err := f.Initialize(ctx); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	if !f.Healthy() {
		t.Fatal("feed should be healthy right after connect")
	}

	// Zombie connection: still connected, but no heartbeat inside the window.
	f.mu.Lock()
	f.lastHeartbeat = time.Now().Add(-2 * time.Second)
	f.mu.Unlock()
	if f.Healthy() {
		t.Fatal("stale heartbeat must mark the feed unhealthy while connected")
	}

	// A pong restores liveness.
	go f.Run(ctx)
	conn.push(`pong`)
	waitFor(t, f.Healthy)
	f.Disconnect()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
