package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"options-core/internal/events"
	"options-core/pkg/config"
)

// Tick is one normalized price observation from the streaming feed.
type Tick struct {
	Instrument string
	Price      float64
	ObservedAt time.Time
}

// State tracks the connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "DISCONNECTED"
	}
}

// ErrReconnectCeiling is returned by Run when the feed cannot be restored.
// The system must not keep operating on stale data, so this is fatal.
var ErrReconnectCeiling = errors.New("feed: reconnect attempt ceiling exceeded")

const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// Subscriber receives every normalized tick in registration order.
type Subscriber func(Tick)

// Feed maintains one persistent streaming connection, republishes normalized
// ticks, and owns reconnection and liveness detection.
type Feed struct {
	dialer            Dialer
	bus               *events.Bus
	maxReconnects     int
	heartbeatWindow   time.Duration
	heartbeatInterval time.Duration

	byToken map[string]string // feed token -> instrument name
	tokens  []string

	// overridable in tests
	backoffBase time.Duration
	backoffCap  time.Duration

	mu            sync.RWMutex
	conn          Conn
	state         State
	lastHeartbeat time.Time
	subscribers   []Subscriber
	history       map[string]*tickRing
	closed        bool
}

// Options configures a Feed.
type Options struct {
	Dialer            Dialer
	Bus               *events.Bus
	Instruments       []config.Instrument
	MaxReconnects     int
	HeartbeatWindow   time.Duration
	HeartbeatInterval time.Duration
	HistorySize       int
}

// New builds a feed for the given instrument universe.
func New(opts Options) *Feed {
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 10
	}
	if opts.HeartbeatWindow <= 0 {
		opts.HeartbeatWindow = 60 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}

	f := &Feed{
		dialer:            opts.Dialer,
		bus:               opts.Bus,
		maxReconnects:     opts.MaxReconnects,
		heartbeatWindow:   opts.HeartbeatWindow,
		heartbeatInterval: opts.HeartbeatInterval,
		byToken:           make(map[string]string),
		history:           make(map[string]*tickRing),
		backoffBase:       backoffBase,
		backoffCap:        backoffCap,
	}
	for _, in := range opts.Instruments {
		f.byToken[in.Token] = in.Name
		f.tokens = append(f.tokens, in.Token)
		f.history[in.Name] = newTickRing(opts.HistorySize)
	}
	return f
}

// Initialize opens the connection and subscribes to the configured tokens.
func (f *Feed) Initialize(ctx context.Context) error {
	f.setState(StateConnecting)
	conn, err := f.dialer.Dial(ctx)
	if err != nil {
		f.setState(StateDisconnected)
		return fmt.Errorf("feed connect: %w", err)
	}
	f.setState(StateConnected)

	if err := conn.WriteJSON(subscribeFrame{Action: "subscribe", Tokens: f.tokens}); err != nil {
		_ = conn.Close()
		f.setState(StateDisconnected)
		return fmt.Errorf("feed subscribe: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.lastHeartbeat = time.Now()
	f.mu.Unlock()
	f.setState(StateSubscribed)

	log.Printf("feed: connected, subscribed %d tokens", len(f.tokens))
	return nil
}

// Subscribe registers a tick listener. Listener panics are caught and logged
// and never block delivery to subsequent listeners.
func (f *Feed) Subscribe(s Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers = append(f.subscribers, s)
}

// CurrentPrice returns the latest price seen for an instrument, 0 if none.
func (f *Feed) CurrentPrice(instrument string) float64 {
	f.mu.RLock()
	ring := f.history[instrument]
	f.mu.RUnlock()
	if ring == nil {
		return 0
	}
	if t, ok := ring.last(); ok {
		return t.Price
	}
	return 0
}

// RecentTicks returns the retained tick history for an instrument, oldest first.
func (f *Feed) RecentTicks(instrument string) []Tick {
	f.mu.RLock()
	ring := f.history[instrument]
	f.mu.RUnlock()
	if ring == nil {
		return nil
	}
	return ring.snapshot()
}

// State returns the current connection state.
func (f *Feed) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// Healthy reports liveness: connected AND a heartbeat within the window.
// A connected-but-silent feed is a zombie and reports unhealthy without
// forcing a reconnect; the upstream closing the socket handles that path.
func (f *Feed) Healthy() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.state != StateConnected && f.state != StateSubscribed {
		return false
	}
	return time.Since(f.lastHeartbeat) < f.heartbeatWindow
}

// Disconnect closes the connection and stops the run loop.
func (f *Feed) Disconnect() {
	f.mu.Lock()
	f.closed = true
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	f.setState(StateDisconnected)
}

// Run consumes the stream until ctx is done or the reconnect ceiling is hit.
// It returns nil on orderly shutdown and ErrReconnectCeiling (wrapped) when
// the connection could not be restored; the caller must treat that as fatal.
func (f *Feed) Run(ctx context.Context) error {
	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go f.heartbeatLoop(hbCtx)

	for {
		err := f.readLoop(ctx)
		if ctx.Err() != nil || f.isClosed() {
			return nil
		}
		log.Printf("feed: connection lost: %v", err)

		if err := f.reconnect(ctx); err != nil {
			if ctx.Err() != nil || f.isClosed() {
				return nil
			}
			f.setState(StateDisconnected)
			return err
		}
	}
}

// readLoop reads frames from the current connection until it breaks.
func (f *Feed) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return errors.New("feed: no active connection")
		}

		raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(raw)
	}
}

// reconnect retries with exponential backoff up to the configured ceiling.
func (f *Feed) reconnect(ctx context.Context) error {
	f.setState(StateReconnecting)

	delay := f.backoffBase
	for attempt := 1; attempt <= f.maxReconnects; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if f.isClosed() {
			return errors.New("feed: closed during reconnect")
		}

		log.Printf("feed: reconnect attempt %d/%d", attempt, f.maxReconnects)
		if err := f.Initialize(ctx); err != nil {
			log.Printf("feed: reconnect attempt %d failed: %v", attempt, err)
			delay *= 2
			if delay > f.backoffCap {
				delay = f.backoffCap
			}
			f.setState(StateReconnecting)
			continue
		}
		return nil
	}

	return fmt.Errorf("%w after %d attempts", ErrReconnectCeiling, f.maxReconnects)
}

// heartbeatLoop sends keepalive frames on the configured interval.
func (f *Feed) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(f.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.RLock()
			conn := f.conn
			f.mu.RUnlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteJSON(heartbeatFrame{Type: "ping"}); err != nil {
				log.Printf("feed: heartbeat write error: %v", err)
			}
		}
	}
}

// tickFrame is the inbound wire shape: token plus last traded price.
// Heartbeat responses arrive on the same stream with a type marker.
type tickFrame struct {
	Type            string  `json:"type,omitempty"`
	Token           string  `json:"token"`
	LastTradedPrice float64 `json:"ltp"`
}

// handleMessage parses one inbound frame. Malformed payloads are logged and
// dropped, unknown tokens ignored; the read loop never dies on bad input.
func (f *Feed) handleMessage(raw []byte) {
	if len(raw) == 0 {
		return
	}
	// Plain-text keepalive reply.
	if strings.EqualFold(strings.TrimSpace(string(raw)), "pong") {
		f.markHeartbeat()
		return
	}

	var frame tickFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.Printf("feed: dropping malformed payload: %v", err)
		return
	}
	if frame.Type == "pong" || frame.Type == "heartbeat" {
		f.markHeartbeat()
		return
	}

	instrument, ok := f.byToken[frame.Token]
	if !ok {
		return // not an instrument we track
	}
	if frame.LastTradedPrice <= 0 {
		log.Printf("feed: dropping non-positive price for %s", instrument)
		return
	}

	// Any valid payload proves the upstream is alive.
	f.markHeartbeat()

	tick := Tick{
		Instrument: instrument,
		Price:      frame.LastTradedPrice,
		ObservedAt: time.Now(),
	}

	f.mu.RLock()
	ring := f.history[instrument]
	subs := f.subscribers
	f.mu.RUnlock()

	if ring != nil {
		ring.append(tick)
	}
	f.broadcast(subs, tick)

	if f.bus != nil {
		f.bus.Publish(events.EventPriceTick, tick)
	}
}

// broadcast delivers a tick synchronously to all subscribers in registration
// order, isolating panics so one bad listener cannot starve the rest.
func (f *Feed) broadcast(subs []Subscriber, t Tick) {
	for i, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("feed: subscriber %d panicked on %s tick: %v", i, t.Instrument, r)
				}
			}()
			s(t)
		}()
	}
}

func (f *Feed) markHeartbeat() {
	f.mu.Lock()
	f.lastHeartbeat = time.Now()
	f.mu.Unlock()
}

func (f *Feed) setState(s State) {
	f.mu.Lock()
	prev := f.state
	f.state = s
	f.mu.Unlock()
	if prev != s && f.bus != nil {
		f.bus.Publish(events.EventFeedHealth, s.String())
	}
}

func (f *Feed) isClosed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.closed
}
