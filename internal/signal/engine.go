package signal

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"options-core/internal/calendar"
	"options-core/internal/events"
	"options-core/internal/feed"
	"options-core/internal/indicators"
	"options-core/pkg/config"
)

const (
	confidenceBase   = 60.0
	confidenceCap    = 95.0
	rsiBonusCap      = 15.0
	momentumBonusCap = 20.0

	// External advice only moves a decision when the model itself is sure.
	advisorMinConfidence  = 0.7
	advisorAgreementBonus = 5.0
)

// Config holds the tunable thresholds for signal generation.
type Config struct {
	EMAPeriod           int
	RSIPeriod           int
	MomentumWindow      int
	MomentumThreshold   float64 // percent
	RSIBullishFloor     float64
	RSIBullishCeil      float64
	RSIBearishFloor     float64
	RSIBearishCeil      float64
	ConfidenceThreshold float64
	BufferSize          int
	Cooldown            time.Duration
}

// Engine turns the tick stream into at most one Signal per qualifying tick,
// with a per-instrument cooldown between signals.
type Engine struct {
	cfg      Config
	calendar calendar.Calendar
	bus      *events.Bus
	advisor  Advisor

	mu          sync.Mutex
	buffers     map[string][]float64
	lastSignal  map[string]time.Time
	instruments map[string]config.Instrument

	// now is swapped out in tests.
	now func() time.Time
}

// NewEngine builds a signal engine over the given instrument universe.
func NewEngine(cfg Config, cal calendar.Calendar, bus *events.Bus, instruments []config.Instrument) *Engine {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 50
	}
	if cfg.BufferSize < cfg.EMAPeriod {
		cfg.BufferSize = cfg.EMAPeriod
	}
	byName := make(map[string]config.Instrument, len(instruments))
	for _, in := range instruments {
		byName[in.Name] = in
	}
	return &Engine{
		cfg:         cfg,
		calendar:    cal,
		bus:         bus,
		buffers:     make(map[string][]float64),
		lastSignal:  make(map[string]time.Time),
		instruments: byName,
		now:         time.Now,
	}
}

// SetAdvisor attaches an optional external prediction advisor. It is
// consulted only on qualifying breakouts, so the call stays off the hot
// tick path.
func (e *Engine) SetAdvisor(a Advisor) { e.advisor = a }

// OnTick is the sole mutation entrypoint. It appends the tick to the
// instrument's buffer, evaluates the breakout conditions, and emits a Signal
// on the bus when one qualifies.
func (e *Engine) OnTick(t feed.Tick) {
	now := e.now()
	if e.calendar != nil && !e.calendar.IsOpen(now) {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	inst, known := e.instruments[t.Instrument]
	if !known {
		return
	}

	if last, ok := e.lastSignal[t.Instrument]; ok && now.Sub(last) < e.cfg.Cooldown {
		return
	}

	buf := append(e.buffers[t.Instrument], t.Price)
	if len(buf) > e.cfg.BufferSize {
		buf = buf[len(buf)-e.cfg.BufferSize:]
	}
	e.buffers[t.Instrument] = buf

	if len(buf) < e.cfg.EMAPeriod {
		return
	}

	ema := indicators.EMA(buf, e.cfg.EMAPeriod)
	rsi := indicators.RSI(buf, e.cfg.RSIPeriod)
	pct := indicators.PercentChange(buf, e.cfg.MomentumWindow)

	direction, confidence, ok := e.evaluate(t.Price, ema, rsi, pct)
	if !ok || confidence < e.cfg.ConfidenceThreshold {
		return
	}

	snap := IndicatorSnapshot{
		EMA:           ema,
		RSI:           rsi,
		PercentChange: pct,
		BufferLen:     len(buf),
	}

	if e.advisor != nil {
		confidence, ok = e.consultAdvisor(t.Instrument, t.Price, direction, confidence, snap)
		if !ok {
			return
		}
	}

	sig := Signal{
		ID:          uuid.NewString(),
		Instrument:  t.Instrument,
		Direction:   direction,
		SpotPrice:   t.Price,
		OptionType:  optionFor(direction),
		Strike:      nearestStrike(t.Price, inst.StrikeStep),
		Expiry:      inst.Expiry,
		Confidence:  confidence,
		GeneratedAt: now,
		Indicators:  snap,
	}

	e.lastSignal[t.Instrument] = now

	log.Printf("signal: %s %s spot=%.2f ema=%.2f rsi=%.1f pct=%.2f%% confidence=%.0f",
		sig.Instrument, sig.Direction, sig.SpotPrice, ema, rsi, pct, confidence)

	if e.bus != nil {
		e.bus.Publish(events.EventSignalGenerated, sig)
	}
}

// consultAdvisor folds an external model's view into a qualifying breakout.
// A confident agreement earns a capped bonus; a confident disagreement or
// HOLD vetoes the signal. Errors and lukewarm advice change nothing.
func (e *Engine) consultAdvisor(instrument string, price float64, dir Direction, confidence float64, snap IndicatorSnapshot) (float64, bool) {
	advice, err := e.advisor.Advise(context.Background(), instrument, price, snap)
	if err != nil {
		log.Printf("signal: advisor unavailable for %s, proceeding on local decision: %v", instrument, err)
		return confidence, true
	}
	if advice.Confidence < advisorMinConfidence {
		return confidence, true
	}

	agrees := (dir == DirectionUp && advice.Action == "BUY") ||
		(dir == DirectionDown && advice.Action == "SELL")
	if agrees {
		return math.Min(confidence+advisorAgreementBonus, confidenceCap), true
	}

	log.Printf("signal: advisor vetoed %s %s (model says %s at %.2f)",
		instrument, dir, advice.Action, advice.Confidence)
	return confidence, false
}

// evaluate checks the two breakout conditions. The RSI bands are disjoint so
// both directions cannot qualify at once, but if thresholds are ever
// misconfigured bullish wins deterministically.
func (e *Engine) evaluate(price, ema, rsi, pct float64) (Direction, float64, bool) {
	bullish := price > ema &&
		rsi > e.cfg.RSIBullishFloor && rsi <= e.cfg.RSIBullishCeil &&
		pct >= e.cfg.MomentumThreshold
	bearish := price < ema &&
		rsi >= e.cfg.RSIBearishFloor && rsi < e.cfg.RSIBearishCeil &&
		pct <= -e.cfg.MomentumThreshold

	switch {
	case bullish:
		return DirectionUp, e.confidence(rsi-e.cfg.RSIBullishFloor, pct-e.cfg.MomentumThreshold), true
	case bearish:
		return DirectionDown, e.confidence(e.cfg.RSIBearishCeil-rsi, -pct-e.cfg.MomentumThreshold), true
	default:
		return "", 0, false
	}
}

// confidence builds a score from a base plus independently capped bonuses for
// how far RSI and momentum clear their thresholds. Total never exceeds 95.
func (e *Engine) confidence(rsiExcess, pctExcess float64) float64 {
	rsiBonus := math.Min(rsiExcess*1.5, rsiBonusCap)
	if rsiBonus < 0 {
		rsiBonus = 0
	}
	momentumBonus := 0.0
	if e.cfg.MomentumThreshold > 0 {
		momentumBonus = math.Min(pctExcess/e.cfg.MomentumThreshold*10, momentumBonusCap)
	}
	if momentumBonus < 0 {
		momentumBonus = 0
	}
	return math.Min(confidenceBase+rsiBonus+momentumBonus, confidenceCap)
}

// BufferLen reports the current buffer length for an instrument.
func (e *Engine) BufferLen(instrument string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buffers[instrument])
}

// CooldownRemaining reports how long until the instrument may signal again.
func (e *Engine) CooldownRemaining(instrument string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastSignal[instrument]
	if !ok {
		return 0
	}
	remaining := e.cfg.Cooldown - e.now().Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func optionFor(d Direction) OptionType {
	if d == DirectionUp {
		return OptionCall
	}
	return OptionPut
}

// nearestStrike rounds the spot to the instrument's strike interval.
func nearestStrike(spot, step float64) float64 {
	if step <= 0 {
		return spot
	}
	return math.Round(spot/step) * step
}
