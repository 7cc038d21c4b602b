// Package risk gates order submission. Every clearable signal passes a fixed
// sequence of limit checks; the first failure wins and carries a reason the
// caller reports outward.
package risk

import (
	"fmt"
	"log"

	"options-core/internal/broker"
	"options-core/internal/events"
	"options-core/internal/signal"
)

// Position is the gate's view of one open order.
type Position struct {
	Instrument string
	Direction  signal.Direction
}

// PositionSource exposes the current open positions. Implemented by the
// order lifecycle manager.
type PositionSource interface {
	ActivePositions() []Position
}

// LossBook exposes realized losses. Implemented by the daily ledger.
type LossBook interface {
	DailyPnL() float64
	WeeklyPnL() float64
}

// Config holds the hard limits.
type Config struct {
	MaxDailyLoss       float64
	MaxWeeklyLoss      float64
	MaxActivePositions int
	MaxCorrelated      int
	RiskScoreCeiling   float64
	MarginRate         float64
	Paper              bool
}

// Decision is the outcome of a gate evaluation. InsufficientBalance marks a
// margin rejection so callers can report it separately from limit breaches.
type Decision struct {
	Allow               bool
	Reason              string
	InsufficientBalance bool
}

// Gate evaluates signals against loss limits, position limits and margin.
type Gate struct {
	cfg       Config
	ledger    LossBook
	positions PositionSource
	margin    *broker.MarginCache
	bus       *events.Bus
}

// NewGate wires the gate to its collaborators. margin may be nil in paper
// mode.
func NewGate(cfg Config, ledger LossBook, positions PositionSource, margin *broker.MarginCache, bus *events.Bus) *Gate {
	return &Gate{cfg: cfg, ledger: ledger, positions: positions, margin: margin, bus: bus}
}

// Evaluate runs the checks in order and short-circuits on the first failure.
// premium is the per-unit option price resolved (or estimated) for the
// contract; it only matters for the real-money margin check.
func (g *Gate) Evaluate(sig signal.Signal, premium float64, lotSize int) Decision {
	daily := g.ledger.DailyPnL()
	weekly := g.ledger.WeeklyPnL()

	if g.cfg.MaxDailyLoss > 0 && daily <= -g.cfg.MaxDailyLoss {
		return g.reject(sig, fmt.Sprintf("daily loss limit breached (%.2f <= -%.2f)", daily, g.cfg.MaxDailyLoss))
	}
	if g.cfg.MaxWeeklyLoss > 0 && weekly <= -g.cfg.MaxWeeklyLoss {
		return g.reject(sig, fmt.Sprintf("weekly loss limit breached (%.2f <= -%.2f)", weekly, g.cfg.MaxWeeklyLoss))
	}

	open := g.positions.ActivePositions()
	if g.cfg.MaxActivePositions > 0 && len(open) >= g.cfg.MaxActivePositions {
		return g.reject(sig, fmt.Sprintf("max active positions reached (%d)", len(open)))
	}

	correlated := 0
	for _, p := range open {
		if p.Instrument == sig.Instrument && p.Direction == sig.Direction {
			correlated++
		}
	}
	if g.cfg.MaxCorrelated > 0 && correlated >= g.cfg.MaxCorrelated {
		return g.reject(sig, fmt.Sprintf("max correlated positions reached for %s %s (%d)", sig.Instrument, sig.Direction, correlated))
	}

	if score := g.riskScore(daily, weekly, len(open)); g.cfg.RiskScoreCeiling > 0 && score > g.cfg.RiskScoreCeiling {
		return g.reject(sig, fmt.Sprintf("aggregate risk score %.1f exceeds ceiling %.1f", score, g.cfg.RiskScoreCeiling))
	}

	if !g.cfg.Paper {
		if d := g.checkMargin(sig, premium, lotSize); !d.Allow {
			return d
		}
	}

	return Decision{Allow: true}
}

// riskScore blends loss-limit proximity (60%) with position concentration
// (40%) into a 0..100 score.
func (g *Gate) riskScore(daily, weekly float64, open int) float64 {
	lossProximity := 0.0
	if g.cfg.MaxDailyLoss > 0 && daily < 0 {
		lossProximity = clamp01(-daily / g.cfg.MaxDailyLoss)
	}
	if g.cfg.MaxWeeklyLoss > 0 && weekly < 0 {
		if p := clamp01(-weekly / g.cfg.MaxWeeklyLoss); p > lossProximity {
			lossProximity = p
		}
	}

	concentration := 0.0
	if g.cfg.MaxActivePositions > 0 {
		concentration = clamp01(float64(open) / float64(g.cfg.MaxActivePositions))
	}

	return lossProximity*60 + concentration*40
}

// checkMargin compares cached available margin against the estimated
// requirement. A stale or failed cache is a warning, never a block; the
// margin API being down is not a reason to stop trading.
func (g *Gate) checkMargin(sig signal.Signal, premium float64, lotSize int) Decision {
	if g.margin == nil {
		log.Printf("risk: no margin source configured, skipping balance check signal=%s", sig.ID)
		return Decision{Allow: true}
	}

	snap, fresh := g.margin.Snapshot()
	if !fresh {
		log.Printf("risk: margin data stale, proceeding without balance check signal=%s", sig.ID)
		return Decision{Allow: true}
	}

	required := premium * float64(lotSize) * g.cfg.MarginRate
	if snap.Available < required {
		reason := fmt.Sprintf("insufficient margin: available %.2f < required %.2f", snap.Available, required)
		log.Printf("risk: reject signal=%s instrument=%s: %s", sig.ID, sig.Instrument, reason)
		if g.bus != nil {
			g.bus.Publish(events.EventBalanceInsufficient, sig)
		}
		return Decision{Reason: reason, InsufficientBalance: true}
	}
	return Decision{Allow: true}
}

func (g *Gate) reject(sig signal.Signal, reason string) Decision {
	log.Printf("risk: reject signal=%s instrument=%s: %s", sig.ID, sig.Instrument, reason)
	if g.bus != nil {
		g.bus.Publish(events.EventRiskRejected, sig)
	}
	return Decision{Reason: reason}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
