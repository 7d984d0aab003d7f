// Package antiflip suppresses rapid direction reversals. A just-taken
// direction may only be reversed after a cooldown measured in both
// wall-clock time and candle count, unless strong evidence overrides.
package antiflip

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade-decision-engine/internal/signal"
)

// Config holds the anti-flip tuning for one instrument
type Config struct {
	CooldownMs                  int64   `json:"cooldown_ms"`                   // minimum elapsed time before a reversal
	CooldownCandles             int     `json:"cooldown_candles"`              // minimum candles before a reversal
	OverrideConfidenceThreshold float64 `json:"override_confidence_threshold"` // confidence at or above always passes
	StrongReversalRSIThreshold  float64 `json:"strong_reversal_rsi_threshold"` // RSI at or below confirms a bullish reversal
	RequiredConfirmationCandles int     `json:"required_confirmation_candles"` // consecutive agreeing candles that override
}

// DefaultConfig returns the cooldown tuning used in live trading
func DefaultConfig() Config {
	return Config{
		CooldownMs:                  300000, // 5 minutes
		CooldownCandles:             3,
		OverrideConfidenceThreshold: 85,
		StrongReversalRSIThreshold:  25,
		RequiredConfirmationCandles: 2,
	}
}

// Validate checks the tuning at construction time
func (c Config) Validate() error {
	if c.CooldownMs < 0 || c.CooldownCandles < 0 {
		return fmt.Errorf("cooldown values must be non-negative")
	}
	if c.OverrideConfidenceThreshold < 0 || c.OverrideConfidenceThreshold > 100 {
		return fmt.Errorf("override_confidence_threshold must be in [0,100], got %.2f", c.OverrideConfidenceThreshold)
	}
	if c.StrongReversalRSIThreshold < 0 || c.StrongReversalRSIThreshold > 50 {
		return fmt.Errorf("strong_reversal_rsi_threshold must be in [0,50], got %.2f", c.StrongReversalRSIThreshold)
	}
	if c.RequiredConfirmationCandles < 0 {
		return fmt.Errorf("required_confirmation_candles must be non-negative")
	}
	return nil
}

// LastSignal is the recorded prior directional signal. It is the part of
// the guard state persisted across restarts.
type LastSignal struct {
	Direction signal.Direction `json:"direction"`
	Price     float64          `json:"price"`
	Timestamp time.Time        `json:"timestamp"`
}

// Candle is the slice of candle data the guard needs for confirmation runs
type Candle struct {
	Open  float64 `json:"open"`
	Close float64 `json:"close"`
}

// Bullish reports whether the candle closed above its open
func (c Candle) Bullish() bool { return c.Close > c.Open }

// Bearish reports whether the candle closed below its open
func (c Candle) Bearish() bool { return c.Close < c.Open }

// Decision is the outcome of a block check
type Decision struct {
	Blocked bool
	Reason  string
}

// Block decision reasons
const (
	ReasonNoPriorSignal      = "No prior signal"
	ReasonSameDirection      = "Same direction as prior signal"
	ReasonHoldSignal         = "HOLD signals are never blocked"
	ReasonCooldownPassed     = "Cooldown period passed"
	ReasonHighConfidence     = "High confidence override"
	ReasonStrongReversalRSI  = "Strong reversal RSI override"
	ReasonConfirmationRun    = "Confirmation candle run override"
	ReasonReversalInCooldown = "Direction reversal within cooldown"
)

// Guard is the per-instrument anti-flip state machine. ShouldBlockSignal is
// a pure function of the recorded state plus its arguments; it does no I/O.
type Guard struct {
	mu                sync.Mutex
	cfg               Config
	last              *LastSignal
	candlesSinceSignal int
	nowFn             func() time.Time
	logger            zerolog.Logger
}

// NewGuard creates a guard with validated tuning
func NewGuard(cfg Config, logger zerolog.Logger) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("antiflip config: %w", err)
	}
	return &Guard{
		cfg:    cfg,
		nowFn:  time.Now,
		logger: logger.With().Str("component", "AntiFlipGuard").Logger(),
	}, nil
}

// RecordSignal records a taken directional signal. HOLD never mutates the
// recorded state; a non-HOLD signal resets the candle counter to zero.
func (g *Guard) RecordSignal(dir signal.Direction, price float64) {
	if dir == signal.DirectionHold {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = &LastSignal{Direction: dir, Price: price, Timestamp: g.nowFn()}
	g.candlesSinceSignal = 0
}

// OnNewCandle advances the candle counter
func (g *Guard) OnNewCandle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.candlesSinceSignal++
}

// InCooldown reports whether a reversal would currently sit inside the
// cooldown window. Both the time and the candle condition must clear for
// the cooldown to be over.
func (g *Guard) InCooldown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inCooldownLocked()
}

func (g *Guard) inCooldownLocked() bool {
	if g.last == nil {
		return false
	}
	elapsed := g.nowFn().Sub(g.last.Timestamp).Milliseconds()
	return elapsed < g.cfg.CooldownMs || g.candlesSinceSignal < g.cfg.CooldownCandles
}

// ShouldBlockSignal decides whether a candidate signal must be suppressed.
// rsi may be NaN-free optional via negative sentinel: pass rsi < 0 when no
// RSI reading is available. recentCandles may be nil.
func (g *Guard) ShouldBlockSignal(dir signal.Direction, confidence, price, rsi float64, recentCandles []Candle) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if dir == signal.DirectionHold {
		return Decision{Blocked: false, Reason: ReasonHoldSignal}
	}
	if g.last == nil {
		return Decision{Blocked: false, Reason: ReasonNoPriorSignal}
	}
	if g.last.Direction == dir {
		return Decision{Blocked: false, Reason: ReasonSameDirection}
	}

	if !g.inCooldownLocked() {
		return Decision{Blocked: false, Reason: ReasonCooldownPassed}
	}

	// Reversal inside the cooldown window: only strong evidence passes.
	if confidence >= g.cfg.OverrideConfidenceThreshold {
		g.logger.Info().
			Float64("confidence", confidence).
			Float64("threshold", g.cfg.OverrideConfidenceThreshold).
			Str("direction", string(dir)).
			Msg("Reversal allowed by confidence override")
		return Decision{Blocked: false, Reason: ReasonHighConfidence}
	}
	if rsi >= 0 && g.strongReversalRSI(dir, rsi) {
		g.logger.Info().
			Float64("rsi", rsi).
			Str("direction", string(dir)).
			Msg("Reversal allowed by strong reversal RSI")
		return Decision{Blocked: false, Reason: ReasonStrongReversalRSI}
	}
	if g.confirmationRun(dir, recentCandles) {
		g.logger.Info().
			Int("candles", g.cfg.RequiredConfirmationCandles).
			Str("direction", string(dir)).
			Msg("Reversal allowed by confirmation candle run")
		return Decision{Blocked: false, Reason: ReasonConfirmationRun}
	}

	g.logger.Debug().
		Str("prior", string(g.last.Direction)).
		Str("candidate", string(dir)).
		Int("candles_since_signal", g.candlesSinceSignal).
		Msg("Reversal blocked within cooldown")
	return Decision{Blocked: true, Reason: ReasonReversalInCooldown}
}

// strongReversalRSI checks the RSI override: a bullish reversal needs RSI
// at or below the threshold, a bearish one at or above its mirror.
func (g *Guard) strongReversalRSI(dir signal.Direction, rsi float64) bool {
	switch dir {
	case signal.DirectionLong:
		return rsi <= g.cfg.StrongReversalRSIThreshold
	case signal.DirectionShort:
		return rsi >= 100-g.cfg.StrongReversalRSIThreshold
	}
	return false
}

// confirmationRun checks whether the most recent candles all agree with
// the candidate direction for the configured run length.
func (g *Guard) confirmationRun(dir signal.Direction, candles []Candle) bool {
	need := g.cfg.RequiredConfirmationCandles
	if need <= 0 || len(candles) < need {
		return false
	}
	for _, c := range candles[len(candles)-need:] {
		switch dir {
		case signal.DirectionLong:
			if !c.Bullish() {
				return false
			}
		case signal.DirectionShort:
			if !c.Bearish() {
				return false
			}
		}
	}
	return true
}

// Snapshot returns the persisted portion of the guard state, or nil when
// no signal has been recorded yet
func (g *Guard) Snapshot() *LastSignal {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last == nil {
		return nil
	}
	cp := *g.last
	return &cp
}

// Restore reinstates a persisted last-signal record after a restart.
// Callers that do not persist the candle counter should pass 0 for
// candlesSince, so a restart alone never unlocks a reversal early.
func (g *Guard) Restore(last *LastSignal, candlesSince int) {
	if last == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *last
	g.last = &cp
	g.candlesSinceSignal = candlesSince
}
