// Package risk implements the single atomic allow/deny/size gate every
// candidate trade must pass after its signal is finalized and before any
// order is placed.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade-decision-engine/internal/events"
	"trade-decision-engine/internal/signal"
)

// Config holds risk management configuration
type Config struct {
	RiskPerTradePercent      float64 `json:"risk_per_trade_percent"`       // percent of balance risked per trade
	MaxDailyLossPercent      float64 `json:"max_daily_loss_percent"`       // daily loss that stops new trades
	DailyProfitTargetPercent float64 `json:"daily_profit_target_percent"`  // 0 disables the profit-target gate
	MaxConsecutiveLosses     int     `json:"max_consecutive_losses"`       // 0 disables the streak gate
	MaxConcurrentPositions   int     `json:"max_concurrent_positions"`
	MaxTotalExposurePercent  float64 `json:"max_total_exposure_percent"`   // total notional ceiling vs balance
	MaxLeverage              float64 `json:"max_leverage"`                 // leverage-implied notional ceiling
	BaseStopDistancePercent  float64 `json:"base_stop_distance_percent"`   // assumed stop at zero confidence
	MinStopDistancePercent   float64 `json:"min_stop_distance_percent"`    // floor for the confidence-derived stop
	MinPositionSizeUSDT      float64 `json:"min_position_size_usdt"`
	MaxPositionSizeUSDT      float64 `json:"max_position_size_usdt"`
	EmergencyStopEnabled     bool    `json:"emergency_stop_enabled"`       // publish EMERGENCY_STOP on daily-loss breach
}

// DefaultConfig returns conservative defaults
func DefaultConfig() Config {
	return Config{
		RiskPerTradePercent:      1.0,
		MaxDailyLossPercent:      5.0,
		DailyProfitTargetPercent: 0,
		MaxConsecutiveLosses:     5,
		MaxConcurrentPositions:   3,
		MaxTotalExposurePercent:  50.0,
		MaxLeverage:              10.0,
		BaseStopDistancePercent:  2.0,
		MinStopDistancePercent:   0.5,
		MinPositionSizeUSDT:      10.0,
		MaxPositionSizeUSDT:      5000.0,
	}
}

// Validate checks the configuration at construction time. Unknown or
// out-of-range values fail fast instead of being silently corrected.
func (c Config) Validate() error {
	if c.RiskPerTradePercent <= 0 || c.RiskPerTradePercent > 100 {
		return fmt.Errorf("risk_per_trade_percent must be in (0,100], got %.2f", c.RiskPerTradePercent)
	}
	if c.MaxDailyLossPercent <= 0 {
		return fmt.Errorf("max_daily_loss_percent must be positive, got %.2f", c.MaxDailyLossPercent)
	}
	if c.MaxConcurrentPositions < 1 {
		return fmt.Errorf("max_concurrent_positions must be at least 1, got %d", c.MaxConcurrentPositions)
	}
	if c.MaxTotalExposurePercent <= 0 {
		return fmt.Errorf("max_total_exposure_percent must be positive, got %.2f", c.MaxTotalExposurePercent)
	}
	if c.MaxLeverage <= 0 {
		return fmt.Errorf("max_leverage must be positive, got %.2f", c.MaxLeverage)
	}
	if c.MinStopDistancePercent <= 0 || c.BaseStopDistancePercent < c.MinStopDistancePercent {
		return fmt.Errorf("stop distance percents invalid: base %.2f, min %.2f",
			c.BaseStopDistancePercent, c.MinStopDistancePercent)
	}
	if c.MinPositionSizeUSDT < 0 || c.MaxPositionSizeUSDT < c.MinPositionSizeUSDT {
		return fmt.Errorf("position size bounds invalid: min %.2f, max %.2f",
			c.MinPositionSizeUSDT, c.MaxPositionSizeUSDT)
	}
	return nil
}

// OpenPosition is the view of a currently open position the exposure
// check needs, supplied by the position-tracking collaborator
type OpenPosition struct {
	Symbol     string  `json:"symbol"`
	EntryPrice float64 `json:"entry_price"`
	Quantity   float64 `json:"quantity"`
}

// Notional returns the position's notional value in quote currency
func (p OpenPosition) Notional() float64 {
	return p.EntryPrice * p.Quantity
}

// Snapshot captures the risk counters at decision time for observability
// and for persistence across restarts
type Snapshot struct {
	DailyPnL          float64   `json:"daily_pnl"`
	DailyPnLPercent   float64   `json:"daily_pnl_percent"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	TotalExposure     float64   `json:"total_exposure"`
	AccountBalance    float64   `json:"account_balance"`
	LastResetTime     time.Time `json:"last_reset_time"`
}

// Decision is the immutable outcome of one CanTrade evaluation
type Decision struct {
	Allowed              bool     `json:"allowed"`
	Reason               string   `json:"reason,omitempty"`
	AdjustedPositionSize float64  `json:"adjusted_position_size,omitempty"` // notional, quote currency
	Snapshot             Snapshot `json:"snapshot"`
}

// TradeResult is the realized outcome of a closed trade fed back into
// the daily counters
type TradeResult struct {
	Symbol   string    `json:"symbol"`
	PnL      float64   `json:"pnl"`
	ClosedAt time.Time `json:"closed_at"`
}

// Manager is the atomic risk gate. CanTrade and RecordTradeResult for the
// same instrument must be externally serialized (the engine holds a
// per-symbol mutex); the internal lock only protects counter integrity.
type Manager struct {
	mu                sync.Mutex
	cfg               Config
	dailyPnL          float64
	dailyPnLPercent   float64
	consecutiveLosses int
	accountBalance    float64
	lastResetTime     time.Time
	nowFn             func() time.Time
	bus               *events.Bus
	logger            zerolog.Logger
}

// NewManager creates a risk manager with validated configuration. The bus
// may be nil; then limit breaches are only logged.
func NewManager(cfg Config, bus *events.Bus, logger zerolog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("risk config: %w", err)
	}
	m := &Manager{
		cfg:    cfg,
		nowFn:  time.Now,
		bus:    bus,
		logger: logger.With().Str("component", "RiskManager").Logger(),
	}
	m.lastResetTime = m.nowFn().UTC()
	return m, nil
}

// SetAccountBalance records the balance all percentage computations use.
// The daily PnL percent is recomputed immediately so a later balance set
// never leaves a stale percentage behind.
func (m *Manager) SetAccountBalance(balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accountBalance = balance
	m.recomputeDailyPercentLocked()
}

func (m *Manager) recomputeDailyPercentLocked() {
	if m.accountBalance > 0 {
		m.dailyPnLPercent = (m.dailyPnL / m.accountBalance) * 100
	} else {
		m.dailyPnLPercent = 0
	}
}

// rollDailyLocked resets the daily counters when the UTC calendar day has
// changed. Calendar dates are compared, not elapsed durations, so repeated
// calls within the same day never double-reset.
func (m *Manager) rollDailyLocked() {
	now := m.nowFn().UTC()
	ly, lm, ld := m.lastResetTime.UTC().Date()
	ny, nm, nd := now.Date()
	if ly == ny && lm == nm && ld == nd {
		return
	}
	m.logger.Info().
		Float64("daily_pnl", m.dailyPnL).
		Int("consecutive_losses", m.consecutiveLosses).
		Msg("Daily risk counters rolled over at UTC midnight")
	m.dailyPnL = 0
	m.dailyPnLPercent = 0
	m.lastResetTime = now
}

// Denial reasons
const (
	DenyDailyLossLimit    = "daily loss limit reached"
	DenyDailyProfitTarget = "daily profit target reached"
	DenyLossStreak        = "consecutive loss limit reached"
	DenyMaxPositions      = "max concurrent positions reached"
	DenyExposure          = "total exposure limit exceeded"
)

// CanTrade evaluates one candidate trade. It returns an error only on an
// input-contract violation; every risk outcome, including a denial, is a
// Decision value.
func (m *Manager) CanTrade(sig *signal.Signal, accountBalance float64, open []OpenPosition) (*Decision, error) {
	if sig == nil {
		return nil, fmt.Errorf("risk: nil signal")
	}
	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("risk: %w", err)
	}
	if accountBalance <= 0 {
		return nil, fmt.Errorf("risk: non-positive account balance %.2f", accountBalance)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.accountBalance = accountBalance
	m.rollDailyLocked()
	m.recomputeDailyPercentLocked()

	exposure := 0.0
	for _, p := range open {
		exposure += p.Notional()
	}

	snap := m.snapshotLocked(exposure)

	if m.dailyPnLPercent <= -m.cfg.MaxDailyLossPercent {
		reason := fmt.Sprintf("%s: %.2f%% <= -%.2f%%", DenyDailyLossLimit, m.dailyPnLPercent, m.cfg.MaxDailyLossPercent)
		if m.bus != nil {
			m.bus.PublishRiskLimitBreached(reason, m.dailyPnLPercent)
			if m.cfg.EmergencyStopEnabled {
				m.bus.PublishEmergencyStop(reason, m.dailyPnLPercent)
			}
		}
		return m.denyLocked(sig, reason, snap), nil
	}
	if m.cfg.DailyProfitTargetPercent > 0 && m.dailyPnLPercent >= m.cfg.DailyProfitTargetPercent {
		return m.denyLocked(sig, fmt.Sprintf("%s: %.2f%% >= %.2f%%",
			DenyDailyProfitTarget, m.dailyPnLPercent, m.cfg.DailyProfitTargetPercent), snap), nil
	}
	if m.cfg.MaxConsecutiveLosses > 0 && m.consecutiveLosses >= m.cfg.MaxConsecutiveLosses {
		return m.denyLocked(sig, fmt.Sprintf("%s: %d >= %d",
			DenyLossStreak, m.consecutiveLosses, m.cfg.MaxConsecutiveLosses), snap), nil
	}
	if len(open) >= m.cfg.MaxConcurrentPositions {
		return m.denyLocked(sig, fmt.Sprintf("%s: %d/%d",
			DenyMaxPositions, len(open), m.cfg.MaxConcurrentPositions), snap), nil
	}

	size := m.positionSizeLocked(sig.Confidence)

	maxExposure := accountBalance * m.cfg.MaxTotalExposurePercent / 100
	if exposure+size > maxExposure {
		return m.denyLocked(sig, fmt.Sprintf("%s: %.2f + %.2f > %.2f (%.0f%% of balance)",
			DenyExposure, exposure, size, maxExposure, m.cfg.MaxTotalExposurePercent), snap), nil
	}

	m.logger.Info().
		Str("direction", string(sig.Direction)).
		Float64("confidence", sig.Confidence).
		Float64("position_size", size).
		Float64("daily_pnl_percent", m.dailyPnLPercent).
		Int("consecutive_losses", m.consecutiveLosses).
		Msg("Trade allowed")

	return &Decision{
		Allowed:              true,
		AdjustedPositionSize: size,
		Snapshot:             snap,
	}, nil
}

func (m *Manager) denyLocked(sig *signal.Signal, reason string, snap Snapshot) *Decision {
	m.logger.Warn().
		Str("direction", string(sig.Direction)).
		Float64("confidence", sig.Confidence).
		Float64("daily_pnl_percent", snap.DailyPnLPercent).
		Int("consecutive_losses", snap.ConsecutiveLosses).
		Float64("total_exposure", snap.TotalExposure).
		Str("reason", reason).
		Msg("Trade denied")
	return &Decision{Allowed: false, Reason: reason, Snapshot: snap}
}

// positionSizeLocked derives the notional size from the configured
// per-trade risk allocation and a confidence-derived assumed stop
// distance. The stop distance
// comes from the signal's confidence, never from a historical price, and
// is floor-clamped so extreme confidence cannot imply a near-zero stop.
func (m *Manager) positionSizeLocked(confidence float64) float64 {
	// Higher confidence assumes a tighter stop: the base distance shrinks
	// linearly to half at confidence 100, then hits the configured floor.
	stopPercent := m.cfg.BaseStopDistancePercent * (1 - confidence/200)
	if stopPercent < m.cfg.MinStopDistancePercent {
		stopPercent = m.cfg.MinStopDistancePercent
	}

	riskAmount := m.accountBalance * m.cfg.RiskPerTradePercent / 100
	baseSize := riskAmount / (stopPercent / 100)

	// Leverage-implied ceiling
	maxNotional := m.accountBalance * m.cfg.MaxLeverage
	if baseSize > maxNotional {
		baseSize = maxNotional
	}

	size := baseSize * lossStreakMultiplier(m.consecutiveLosses)

	return math.Min(math.Max(size, m.cfg.MinPositionSizeUSDT), m.cfg.MaxPositionSizeUSDT)
}

// lossStreakMultiplier shrinks position size as losses accumulate
func lossStreakMultiplier(consecutiveLosses int) float64 {
	switch {
	case consecutiveLosses <= 1:
		return 1.0
	case consecutiveLosses == 2:
		return 0.75
	case consecutiveLosses == 3:
		return 0.5
	default:
		return 0.25
	}
}

// RecordTradeResult feeds a realized trade outcome into the daily counters
func (m *Manager) RecordTradeResult(tr TradeResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDailyLocked()
	m.dailyPnL += tr.PnL
	m.recomputeDailyPercentLocked()

	if tr.PnL < 0 {
		m.consecutiveLosses++
	} else {
		m.consecutiveLosses = 0
	}

	m.logger.Info().
		Str("symbol", tr.Symbol).
		Float64("pnl", tr.PnL).
		Float64("daily_pnl", m.dailyPnL).
		Float64("daily_pnl_percent", m.dailyPnLPercent).
		Int("consecutive_losses", m.consecutiveLosses).
		Msg("Trade result recorded")
}

// GetSnapshot returns the current risk counters
func (m *Manager) GetSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDailyLocked()
	return m.snapshotLocked(0)
}

func (m *Manager) snapshotLocked(exposure float64) Snapshot {
	return Snapshot{
		DailyPnL:          m.dailyPnL,
		DailyPnLPercent:   m.dailyPnLPercent,
		ConsecutiveLosses: m.consecutiveLosses,
		TotalExposure:     exposure,
		AccountBalance:    m.accountBalance,
		LastResetTime:     m.lastResetTime,
	}
}

// Restore reinstates persisted counters after a restart. The daily
// rollover still applies: stale counters from a previous UTC day are
// discarded on the next evaluation.
func (m *Manager) Restore(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = snap.DailyPnL
	m.consecutiveLosses = snap.ConsecutiveLosses
	if !snap.LastResetTime.IsZero() {
		m.lastResetTime = snap.LastResetTime
	}
	if snap.AccountBalance > 0 {
		m.accountBalance = snap.AccountBalance
	}
	m.recomputeDailyPercentLocked()
}
