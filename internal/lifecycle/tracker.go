package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trade-decision-engine/internal/dedup"
	"trade-decision-engine/internal/events"
	"trade-decision-engine/internal/risk"
	"trade-decision-engine/internal/signal"
)

var (
	ErrUnknownCloseReason = errors.New("unknown close reason")
	ErrPositionNotFound   = errors.New("no open position for symbol")
	ErrPositionExists     = errors.New("position already open for symbol")
	ErrInvalidQuantity    = errors.New("invalid close quantity")
)

// Config holds lifecycle tracking configuration
type Config struct {
	TrailingActivationPercent float64       `json:"trailing_activation_percent"` // unrealized profit % that arms the trailing stop
	TrailingStopPercent       float64       `json:"trailing_stop_percent"`       // trailing distance once armed
	BreakevenAfterTP1         bool          `json:"breakeven_after_tp1"`         // move stop to entry after the first TP fires
	MaxHoldDuration           time.Duration `json:"max_hold_duration"`           // 0 disables the time-based exit
}

// DefaultConfig returns the lifecycle tuning used in live trading
func DefaultConfig() Config {
	return Config{
		TrailingActivationPercent: 1.5,
		TrailingStopPercent:       0.8,
		BreakevenAfterTP1:         true,
		MaxHoldDuration:           0,
	}
}

// Validate checks the configuration at construction time
func (c Config) Validate() error {
	if c.TrailingActivationPercent < 0 || c.TrailingStopPercent < 0 {
		return fmt.Errorf("trailing percents must be non-negative")
	}
	if c.MaxHoldDuration < 0 {
		return fmt.Errorf("max_hold_duration must be non-negative")
	}
	return nil
}

// Repository persists position state and archives closed trades
type Repository interface {
	SavePosition(p *Position) error
	DeletePosition(id string) error
	ArchiveTrade(t ClosedTrade) error
}

// Tracker owns the open-position set and applies execution events to it.
// Every inbound event passes the dedup cache before any state mutation;
// transitions are computed on a copy and committed only on success, so a
// failed transition leaves the prior valid state intact.
type Tracker struct {
	mu             sync.RWMutex
	cfg            Config
	positions      map[string]*Position // keyed by symbol
	dedupCache     *dedup.Cache
	riskManager    *risk.Manager
	bus            *events.Bus
	repo           Repository
	consecutiveTPs int
	nowFn          func() time.Time
	logger         zerolog.Logger
}

// NewTracker creates a tracker. repo and bus may be nil (in-memory only,
// no external subscribers); dedupCache and riskManager are required.
func NewTracker(cfg Config, dc *dedup.Cache, rm *risk.Manager, bus *events.Bus, repo Repository, logger zerolog.Logger) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("lifecycle config: %w", err)
	}
	if dc == nil {
		return nil, fmt.Errorf("lifecycle: dedup cache is required")
	}
	if rm == nil {
		return nil, fmt.Errorf("lifecycle: risk manager is required")
	}
	return &Tracker{
		cfg:         cfg,
		positions:   make(map[string]*Position),
		dedupCache:  dc,
		riskManager: rm,
		bus:         bus,
		repo:        repo,
		nowFn:       time.Now,
		logger:      logger.With().Str("component", "PositionTracker").Logger(),
	}, nil
}

// OpenPosition creates a tracked position from an allowed decision's
// size and the originating signal. The entry price recorded here is
// authoritative until the exchange reports a positive fill price.
func (t *Tracker) OpenPosition(symbol string, sig *signal.Signal, quantity float64) (*Position, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: %.8f", ErrInvalidQuantity, quantity)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.positions[symbol]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionExists, symbol)
	}

	p := &Position{
		ID:              uuid.New().String(),
		Symbol:          symbol,
		Direction:       sig.Direction,
		EntryPrice:      sig.Price,
		Quantity:        quantity,
		InitialQuantity: quantity,
		StopLoss:        sig.StopLoss,
		TakeProfits:     append([]signal.TakeProfitLevel(nil), sig.TakeProfits...),
		Status:          StatusOpen,
		ExitState:       ExitEntryFilled,
		OpenedAt:        t.nowFn(),
	}
	t.positions[symbol] = p

	if t.repo != nil {
		if err := t.repo.SavePosition(p); err != nil {
			t.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to persist opened position")
		}
	}
	if t.bus != nil {
		t.bus.PublishPositionOpened(symbol, p.ID, string(p.Direction), p.EntryPrice, p.Quantity)
	}
	t.logger.Info().
		Str("symbol", symbol).
		Str("position_id", p.ID).
		Str("direction", string(p.Direction)).
		Float64("entry_price", p.EntryPrice).
		Float64("quantity", p.Quantity).
		Msg("Position opened")

	return p.clone(), nil
}

// OnExecutionEvent applies one exchange execution report. Duplicates are
// absorbed silently; events for unknown symbols are ignored with a log.
func (t *Tracker) OnExecutionEvent(ev ExecutionEvent) error {
	reason, isClose := ev.closeReason()
	if !isClose {
		return t.onEntryUpdate(ev)
	}

	if t.dedupCache.IsDuplicate(string(reason), ev.OrderID, ev.Timestamp) {
		t.logger.Debug().
			Str("kind", string(reason)).
			Str("order_id", ev.OrderID).
			Int64("timestamp", ev.Timestamp).
			Msg("Duplicate execution event dropped")
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[ev.Symbol]
	if !ok {
		t.logger.Warn().Str("symbol", ev.Symbol).Str("order_id", ev.OrderID).Msg("Execution event for unknown position")
		return fmt.Errorf("%w: %s", ErrPositionNotFound, ev.Symbol)
	}

	// Work on a copy; commit only when the transition fully succeeds.
	next := p.clone()
	var err error
	switch reason {
	case CloseTakeProfit:
		err = t.applyTakeProfit(next, ev)
	case CloseStopLoss, CloseTrailingStop, CloseTimeExit:
		err = t.applyFullClose(next, ev, reason)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownCloseReason, reason)
	}
	if err != nil {
		return err
	}

	t.commitLocked(p.Symbol, next, ev, reason)
	return nil
}

// onEntryUpdate handles non-close executions: partial entry fills and the
// exchange's late report of the actual average entry price
func (t *Tracker) onEntryUpdate(ev ExecutionEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[ev.Symbol]
	if !ok {
		return nil // entry fills for untracked symbols are not ours
	}

	// A pending market-order fill can report price 0; never let that
	// overwrite the known, positive entry price recorded at signal time.
	if ev.ExecPrice > 0 {
		next := p.clone()
		next.EntryPrice = ev.ExecPrice
		t.positions[ev.Symbol] = next
		t.persistLocked(next)
	}
	return nil
}

// applyTakeProfit closes the next unfilled level's percent of remaining
// quantity and marks the level hit
func (t *Tracker) applyTakeProfit(p *Position, ev ExecutionEvent) error {
	level := p.nextUnhitTP()
	if level < 0 {
		return fmt.Errorf("take profit fill with no unfilled level on %s", p.Symbol)
	}

	closeQty := ev.ExecQty
	if closeQty <= 0 || closeQty > p.Quantity+1e-9 {
		return fmt.Errorf("%w: exec qty %.8f vs remaining %.8f", ErrInvalidQuantity, closeQty, p.Quantity)
	}

	p.TakeProfits[level].Hit = true
	p.Quantity -= closeQty
	p.RealizedPnL += p.pnlFor(ev.ExecPrice, closeQty)
	p.ExitState = tpStateFor(level)
	t.consecutiveTPs++

	if t.cfg.BreakevenAfterTP1 && level == 0 {
		p.StopLoss = p.EntryPrice
	}

	if p.nextUnhitTP() < 0 || p.Quantity <= 1e-9 {
		t.markClosed(p, ev)
	}
	return nil
}

// applyFullClose closes 100% of remaining quantity and resets the
// consecutive-TP counter
func (t *Tracker) applyFullClose(p *Position, ev ExecutionEvent, reason CloseReason) error {
	state, err := exitStateFor(reason, 0)
	if err != nil {
		return err
	}
	p.RealizedPnL += p.pnlFor(ev.ExecPrice, p.Quantity)
	p.Quantity = 0
	p.ExitState = state
	t.consecutiveTPs = 0
	t.markClosed(p, ev)
	return nil
}

func (t *Tracker) markClosed(p *Position, ev ExecutionEvent) {
	p.Status = StatusClosed
	p.ExitState = ExitClosed
	p.UnrealizedPnL = 0
	closedAt := time.UnixMilli(ev.Timestamp)
	if ev.Timestamp == 0 {
		closedAt = t.nowFn()
	}
	p.ClosedAt = &closedAt
}

// commitLocked installs the computed state and runs the close side
// effects when the position finished
func (t *Tracker) commitLocked(symbol string, next *Position, ev ExecutionEvent, reason CloseReason) {
	if next.Status != StatusClosed {
		t.positions[symbol] = next
		t.persistLocked(next)
		t.logger.Info().
			Str("symbol", symbol).
			Str("exit_state", string(next.ExitState)).
			Float64("remaining_quantity", next.Quantity).
			Float64("realized_pnl", next.RealizedPnL).
			Msg("Partial close applied")
		return
	}

	delete(t.positions, symbol)

	trade := ClosedTrade{
		PositionID:  next.ID,
		Symbol:      symbol,
		Direction:   next.Direction,
		EntryPrice:  next.EntryPrice,
		ExitPrice:   ev.ExecPrice,
		Quantity:    next.InitialQuantity,
		RealizedPnL: next.RealizedPnL,
		CloseReason: reason,
		OpenedAt:    next.OpenedAt,
		ClosedAt:    *next.ClosedAt,
	}
	if t.repo != nil {
		if err := t.repo.ArchiveTrade(trade); err != nil {
			t.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to archive closed trade")
		}
		if err := t.repo.DeletePosition(next.ID); err != nil {
			t.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to delete persisted position")
		}
	}

	// Realized P&L feeds back into the daily risk counters
	t.riskManager.RecordTradeResult(risk.TradeResult{
		Symbol:   symbol,
		PnL:      next.RealizedPnL,
		ClosedAt: *next.ClosedAt,
	})

	if t.bus != nil {
		t.bus.PublishPositionClosed(symbol, next.ID, string(reason), ev.ExecPrice, next.RealizedPnL)
	}
	t.logger.Info().
		Str("symbol", symbol).
		Str("position_id", next.ID).
		Str("close_reason", string(reason)).
		Float64("realized_pnl", next.RealizedPnL).
		Msg("Position closed")
}

func (t *Tracker) persistLocked(p *Position) {
	if t.repo == nil {
		return
	}
	if err := t.repo.SavePosition(p); err != nil {
		t.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("Failed to persist position state")
	}
}

// UpdateMarkPrice refreshes unrealized PnL and arms the trailing stop
// once the activation profit is reached
func (t *Tracker) UpdateMarkPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok {
		return
	}

	p.UnrealizedPnL = p.pnlFor(price, p.Quantity)

	if !p.TrailingActive && t.cfg.TrailingActivationPercent > 0 && p.EntryPrice > 0 {
		profitPercent := p.UnrealizedPnL / (p.EntryPrice * p.Quantity) * 100
		if profitPercent >= t.cfg.TrailingActivationPercent {
			p.TrailingActive = true
			t.logger.Info().
				Str("symbol", symbol).
				Float64("profit_percent", profitPercent).
				Float64("activation_percent", t.cfg.TrailingActivationPercent).
				Msg("Trailing stop armed")
		}
	}
}

// TimeExitDue returns positions held past the configured maximum. The
// engine forwards them to the executor; the actual exit comes back as an
// execution event.
func (t *Tracker) TimeExitDue(now time.Time) []*Position {
	if t.cfg.MaxHoldDuration <= 0 {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var due []*Position
	for _, p := range t.positions {
		if now.Sub(p.OpenedAt) >= t.cfg.MaxHoldDuration {
			due = append(due, p.clone())
		}
	}
	return due
}

// GetPosition returns a copy of the open position for symbol, if any
func (t *Tracker) GetPosition(symbol string) (*Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[symbol]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// OpenPositions returns copies of all open positions
func (t *Tracker) OpenPositions() []*Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p.clone())
	}
	return out
}

// RiskViews projects the open set into the exposure view the risk
// manager consumes
func (t *Tracker) RiskViews() []risk.OpenPosition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]risk.OpenPosition, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, risk.OpenPosition{Symbol: p.Symbol, EntryPrice: p.EntryPrice, Quantity: p.Quantity})
	}
	return out
}

// ConsecutiveTPs returns the running count of take-profit hits since the
// last stop-out
func (t *Tracker) ConsecutiveTPs() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.consecutiveTPs
}

// Restore reinstates persisted positions after a restart
func (t *Tracker) Restore(positions []*Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range positions {
		if p.Status != StatusClosed {
			t.positions[p.Symbol] = p.clone()
		}
	}
}
