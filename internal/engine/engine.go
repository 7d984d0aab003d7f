// Package engine owns the decision pipeline: analyzer votes are
// aggregated into a signal, filtered through the anti-flip guard, the
// circuit breaker and the risk manager, and only then handed to the
// executor. Execution reports flow back through the position tracker.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade-decision-engine/internal/antiflip"
	"trade-decision-engine/internal/circuit"
	"trade-decision-engine/internal/events"
	"trade-decision-engine/internal/lifecycle"
	"trade-decision-engine/internal/risk"
	"trade-decision-engine/internal/signal"
)

// MarketSnapshot is the per-symbol market view an evaluation runs on
type MarketSnapshot struct {
	Symbol        string
	Price         float64
	RSI           float64 // negative when unavailable
	TrendBias     signal.TrendBias
	RecentCandles []antiflip.Candle
}

// Analyzer produces one directional vote per evaluation
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, snap MarketSnapshot) (signal.AnalyzerVote, error)
}

// Executor places the approved entry with the exchange
type Executor interface {
	ExecuteEntry(ctx context.Context, symbol string, sig *signal.Signal, sizeUSDT float64) error
}

// BalanceProvider reports the current account balance in USDT
type BalanceProvider interface {
	AccountBalance(ctx context.Context) (float64, error)
}

// LiquidityChecker verifies the order book can absorb the entry.
// Implementations talk to the exchange, so calls are throttled.
type LiquidityChecker interface {
	CheckLiquidity(ctx context.Context, symbol string, sizeUSDT float64) (bool, error)
}

// Config holds engine configuration
type Config struct {
	Symbols                []string      `json:"symbols"`
	TimeExitCheckInterval  time.Duration `json:"time_exit_check_interval"`
	LiquidityCheckInterval time.Duration `json:"liquidity_check_interval"`
	PaperTrading           bool          `json:"paper_trading"`        // log-only execution, simulated balance
	InitialBalanceUSDT     float64       `json:"initial_balance_usdt"` // starting balance in paper mode
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		TimeExitCheckInterval:  30 * time.Second,
		LiquidityCheckInterval: 100 * time.Millisecond,
		PaperTrading:           true,
		InitialBalanceUSDT:     10000,
	}
}

// Validate checks the engine configuration
func (c Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if c.TimeExitCheckInterval <= 0 {
		return fmt.Errorf("time exit check interval must be positive")
	}
	if c.LiquidityCheckInterval < 0 {
		return fmt.Errorf("liquidity check interval must not be negative")
	}
	if c.PaperTrading && c.InitialBalanceUSDT <= 0 {
		return fmt.Errorf("paper trading requires a positive initial balance")
	}
	return nil
}

// symbolState serializes decisions per symbol and tracks its guard
type symbolState struct {
	mu                 sync.Mutex
	guard              *antiflip.Guard
	lastLiquidityCheck time.Time
	liquidityOK        bool
}

// Engine coordinates the full decision cycle for every symbol
type Engine struct {
	cfg        Config
	aggregator *signal.Aggregator
	breaker    *circuit.Breaker
	riskMgr    *risk.Manager
	tracker    *lifecycle.Tracker
	bus        *events.Bus
	analyzers  []Analyzer
	executor   Executor
	balance    BalanceProvider
	liquidity  LiquidityChecker // optional
	logger     zerolog.Logger

	mu      sync.RWMutex
	symbols map[string]*symbolState
	running bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	nowFn    func() time.Time
}

// New wires the engine together. The liquidity checker may be nil, in
// which case entries skip the order-book check.
func New(
	cfg Config,
	guardCfg antiflip.Config,
	aggregator *signal.Aggregator,
	breaker *circuit.Breaker,
	riskMgr *risk.Manager,
	tracker *lifecycle.Tracker,
	bus *events.Bus,
	analyzers []Analyzer,
	executor Executor,
	balance BalanceProvider,
	liquidity LiquidityChecker,
	logger zerolog.Logger,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if len(analyzers) == 0 {
		return nil, fmt.Errorf("at least one analyzer is required")
	}
	if executor == nil || balance == nil {
		return nil, fmt.Errorf("executor and balance provider are required")
	}

	symbols := make(map[string]*symbolState, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		guard, err := antiflip.NewGuard(guardCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("guard for %s: %w", sym, err)
		}
		symbols[sym] = &symbolState{guard: guard}
	}

	return &Engine{
		cfg:        cfg,
		aggregator: aggregator,
		breaker:    breaker,
		riskMgr:    riskMgr,
		tracker:    tracker,
		bus:        bus,
		analyzers:  analyzers,
		executor:   executor,
		balance:    balance,
		liquidity:  liquidity,
		logger:     logger.With().Str("component", "Engine").Logger(),
		symbols:    symbols,
		stopChan:   make(chan struct{}),
		nowFn:      time.Now,
	}, nil
}

// Start launches the background loops. An emergency stop from the risk
// manager shuts the engine down.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	e.bus.Subscribe(events.EventEmergencyStop, func(ev events.Event) {
		e.logger.Error().Interface("data", ev.Data).Msg("Emergency stop received, halting engine")
		e.Stop()
	})

	e.wg.Add(1)
	go e.timeExitLoop()

	e.logger.Info().Strs("symbols", e.cfg.Symbols).Msg("Engine started")
}

// Stop halts evaluation; in-flight lifecycle events still apply
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		close(e.stopChan)
		e.wg.Wait()
		e.logger.Info().Msg("Engine stopped")
	})
}

// Running reports whether the engine is accepting evaluations
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// SymbolCount returns the number of tracked symbols
func (e *Engine) SymbolCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.symbols)
}

func (e *Engine) symbolState(symbol string) (*symbolState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.symbols[symbol]
	return st, ok
}

// Guard exposes a symbol's anti-flip guard for restart restoration
func (e *Engine) Guard(symbol string) (*antiflip.Guard, bool) {
	st, ok := e.symbolState(symbol)
	if !ok {
		return nil, false
	}
	return st.guard, true
}

// Evaluate runs one full decision cycle for a symbol. All gates run
// under the symbol's lock so concurrent snapshots cannot double-enter.
func (e *Engine) Evaluate(ctx context.Context, snap MarketSnapshot) error {
	if !e.Running() {
		return nil
	}
	st, ok := e.symbolState(snap.Symbol)
	if !ok {
		return fmt.Errorf("unknown symbol %q", snap.Symbol)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	votes := e.collectVotes(ctx, snap)
	sig, reason := e.aggregator.Aggregate(votes, snap.TrendBias, snap.Price, e.nowFn())
	if sig == nil {
		e.logger.Debug().Str("symbol", snap.Symbol).Str("reason", reason).Msg("No actionable signal")
		return nil
	}

	e.bus.Publish(events.Event{
		Type:   events.EventSignalGenerated,
		Symbol: snap.Symbol,
		Data: map[string]interface{}{
			"direction":  string(sig.Direction),
			"confidence": sig.Confidence,
			"price":      sig.Price,
		},
	})

	if d := st.guard.ShouldBlockSignal(sig.Direction, sig.Confidence, snap.Price, snap.RSI, snap.RecentCandles); d.Blocked {
		e.rejectSignal(snap.Symbol, sig, "anti-flip: "+d.Reason)
		return nil
	}

	// While the breaker is open no new entries go out; exits and
	// execution reports keep flowing through the tracker.
	if e.breaker.IsOpen() {
		e.rejectSignal(snap.Symbol, sig, "circuit breaker open")
		return nil
	}

	balance, err := e.balance.AccountBalance(ctx)
	if err != nil {
		e.breaker.RecordError(fmt.Sprintf("balance query: %v", err))
		return fmt.Errorf("account balance: %w", err)
	}
	e.breaker.RecordSuccess()

	decision, err := e.riskMgr.CanTrade(sig, balance, e.tracker.RiskViews())
	if err != nil {
		return fmt.Errorf("risk evaluation: %w", err)
	}
	if !decision.Allowed {
		e.bus.PublishRiskDenied(snap.Symbol, decision.Reason,
			decision.Snapshot.DailyPnLPercent, decision.Snapshot.ConsecutiveLosses)
		return nil
	}

	if ok, err := e.checkLiquidity(ctx, st, snap.Symbol, decision.AdjustedPositionSize); err != nil {
		e.breaker.RecordError(fmt.Sprintf("liquidity check: %v", err))
		return fmt.Errorf("liquidity check: %w", err)
	} else if !ok {
		e.rejectSignal(snap.Symbol, sig, "insufficient order book liquidity")
		return nil
	}

	if err := e.executor.ExecuteEntry(ctx, snap.Symbol, sig, decision.AdjustedPositionSize); err != nil {
		e.breaker.RecordError(fmt.Sprintf("entry execution: %v", err))
		return fmt.Errorf("execute entry: %w", err)
	}
	e.breaker.RecordSuccess()

	quantity := decision.AdjustedPositionSize / sig.Price
	if _, err := e.tracker.OpenPosition(snap.Symbol, sig, quantity); err != nil {
		return fmt.Errorf("track position: %w", err)
	}
	st.guard.RecordSignal(sig.Direction, sig.Price)

	e.logger.Info().
		Str("symbol", snap.Symbol).
		Str("direction", string(sig.Direction)).
		Float64("confidence", sig.Confidence).
		Float64("size_usdt", decision.AdjustedPositionSize).
		Msg("Entry executed")
	return nil
}

// collectVotes runs every analyzer; a failing analyzer is skipped so
// one bad indicator cannot silence the rest
func (e *Engine) collectVotes(ctx context.Context, snap MarketSnapshot) []signal.AnalyzerVote {
	votes := make([]signal.AnalyzerVote, 0, len(e.analyzers))
	for _, a := range e.analyzers {
		vote, err := a.Analyze(ctx, snap)
		if err != nil {
			e.logger.Warn().Err(err).Str("analyzer", a.Name()).Str("symbol", snap.Symbol).Msg("Analyzer failed, skipping vote")
			continue
		}
		votes = append(votes, vote)
	}
	return votes
}

// checkLiquidity rate-limits order-book lookups per symbol; inside the
// throttle window the previous verdict is reused
func (e *Engine) checkLiquidity(ctx context.Context, st *symbolState, symbol string, sizeUSDT float64) (bool, error) {
	if e.liquidity == nil {
		return true, nil
	}
	now := e.nowFn()
	if now.Sub(st.lastLiquidityCheck) < e.cfg.LiquidityCheckInterval {
		return st.liquidityOK, nil
	}

	ok, err := e.liquidity.CheckLiquidity(ctx, symbol, sizeUSDT)
	if err != nil {
		return false, err
	}
	st.lastLiquidityCheck = now
	st.liquidityOK = ok
	return ok, nil
}

func (e *Engine) rejectSignal(symbol string, sig *signal.Signal, reason string) {
	e.logger.Info().
		Str("symbol", symbol).
		Str("direction", string(sig.Direction)).
		Str("reason", reason).
		Msg("Signal rejected")
	e.bus.Publish(events.Event{
		Type:   events.EventSignalRejected,
		Symbol: symbol,
		Data: map[string]interface{}{
			"direction":  string(sig.Direction),
			"confidence": sig.Confidence,
			"reason":     reason,
		},
	})
}

// OnCandleClose advances the symbol's anti-flip cooldown counter
func (e *Engine) OnCandleClose(symbol string) {
	if st, ok := e.symbolState(symbol); ok {
		st.guard.OnNewCandle()
	}
}

// OnMarkPrice feeds the latest mark price into the position tracker
func (e *Engine) OnMarkPrice(symbol string, price float64) {
	e.tracker.UpdateMarkPrice(symbol, price)
}

// OnExecutionEvent routes an exchange execution report to the tracker.
// These are processed even while stopped or with the breaker open so
// exits are never dropped.
func (e *Engine) OnExecutionEvent(ev lifecycle.ExecutionEvent) error {
	return e.tracker.OnExecutionEvent(ev)
}

// timeExitLoop periodically closes positions past their max hold time
func (e *Engine) timeExitLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TimeExitCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, p := range e.tracker.TimeExitDue(e.nowFn()) {
				e.logger.Info().
					Str("symbol", p.Symbol).
					Str("position_id", p.ID).
					Time("opened_at", p.OpenedAt).
					Msg("Position past max hold duration, requesting time exit")
				e.requestTimeExit(p)
			}
		case <-e.stopChan:
			return
		}
	}
}

// requestTimeExit flattens an expired position by synthesizing the
// close through the normal execution-event path
func (e *Engine) requestTimeExit(p *lifecycle.Position) {
	perUnit := p.UnrealizedPnL / p.Quantity
	price := p.EntryPrice + perUnit
	if p.Direction == signal.DirectionShort {
		price = p.EntryPrice - perUnit
	}
	ev := lifecycle.ExecutionEvent{
		OrderID:    "time-exit-" + p.ID,
		Symbol:     p.Symbol,
		ExecType:   "Trade",
		ExecPrice:  price,
		ExecQty:    p.Quantity,
		CreateType: "CreateByTimeExit",
		Timestamp:  e.nowFn().UnixMilli(),
	}
	if err := e.tracker.OnExecutionEvent(ev); err != nil {
		e.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("Time exit failed")
	}
}
