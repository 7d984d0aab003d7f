package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trade-decision-engine/internal/antiflip"
	"trade-decision-engine/internal/circuit"
	"trade-decision-engine/internal/dedup"
	"trade-decision-engine/internal/events"
	"trade-decision-engine/internal/lifecycle"
	"trade-decision-engine/internal/risk"
	"trade-decision-engine/internal/signal"
)

type stubAnalyzer struct {
	name string
	vote signal.AnalyzerVote
	err  error
}

func (s stubAnalyzer) Name() string { return s.name }
func (s stubAnalyzer) Analyze(context.Context, MarketSnapshot) (signal.AnalyzerVote, error) {
	return s.vote, s.err
}

type stubExecutor struct {
	calls int
	err   error
}

func (s *stubExecutor) ExecuteEntry(context.Context, string, *signal.Signal, float64) error {
	s.calls++
	return s.err
}

type stubBalance struct {
	balance float64
	err     error
}

func (s stubBalance) AccountBalance(context.Context) (float64, error) { return s.balance, s.err }

type stubLiquidity struct {
	calls int
	ok    bool
	err   error
}

func (s *stubLiquidity) CheckLiquidity(context.Context, string, float64) (bool, error) {
	s.calls++
	return s.ok, s.err
}

func longVoters(confidence float64) []Analyzer {
	return []Analyzer{
		stubAnalyzer{name: "trend", vote: signal.AnalyzerVote{
			Analyzer: "trend", Direction: signal.DirectionLong, Confidence: confidence, Weight: 1,
		}},
		stubAnalyzer{name: "momentum", vote: signal.AnalyzerVote{
			Analyzer: "momentum", Direction: signal.DirectionLong, Confidence: confidence, Weight: 1,
		}},
	}
}

type harness struct {
	engine   *Engine
	executor *stubExecutor
	breaker  *circuit.Breaker
	tracker  *lifecycle.Tracker
	riskMgr  *risk.Manager
	bus      *events.Bus
	now      *time.Time
}

func newHarness(t *testing.T, analyzers []Analyzer, liquidity LiquidityChecker) *harness {
	t.Helper()
	logger := zerolog.Nop()

	agg, err := signal.NewAggregator(signal.DefaultAggregatorConfig())
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}
	breaker, err := circuit.NewBreaker(circuit.DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("NewBreaker: %v", err)
	}
	riskMgr, err := risk.NewManager(risk.DefaultConfig(), nil, logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	cache, err := dedup.NewCache(dedup.DefaultConfig())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	bus := events.NewBus()
	tracker, err := lifecycle.NewTracker(lifecycle.DefaultConfig(), cache, riskMgr, bus, nil, logger)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	executor := &stubExecutor{}
	cfg := DefaultConfig()
	cfg.Symbols = []string{"BTCUSDT"}
	eng, err := New(cfg, antiflip.DefaultConfig(), agg, breaker, riskMgr, tracker, bus,
		analyzers, executor, stubBalance{balance: 10000}, liquidity, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	eng.nowFn = func() time.Time { return now }
	eng.mu.Lock()
	eng.running = true
	eng.mu.Unlock()

	return &harness{
		engine:   eng,
		executor: executor,
		breaker:  breaker,
		tracker:  tracker,
		riskMgr:  riskMgr,
		bus:      bus,
		now:      &now,
	}
}

func snapshotFor(price float64) MarketSnapshot {
	return MarketSnapshot{
		Symbol:    "BTCUSDT",
		Price:     price,
		RSI:       -1,
		TrendBias: signal.TrendBias{Direction: signal.TrendBullish, Strength: 0.8},
	}
}

func TestEvaluateExecutesEntry(t *testing.T) {
	h := newHarness(t, longVoters(80), nil)

	if err := h.engine.Evaluate(context.Background(), snapshotFor(50000)); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if h.executor.calls != 1 {
		t.Fatalf("executor calls = %d, want 1", h.executor.calls)
	}
	p, ok := h.tracker.GetPosition("BTCUSDT")
	if !ok {
		t.Fatal("expected an open position after execution")
	}
	if p.Direction != signal.DirectionLong {
		t.Errorf("position direction = %s, want LONG", p.Direction)
	}
}

func TestUnknownSymbolIsAnError(t *testing.T) {
	h := newHarness(t, longVoters(80), nil)
	snap := snapshotFor(50000)
	snap.Symbol = "DOGEUSDT"
	if err := h.engine.Evaluate(context.Background(), snap); err == nil {
		t.Fatal("expected error for untracked symbol")
	}
}

func TestNoConsensusMeansNoEntry(t *testing.T) {
	analyzers := []Analyzer{
		stubAnalyzer{name: "trend", vote: signal.AnalyzerVote{
			Analyzer: "trend", Direction: signal.DirectionLong, Confidence: 80, Weight: 1,
		}},
		stubAnalyzer{name: "momentum", vote: signal.AnalyzerVote{}, err: errors.New("feed gap")},
	}
	h := newHarness(t, analyzers, nil)

	if err := h.engine.Evaluate(context.Background(), snapshotFor(50000)); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if h.executor.calls != 0 {
		t.Errorf("executor calls = %d, want 0 with a single surviving vote", h.executor.calls)
	}
}

func TestOpenBreakerBlocksEntriesNotExits(t *testing.T) {
	h := newHarness(t, longVoters(80), nil)

	// First entry succeeds
	if err := h.engine.Evaluate(context.Background(), snapshotFor(50000)); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	for i := 0; i < circuit.DefaultConfig().ErrorThreshold; i++ {
		h.breaker.RecordError("ws disconnect")
	}
	if !h.breaker.IsOpen() {
		t.Fatal("breaker should be open")
	}

	// New entries are blocked while open
	snap := snapshotFor(50000)
	if err := h.engine.Evaluate(context.Background(), snap); err != nil {
		t.Fatalf("Evaluate with open breaker: %v", err)
	}
	if h.executor.calls != 1 {
		t.Errorf("executor calls = %d, want 1 (no entry while breaker open)", h.executor.calls)
	}

	// Exits still flow: a stop-loss execution closes the position
	p, _ := h.tracker.GetPosition("BTCUSDT")
	err := h.engine.OnExecutionEvent(lifecycle.ExecutionEvent{
		OrderID:       "sl-1",
		Symbol:        "BTCUSDT",
		ExecType:      "Trade",
		ExecPrice:     49000,
		ExecQty:       p.Quantity,
		StopOrderType: "StopLoss",
		Timestamp:     h.now.UnixMilli(),
	})
	if err != nil {
		t.Fatalf("OnExecutionEvent: %v", err)
	}
	if _, ok := h.tracker.GetPosition("BTCUSDT"); ok {
		t.Error("stop loss must close the position even with the breaker open")
	}
}

func TestAntiFlipBlocksQuickReversal(t *testing.T) {
	h := newHarness(t, longVoters(80), nil)
	if err := h.engine.Evaluate(context.Background(), snapshotFor(50000)); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	// Close the position so max-positions does not interfere
	p, _ := h.tracker.GetPosition("BTCUSDT")
	h.engine.OnExecutionEvent(lifecycle.ExecutionEvent{
		OrderID: "sl-1", Symbol: "BTCUSDT", ExecType: "Trade",
		ExecPrice: 50100, ExecQty: p.Quantity, StopOrderType: "StopLoss",
		Timestamp: h.now.UnixMilli(),
	})

	// Immediate SHORT consensus inside the cooldown window
	shortVoters := []Analyzer{
		stubAnalyzer{name: "a", vote: signal.AnalyzerVote{Analyzer: "a", Direction: signal.DirectionShort, Confidence: 80, Weight: 1}},
		stubAnalyzer{name: "b", vote: signal.AnalyzerVote{Analyzer: "b", Direction: signal.DirectionShort, Confidence: 80, Weight: 1}},
		stubAnalyzer{name: "c", vote: signal.AnalyzerVote{Analyzer: "c", Direction: signal.DirectionShort, Confidence: 80, Weight: 1}},
	}
	h.engine.analyzers = shortVoters

	snap := snapshotFor(50000)
	snap.TrendBias = signal.TrendBias{Direction: signal.TrendBearish, Strength: 0.8}
	if err := h.engine.Evaluate(context.Background(), snap); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if h.executor.calls != 1 {
		t.Errorf("executor calls = %d, want 1 (reversal blocked by cooldown)", h.executor.calls)
	}
}

func TestLiquidityCheckIsThrottled(t *testing.T) {
	liq := &stubLiquidity{ok: false}
	h := newHarness(t, longVoters(80), liq)

	ctx := context.Background()
	if err := h.engine.Evaluate(ctx, snapshotFor(50000)); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if liq.calls != 1 || h.executor.calls != 0 {
		t.Fatalf("calls = %d/%d, want one liquidity check and no entry", liq.calls, h.executor.calls)
	}

	// Inside the throttle window the cached verdict is reused
	*h.now = h.now.Add(50 * time.Millisecond)
	liq.ok = true
	if err := h.engine.Evaluate(ctx, snapshotFor(50000)); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if liq.calls != 1 {
		t.Errorf("liquidity calls = %d, want still 1 inside the throttle window", liq.calls)
	}

	// Past the window the fresh verdict allows the entry
	*h.now = h.now.Add(100 * time.Millisecond)
	if err := h.engine.Evaluate(ctx, snapshotFor(50000)); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if liq.calls != 2 || h.executor.calls != 1 {
		t.Errorf("calls = %d/%d, want a second check and one entry", liq.calls, h.executor.calls)
	}
}

func TestBalanceErrorFeedsBreaker(t *testing.T) {
	h := newHarness(t, longVoters(80), nil)
	h.engine.balance = stubBalance{err: errors.New("exchange timeout")}

	if err := h.engine.Evaluate(context.Background(), snapshotFor(50000)); err == nil {
		t.Fatal("expected balance error to surface")
	}
	if h.breaker.GetStats().ConsecutiveErrors != 1 {
		t.Errorf("breaker errors = %d, want 1", h.breaker.GetStats().ConsecutiveErrors)
	}
	if h.executor.calls != 0 {
		t.Errorf("executor calls = %d, want 0", h.executor.calls)
	}
}

func TestStoppedEngineSkipsEvaluation(t *testing.T) {
	h := newHarness(t, longVoters(80), nil)
	h.engine.mu.Lock()
	h.engine.running = false
	h.engine.mu.Unlock()

	if err := h.engine.Evaluate(context.Background(), snapshotFor(50000)); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if h.executor.calls != 0 {
		t.Errorf("executor calls = %d, want 0 while stopped", h.executor.calls)
	}
}
