package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"trade-decision-engine/internal/signal"
)

// PaperExecutor accepts every entry without touching an exchange. Used
// when no live exchange connector is wired in.
type PaperExecutor struct {
	logger zerolog.Logger
}

// NewPaperExecutor creates a log-only executor
func NewPaperExecutor(logger zerolog.Logger) *PaperExecutor {
	return &PaperExecutor{logger: logger.With().Str("component", "PaperExecutor").Logger()}
}

// ExecuteEntry implements Executor
func (e *PaperExecutor) ExecuteEntry(_ context.Context, symbol string, sig *signal.Signal, sizeUSDT float64) error {
	e.logger.Info().
		Str("symbol", symbol).
		Str("direction", string(sig.Direction)).
		Float64("price", sig.Price).
		Float64("size_usdt", sizeUSDT).
		Msg("Paper entry")
	return nil
}

// PaperBalance tracks a simulated account balance, adjusted by realized
// trade results
type PaperBalance struct {
	mu      sync.Mutex
	balance float64
}

// NewPaperBalance starts the simulated account at the given balance
func NewPaperBalance(initial float64) *PaperBalance {
	return &PaperBalance{balance: initial}
}

// AccountBalance implements BalanceProvider
func (b *PaperBalance) AccountBalance(context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balance, nil
}

// ApplyPnL folds a realized result into the simulated balance
func (b *PaperBalance) ApplyPnL(pnl float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balance += pnl
}
