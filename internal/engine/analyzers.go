package engine

import (
	"context"
	"fmt"

	"trade-decision-engine/internal/signal"
)

// Built-in analyzers voting off the pushed market snapshot. Deployments
// with richer data replace or extend these through the Analyzer slice.

// TrendAnalyzer votes with the higher-timeframe bias
type TrendAnalyzer struct {
	MinStrength float64 // below this the analyzer abstains with HOLD
}

// Name implements Analyzer
func (a TrendAnalyzer) Name() string { return "trend" }

// Analyze implements Analyzer
func (a TrendAnalyzer) Analyze(_ context.Context, snap MarketSnapshot) (signal.AnalyzerVote, error) {
	vote := signal.AnalyzerVote{
		Analyzer:  a.Name(),
		Direction: signal.DirectionHold,
		Weight:    1.5,
		Priority:  3,
	}
	if snap.TrendBias.Strength < a.MinStrength {
		vote.Reason = "trend too weak"
		return vote, nil
	}
	switch snap.TrendBias.Direction {
	case signal.TrendBullish:
		vote.Direction = signal.DirectionLong
	case signal.TrendBearish:
		vote.Direction = signal.DirectionShort
	default:
		vote.Reason = "neutral trend"
		return vote, nil
	}
	vote.Confidence = snap.TrendBias.Strength * 100
	vote.Reason = fmt.Sprintf("%s trend, strength %.2f", snap.TrendBias.Direction, snap.TrendBias.Strength)
	return vote, nil
}

// RSIAnalyzer votes on oversold/overbought extremes
type RSIAnalyzer struct {
	OversoldBelow   float64 // e.g. 30
	OverboughtAbove float64 // e.g. 70
}

// Name implements Analyzer
func (a RSIAnalyzer) Name() string { return "rsi" }

// Analyze implements Analyzer
func (a RSIAnalyzer) Analyze(_ context.Context, snap MarketSnapshot) (signal.AnalyzerVote, error) {
	vote := signal.AnalyzerVote{
		Analyzer:  a.Name(),
		Direction: signal.DirectionHold,
		Weight:    1.0,
		Priority:  2,
	}
	if snap.RSI < 0 {
		return vote, fmt.Errorf("rsi unavailable for %s", snap.Symbol)
	}

	switch {
	case snap.RSI <= a.OversoldBelow:
		vote.Direction = signal.DirectionLong
		// Deeper oversold reads as stronger conviction
		vote.Confidence = clampConfidence(50 + (a.OversoldBelow-snap.RSI)*2)
		vote.Reason = fmt.Sprintf("oversold, rsi %.1f", snap.RSI)
	case snap.RSI >= a.OverboughtAbove:
		vote.Direction = signal.DirectionShort
		vote.Confidence = clampConfidence(50 + (snap.RSI-a.OverboughtAbove)*2)
		vote.Reason = fmt.Sprintf("overbought, rsi %.1f", snap.RSI)
	default:
		vote.Reason = fmt.Sprintf("rsi neutral at %.1f", snap.RSI)
	}
	return vote, nil
}

// MomentumAnalyzer votes on the run of recent candle closes
type MomentumAnalyzer struct {
	MinRun int // consecutive same-direction candles required
}

// Name implements Analyzer
func (a MomentumAnalyzer) Name() string { return "momentum" }

// Analyze implements Analyzer
func (a MomentumAnalyzer) Analyze(_ context.Context, snap MarketSnapshot) (signal.AnalyzerVote, error) {
	vote := signal.AnalyzerVote{
		Analyzer:  a.Name(),
		Direction: signal.DirectionHold,
		Weight:    1.0,
		Priority:  1,
	}
	if len(snap.RecentCandles) < a.MinRun || a.MinRun == 0 {
		vote.Reason = "not enough candles"
		return vote, nil
	}

	recent := snap.RecentCandles[len(snap.RecentCandles)-a.MinRun:]
	bullish, bearish := 0, 0
	for _, c := range recent {
		if c.Bullish() {
			bullish++
		} else if c.Bearish() {
			bearish++
		}
	}
	switch {
	case bullish == a.MinRun:
		vote.Direction = signal.DirectionLong
		vote.Confidence = 60
		vote.Reason = fmt.Sprintf("%d consecutive bullish closes", a.MinRun)
	case bearish == a.MinRun:
		vote.Direction = signal.DirectionShort
		vote.Confidence = 60
		vote.Reason = fmt.Sprintf("%d consecutive bearish closes", a.MinRun)
	default:
		vote.Reason = "mixed closes"
	}
	return vote, nil
}

func clampConfidence(v float64) float64 {
	if v > 100 {
		return 100
	}
	if v < 0 {
		return 0
	}
	return v
}

// DefaultAnalyzers returns the built-in analyzer set
func DefaultAnalyzers() []Analyzer {
	return []Analyzer{
		TrendAnalyzer{MinStrength: 0.3},
		RSIAnalyzer{OversoldBelow: 30, OverboughtAbove: 70},
		MomentumAnalyzer{MinRun: 3},
	}
}
