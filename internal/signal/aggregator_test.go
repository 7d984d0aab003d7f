package signal

import (
	"strings"
	"testing"
	"time"
)

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	agg, err := NewAggregator(DefaultAggregatorConfig())
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}
	return agg
}

func TestAggregateRequiresVotes(t *testing.T) {
	agg := newTestAggregator(t)

	sig, reason := agg.Aggregate(nil, TrendBias{Direction: TrendNeutral}, 100, time.Now())
	if sig != nil || reason != ReasonNoVotes {
		t.Errorf("expected no signal with %q, got sig=%v reason=%q", ReasonNoVotes, sig, reason)
	}

	// Disabled analyzers must be discarded before anything else
	votes := []AnalyzerVote{
		{Analyzer: "trend", Direction: DirectionLong, Confidence: 90, Weight: 1, Disabled: true},
	}
	sig, reason = agg.Aggregate(votes, TrendBias{Direction: TrendNeutral}, 100, time.Now())
	if sig != nil || reason != ReasonNoVotes {
		t.Errorf("disabled votes should count as no votes, got sig=%v reason=%q", sig, reason)
	}
}

func TestAggregateLongConsensus(t *testing.T) {
	agg := newTestAggregator(t)
	votes := []AnalyzerVote{
		{Analyzer: "trend", Direction: DirectionLong, Confidence: 80, Weight: 1.0},
		{Analyzer: "momentum", Direction: DirectionLong, Confidence: 70, Weight: 1.0},
		{Analyzer: "volume", Direction: DirectionHold, Confidence: 0, Weight: 1.0},
	}

	sig, reason := agg.Aggregate(votes, TrendBias{Direction: TrendNeutral}, 50000, time.Now())
	if sig == nil {
		t.Fatalf("expected LONG signal, got rejection %q", reason)
	}
	if sig.Direction != DirectionLong {
		t.Errorf("direction = %s, want LONG", sig.Direction)
	}
	if sig.Confidence != 75 {
		t.Errorf("confidence = %.2f, want 75 (weighted mean of 80 and 70)", sig.Confidence)
	}
	if sig.Price != 50000 {
		t.Errorf("price = %.2f, want 50000", sig.Price)
	}
}

func TestAggregateShortNeedsWiderAgreement(t *testing.T) {
	agg := newTestAggregator(t)

	// Two SHORT votes pass the LONG minimum but not the SHORT minimum.
	votes := []AnalyzerVote{
		{Analyzer: "trend", Direction: DirectionShort, Confidence: 90, Weight: 1.0},
		{Analyzer: "momentum", Direction: DirectionShort, Confidence: 85, Weight: 1.0},
	}
	sig, reason := agg.Aggregate(votes, TrendBias{Direction: TrendNeutral}, 100, time.Now())
	if sig != nil {
		t.Fatalf("two SHORT votes should be rejected, got %+v", sig)
	}
	if !strings.Contains(reason, ReasonInsufficientConsensus) {
		t.Errorf("reason = %q, want consensus rejection", reason)
	}

	votes = append(votes, AnalyzerVote{Analyzer: "orderbook", Direction: DirectionShort, Confidence: 80, Weight: 1.0})
	sig, reason = agg.Aggregate(votes, TrendBias{Direction: TrendNeutral}, 100, time.Now())
	if sig == nil {
		t.Fatalf("three SHORT votes should pass, got rejection %q", reason)
	}
	if sig.Direction != DirectionShort {
		t.Errorf("direction = %s, want SHORT", sig.Direction)
	}
}

func TestAggregateTrendConflictPenalty(t *testing.T) {
	agg := newTestAggregator(t)
	votes := []AnalyzerVote{
		{Analyzer: "a", Direction: DirectionLong, Confidence: 70, Weight: 1.0},
		{Analyzer: "b", Direction: DirectionLong, Confidence: 70, Weight: 1.0},
		{Analyzer: "c", Direction: DirectionShort, Confidence: 90, Weight: 1.0},
		{Analyzer: "d", Direction: DirectionShort, Confidence: 90, Weight: 1.0},
		{Analyzer: "e", Direction: DirectionShort, Confidence: 90, Weight: 1.0},
	}

	// Neutral bias: raw SHORT score 270 beats LONG 140.
	sig, reason := agg.Aggregate(votes, TrendBias{Direction: TrendNeutral}, 100, time.Now())
	if sig == nil || sig.Direction != DirectionShort {
		t.Fatalf("neutral bias should yield SHORT, got sig=%v reason=%q", sig, reason)
	}

	// Strong bullish bias penalizes SHORT votes by 0.7: weighted score
	// 270*0.7=189 still beats 140, and the net confidence drops to 63.
	sig, reason = agg.Aggregate(votes, TrendBias{Direction: TrendBullish, Strength: 0.8}, 100, time.Now())
	if sig == nil {
		t.Fatalf("penalized SHORT should still pass, got rejection %q", reason)
	}
	if sig.Confidence != 63 {
		t.Errorf("penalized confidence = %.2f, want 63 (90 * 0.7)", sig.Confidence)
	}

	// A bias below the strength floor is treated as neutral and never penalizes.
	sig, _ = agg.Aggregate(votes, TrendBias{Direction: TrendBullish, Strength: 0.1}, 100, time.Now())
	if sig == nil || sig.Confidence != 90 {
		t.Errorf("weak bias should not penalize, got %+v", sig)
	}
}

func TestAggregateSilentCeiling(t *testing.T) {
	agg := newTestAggregator(t)
	votes := []AnalyzerVote{
		{Analyzer: "a", Direction: DirectionShort, Confidence: 90, Weight: 1.0},
		{Analyzer: "b", Direction: DirectionShort, Confidence: 90, Weight: 1.0},
		{Analyzer: "c", Direction: DirectionShort, Confidence: 90, Weight: 1.0},
		{Analyzer: "d", Direction: DirectionHold, Weight: 1.0},
		{Analyzer: "e", Direction: DirectionHold, Weight: 1.0},
		{Analyzer: "f", Direction: DirectionHold, Weight: 1.0},
	}

	// 50% silent exceeds the 34% SHORT ceiling.
	sig, reason := agg.Aggregate(votes, TrendBias{Direction: TrendNeutral}, 100, time.Now())
	if sig != nil {
		t.Fatalf("expected silent-fraction rejection, got %+v", sig)
	}
	if !strings.Contains(reason, ReasonTooManySilent) {
		t.Errorf("reason = %q, want silent-fraction rejection", reason)
	}
}

func TestAggregateTieBreakByPriority(t *testing.T) {
	agg := newTestAggregator(t)
	cfg := DefaultAggregatorConfig()
	cfg.MinLongVotes = 1
	cfg.MinShortVotes = 1
	agg, err := NewAggregator(cfg)
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}

	votes := []AnalyzerVote{
		{Analyzer: "a", Direction: DirectionLong, Confidence: 80, Weight: 1.0, Priority: 1},
		{Analyzer: "b", Direction: DirectionShort, Confidence: 80, Weight: 1.0, Priority: 5},
	}
	sig, reason := agg.Aggregate(votes, TrendBias{Direction: TrendNeutral}, 100, time.Now())
	if sig == nil {
		t.Fatalf("tie should break by priority, got rejection %q", reason)
	}
	if sig.Direction != DirectionShort {
		t.Errorf("direction = %s, want SHORT (higher priority vote)", sig.Direction)
	}
}

func TestAggregateDeterminism(t *testing.T) {
	agg := newTestAggregator(t)
	votes := []AnalyzerVote{
		{Analyzer: "trend", Direction: DirectionLong, Confidence: 82, Weight: 1.2, Priority: 3},
		{Analyzer: "momentum", Direction: DirectionLong, Confidence: 66, Weight: 0.8, Priority: 2},
		{Analyzer: "orderbook", Direction: DirectionShort, Confidence: 71, Weight: 1.0, Priority: 4},
		{Analyzer: "volume", Direction: DirectionHold, Weight: 1.0},
	}
	bias := TrendBias{Direction: TrendBullish, Strength: 0.6}
	at := time.Unix(1700000000, 0)

	first, firstReason := agg.Aggregate(votes, bias, 42000, at)
	for i := 0; i < 50; i++ {
		sig, reason := agg.Aggregate(votes, bias, 42000, at)
		if reason != firstReason {
			t.Fatalf("run %d: reason %q != %q", i, reason, firstReason)
		}
		if (sig == nil) != (first == nil) {
			t.Fatalf("run %d: signal presence changed", i)
		}
		if sig != nil && (sig.Direction != first.Direction || sig.Confidence != first.Confidence) {
			t.Fatalf("run %d: %+v != %+v", i, sig, first)
		}
	}
}

func TestSignalValidate(t *testing.T) {
	good := Signal{Direction: DirectionLong, Confidence: 50, Price: 100}
	if err := good.Validate(); err != nil {
		t.Errorf("valid signal rejected: %v", err)
	}

	bad := []Signal{
		{Direction: DirectionLong, Confidence: 50, Price: 0},
		{Direction: DirectionLong, Confidence: -1, Price: 100},
		{Direction: DirectionLong, Confidence: 101, Price: 100},
		{Direction: "SIDEWAYS", Confidence: 50, Price: 100},
	}
	for i, s := range bad {
		if err := s.Validate(); err == nil {
			t.Errorf("case %d: expected validation error for %+v", i, s)
		}
	}
}
