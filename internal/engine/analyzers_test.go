package engine

import (
	"context"
	"testing"

	"trade-decision-engine/internal/antiflip"
	"trade-decision-engine/internal/signal"
)

func TestTrendAnalyzerFollowsBias(t *testing.T) {
	a := TrendAnalyzer{MinStrength: 0.3}

	cases := []struct {
		bias signal.TrendBias
		want signal.Direction
	}{
		{signal.TrendBias{Direction: signal.TrendBullish, Strength: 0.8}, signal.DirectionLong},
		{signal.TrendBias{Direction: signal.TrendBearish, Strength: 0.5}, signal.DirectionShort},
		{signal.TrendBias{Direction: signal.TrendBullish, Strength: 0.2}, signal.DirectionHold},
		{signal.TrendBias{Direction: signal.TrendNeutral, Strength: 0.9}, signal.DirectionHold},
	}
	for _, tc := range cases {
		vote, err := a.Analyze(context.Background(), MarketSnapshot{Symbol: "BTCUSDT", TrendBias: tc.bias})
		if err != nil {
			t.Fatalf("Analyze: %v", err)
		}
		if vote.Direction != tc.want {
			t.Errorf("bias %+v: direction = %s, want %s", tc.bias, vote.Direction, tc.want)
		}
	}
}

func TestRSIAnalyzerExtremes(t *testing.T) {
	a := RSIAnalyzer{OversoldBelow: 30, OverboughtAbove: 70}

	vote, err := a.Analyze(context.Background(), MarketSnapshot{Symbol: "BTCUSDT", RSI: 20})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if vote.Direction != signal.DirectionLong || vote.Confidence != 70 {
		t.Errorf("rsi 20: vote = %+v, want LONG at confidence 70", vote)
	}

	vote, _ = a.Analyze(context.Background(), MarketSnapshot{Symbol: "BTCUSDT", RSI: 85})
	if vote.Direction != signal.DirectionShort {
		t.Errorf("rsi 85: direction = %s, want SHORT", vote.Direction)
	}

	vote, _ = a.Analyze(context.Background(), MarketSnapshot{Symbol: "BTCUSDT", RSI: 50})
	if vote.Direction != signal.DirectionHold {
		t.Errorf("rsi 50: direction = %s, want HOLD", vote.Direction)
	}

	if _, err := a.Analyze(context.Background(), MarketSnapshot{Symbol: "BTCUSDT", RSI: -1}); err == nil {
		t.Error("missing rsi must be an analyzer error, not a silent HOLD")
	}
}

func TestMomentumAnalyzerNeedsFullRun(t *testing.T) {
	a := MomentumAnalyzer{MinRun: 3}
	bull := antiflip.Candle{Open: 100, Close: 101}
	bear := antiflip.Candle{Open: 101, Close: 100}

	vote, err := a.Analyze(context.Background(), MarketSnapshot{
		Symbol:        "BTCUSDT",
		RecentCandles: []antiflip.Candle{bear, bull, bull, bull},
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if vote.Direction != signal.DirectionLong {
		t.Errorf("3 bullish closes: direction = %s, want LONG", vote.Direction)
	}

	vote, _ = a.Analyze(context.Background(), MarketSnapshot{
		Symbol:        "BTCUSDT",
		RecentCandles: []antiflip.Candle{bull, bear, bull},
	})
	if vote.Direction != signal.DirectionHold {
		t.Errorf("mixed closes: direction = %s, want HOLD", vote.Direction)
	}

	vote, _ = a.Analyze(context.Background(), MarketSnapshot{
		Symbol:        "BTCUSDT",
		RecentCandles: []antiflip.Candle{bull, bull},
	})
	if vote.Direction != signal.DirectionHold {
		t.Errorf("short history: direction = %s, want HOLD", vote.Direction)
	}
}
