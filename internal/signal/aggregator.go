package signal

import (
	"fmt"
	"sort"
	"time"
)

// AggregatorConfig holds the conflict-resolution tuning for one instrument.
// The trend conflict penalty and the asymmetric SHORT/LONG consensus
// minimums are deliberate constants carried over from live tuning; they are
// configuration, not derived values.
type AggregatorConfig struct {
	TrendConflictPenalty   float64 `json:"trend_conflict_penalty"` // multiplier applied to counter-trend votes
	MinTrendStrength       float64 `json:"min_trend_strength"`     // bias strength below this is treated as neutral
	MinLongVotes           int     `json:"min_long_votes"`         // non-opposing analyzers required for a LONG
	MinShortVotes          int     `json:"min_short_votes"`        // non-opposing analyzers required for a SHORT
	MaxSilentFractionLong  float64 `json:"max_silent_fraction_long"`
	MaxSilentFractionShort float64 `json:"max_silent_fraction_short"`
	MinNetConfidence       float64 `json:"min_net_confidence"` // net signal below this is discarded
}

// DefaultAggregatorConfig returns the tuning used in live trading
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		TrendConflictPenalty:   0.7,
		MinTrendStrength:       0.3,
		MinLongVotes:           2,
		MinShortVotes:          3, // shorts carry asymmetric risk, require wider agreement
		MaxSilentFractionLong:  0.5,
		MaxSilentFractionShort: 0.34,
		MinNetConfidence:       55,
	}
}

// Validate checks the aggregator tuning at construction time
func (c AggregatorConfig) Validate() error {
	if c.TrendConflictPenalty <= 0 || c.TrendConflictPenalty > 1 {
		return fmt.Errorf("trend_conflict_penalty must be in (0,1], got %.2f", c.TrendConflictPenalty)
	}
	if c.MinLongVotes < 1 || c.MinShortVotes < 1 {
		return fmt.Errorf("consensus minimums must be at least 1 (long=%d short=%d)", c.MinLongVotes, c.MinShortVotes)
	}
	if c.MaxSilentFractionLong < 0 || c.MaxSilentFractionLong > 1 ||
		c.MaxSilentFractionShort < 0 || c.MaxSilentFractionShort > 1 {
		return fmt.Errorf("silent fraction ceilings must be in [0,1]")
	}
	if c.MinNetConfidence < 0 || c.MinNetConfidence > 100 {
		return fmt.Errorf("min_net_confidence must be in [0,100], got %.2f", c.MinNetConfidence)
	}
	return nil
}

// Aggregator combines independent analyzer votes into one net directional
// signal per evaluation cycle. Aggregate is pure: identical votes and bias
// always produce an identical result.
type Aggregator struct {
	cfg AggregatorConfig
}

// NewAggregator creates an aggregator, validating the tuning once
func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("aggregator config: %w", err)
	}
	return &Aggregator{cfg: cfg}, nil
}

// Rejection reasons surfaced to the caller when no signal is produced
const (
	ReasonNoVotes               = "no analyzer votes"
	ReasonInsufficientConsensus = "insufficient consensus"
	ReasonTooManySilent         = "silent analyzer fraction above ceiling"
	ReasonBelowMinConfidence    = "net confidence below threshold"
	ReasonNoDirection           = "no directional majority"
)

// Aggregate resolves one cycle's votes against the higher-timeframe bias.
// Returns the net signal, or nil with a human-readable reason.
func (a *Aggregator) Aggregate(votes []AnalyzerVote, bias TrendBias, price float64, now time.Time) (*Signal, string) {
	active := make([]AnalyzerVote, 0, len(votes))
	for _, v := range votes {
		if v.Disabled {
			continue
		}
		active = append(active, v)
	}
	if len(active) == 0 {
		return nil, ReasonNoVotes
	}

	// Counter-trend votes are penalized, never the aligned or neutral ones.
	effectiveBias := bias
	if bias.Strength < a.cfg.MinTrendStrength {
		effectiveBias.Direction = TrendNeutral
	}

	longScore, shortScore := 0.0, 0.0
	longCount, shortCount, silent := 0, 0, 0
	for _, v := range active {
		conf := v.Confidence
		if effectiveBias.Opposes(v.Direction) {
			conf *= a.cfg.TrendConflictPenalty
		}
		switch v.Direction {
		case DirectionLong:
			longScore += conf * v.Weight
			longCount++
		case DirectionShort:
			shortScore += conf * v.Weight
			shortCount++
		default:
			silent++
		}
	}

	var (
		dir        Direction
		score      float64
		supporting int
		minVotes   int
		maxSilent  float64
	)
	switch {
	case longScore > shortScore:
		dir, score, supporting = DirectionLong, longScore, longCount
		minVotes, maxSilent = a.cfg.MinLongVotes, a.cfg.MaxSilentFractionLong
	case shortScore > longScore:
		dir, score, supporting = DirectionShort, shortScore, shortCount
		minVotes, maxSilent = a.cfg.MinShortVotes, a.cfg.MaxSilentFractionShort
	default:
		// Exact score tie: the highest-priority directional vote decides.
		dir = a.tieBreak(active)
		if dir == DirectionHold {
			return nil, ReasonNoDirection
		}
		if dir == DirectionLong {
			score, supporting = longScore, longCount
			minVotes, maxSilent = a.cfg.MinLongVotes, a.cfg.MaxSilentFractionLong
		} else {
			score, supporting = shortScore, shortCount
			minVotes, maxSilent = a.cfg.MinShortVotes, a.cfg.MaxSilentFractionShort
		}
	}

	if supporting < minVotes {
		return nil, fmt.Sprintf("%s: %d %s votes, need %d", ReasonInsufficientConsensus, supporting, dir, minVotes)
	}
	if frac := float64(silent) / float64(len(active)); frac > maxSilent {
		return nil, fmt.Sprintf("%s: %.0f%% silent, ceiling %.0f%%", ReasonTooManySilent, frac*100, maxSilent*100)
	}

	confidence := a.netConfidence(dir, score, active)
	if confidence < a.cfg.MinNetConfidence {
		return nil, fmt.Sprintf("%s: %.1f < %.1f", ReasonBelowMinConfidence, confidence, a.cfg.MinNetConfidence)
	}

	return &Signal{
		Direction:  dir,
		Confidence: confidence,
		Price:      price,
		Source:     "aggregator",
		Timestamp:  now,
	}, ""
}

// netConfidence normalizes the winning weighted score by the total weight
// of the votes supporting the winning direction, yielding a 0-100 value.
func (a *Aggregator) netConfidence(dir Direction, score float64, votes []AnalyzerVote) float64 {
	totalWeight := 0.0
	for _, v := range votes {
		if v.Direction == dir {
			totalWeight += v.Weight
		}
	}
	if totalWeight == 0 {
		return 0
	}
	conf := score / totalWeight
	if conf > 100 {
		conf = 100
	}
	if conf < 0 {
		conf = 0
	}
	return conf
}

// tieBreak picks the direction of the highest-priority directional vote.
// Sorting keeps the result deterministic when priorities collide: analyzer
// name is the final ordering key.
func (a *Aggregator) tieBreak(votes []AnalyzerVote) Direction {
	directional := make([]AnalyzerVote, 0, len(votes))
	for _, v := range votes {
		if v.Direction == DirectionLong || v.Direction == DirectionShort {
			directional = append(directional, v)
		}
	}
	if len(directional) == 0 {
		return DirectionHold
	}
	sort.Slice(directional, func(i, j int) bool {
		if directional[i].Priority != directional[j].Priority {
			return directional[i].Priority > directional[j].Priority
		}
		return directional[i].Analyzer < directional[j].Analyzer
	})
	return directional[0].Direction
}
