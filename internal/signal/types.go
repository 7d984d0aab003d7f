// Package signal defines the core signal model and the aggregation of
// independent analyzer opinions into a single directional signal.
package signal

import (
	"fmt"
	"time"
)

// Direction represents the directional opinion of a signal or vote
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionHold  Direction = "HOLD"
)

// Valid reports whether d is one of the known directions
func (d Direction) Valid() bool {
	switch d {
	case DirectionLong, DirectionShort, DirectionHold:
		return true
	}
	return false
}

// Opposite returns the reversed direction. HOLD has no opposite and maps to itself.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	}
	return DirectionHold
}

// TrendDirection represents the higher-timeframe trend bias
type TrendDirection string

const (
	TrendBullish TrendDirection = "BULLISH"
	TrendBearish TrendDirection = "BEARISH"
	TrendNeutral TrendDirection = "NEUTRAL"
)

// TrendBias is the higher-timeframe trend context supplied each cycle
// by the trend-analysis collaborator.
type TrendBias struct {
	Direction TrendDirection `json:"direction"`
	Strength  float64        `json:"strength"` // 0.0 to 1.0
}

// Opposes reports whether a vote direction runs against the bias.
// A neutral bias never opposes anything.
func (tb TrendBias) Opposes(d Direction) bool {
	switch tb.Direction {
	case TrendBullish:
		return d == DirectionShort
	case TrendBearish:
		return d == DirectionLong
	}
	return false
}

// TakeProfitLevel is one profit-taking target on a signal or position
type TakeProfitLevel struct {
	Price        float64 `json:"price"`
	ClosePercent float64 `json:"close_percent"` // percent of remaining quantity to close
	Hit          bool    `json:"hit"`
}

// Signal is one proposed directional trade opinion. Signals are created
// fresh each evaluation cycle and never mutated; a newer Signal supersedes.
type Signal struct {
	Direction   Direction         `json:"direction"`
	Confidence  float64           `json:"confidence"` // 0 to 100
	Price       float64           `json:"price"`
	StopLoss    float64           `json:"stop_loss"`
	TakeProfits []TakeProfitLevel `json:"take_profits"`
	Source      string            `json:"source"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Validate checks the input contract on a candidate signal. A violation is
// a programming error in the producing analyzer, not a risk condition.
func (s *Signal) Validate() error {
	if s.Price <= 0 {
		return fmt.Errorf("%w: price %.8f", ErrInvalidPrice, s.Price)
	}
	if s.Confidence < 0 || s.Confidence > 100 {
		return fmt.Errorf("%w: confidence %.2f", ErrInvalidConfidence, s.Confidence)
	}
	if !s.Direction.Valid() {
		return fmt.Errorf("%w: direction %q", ErrInvalidDirection, s.Direction)
	}
	return nil
}

// AnalyzerVote is one analyzer's contribution to an aggregation pass.
// Votes are ephemeral and exist only within a single cycle.
type AnalyzerVote struct {
	Analyzer   string    `json:"analyzer"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"` // 0 to 100
	Weight     float64   `json:"weight"`     // static importance in aggregation
	Priority   int       `json:"priority"`   // static tie-break rank, higher wins
	Reason     string    `json:"reason"`
	Disabled   bool      `json:"disabled"`
}
