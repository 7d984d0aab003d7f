package signal

import "errors"

// Input-contract violations. These indicate a bug in the producing
// analyzer and must abort the current evaluation instead of being
// substituted with defaults.
var (
	ErrInvalidPrice      = errors.New("signal price must be positive")
	ErrInvalidConfidence = errors.New("signal confidence must be in [0,100]")
	ErrInvalidDirection  = errors.New("unknown signal direction")
)
