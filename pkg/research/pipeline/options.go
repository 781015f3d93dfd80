package pipeline

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrInvalidTurn = errors.New("invalid turn")

// Options are the per-request knobs.
type Options struct {
	NumberOfSelectQueries       int
	PercentOfTopQueriesToSearch float64
	PercentOfTopResultsToScan   float64
}

func DefaultOptions() Options {
	return Options{
		NumberOfSelectQueries:       7,
		PercentOfTopQueriesToSearch: 0.25,
		PercentOfTopResultsToScan:   0.25,
	}
}

func (o Options) Validate() error {
	if o.NumberOfSelectQueries < 1 || o.NumberOfSelectQueries > 50 {
		return fmt.Errorf("%w: numberOfSelectQueries must be between 1 and 50, got %d", ErrInvalidTurn, o.NumberOfSelectQueries)
	}
	if o.PercentOfTopQueriesToSearch < 0 || o.PercentOfTopQueriesToSearch > 1 {
		return fmt.Errorf("%w: percentOfTopQueriesToSearch must be within [0,1]", ErrInvalidTurn)
	}
	if o.PercentOfTopResultsToScan < 0 || o.PercentOfTopResultsToScan > 1 {
		return fmt.Errorf("%w: percentOfTopResultsToScan must be within [0,1]", ErrInvalidTurn)
	}
	return nil
}

// Config is the server-wide pipeline tuning.
type Config struct {
	MaxConcurrency     int
	CostUpdateInterval time.Duration
	ConvergenceWindow  int
}

func DefaultConfig() Config {
	return Config{MaxConcurrency: 4, CostUpdateInterval: time.Second}
}

// topFraction is how many of n ranked items survive a cut: floor(n*pct),
// clamped to [0,n].
func topFraction(n int, pct float64) int {
	// the epsilon keeps products like 100*0.29 from flooring one short
	k := int(math.Floor(float64(n)*pct + 1e-9))
	if k < 0 {
		return 0
	}
	if k > n {
		return n
	}
	return k
}
