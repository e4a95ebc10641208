package aggregator

import (
	"errors"
	"fmt"
)

var (
	ErrNoResults      = errors.New("no results to aggregate")
	ErrInvalidWeights = errors.New("invalid weights")
)

// InvalidWeightsError explains why a weight vector was rejected.
type InvalidWeightsError struct {
	Results int
	Weights int
	Reason  string
}

func (e *InvalidWeightsError) Error() string {
	return fmt.Sprintf("%s: %s (%d weights for %d results)", ErrInvalidWeights, e.Reason, e.Weights, e.Results)
}

func (e *InvalidWeightsError) Unwrap() error { return ErrInvalidWeights }
