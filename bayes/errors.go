package bayes

import "errors"

var (
	// ErrDegenerateDistribution is returned when a set of weights sums to zero
	// and therefore cannot be normalized into a distribution.
	ErrDegenerateDistribution = errors.New("degenerate distribution: total weight is zero")

	// ErrNegativeWeight is returned when a weight or likelihood is negative,
	// NaN or infinite.
	ErrNegativeWeight = errors.New("weight must be finite and non-negative")

	// ErrImpossibleObservation is returned by StateEstimator.Step when the
	// observation has zero likelihood under every state the predicted belief
	// gives mass to.
	ErrImpossibleObservation = errors.New("impossible observation")

	// ErrInvalidModel is returned when a stochastic state model cannot be
	// built, e.g. because its initial belief cannot be normalized.
	ErrInvalidModel = errors.New("invalid state model")
)
