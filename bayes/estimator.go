package bayes

import (
	"errors"
	"fmt"
)

// Input is one element of an estimator's input stream.
type Input[O, A comparable] struct {
	Obs O
	Act A
}

// StateEstimator is a recursive Bayes filter over a discrete state space.
// It owns one belief, which only Start, StartFrom and Step replace.
// A StateEstimator is not safe for concurrent use.
type StateEstimator[S, O, A comparable] struct {
	model  *SSM[S, O, A]
	belief Dist[S]
}

// NewStateEstimator returns an estimator for model, already started.
func NewStateEstimator[S, O, A comparable](model *SSM[S, O, A]) *StateEstimator[S, O, A] {
	se := &StateEstimator[S, O, A]{model: model}
	se.Start()
	return se
}

// Model returns the shared model the estimator runs against.
func (se *StateEstimator[S, O, A]) Model() *SSM[S, O, A] { return se.model }

// Belief returns the current belief.
func (se *StateEstimator[S, O, A]) Belief() Dist[S] { return se.belief }

// Start resets the belief to the model's initial belief.
func (se *StateEstimator[S, O, A]) Start() {
	se.belief = se.model.initial
}

// StartFrom resets the belief to b after normalizing it.
func (se *StateEstimator[S, O, A]) StartFrom(b Dist[S]) error {
	norm, err := b.Normalize()
	if err != nil {
		return fmt.Errorf("start from belief: %w", err)
	}
	se.belief = norm
	return nil
}

// Step runs one predict-then-update cycle and returns the new belief.
//
// Predict marginalizes the transition model over the current belief:
// predicted(s') = Σ_s belief(s) · T(act)(s)(s'). Update conditions the
// prediction on P(obs | s'). If no state can explain obs the error matches
// ErrImpossibleObservation and the belief is left as it was.
func (se *StateEstimator[S, O, A]) Step(obs O, act A) (Dist[S], error) {
	predicted, err := se.predict(act)
	if err != nil {
		return Dist[S]{}, err
	}

	posterior, err := predicted.Condition(func(s S) float64 {
		return se.model.observation.Observe(s).Prob(obs)
	})
	if err != nil {
		if errors.Is(err, ErrDegenerateDistribution) {
			return Dist[S]{}, fmt.Errorf("%w %v: %w", ErrImpossibleObservation, obs, err)
		}
		return Dist[S]{}, err
	}

	se.belief = posterior
	return posterior, nil
}

func (se *StateEstimator[S, O, A]) predict(act A) (Dist[S], error) {
	var labels []S
	weights := make(map[S]float64)
	for _, s := range se.belief.Support() {
		p := se.belief.Prob(s)
		next := se.model.transition.Transition(act, s)
		for _, s2 := range next.labels {
			if _, ok := weights[s2]; !ok {
				labels = append(labels, s2)
			}
			weights[s2] += p * next.probs[s2]
		}
	}
	predicted, err := NewDist(labels, weights)
	if err != nil {
		return Dist[S]{}, fmt.Errorf("predict: %w", err)
	}
	return predicted, nil
}

// Transduce feeds inputs to Step in order and returns the belief after each
// one. On failure it returns the beliefs produced so far and the error; the
// estimator keeps the belief from before the failing input.
func (se *StateEstimator[S, O, A]) Transduce(inputs []Input[O, A]) ([]Dist[S], error) {
	out := make([]Dist[S], 0, len(inputs))
	for i, in := range inputs {
		b, err := se.Step(in.Obs, in.Act)
		if err != nil {
			return out, fmt.Errorf("input %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}
