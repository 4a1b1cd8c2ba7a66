package bayes

import "fmt"

// TransitionModel gives the distribution over successor states after taking
// action a from state s. Implementations must be pure: deterministic, free
// of side effects and defined for every state and action.
type TransitionModel[S, A comparable] interface {
	Transition(a A, s S) Dist[S]
}

// ObservationModel gives the distribution over observations emitted from
// state s. The same purity contract as TransitionModel applies.
type ObservationModel[S, O comparable] interface {
	Observe(s S) Dist[O]
}

// TransitionFunc adapts a function to TransitionModel.
type TransitionFunc[S, A comparable] func(a A, s S) Dist[S]

// Transition calls f(a, s).
func (f TransitionFunc[S, A]) Transition(a A, s S) Dist[S] { return f(a, s) }

// ObservationFunc adapts a function to ObservationModel.
type ObservationFunc[S, O comparable] func(s S) Dist[O]

// Observe calls f(s).
func (f ObservationFunc[S, O]) Observe(s S) Dist[O] { return f(s) }

// IdentityTransition returns the model where the state never changes,
// whatever the action.
func IdentityTransition[S, A comparable]() TransitionModel[S, A] {
	return TransitionFunc[S, A](func(_ A, s S) Dist[S] {
		return PointMass(s)
	})
}

// SSM is a stochastic state model: an initial belief plus transition and
// observation models. It holds no mutable state and may be shared by any
// number of estimators.
type SSM[S, O, A comparable] struct {
	initial     Dist[S]
	transition  TransitionModel[S, A]
	observation ObservationModel[S, O]
}

// NewSSM validates and bundles a model. The initial belief is normalized;
// ErrInvalidModel is returned if it cannot be or if either model is nil.
func NewSSM[S, O, A comparable](initial Dist[S], transition TransitionModel[S, A], observation ObservationModel[S, O]) (*SSM[S, O, A], error) {
	if transition == nil {
		return nil, fmt.Errorf("%w: transition model is nil", ErrInvalidModel)
	}
	if observation == nil {
		return nil, fmt.Errorf("%w: observation model is nil", ErrInvalidModel)
	}
	norm, err := initial.Normalize()
	if err != nil {
		return nil, fmt.Errorf("%w: initial belief: %w", ErrInvalidModel, err)
	}
	return &SSM[S, O, A]{
		initial:     norm,
		transition:  transition,
		observation: observation,
	}, nil
}

// Initial returns the initial belief.
func (m *SSM[S, O, A]) Initial() Dist[S] { return m.initial }

// Transition returns the transition model.
func (m *SSM[S, O, A]) Transition() TransitionModel[S, A] { return m.transition }

// Observation returns the observation model.
func (m *SSM[S, O, A]) Observation() ObservationModel[S, O] { return m.observation }
