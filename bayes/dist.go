package bayes

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Dist is a finite probability mass function over labels of type L.
//
// A Dist is immutable: every operation that changes weights returns a new
// Dist, so the same value can be shared between estimators without copying.
// Labels keep the order in which they were supplied; that order is used for
// iteration and for breaking ties in MostLikely.
type Dist[L comparable] struct {
	labels []L
	probs  map[L]float64
}

// NewDist builds a normalized distribution from raw weights. Labels fixes the
// iteration order; weights for labels not listed in labels are ignored and
// listed labels missing from weights get zero mass.
func NewDist[L comparable](labels []L, weights map[L]float64) (Dist[L], error) {
	ordered := make([]L, 0, len(labels))
	seen := make(map[L]bool, len(labels))
	w := make([]float64, 0, len(labels))
	for _, l := range labels {
		if seen[l] {
			continue
		}
		seen[l] = true
		v := weights[l]
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return Dist[L]{}, fmt.Errorf("label %v: %w (got %g)", l, ErrNegativeWeight, v)
		}
		ordered = append(ordered, l)
		w = append(w, v)
	}
	return fromWeights(ordered, w)
}

// DistOf builds a normalized distribution from a weight map. Label order is
// the map's iteration order, so prefer NewDist when order matters.
func DistOf[L comparable](weights map[L]float64) (Dist[L], error) {
	labels := make([]L, 0, len(weights))
	for l := range weights {
		labels = append(labels, l)
	}
	return NewDist(labels, weights)
}

// PointMass returns the distribution that puts all mass on l.
func PointMass[L comparable](l L) Dist[L] {
	return Dist[L]{
		labels: []L{l},
		probs:  map[L]float64{l: 1},
	}
}

// fromWeights normalizes w in place and takes ownership of labels and w.
func fromWeights[L comparable](labels []L, w []float64) (Dist[L], error) {
	total := floats.Sum(w)
	if total <= 0 || math.IsNaN(total) {
		return Dist[L]{}, ErrDegenerateDistribution
	}
	floats.Scale(1/total, w)

	probs := make(map[L]float64, len(labels))
	for i, l := range labels {
		probs[l] = w[i]
	}
	return Dist[L]{labels: labels, probs: probs}, nil
}

// Prob returns the probability of l, or 0 if l is not in the distribution.
func (d Dist[L]) Prob(l L) float64 {
	return d.probs[l]
}

// Len returns the number of labels, including zero-mass ones.
func (d Dist[L]) Len() int {
	return len(d.labels)
}

// Labels returns a copy of the labels in order.
func (d Dist[L]) Labels() []L {
	out := make([]L, len(d.labels))
	copy(out, d.labels)
	return out
}

// Support returns the labels with positive probability, in order.
func (d Dist[L]) Support() []L {
	out := make([]L, 0, len(d.labels))
	for _, l := range d.labels {
		if d.probs[l] > 0 {
			out = append(out, l)
		}
	}
	return out
}

// Map returns a copy of the label to probability mapping.
func (d Dist[L]) Map() map[L]float64 {
	out := make(map[L]float64, len(d.probs))
	for l, p := range d.probs {
		out[l] = p
	}
	return out
}

// Normalize returns a rescaled copy whose probabilities sum to one. It is
// used after arithmetic on probabilities to absorb floating-point drift.
func (d Dist[L]) Normalize() (Dist[L], error) {
	labels := d.Labels()
	w := make([]float64, len(labels))
	for i, l := range labels {
		w[i] = d.probs[l]
	}
	return fromWeights(labels, w)
}

// Condition weights every label by likelihood(label) and renormalizes.
// It is the update half of a Bayes step. An all-zero product returns
// ErrDegenerateDistribution.
func (d Dist[L]) Condition(likelihood func(L) float64) (Dist[L], error) {
	labels := d.Labels()
	w := make([]float64, len(labels))
	for i, l := range labels {
		lk := likelihood(l)
		if lk < 0 || math.IsNaN(lk) || math.IsInf(lk, 0) {
			return Dist[L]{}, fmt.Errorf("likelihood of %v: %w (got %g)", l, ErrNegativeWeight, lk)
		}
		w[i] = d.probs[l] * lk
	}
	return fromWeights(labels, w)
}

// MostLikely returns the label with the highest probability. Ties go to the
// label that comes first. The zero label and 0 are returned for an empty
// distribution.
func (d Dist[L]) MostLikely() (L, float64) {
	var best L
	bestP := -1.0
	for _, l := range d.labels {
		if p := d.probs[l]; p > bestP {
			best, bestP = l, p
		}
	}
	if bestP < 0 {
		return best, 0
	}
	return best, bestP
}

// Expectation returns the expected value of f under d.
func Expectation[L comparable](d Dist[L], f func(L) float64) float64 {
	var sum float64
	for _, l := range d.labels {
		if p := d.probs[l]; p > 0 {
			sum += p * f(l)
		}
	}
	return sum
}

func (d Dist[L]) String() string {
	var b strings.Builder
	b.WriteString("DDist(")
	for i, l := range d.labels {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%v: %.6f", l, d.probs[l])
	}
	b.WriteString(")")
	return b.String()
}
