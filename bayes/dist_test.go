package bayes

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tol = 1e-9

func sumProbs[L comparable](d Dist[L]) float64 {
	var s float64
	for _, l := range d.Support() {
		s += d.Prob(l)
	}
	return s
}

// ---------------------------------------------------------------------------
// NewDist / Normalize
// ---------------------------------------------------------------------------

func TestNewDist_Normalizes(t *testing.T) {
	d, err := NewDist([]string{"a", "b", "c"}, map[string]float64{"a": 2, "b": 6, "c": 0})
	require.NoError(t, err)

	assert.InDelta(t, 0.25, d.Prob("a"), tol)
	assert.InDelta(t, 0.75, d.Prob("b"), tol)
	assert.Equal(t, 0.0, d.Prob("c"))
	assert.Equal(t, 3, d.Len())
	assert.Equal(t, []string{"a", "b"}, d.Support())
	assert.InDelta(t, 1.0, sumProbs(d), tol)
}

func TestNewDist_Errors(t *testing.T) {
	tests := []struct {
		name    string
		weights map[string]float64
		want    error
	}{
		{"all zero", map[string]float64{"a": 0, "b": 0}, ErrDegenerateDistribution},
		{"empty", map[string]float64{}, ErrDegenerateDistribution},
		{"negative", map[string]float64{"a": 1, "b": -0.5}, ErrNegativeWeight},
		{"nan", map[string]float64{"a": math.NaN(), "b": 1}, ErrNegativeWeight},
		{"inf", map[string]float64{"a": math.Inf(1), "b": 1}, ErrNegativeWeight},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDist([]string{"a", "b"}, tt.weights)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewDist_DuplicateLabels(t *testing.T) {
	d, err := NewDist([]string{"a", "a", "b"}, map[string]float64{"a": 1, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, d.Labels())
	assert.InDelta(t, 0.5, d.Prob("a"), tol)
}

func TestDistOf(t *testing.T) {
	d, err := DistOf(map[int]float64{1: 1, 2: 3})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, d.Prob(2), tol)
	assert.Equal(t, 2, d.Len())
}

func TestNormalize_ZeroValue(t *testing.T) {
	var d Dist[string]
	_, err := d.Normalize()
	assert.ErrorIs(t, err, ErrDegenerateDistribution)
	assert.Equal(t, 0.0, d.Prob("missing"))
}

func TestNormalize_AbsorbsDrift(t *testing.T) {
	d := Dist[string]{
		labels: []string{"x", "y"},
		probs:  map[string]float64{"x": 0.3000001, "y": 0.7000002},
	}
	n, err := d.Normalize()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, n.Prob("x")+n.Prob("y"), tol)
	// the source is untouched
	assert.Equal(t, 0.3000001, d.Prob("x"))
}

func TestPointMass(t *testing.T) {
	d := PointMass("occ")
	assert.Equal(t, 1.0, d.Prob("occ"))
	assert.Equal(t, 0.0, d.Prob("empty"))
	assert.Equal(t, []string{"occ"}, d.Support())
}

// ---------------------------------------------------------------------------
// Condition
// ---------------------------------------------------------------------------

func TestCondition(t *testing.T) {
	prior, err := NewDist([]string{"occ", "empty"}, map[string]float64{"occ": 0.1, "empty": 0.9})
	require.NoError(t, err)

	likelihood := map[string]float64{"occ": 0.7, "empty": 0.3}
	post, err := prior.Condition(func(s string) float64 { return likelihood[s] })
	require.NoError(t, err)

	// 0.07 / (0.07 + 0.27)
	assert.InDelta(t, 0.07/0.34, post.Prob("occ"), tol)
	assert.InDelta(t, 1.0, sumProbs(post), tol)
	assert.InDelta(t, 0.1, prior.Prob("occ"), tol, "prior must not change")
}

func TestCondition_AllZero(t *testing.T) {
	prior := PointMass("a")
	_, err := prior.Condition(func(s string) float64 {
		if s == "b" {
			return 1
		}
		return 0
	})
	assert.ErrorIs(t, err, ErrDegenerateDistribution)
}

func TestCondition_NegativeLikelihood(t *testing.T) {
	prior := PointMass("a")
	_, err := prior.Condition(func(string) float64 { return -1 })
	assert.ErrorIs(t, err, ErrNegativeWeight)
	assert.False(t, errors.Is(err, ErrDegenerateDistribution))
}

func TestCondition_NormalizationInvariant(t *testing.T) {
	labels := []int{0, 1, 2, 3, 4}
	weights := map[int]float64{0: 0.5, 1: 3, 2: 1e-6, 3: 40, 4: 0}
	d, err := NewDist(labels, weights)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		d, err = d.Condition(func(l int) float64 { return 0.1 + float64((l+i)%5)/7 })
		require.NoError(t, err)
		assert.InDelta(t, 1.0, sumProbs(d), tol, "iteration %d", i)
	}
}

// ---------------------------------------------------------------------------
// Reductions
// ---------------------------------------------------------------------------

func TestMostLikely(t *testing.T) {
	d, err := NewDist([]string{"a", "b", "c"}, map[string]float64{"a": 1, "b": 3, "c": 3})
	require.NoError(t, err)

	label, p := d.MostLikely()
	assert.Equal(t, "b", label, "ties go to the earlier label")
	assert.InDelta(t, 3.0/7, p, tol)

	var empty Dist[string]
	label, p = empty.MostLikely()
	assert.Equal(t, "", label)
	assert.Equal(t, 0.0, p)
}

func TestExpectation(t *testing.T) {
	d, err := NewDist([]int{1, 2, 3}, map[int]float64{1: 1, 2: 1, 3: 2})
	require.NoError(t, err)

	got := Expectation(d, func(v int) float64 { return float64(v) })
	assert.InDelta(t, 0.25*1+0.25*2+0.5*3, got, tol)
}

func TestMap_IsCopy(t *testing.T) {
	d := PointMass("a")
	m := d.Map()
	m["a"] = 0
	assert.Equal(t, 1.0, d.Prob("a"))
}

func TestString(t *testing.T) {
	d, err := NewDist([]string{"occ", "empty"}, map[string]float64{"occ": 1, "empty": 3})
	require.NoError(t, err)
	assert.Equal(t, "DDist(occ: 0.250000, empty: 0.750000)", d.String())
}
