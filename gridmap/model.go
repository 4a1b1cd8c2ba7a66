package gridmap

import (
	"fmt"

	"github.com/kwv/occumesh/bayes"
)

const (
	DefaultFalsePositiveRate           = 0.3
	DefaultFalseNegativeRate           = 0.3
	DefaultInitialOccupancyProbability = 0.1
)

var (
	cellStates = []CellState{Occupied, Empty}
	readings   = []Reading{Hit, Free}
)

// SensorModel holds the noise characteristics of the range sensor.
type SensorModel struct {
	// FalsePositiveRate is P(hit | empty).
	FalsePositiveRate float64 `yaml:"falsePositiveRate" json:"falsePositiveRate"`
	// FalseNegativeRate is P(free | occupied).
	FalseNegativeRate float64 `yaml:"falseNegativeRate" json:"falseNegativeRate"`
	// InitialOccupancyProbability is the prior P(occupied) of every cell.
	InitialOccupancyProbability float64 `yaml:"initialOccupancyProbability" json:"initialOccupancyProbability"`
}

// DefaultSensorModel returns the stock sonar noise model.
func DefaultSensorModel() SensorModel {
	return SensorModel{
		FalsePositiveRate:           DefaultFalsePositiveRate,
		FalseNegativeRate:           DefaultFalseNegativeRate,
		InitialOccupancyProbability: DefaultInitialOccupancyProbability,
	}
}

// Validate checks that every rate is a probability.
func (sm SensorModel) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"falsePositiveRate", sm.FalsePositiveRate},
		{"falseNegativeRate", sm.FalseNegativeRate},
		{"initialOccupancyProbability", sm.InitialOccupancyProbability},
	} {
		if !(f.v >= 0 && f.v <= 1) {
			return fmt.Errorf("%w: sensor.%s must be in [0, 1], got %g", ErrInvalidConfig, f.name, f.v)
		}
	}
	return nil
}

// NewCellModel builds the per-cell model: a prior from
// InitialOccupancyProbability, the identity transition and an observation
// model derived from the false positive and false negative rates.
func NewCellModel(sm SensorModel) (*CellModel, error) {
	if err := sm.Validate(); err != nil {
		return nil, err
	}

	initial, err := bayes.NewDist(cellStates, map[CellState]float64{
		Occupied: sm.InitialOccupancyProbability,
		Empty:    1 - sm.InitialOccupancyProbability,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: initial belief: %w", bayes.ErrInvalidModel, err)
	}

	whenEmpty, err := bayes.NewDist(readings, map[Reading]float64{
		Hit:  sm.FalsePositiveRate,
		Free: 1 - sm.FalsePositiveRate,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: observation model: %w", bayes.ErrInvalidModel, err)
	}
	whenOccupied, err := bayes.NewDist(readings, map[Reading]float64{
		Hit:  1 - sm.FalseNegativeRate,
		Free: sm.FalseNegativeRate,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: observation model: %w", bayes.ErrInvalidModel, err)
	}

	observe := bayes.ObservationFunc[CellState, Reading](func(s CellState) bayes.Dist[Reading] {
		if s == Empty {
			return whenEmpty
		}
		return whenOccupied
	})

	return bayes.NewSSM[CellState, Reading, Action](initial, bayes.IdentityTransition[CellState, Action](), observe)
}
