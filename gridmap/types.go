package gridmap

import (
	"fmt"
	"strings"

	"github.com/kwv/occumesh/bayes"
)

// CellState is the hidden state of a grid cell.
type CellState int

const (
	Empty CellState = iota
	Occupied
)

func (s CellState) String() string {
	switch s {
	case Empty:
		return "empty"
	case Occupied:
		return "occ"
	default:
		return fmt.Sprintf("CellState(%d)", int(s))
	}
}

// Reading is a binary sensor observation of a cell.
type Reading int

const (
	Free Reading = iota
	Hit
)

func (r Reading) String() string {
	switch r {
	case Free:
		return "free"
	case Hit:
		return "hit"
	default:
		return fmt.Sprintf("Reading(%d)", int(r))
	}
}

// ParseReading parses "hit" or "free" (case-insensitive).
func ParseReading(s string) (Reading, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hit":
		return Hit, nil
	case "free":
		return Free, nil
	}
	return 0, fmt.Errorf("unknown reading %q (want hit or free)", s)
}

// MarshalText encodes the reading as "hit" or "free".
func (r Reading) MarshalText() ([]byte, error) {
	if r != Hit && r != Free {
		return nil, fmt.Errorf("unknown reading %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText decodes "hit" or "free".
func (r *Reading) UnmarshalText(text []byte) error {
	v, err := ParseReading(string(text))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Action is the control input paired with a reading. Cells are only ever
// stepped with NoAction.
type Action int

const NoAction Action = 0

// Index addresses a cell by column and row.
type Index struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (i Index) String() string {
	return fmt.Sprintf("(%d, %d)", i.X, i.Y)
}

// Belief is a cell's distribution over CellState.
type Belief = bayes.Dist[CellState]

// CellModel is the stochastic state model shared by every cell.
type CellModel = bayes.SSM[CellState, Reading, Action]

// CellEstimator is the Bayes filter owned by one cell.
type CellEstimator = bayes.StateEstimator[CellState, Reading, Action]

// SensorEvent is one reading addressed to one cell.
type SensorEvent struct {
	Index
	Reading Reading `json:"reading"`
}

// CellUpdate describes a cell after a successful update.
type CellUpdate struct {
	X         int     `json:"x"`
	Y         int     `json:"y"`
	Reading   Reading `json:"reading"`
	POcc      float64 `json:"pOcc"`
	Occupied  bool    `json:"occupied"`
	Explored  bool    `json:"explored"`
	Timestamp int64   `json:"timestamp"`
}
