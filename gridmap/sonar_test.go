package gridmap

import (
	"context"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPose_Compose(t *testing.T) {
	robot := Pose{X: 1, Y: 1, Theta: math.Pi / 2}
	sensor := Pose{X: 0.2, Y: 0, Theta: 0}

	got := robot.Compose(sensor)
	assert.InDelta(t, 1.0, got.X, 1e-12)
	assert.InDelta(t, 1.2, got.Y, 1e-12)
	assert.InDelta(t, math.Pi/2, got.Theta, 1e-12)
}

func TestSonarHit(t *testing.T) {
	p := SonarHit(0.5, Pose{}, Pose{X: 1, Y: 1})
	assert.InDelta(t, 1.5, p.X(), 1e-12)
	assert.InDelta(t, 1.0, p.Y(), 1e-12)

	// Sensor mounted 0.1m forward and facing left.
	p = SonarHit(0.3, Pose{X: 0.1, Theta: math.Pi / 2}, Pose{X: 2, Y: 2})
	assert.InDelta(t, 2.1, p.X(), 1e-12)
	assert.InDelta(t, 2.3, p.Y(), 1e-12)
}

// sonarSetup is a 1m x 1m world split into 10 x 10 cells.
func sonarSetup(t *testing.T) (*Grid, *Geometry) {
	t.Helper()
	geom, err := NewGeometry(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}, 10, 10)
	require.NoError(t, err)
	return newTestGrid(t, 10, 10, 0), geom
}

func TestApplySonar_HitAtEnd(t *testing.T) {
	g, geom := sonarSetup(t)

	require.NoError(t, g.ApplySonar(context.Background(), geom, Pose{X: 0.05, Y: 0.05}, Pose{}, 0.5, DefaultSonarMax))

	for ix := 0; ix < 5; ix++ {
		assert.InDelta(t, 0.03/0.66, g.OccupancyProbability(ix, 0), 1e-9, "cell %d should be free", ix)
	}
	assert.InDelta(t, pAfterHits[1], g.OccupancyProbability(5, 0), 1e-6)
	assert.InDelta(t, 0.1, g.OccupancyProbability(6, 0), 1e-12)
	assert.InDelta(t, 0.1, g.OccupancyProbability(0, 1), 1e-12)
}

func TestApplySonar_NoEcho(t *testing.T) {
	g, geom := sonarSetup(t)

	// A max-range reading means nothing was seen: the whole beam is free.
	require.NoError(t, g.ApplySonar(context.Background(), geom, Pose{X: 0.05, Y: 0.05}, Pose{}, 2.0, 0.5))

	for ix := 0; ix <= 5; ix++ {
		assert.InDelta(t, 0.03/0.66, g.OccupancyProbability(ix, 0), 1e-9, "cell %d", ix)
	}
	assert.InDelta(t, 0.1, g.OccupancyProbability(6, 0), 1e-12)
}

func TestApplySonar_EndOutsideWorld(t *testing.T) {
	g, geom := sonarSetup(t)

	require.NoError(t, g.ApplySonar(context.Background(), geom, Pose{X: 0.95, Y: 0.05}, Pose{}, 0.5, DefaultSonarMax))

	// The echo lies past the wall of the world and is not recorded as a hit.
	assert.Less(t, g.OccupancyProbability(9, 0), 0.1)
}

func TestApplySonar_Errors(t *testing.T) {
	g, _ := sonarSetup(t)

	other, err := NewGeometry(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}, 5, 5)
	require.NoError(t, err)
	assert.ErrorIs(t, g.ApplySonar(context.Background(), other, Pose{}, Pose{}, 0.5, 1.5), ErrInvalidConfig)

	_, geom := sonarSetup(t)
	assert.Error(t, g.ApplySonar(context.Background(), geom, Pose{}, Pose{}, -1, 1.5))
	assert.Error(t, g.ApplySonar(context.Background(), geom, Pose{}, Pose{}, math.NaN(), 1.5))
}

func TestIdealSonarReading(t *testing.T) {
	wall := []Segment{{From: orb.Point{1, -2}, To: orb.Point{1, 2}}}

	tests := []struct {
		name   string
		robot  Pose
		sensor Pose
		want   float64
	}{
		{"facing the wall", Pose{}, Pose{}, 1.0},
		{"sensor offset", Pose{}, Pose{X: 0.2}, 0.8},
		{"facing away", Pose{Theta: math.Pi}, Pose{}, 1.5},
		{"out of range", Pose{X: -1}, Pose{}, 1.5},
		{"oblique", Pose{}, Pose{Theta: math.Pi / 4}, math.Sqrt2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IdealSonarReading(tt.robot, tt.sensor, wall, 1.5)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestIdealSonarReading_NearestWall(t *testing.T) {
	walls := []Segment{
		{From: orb.Point{1.2, -1}, To: orb.Point{1.2, 1}},
		{From: orb.Point{0.7, -1}, To: orb.Point{0.7, 1}},
	}
	assert.InDelta(t, 0.7, IdealSonarReading(Pose{}, Pose{}, walls, 1.5), 1e-9)
}

func TestDiscreteSonar(t *testing.T) {
	assert.Equal(t, 0, DiscreteSonar(0, 10, 1.5))
	assert.Equal(t, 5, DiscreteSonar(0.8, 10, 1.5))
	assert.Equal(t, 9, DiscreteSonar(1.5, 10, 1.5))
	assert.Equal(t, 9, DiscreteSonar(7, 10, 1.5))
}

func TestComputeIdealReadings(t *testing.T) {
	// A short wall above the left half of the corridor.
	walls := []Segment{{From: orb.Point{0, 1}, To: orb.Point{0.5, 1}}}
	up := Pose{Theta: math.Pi / 2}

	got := ComputeIdealReadings(walls, 0, 1, 0, 2, 4, up, 1.5)
	assert.Equal(t, []int{2, 3}, got)

	assert.Nil(t, ComputeIdealReadings(walls, 0, 1, 0, 0, 4, up, 1.5))
}

func TestIntersect_Parallel(t *testing.T) {
	a := Segment{From: orb.Point{0, 0}, To: orb.Point{1, 0}}
	b := Segment{From: orb.Point{0, 1}, To: orb.Point{1, 1}}
	_, ok := intersect(a, b)
	assert.False(t, ok)
}
