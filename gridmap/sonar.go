package gridmap

import (
	"context"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// DefaultSonarMax is the longest distance a sonar reports, in meters.
// Readings at or beyond it mean nothing was hit.
const DefaultSonarMax = 1.5

// Pose is a position and heading (radians, counter-clockwise from +x).
type Pose struct {
	X     float64 `yaml:"x" json:"x"`
	Y     float64 `yaml:"y" json:"y"`
	Theta float64 `yaml:"theta" json:"theta"`
}

// Point drops the heading.
func (p Pose) Point() orb.Point {
	return orb.Point{p.X, p.Y}
}

// Compose returns q expressed in the frame p is expressed in, where q is
// given relative to p.
func (p Pose) Compose(q Pose) Pose {
	cos, sin := math.Cos(p.Theta), math.Sin(p.Theta)
	return Pose{
		X:     p.X + q.X*cos - q.Y*sin,
		Y:     p.Y + q.X*sin + q.Y*cos,
		Theta: p.Theta + q.Theta,
	}
}

// Segment is a wall in world coordinates.
type Segment struct {
	From orb.Point
	To   orb.Point
}

// SonarHit returns the world point d meters along the beam of a sonar
// mounted at sensorPose on a robot at robotPose.
func SonarHit(d float64, sensorPose, robotPose Pose) orb.Point {
	return robotPose.Compose(sensorPose).Compose(Pose{X: d}).Point()
}

// SonarEvents turns one sonar reading into cell events: every cell the beam
// crosses before its end is free, and the end cell is a hit when the reading
// is shorter than sonarMax and lands inside the world.
func SonarEvents(geom *Geometry, robotPose, sensorPose Pose, d, sonarMax float64) ([]SensorEvent, error) {
	if d < 0 || math.IsNaN(d) {
		return nil, fmt.Errorf("sonar: invalid distance %g", d)
	}

	origin := SonarHit(0, sensorPose, robotPose)
	end := SonarHit(math.Min(d, sonarMax), sensorPose, robotPose)
	cells := geom.RayCells(geom.PointToIndices(origin), geom.PointToIndices(end))

	events := make([]SensorEvent, 0, len(cells))
	for _, idx := range cells[:len(cells)-1] {
		events = append(events, SensorEvent{Index: idx, Reading: Free})
	}
	last := SensorEvent{Index: cells[len(cells)-1], Reading: Free}
	if d < sonarMax && geom.Contains(end) {
		last.Reading = Hit
	}
	return append(events, last), nil
}

// ApplySonar applies the events of one sonar reading to the grid.
func (g *Grid) ApplySonar(ctx context.Context, geom *Geometry, robotPose, sensorPose Pose, d, sonarMax float64) error {
	if geom.XN != g.xN || geom.YN != g.yN {
		return fmt.Errorf("%w: geometry is %dx%d, grid is %dx%d", ErrInvalidConfig, geom.XN, geom.YN, g.xN, g.yN)
	}
	events, err := SonarEvents(geom, robotPose, sensorPose, d, sonarMax)
	if err != nil {
		return err
	}
	return g.ApplyEvents(ctx, events)
}

// IdealSonarReading returns the distance at which a noise-free sonar would
// see the nearest wall, or sonarMax if no wall is within range.
func IdealSonarReading(robotPose, sensorPose Pose, walls []Segment, sonarMax float64) float64 {
	origin := SonarHit(0, sensorPose, robotPose)
	beam := Segment{From: origin, To: SonarHit(sonarMax, sensorPose, robotPose)}

	best := sonarMax
	for _, w := range walls {
		if p, ok := intersect(beam, w); ok {
			best = math.Min(best, planar.Distance(origin, p))
		}
	}
	return best
}

// DiscreteSonar returns the bin a reading of d falls into when [0, sonarMax)
// is split into numBins equal bins. Readings at or past sonarMax land in
// the last bin.
func DiscreteSonar(d float64, numBins int, sonarMax float64) int {
	binSize := sonarMax / float64(numBins)
	return min(int(d/binSize), numBins-1)
}

// ComputeIdealReadings drives a robot along y from xMin to xMax, split into
// numStates bins, and returns the discretized ideal reading of the sensor at
// the middle of each bin, with numObs observation bins.
func ComputeIdealReadings(walls []Segment, xMin, xMax, y float64, numStates, numObs int, sensorPose Pose, sonarMax float64) []int {
	if numStates <= 0 || numObs <= 0 {
		return nil
	}
	xStep := (xMax - xMin) / float64(numStates)
	readings := make([]int, 0, numStates)
	x := xMin + xStep/2
	for i := 0; i < numStates; i++ {
		d := IdealSonarReading(Pose{X: x, Y: y}, sensorPose, walls, sonarMax)
		readings = append(readings, DiscreteSonar(d, numObs, sonarMax))
		x += xStep
	}
	return readings
}

// intersect returns the point where segments a and b cross.
func intersect(a, b Segment) (orb.Point, bool) {
	rx, ry := a.To.X()-a.From.X(), a.To.Y()-a.From.Y()
	sx, sy := b.To.X()-b.From.X(), b.To.Y()-b.From.Y()

	denom := rx*sy - ry*sx
	if math.Abs(denom) < 1e-12 {
		return orb.Point{}, false
	}
	qpx, qpy := b.From.X()-a.From.X(), b.From.Y()-a.From.Y()
	t := (qpx*sy - qpy*sx) / denom
	u := (qpx*ry - qpy*rx) / denom
	if t < 0 || t > 1 || u < 0 || u > 1 {
		return orb.Point{}, false
	}
	return orb.Point{a.From.X() + t*rx, a.From.Y() + t*ry}, true
}
