package gridmap

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kwv/occumesh/bayes"
)

const (
	// DefaultOccupancyThreshold is the P(occupied) above which a cell counts
	// as an obstacle.
	DefaultOccupancyThreshold = 0.8

	// A cell is explored once its belief leaves (exploredLow, exploredHigh).
	// These are fixed and independent of the occupancy threshold.
	exploredHigh = 0.8
	exploredLow  = 0.1
)

var (
	// ErrOutOfBounds is returned when an index falls outside the grid.
	ErrOutOfBounds = errors.New("cell index out of bounds")

	// ErrInvalidConfig is returned for unusable grid or sensor settings.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// GridConfig sizes the grid and sets its derived-query parameters.
type GridConfig struct {
	XN                 int     `yaml:"xN" json:"xN"`
	YN                 int     `yaml:"yN" json:"yN"`
	OccupancyThreshold float64 `yaml:"occupancyThreshold" json:"occupancyThreshold"`
	GrowRadiusInCells  int     `yaml:"growRadiusInCells" json:"growRadiusInCells"`
}

// Validate checks the grid dimensions and parameters.
func (c GridConfig) Validate() error {
	if c.XN <= 0 || c.YN <= 0 {
		return fmt.Errorf("%w: grid dimensions must be positive, got %dx%d", ErrInvalidConfig, c.XN, c.YN)
	}
	if !(c.OccupancyThreshold >= 0 && c.OccupancyThreshold <= 1) {
		return fmt.Errorf("%w: grid.occupancyThreshold must be in [0, 1], got %g", ErrInvalidConfig, c.OccupancyThreshold)
	}
	if c.GrowRadiusInCells < 0 {
		return fmt.Errorf("%w: grid.growRadiusInCells must be >= 0, got %d", ErrInvalidConfig, c.GrowRadiusInCells)
	}
	return nil
}

// UpdateListener is called after a cell has been updated.
type UpdateListener func(CellUpdate)

// Grid is an xN by yN array of independent cell estimators sharing one
// model. It is safe for concurrent use.
type Grid struct {
	mu           sync.RWMutex
	xN, yN       int
	model        *CellModel
	cells        [][]*CellEstimator
	occThreshold float64
	growRadius   int

	listenerMu sync.RWMutex
	listeners  []UpdateListener

	// issued is guarded by mu. Notifications are delivered in ticket order.
	issued      uint64
	deliverMu   sync.Mutex
	deliverCond *sync.Cond
	delivered   uint64
}

// NewGrid allocates a grid of started estimators.
func NewGrid(model *CellModel, cfg GridConfig) (*Grid, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: cell model is nil", bayes.ErrInvalidModel)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Grid{
		xN:           cfg.XN,
		yN:           cfg.YN,
		model:        model,
		occThreshold: cfg.OccupancyThreshold,
		growRadius:   cfg.GrowRadiusInCells,
	}
	g.cells = g.makeStartingGrid()
	g.deliverCond = sync.NewCond(&g.deliverMu)
	return g, nil
}

func (g *Grid) makeStartingGrid() [][]*CellEstimator {
	cells := make([][]*CellEstimator, g.xN)
	for ix := range cells {
		cells[ix] = make([]*CellEstimator, g.yN)
		for iy := range cells[ix] {
			cells[ix][iy] = bayes.NewStateEstimator(g.model)
		}
	}
	return cells
}

// Dims returns the grid size.
func (g *Grid) Dims() (xN, yN int) { return g.xN, g.yN }

// OccupancyThreshold returns the threshold used by IsOccupied.
func (g *Grid) OccupancyThreshold() float64 { return g.occThreshold }

// GrowRadius returns the cost inflation radius in cells.
func (g *Grid) GrowRadius() int { return g.growRadius }

// InBounds reports whether (ix, iy) addresses a cell.
func (g *Grid) InBounds(ix, iy int) bool {
	return ix >= 0 && ix < g.xN && iy >= 0 && iy < g.yN
}

// OnUpdate registers fn to be called after every successful cell update.
// Listeners run on the updating goroutine, outside the grid lock, and see
// updates in the order they were applied. A listener must not update the
// grid itself.
func (g *Grid) OnUpdate(fn UpdateListener) {
	g.listenerMu.Lock()
	defer g.listenerMu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// ticket reserves the next delivery slot. Callers hold g.mu for writing.
func (g *Grid) ticket() uint64 {
	g.issued++
	return g.issued
}

// deliver notifies listeners of updates once every earlier ticket has been
// delivered.
func (g *Grid) deliver(ticket uint64, updates []CellUpdate) {
	g.deliverMu.Lock()
	for g.delivered+1 != ticket {
		g.deliverCond.Wait()
	}
	g.deliverMu.Unlock()

	defer func() {
		g.deliverMu.Lock()
		g.delivered = ticket
		g.deliverCond.Broadcast()
		g.deliverMu.Unlock()
	}()
	g.notify(updates...)
}

func (g *Grid) notify(updates ...CellUpdate) {
	g.listenerMu.RLock()
	listeners := g.listeners
	g.listenerMu.RUnlock()

	for _, u := range updates {
		for _, fn := range listeners {
			fn(u)
		}
	}
}

// RegisterHit feeds a "hit" reading to cell (ix, iy).
func (g *Grid) RegisterHit(ix, iy int) error {
	_, err := g.Register(Index{X: ix, Y: iy}, Hit)
	return err
}

// RegisterFree feeds a "free" reading to cell (ix, iy).
func (g *Grid) RegisterFree(ix, iy int) error {
	_, err := g.Register(Index{X: ix, Y: iy}, Free)
	return err
}

// Register steps the estimator at idx with reading r and returns its new
// belief. Estimator errors are returned as-is; the cell keeps its previous
// belief in that case.
func (g *Grid) Register(idx Index, r Reading) (Belief, error) {
	if !g.InBounds(idx.X, idx.Y) {
		return Belief{}, fmt.Errorf("register %v at %v: %w", r, idx, ErrOutOfBounds)
	}

	g.mu.Lock()
	b, err := g.cells[idx.X][idx.Y].Step(r, NoAction)
	if err != nil {
		g.mu.Unlock()
		return Belief{}, fmt.Errorf("register %v at %v: %w", r, idx, err)
	}
	t := g.ticket()
	g.mu.Unlock()

	g.deliver(t, []CellUpdate{g.cellUpdate(idx, r, b)})
	return b, nil
}

func (g *Grid) cellUpdate(idx Index, r Reading, b Belief) CellUpdate {
	p := b.Prob(Occupied)
	return CellUpdate{
		X:         idx.X,
		Y:         idx.Y,
		Reading:   r,
		POcc:      p,
		Occupied:  p > g.occThreshold,
		Explored:  explored(p),
		Timestamp: time.Now().Unix(),
	}
}

// ApplyEvents applies a batch of readings. Events for the same cell are
// applied in the order given; different cells are updated in parallel.
// A failing event does not stop the others: every failure is returned
// joined together once the batch is done. Cancelling ctx stops the batch
// between events.
func (g *Grid) ApplyEvents(ctx context.Context, events []SensorEvent) error {
	var order []Index
	perCell := make(map[Index][]Reading)
	var failures []error
	for _, ev := range events {
		if !g.InBounds(ev.X, ev.Y) {
			failures = append(failures, fmt.Errorf("register %v at %v: %w", ev.Reading, ev.Index, ErrOutOfBounds))
			continue
		}
		if _, ok := perCell[ev.Index]; !ok {
			order = append(order, ev.Index)
		}
		perCell[ev.Index] = append(perCell[ev.Index], ev.Reading)
	}

	var (
		resMu   sync.Mutex
		updates []CellUpdate
	)

	g.mu.Lock()
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for _, idx := range order {
		eg.Go(func() error {
			se := g.cells[idx.X][idx.Y]
			for _, r := range perCell[idx] {
				if err := ctx.Err(); err != nil {
					return err
				}
				b, err := se.Step(r, NoAction)
				resMu.Lock()
				if err != nil {
					failures = append(failures, fmt.Errorf("register %v at %v: %w", r, idx, err))
				} else {
					updates = append(updates, g.cellUpdate(idx, r, b))
				}
				resMu.Unlock()
			}
			return nil
		})
	}
	waitErr := eg.Wait()
	var t uint64
	if len(updates) > 0 {
		t = g.ticket()
	}
	g.mu.Unlock()

	if len(updates) > 0 {
		g.deliver(t, updates)
	}

	if waitErr != nil {
		failures = append(failures, waitErr)
	}
	return errors.Join(failures...)
}

// Belief returns the current belief of cell (ix, iy). Indices must be in
// bounds.
func (g *Grid) Belief(ix, iy int) Belief {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cells[ix][iy].Belief()
}

// OccupancyProbability returns P(occupied) for cell (ix, iy). Indices must
// be in bounds.
func (g *Grid) OccupancyProbability(ix, iy int) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.occProb(ix, iy)
}

func (g *Grid) occProb(ix, iy int) float64 {
	return g.cells[ix][iy].Belief().Prob(Occupied)
}

// IsOccupied reports whether P(occupied) exceeds the occupancy threshold.
func (g *Grid) IsOccupied(ix, iy int) bool {
	return g.OccupancyProbability(ix, iy) > g.occThreshold
}

// IsExplored reports whether the belief is confident either way.
func (g *Grid) IsExplored(ix, iy int) bool {
	return explored(g.OccupancyProbability(ix, iy))
}

func explored(p float64) bool {
	return p > exploredHigh || p < exploredLow
}

// InflatedCost returns the highest P(occupied) found by sampling, for every
// dx, dy in [0, growRadius], the four points (ix±dx, iy±dy) clipped to the
// grid.
//
// Each (dx, dy) pair only visits the corners of its own box. Taken over all
// pairs those corners cover the clipped square, so the result equals the
// maximum over the square; cells outside the grid are replaced by the edge
// cell they clip to.
func (g *Grid) InflatedCost(ix, iy int) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.inflatedCost(ix, iy)
}

func (g *Grid) inflatedCost(ix, iy int) float64 {
	cost := 0.0
	for dx := 0; dx <= g.growRadius; dx++ {
		for dy := 0; dy <= g.growRadius; dy++ {
			xPlus := clip(ix+dx, 0, g.xN-1)
			xMinus := clip(ix-dx, 0, g.xN-1)
			yPlus := clip(iy+dy, 0, g.yN-1)
			yMinus := clip(iy-dy, 0, g.yN-1)
			cost = max(cost,
				g.occProb(xPlus, yPlus),
				g.occProb(xPlus, yMinus),
				g.occProb(xMinus, yPlus),
				g.occProb(xMinus, yMinus))
		}
	}
	return cost
}

// CanOccupy reports whether the robot may stand in cell (ix, iy): its
// inflated cost does not exceed the occupancy threshold.
func (g *Grid) CanOccupy(ix, iy int) bool {
	return g.InflatedCost(ix, iy) <= g.occThreshold
}

// Reset restarts every cell from the model's initial belief.
func (g *Grid) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, col := range g.cells {
		for _, se := range col {
			se.Start()
		}
	}
}

// Stats summarizes the grid.
type Stats struct {
	Cells    int     `json:"cells"`
	Occupied int     `json:"occupied"`
	Explored int     `json:"explored"`
	MeanPOcc float64 `json:"meanPOcc"`
}

// Stats counts occupied and explored cells.
func (g *Grid) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var s Stats
	var sum float64
	for ix := 0; ix < g.xN; ix++ {
		for iy := 0; iy < g.yN; iy++ {
			p := g.occProb(ix, iy)
			sum += p
			if p > g.occThreshold {
				s.Occupied++
			}
			if explored(p) {
				s.Explored++
			}
		}
	}
	s.Cells = g.xN * g.yN
	if s.Cells > 0 {
		s.MeanPOcc = sum / float64(s.Cells)
	}
	return s
}

func clip(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
