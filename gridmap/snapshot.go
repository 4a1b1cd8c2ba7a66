package gridmap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kwv/occumesh/bayes"
)

// GridSnapshot is a serializable copy of every cell's P(occupied).
// POcc is indexed [x][y].
type GridSnapshot struct {
	XN                 int         `json:"xN"`
	YN                 int         `json:"yN"`
	OccupancyThreshold float64     `json:"occupancyThreshold"`
	GrowRadiusInCells  int         `json:"growRadiusInCells"`
	POcc               [][]float64 `json:"pOcc"`
	Stats              Stats       `json:"stats"`
	LastUpdated        int64       `json:"lastUpdated"`
}

// Snapshot copies the current beliefs.
func (g *Grid) Snapshot() *GridSnapshot {
	stats := g.Stats()

	g.mu.RLock()
	defer g.mu.RUnlock()

	p := make([][]float64, g.xN)
	for ix := range p {
		p[ix] = make([]float64, g.yN)
		for iy := range p[ix] {
			p[ix][iy] = g.occProb(ix, iy)
		}
	}
	return &GridSnapshot{
		XN:                 g.xN,
		YN:                 g.yN,
		OccupancyThreshold: g.occThreshold,
		GrowRadiusInCells:  g.growRadius,
		POcc:               p,
		Stats:              stats,
		LastUpdated:        time.Now().Unix(),
	}
}

// Restore seeds every cell from snap. The snapshot must match the grid's
// dimensions; on error no cell is changed.
func (g *Grid) Restore(snap *GridSnapshot) error {
	if snap == nil {
		return fmt.Errorf("restore: snapshot is nil")
	}
	if snap.XN != g.xN || snap.YN != g.yN || len(snap.POcc) != g.xN {
		return fmt.Errorf("%w: snapshot is %dx%d, grid is %dx%d", ErrInvalidConfig, snap.XN, snap.YN, g.xN, g.yN)
	}

	beliefs := make([][]Belief, g.xN)
	for ix := range beliefs {
		if len(snap.POcc[ix]) != g.yN {
			return fmt.Errorf("%w: snapshot column %d has %d cells, want %d", ErrInvalidConfig, ix, len(snap.POcc[ix]), g.yN)
		}
		beliefs[ix] = make([]Belief, g.yN)
		for iy, p := range snap.POcc[ix] {
			b, err := bayes.NewDist(cellStates, map[CellState]float64{Occupied: p, Empty: 1 - p})
			if err != nil {
				return fmt.Errorf("restore cell (%d, %d): %w", ix, iy, err)
			}
			beliefs[ix][iy] = b
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for ix := range beliefs {
		for iy := range beliefs[ix] {
			if err := g.cells[ix][iy].StartFrom(beliefs[ix][iy]); err != nil {
				return fmt.Errorf("restore cell (%d, %d): %w", ix, iy, err)
			}
		}
	}
	return nil
}

// SaveSnapshot writes snap to path as indented JSON. The file is written
// next to path and renamed into place, so readers see either the previous
// snapshot or the new one.
func SaveSnapshot(snap *GridSnapshot, path string) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal grid snapshot: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write grid snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync grid snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close grid snapshot: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod grid snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace grid snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a snapshot written by SaveSnapshot.
func LoadSnapshot(path string) (*GridSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read grid snapshot: %w", err)
	}
	var snap GridSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal grid snapshot: %w", err)
	}
	return &snap, nil
}
