package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kwv/occumesh/gridmap"
)

// corridorConfig is a 2.1m x 1m world at 10cm resolution with one wall at
// y = 0.85 and a single upward-facing sonar mounted 5cm left of center.
func corridorConfig(dir string) string {
	return `grid:
  xN: 21
  yN: 10
  growRadiusInCells: 1
world:
  bounds: {minX: 0, minY: 0, maxX: 2.1, maxY: 1}
  sonarMax: 1.5
  sonars:
    - {x: 0, y: 0.05, theta: 1.5707963267948966}
  walls:
    - {from: {x: 0, y: 0.85}, to: {x: 2.1, y: 0.85}}
store:
  eventLog: ` + filepath.Join(dir, "events.sqlite") + `
  snapshot: ` + filepath.Join(dir, "snapshot.json") + `
`
}

// newTestApp returns an App writing to a buffer, configured from body.
func newTestApp(t *testing.T, body string) (*App, *bytes.Buffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var out bytes.Buffer
	app := NewApp()
	app.Out = &out
	app.ApplyOptions(AppOptions{ConfigFile: path, Steps: 1, NumStates: 2, NumObs: 3, CellPixels: 4})
	return app, &out
}

const freeOnce = 0.03 / 0.66

func TestNewApp(t *testing.T) {
	app := NewApp()
	if app == nil {
		t.Fatal("NewApp returned nil")
		return
	}
	if app.Out == nil {
		t.Error("Out should default to stdout")
	}
	if app.RobotCell() != nil {
		t.Error("RobotCell should be nil before any sonar reading")
	}
}

func TestApplyOptions(t *testing.T) {
	app := NewApp()
	opts := AppOptions{
		ConfigFile:   "test-config.yaml",
		OutputFile:   "test-output.png",
		Steps:        25,
		Noise:        0.05,
		Seed:         9,
		NumStates:    7,
		NumObs:       4,
		CorridorY:    1.5,
		RenderFormat: "vector",
		VectorFormat: "svg",
		CellPixels:   6,
		HttpPort:     8080,
		MqttMode:     true,
		HttpMode:     false,
	}

	app.ApplyOptions(opts)

	if app.ConfigFile != "test-config.yaml" {
		t.Errorf("ConfigFile = %s, want test-config.yaml", app.ConfigFile)
	}
	if app.OutputFile != "test-output.png" {
		t.Errorf("OutputFile = %s, want test-output.png", app.OutputFile)
	}
	if app.Steps != 25 || app.Noise != 0.05 || app.Seed != 9 {
		t.Errorf("simulation options = (%d, %g, %d), want (25, 0.05, 9)", app.Steps, app.Noise, app.Seed)
	}
	if app.NumStates != 7 || app.NumObs != 4 || app.CorridorY != 1.5 {
		t.Errorf("ideal reading options = (%d, %d, %g), want (7, 4, 1.5)", app.NumStates, app.NumObs, app.CorridorY)
	}
	if app.RenderFormat != "vector" || app.VectorFormat != "svg" || app.CellPixels != 6 {
		t.Errorf("render options = (%s, %s, %d)", app.RenderFormat, app.VectorFormat, app.CellPixels)
	}
	if app.HttpPort != 8080 {
		t.Errorf("HttpPort = %d, want 8080", app.HttpPort)
	}
	if !app.MqttMode {
		t.Error("MqttMode should be true")
	}
	if app.HttpMode {
		t.Error("HttpMode should be false")
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	app := NewApp()
	app.ConfigFile = filepath.Join(t.TempDir(), "absent.yaml")
	if err := app.loadConfig(); err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if app.Config.Grid.XN != gridmap.DefaultConfig().Grid.XN {
		t.Errorf("Grid.XN = %d, want default", app.Config.Grid.XN)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	app, _ := newTestApp(t, "grid:\n  xN: -3\n")
	err := app.loadConfig()
	if !errors.Is(err, gridmap.ErrInvalidConfig) {
		t.Errorf("loadConfig error = %v, want ErrInvalidConfig", err)
	}
}

func TestSonars_DefaultFan(t *testing.T) {
	app := NewApp()
	app.Config = gridmap.DefaultConfig()
	fan := app.sonars()
	if len(fan) != 8 {
		t.Fatalf("len(fan) = %d, want 8", len(fan))
	}
	if math.Abs(fan[0].Theta-math.Pi/2) > 1e-12 || math.Abs(fan[7].Theta+math.Pi/2) > 1e-12 {
		t.Errorf("fan spans %g..%g, want pi/2..-pi/2", fan[0].Theta, fan[7].Theta)
	}
}

func TestSimulatedPath(t *testing.T) {
	app := NewApp()
	app.Config = gridmap.DefaultConfig()

	app.Steps = 5
	path := app.simulatedPath()
	if len(path) != 5 {
		t.Fatalf("len(path) = %d, want 5", len(path))
	}
	if math.Abs(path[0].X-0.4) > 1e-12 || math.Abs(path[4].X-3.6) > 1e-12 {
		t.Errorf("path spans %g..%g, want 0.4..3.6", path[0].X, path[4].X)
	}
	for _, p := range path {
		if p.Y != 2 || p.Theta != 0 {
			t.Errorf("pose %+v is off the midline", p)
		}
	}

	app.Steps = 0
	if path := app.simulatedPath(); len(path) != 1 || path[0].X != 2 {
		t.Errorf("single-step path = %+v, want the world center", path)
	}
}

func TestIngest(t *testing.T) {
	app, _ := newTestApp(t, corridorConfig(t.TempDir()))
	if err := app.setup(); err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer app.close()

	msg := &gridmap.SensorMessage{
		Events: []gridmap.SensorEvent{{Index: gridmap.Index{X: 0, Y: 0}, Reading: gridmap.Free}},
		Sonar: []gridmap.SonarReading{
			{Robot: gridmap.Pose{X: 1.05, Y: 0.5}, Sensor: app.sonars()[0], Distance: 0.3},
			{Robot: gridmap.Pose{X: 1.05, Y: 0.5}, Distance: -1},
		},
	}
	err := app.Ingest(context.Background(), msg)
	if err == nil {
		t.Error("expected an error for the negative sonar distance")
	}

	if p := app.Grid.OccupancyProbability(0, 0); math.Abs(p-freeOnce) > 1e-9 {
		t.Errorf("P(0,0) = %g, want %g", p, freeOnce)
	}
	if p := app.Grid.OccupancyProbability(10, 8); math.Abs(p-0.205882) > 1e-6 {
		t.Errorf("P(10,8) = %g, want one hit", p)
	}

	cell := app.RobotCell()
	if cell == nil || *cell != (gridmap.Index{X: 10, Y: 5}) {
		t.Errorf("RobotCell = %v, want (10, 5)", cell)
	}

	n, err := app.EventLog.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 5 {
		t.Errorf("logged %d events, want 5", n)
	}
}

func TestIngest_CancelledBeforeStart(t *testing.T) {
	app, _ := newTestApp(t, corridorConfig(t.TempDir()))
	if err := app.setup(); err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer app.close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := app.Ingest(ctx, &gridmap.SensorMessage{
		Events: []gridmap.SensorEvent{{Index: gridmap.Index{X: 1, Y: 1}, Reading: gridmap.Hit}},
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Ingest error = %v, want context.Canceled", err)
	}
	n, err := app.EventLog.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("logged %d events, want 0", n)
	}
	if p := app.Grid.OccupancyProbability(1, 1); math.Abs(p-0.1) > 1e-12 {
		t.Errorf("P(1,1) = %g, want the prior", p)
	}
}

func TestIngest_UnloggedBatchIsNotApplied(t *testing.T) {
	app, _ := newTestApp(t, corridorConfig(t.TempDir()))
	if err := app.setup(); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := app.EventLog.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err := app.Ingest(context.Background(), &gridmap.SensorMessage{
		Events: []gridmap.SensorEvent{{Index: gridmap.Index{X: 1, Y: 1}, Reading: gridmap.Hit}},
	})
	if err == nil {
		t.Fatal("expected an error when the event log is unavailable")
	}
	if p := app.Grid.OccupancyProbability(1, 1); math.Abs(p-0.1) > 1e-12 {
		t.Errorf("P(1,1) = %g, want the prior", p)
	}
}

func TestIngest_OutOfBoundsEvent(t *testing.T) {
	app, _ := newTestApp(t, "grid:\n  xN: 4\n  yN: 4\n")
	if err := app.setup(); err != nil {
		t.Fatalf("setup: %v", err)
	}
	err := app.Ingest(context.Background(), &gridmap.SensorMessage{
		Events: []gridmap.SensorEvent{{Index: gridmap.Index{X: 4, Y: 0}, Reading: gridmap.Hit}},
	})
	if !errors.Is(err, gridmap.ErrOutOfBounds) {
		t.Errorf("Ingest error = %v, want ErrOutOfBounds", err)
	}
}

func TestRunSimulate_ReplayAndRender(t *testing.T) {
	dir := t.TempDir()
	cfg := corridorConfig(dir)

	app, out := newTestApp(t, cfg)
	app.OutputFile = filepath.Join(dir, "out", "sim.png")
	if err := app.RunSimulate(); err != nil {
		t.Fatalf("RunSimulate: %v", err)
	}
	if !strings.Contains(out.String(), "Simulated 1 readings: 3/210 cells explored, 0 occupied") {
		t.Errorf("unexpected simulate output: %s", out.String())
	}
	if _, err := os.Stat(app.OutputFile); err != nil {
		t.Errorf("rendered PNG missing: %v", err)
	}

	snap, err := gridmap.LoadSnapshot(filepath.Join(dir, "snapshot.json"))
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	for iy, want := range map[int]float64{5: freeOnce, 6: freeOnce, 7: freeOnce, 8: 0.205882, 9: 0.1} {
		if got := snap.POcc[10][iy]; math.Abs(got-want) > 1e-6 {
			t.Errorf("P(10,%d) = %g, want %g", iy, got, want)
		}
	}

	// Replaying the event log into a fresh grid rebuilds the same map.
	replay, out := newTestApp(t, cfg)
	if err := replay.RunReplay(); err != nil {
		t.Fatalf("RunReplay: %v", err)
	}
	if !strings.Contains(out.String(), "Replayed 4 events") {
		t.Errorf("unexpected replay output: %s", out.String())
	}
	if got := replay.Grid.OccupancyProbability(10, 8); math.Abs(got-snap.POcc[10][8]) > 1e-12 {
		t.Errorf("replayed P(10,8) = %g, want %g", got, snap.POcc[10][8])
	}

	// Rendering restores the saved snapshot.
	render, _ := newTestApp(t, cfg)
	render.RenderFormat = "vector"
	render.VectorFormat = "svg"
	render.OutputFile = filepath.Join(dir, "grid.svg")
	if err := render.RunRender(); err != nil {
		t.Fatalf("RunRender: %v", err)
	}
	data, err := os.ReadFile(render.OutputFile)
	if err != nil {
		t.Fatalf("read SVG: %v", err)
	}
	if !strings.Contains(string(data), "<svg") {
		t.Error("vector render did not produce an SVG")
	}
	if got := render.Grid.OccupancyProbability(10, 6); math.Abs(got-freeOnce) > 1e-9 {
		t.Errorf("restored P(10,6) = %g, want %g", got, freeOnce)
	}
}

func TestRunSimulate_NoiseIsSeeded(t *testing.T) {
	cfg := corridorConfig(t.TempDir())
	cfg = strings.Replace(cfg, "  eventLog:", "  eventLogUnused:", 1)

	run := func() [][]float64 {
		app, _ := newTestApp(t, cfg)
		app.Steps = 6
		app.Noise = 0.05
		app.Seed = 42
		if err := app.RunSimulate(); err != nil {
			t.Fatalf("RunSimulate: %v", err)
		}
		return app.Grid.Snapshot().POcc
	}
	a, b := run(), run()
	for ix := range a {
		for iy := range a[ix] {
			if a[ix][iy] != b[ix][iy] {
				t.Fatalf("P(%d,%d) differs between runs with the same seed: %g vs %g", ix, iy, a[ix][iy], b[ix][iy])
			}
		}
	}
}

func TestRunIdealReadings(t *testing.T) {
	app, out := newTestApp(t, `world:
  bounds: {minX: 0, minY: -1, maxX: 1, maxY: 1}
  sonarMax: 1.5
  sonars:
    - {x: 0, y: 0, theta: 0}
  walls:
    - {from: {x: 1, y: -2}, to: {x: 1, y: 2}}
`)
	if err := app.RunIdealReadings(); err != nil {
		t.Fatalf("RunIdealReadings: %v", err)
	}
	if !strings.Contains(out.String(), "Ideal readings (2 states, 3 observations): [1, 0]") {
		t.Errorf("unexpected output: %s", out.String())
	}

	app.NumStates = 0
	if err := app.RunIdealReadings(); err == nil {
		t.Error("expected error for zero states")
	}
}

func TestRunRender_NoSnapshot(t *testing.T) {
	dir := t.TempDir()
	app, _ := newTestApp(t, "store:\n  snapshot: "+filepath.Join(dir, "none.json")+"\n")
	if err := app.RunRender(); err == nil {
		t.Error("expected error when no snapshot exists")
	}
}

func TestRunReplay_NoEventLog(t *testing.T) {
	app, _ := newTestApp(t, "grid:\n  xN: 4\n  yN: 4\n")
	if err := app.RunReplay(); err == nil {
		t.Error("expected error without an event log")
	}
}

func TestRunService_NothingToServe(t *testing.T) {
	app, _ := newTestApp(t, "grid:\n  xN: 4\n  yN: 4\n")
	if err := app.RunService(); err == nil {
		t.Error("expected error with neither --mqtt nor --http")
	}
}

func TestHandleCommand(t *testing.T) {
	dir := t.TempDir()
	app, _ := newTestApp(t, corridorConfig(dir))
	if err := app.setup(); err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer app.close()

	mc := gridmap.NewMockClient()
	mc.SetConnected(true)
	app.Publisher = gridmap.NewPublisher(mc, "lab")
	app.Grid.OnUpdate(func(u gridmap.CellUpdate) { _ = app.Publisher.PublishUpdate(u) })

	ctx := context.Background()
	if err := app.Ingest(ctx, &gridmap.SensorMessage{
		Events: []gridmap.SensorEvent{{Index: gridmap.Index{X: 1, Y: 1}, Reading: gridmap.Hit}},
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	app.handleCommand("snapshot")
	if _, err := os.Stat(filepath.Join(dir, "snapshot.json")); err != nil {
		t.Errorf("snapshot command did not write a snapshot: %v", err)
	}

	app.handleCommand("summary")
	msgs := mc.GetPublishedMessages()
	last := msgs[len(msgs)-1]
	if last.Topic != "lab/summary" {
		t.Errorf("last topic = %s, want lab/summary", last.Topic)
	}
	var summary struct {
		Stats gridmap.Stats `json:"stats"`
	}
	if err := json.Unmarshal(last.Payload, &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Stats.Cells != 210 {
		t.Errorf("summary cells = %d, want 210", summary.Stats.Cells)
	}

	app.handleCommand("reset")
	if p := app.Grid.OccupancyProbability(1, 1); math.Abs(p-0.1) > 1e-12 {
		t.Errorf("P(1,1) after reset = %g, want the prior", p)
	}
	if _, ok := app.Publisher.LastUpdate(gridmap.Index{X: 1, Y: 1}); ok {
		t.Error("reset should forget published updates")
	}
	n, err := app.EventLog.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("event log has %d events after reset, want 0", n)
	}

	// Unknown commands are ignored.
	app.handleCommand("dance")
}
