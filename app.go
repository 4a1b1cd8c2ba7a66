package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kwv/occumesh/gridmap"
)

// summaryInterval is how often the service publishes grid stats over MQTT.
const summaryInterval = 10 * time.Second

// App encapsulates the application state and dependencies
type App struct {
	Config     *gridmap.Config
	Geometry   *gridmap.Geometry
	Grid       *gridmap.Grid
	EventLog   *gridmap.EventLog
	Remote     *gridmap.RemoteStore
	MQTTClient *gridmap.MQTTClient
	Publisher  *gridmap.Publisher
	Stream     *StreamHub
	Out        io.Writer

	// CLI Flags (effectively dependencies)
	ConfigFile   string
	OutputFile   string
	Steps        int
	Noise        float64
	Seed         uint64
	NumStates    int
	NumObs       int
	CorridorY    float64
	RenderFormat string
	VectorFormat string
	CellPixels   int
	HttpPort     int
	MqttMode     bool
	HttpMode     bool

	robotMu sync.RWMutex
	robot   *gridmap.Pose
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{Out: os.Stdout}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.OutputFile = opts.OutputFile
	a.Steps = opts.Steps
	a.Noise = opts.Noise
	a.Seed = opts.Seed
	a.NumStates = opts.NumStates
	a.NumObs = opts.NumObs
	a.CorridorY = opts.CorridorY
	a.RenderFormat = opts.RenderFormat
	a.VectorFormat = opts.VectorFormat
	a.CellPixels = opts.CellPixels
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// loadConfig reads ConfigFile, falling back to defaults when it is absent.
func (a *App) loadConfig() error {
	if a.Config != nil {
		return nil
	}
	if a.ConfigFile == "" {
		a.Config = gridmap.DefaultConfig()
		return nil
	}
	if _, err := os.Stat(a.ConfigFile); errors.Is(err, os.ErrNotExist) {
		log.Printf("No config at %s, using defaults", a.ConfigFile)
		a.Config = gridmap.DefaultConfig()
		return nil
	}
	config, err := gridmap.LoadConfig(a.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config %s: %w", a.ConfigFile, err)
	}
	log.Printf("Loaded config from %s", a.ConfigFile)
	a.Config = config
	return nil
}

// setup builds the grid and opens the configured stores.
func (a *App) setup() error {
	if err := a.loadConfig(); err != nil {
		return err
	}

	model, err := gridmap.NewCellModel(a.Config.Sensor)
	if err != nil {
		return err
	}
	grid, err := gridmap.NewGrid(model, a.Config.Grid)
	if err != nil {
		return err
	}
	geom, err := a.Config.Geometry()
	if err != nil {
		return err
	}
	a.Grid = grid
	a.Geometry = geom

	if path := a.Config.Store.EventLog; path != "" {
		l, err := gridmap.OpenEventLog(path)
		if err != nil {
			return err
		}
		a.EventLog = l
		log.Printf("[STORE] Event log: %s", path)
	}

	if a.Config.Store.Remote.URL != "" {
		remote, err := gridmap.NewRemoteStore(a.Config.Store.Remote)
		if err != nil {
			return err
		}
		a.Remote = remote
		log.Printf("[STORE] Remote store: %s", a.Config.Store.Remote.URL)
	}
	return nil
}

// close releases the stores opened by setup.
func (a *App) close() {
	if a.EventLog != nil {
		if err := a.EventLog.Close(); err != nil {
			log.Printf("Error closing event log: %v", err)
		}
		a.EventLog = nil
	}
}

// sonarMax is the configured sonar range.
func (a *App) sonarMax() float64 {
	if a.Config.World.SonarMax > 0 {
		return a.Config.World.SonarMax
	}
	return gridmap.DefaultSonarMax
}

// sonars returns the configured sensor poses, or a fan of eight sonars
// across the front of the robot.
func (a *App) sonars() []gridmap.Pose {
	if len(a.Config.World.Sonars) > 0 {
		return a.Config.World.Sonars
	}
	fan := make([]gridmap.Pose, 8)
	for i := range fan {
		theta := math.Pi/2 - float64(i)*math.Pi/7
		fan[i] = gridmap.Pose{X: 0.15 * math.Cos(theta), Y: 0.15 * math.Sin(theta), Theta: theta}
	}
	return fan
}

// Ingest turns msg into cell events, records them in the event log and
// applies them to the grid. Sonar readings that cannot be converted are
// reported alongside any rejected events. Once started, a batch is logged
// and applied in full even if ctx is cancelled, so the log always replays
// to the grid; a batch that cannot be logged is not applied.
func (a *App) Ingest(ctx context.Context, msg *gridmap.SensorMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	events := append([]gridmap.SensorEvent(nil), msg.Events...)
	var errs []error
	for _, s := range msg.Sonar {
		evs, err := gridmap.SonarEvents(a.Geometry, s.Robot, s.Sensor, s.Distance, a.sonarMax())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, evs...)
		a.setRobot(s.Robot)
	}

	if len(events) > 0 && a.EventLog != nil {
		if err := a.EventLog.Append(ctx, events); err != nil {
			return errors.Join(append(errs, err)...)
		}
	}
	if err := a.Grid.ApplyEvents(ctx, events); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) setRobot(p gridmap.Pose) {
	a.robotMu.Lock()
	a.robot = &p
	a.robotMu.Unlock()
}

// RobotCell returns the cell of the last robot pose seen in a sonar reading.
func (a *App) RobotCell() *gridmap.Index {
	a.robotMu.RLock()
	defer a.robotMu.RUnlock()
	if a.robot == nil || a.Geometry == nil {
		return nil
	}
	idx := a.Geometry.PointToIndices(a.robot.Point())
	return &idx
}

// RunSimulate drives a simulated robot along the middle of the world,
// takes noisy readings of the configured walls with every sonar and maps
// them.
func (a *App) RunSimulate() error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.close()

	walls := a.Config.World.Segments()
	if len(walls) == 0 {
		log.Println("Warning: no walls configured; every reading will be a miss")
	}

	noise := distuv.Normal{Mu: 0, Sigma: a.Noise, Src: rand.NewPCG(a.Seed, a.Seed+1)}
	ctx := context.Background()
	readings := 0
	for _, robot := range a.simulatedPath() {
		msg := &gridmap.SensorMessage{}
		for _, sensor := range a.sonars() {
			d := gridmap.IdealSonarReading(robot, sensor, walls, a.sonarMax())
			if a.Noise > 0 {
				d = max(d+noise.Rand(), 0)
			}
			msg.Sonar = append(msg.Sonar, gridmap.SonarReading{Robot: robot, Sensor: sensor, Distance: d})
		}
		readings += len(msg.Sonar)
		if err := a.Ingest(ctx, msg); err != nil {
			log.Printf("Warning: %v", err)
		}
	}

	s := a.Grid.Stats()
	_, _ = fmt.Fprintf(a.Out, "Simulated %d readings: %d/%d cells explored, %d occupied\n",
		readings, s.Explored, s.Cells, s.Occupied)

	if err := a.saveSnapshot(ctx); err != nil {
		return err
	}
	if a.OutputFile != "" {
		return a.render(a.OutputFile)
	}
	return nil
}

// simulatedPath is Steps poses heading +x along the horizontal midline,
// keeping a tenth of the world width clear at each end.
func (a *App) simulatedPath() []gridmap.Pose {
	b := a.Config.World.Bounds
	y := (b.MinY + b.MaxY) / 2
	margin := (b.MaxX - b.MinX) / 10
	steps := max(a.Steps, 1)
	if steps == 1 {
		return []gridmap.Pose{{X: (b.MinX + b.MaxX) / 2, Y: y}}
	}

	step := (b.MaxX - b.MinX - 2*margin) / float64(steps-1)
	path := make([]gridmap.Pose, steps)
	for i := range path {
		path[i] = gridmap.Pose{X: b.MinX + margin + float64(i)*step, Y: y}
	}
	return path
}

// RunIdealReadings prints the discretized noise-free readings of the first
// sonar along a corridor spanning the world.
func (a *App) RunIdealReadings() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	b := a.Config.World.Bounds
	sensor := a.sonars()[0]
	readings := gridmap.ComputeIdealReadings(a.Config.World.Segments(), b.MinX, b.MaxX, a.CorridorY,
		a.NumStates, a.NumObs, sensor, a.sonarMax())
	if readings == nil {
		return fmt.Errorf("ideal readings: num-states and num-obs must be positive")
	}

	parts := make([]string, len(readings))
	for i, r := range readings {
		parts[i] = fmt.Sprint(r)
	}
	_, _ = fmt.Fprintf(a.Out, "Ideal readings (%d states, %d observations): [%s]\n",
		a.NumStates, a.NumObs, strings.Join(parts, ", "))
	return nil
}

// RunRender restores the saved grid and writes an image of it.
func (a *App) RunRender() error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.close()

	if err := a.restore(context.Background()); err != nil {
		return err
	}
	out := a.OutputFile
	if out == "" {
		out = "grid.png"
		if a.RenderFormat == "vector" && a.VectorFormat != "png" {
			out = "grid.svg"
		}
	}
	return a.render(out)
}

// RunReplay rebuilds the grid from the event log and saves it.
func (a *App) RunReplay() error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.close()

	if a.EventLog == nil {
		return fmt.Errorf("replay: no event log configured (store.eventLog)")
	}
	ctx := context.Background()
	n, err := a.EventLog.Replay(ctx, a.Grid)
	if err != nil {
		log.Printf("Warning: replay rejected some events: %v", err)
	}

	s := a.Grid.Stats()
	_, _ = fmt.Fprintf(a.Out, "Replayed %d events: %d/%d cells explored, %d occupied\n",
		n, s.Explored, s.Cells, s.Occupied)

	if err := a.saveSnapshot(ctx); err != nil {
		return err
	}
	if a.OutputFile != "" {
		return a.render(a.OutputFile)
	}
	return nil
}

// restore seeds the grid from the local snapshot, then the remote store.
func (a *App) restore(ctx context.Context) error {
	if path := a.Config.Store.Snapshot; path != "" {
		snap, err := gridmap.LoadSnapshot(path)
		switch {
		case err == nil:
			log.Printf("[STORE] Loaded snapshot from %s", path)
			return a.Grid.Restore(snap)
		case errors.Is(err, os.ErrNotExist):
		default:
			return err
		}
	}
	if a.Remote != nil {
		snap, err := a.Remote.FetchSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("fetching remote snapshot: %w", err)
		}
		log.Printf("[STORE] Loaded snapshot from remote store")
		return a.Grid.Restore(snap)
	}
	return fmt.Errorf("no snapshot found (store.snapshot or store.remote)")
}

// saveSnapshot writes the grid to the local snapshot file and pushes it to
// the remote store when one is configured.
func (a *App) saveSnapshot(ctx context.Context) error {
	snap := a.Grid.Snapshot()
	if path := a.Config.Store.Snapshot; path != "" {
		if err := gridmap.SaveSnapshot(snap, path); err != nil {
			return err
		}
		log.Printf("[STORE] Saved snapshot to %s", path)
	}
	if a.Remote != nil {
		if err := a.Remote.PushSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("pushing snapshot: %w", err)
		}
		log.Printf("[STORE] Pushed snapshot to remote store")
	}
	return nil
}

// render writes the grid to path in the configured format.
func (a *App) render(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating output dir: %w", err)
		}
	}

	if a.RenderFormat == "vector" {
		renderer := gridmap.NewVectorRenderer(a.Grid)
		renderer.Geometry = a.Geometry
		renderer.Walls = a.Config.World.Segments()

		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		if a.VectorFormat == "png" {
			err = renderer.RenderToPNG(f)
		} else {
			err = renderer.RenderToSVG(f)
		}
		if err != nil {
			return err
		}
	} else {
		renderer := gridmap.NewGridRenderer(a.Grid)
		if a.CellPixels > 0 {
			renderer.CellPixels = a.CellPixels
		}
		renderer.Robot = a.RobotCell()
		if err := renderer.SavePNG(path); err != nil {
			return err
		}
	}
	_, _ = fmt.Fprintf(a.Out, "Wrote %s\n", path)
	return nil
}

// handleCommand executes a command received over MQTT.
func (a *App) handleCommand(command string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch command {
	case "reset":
		a.Grid.Reset()
		if a.Publisher != nil {
			a.Publisher.Forget()
		}
		if a.EventLog != nil {
			if err := a.EventLog.Truncate(ctx); err != nil {
				log.Printf("Error truncating event log: %v", err)
			}
		}
		log.Println("Grid reset")
	case "snapshot":
		if err := a.saveSnapshot(ctx); err != nil {
			log.Printf("Error saving snapshot: %v", err)
		}
	case "summary":
		a.publishSummary()
	default:
		log.Printf("Ignoring unknown command %q", command)
	}
}

func (a *App) publishSummary() {
	if a.Publisher == nil {
		return
	}
	if err := a.Publisher.PublishSummary(a.Grid.Stats()); err != nil {
		log.Printf("Error publishing summary: %v", err)
	}
}

// startMQTT connects to the broker and wires published cell updates.
func (a *App) startMQTT() error {
	handler := func(msg *gridmap.SensorMessage, err error) {
		if err != nil {
			log.Printf("Error decoding sensor message: %v", err)
			return
		}
		if err := a.Ingest(context.Background(), msg); err != nil {
			log.Printf("Error applying sensor message: %v", err)
		}
	}

	client, err := gridmap.InitMQTT(a.Config, handler)
	if err != nil {
		return fmt.Errorf("failed to initialize MQTT: %w", err)
	}
	if client == nil {
		return fmt.Errorf("MQTT broker not configured in %s", a.ConfigFile)
	}
	client.SetCommandHandler(a.handleCommand)
	a.MQTTClient = client

	a.Publisher = gridmap.NewPublisher(client.GetClient(), a.Config.MQTT.PublishPrefix)
	a.Grid.OnUpdate(func(u gridmap.CellUpdate) {
		if err := a.Publisher.PublishUpdate(u); err != nil && client.IsConnected() {
			log.Printf("Error publishing cell %d,%d: %v", u.X, u.Y, err)
		}
	})
	fmt.Println("MQTT cell publisher initialized")
	return nil
}

// RunService maps sensor messages arriving over MQTT and HTTP until
// interrupted.
func (a *App) RunService() error {
	if !a.MqttMode && !a.HttpMode {
		return fmt.Errorf("nothing to serve: enable --mqtt and/or --http")
	}
	fmt.Println("Starting occumesh service...")
	if err := a.setup(); err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.restore(ctx); err != nil {
		log.Printf("Starting from the prior: %v", err)
	}

	if a.MqttMode {
		if err := a.startMQTT(); err != nil {
			return err
		}
	}

	var srv *http.Server
	if a.HttpMode {
		a.Stream = NewStreamHub(a.Grid)
		a.Grid.OnUpdate(a.Stream.Publish)
		srv = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(a.Grid, a.Config, a, a.Stream),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] Server error: %v", err)
				stop()
			}
		}()
	}

	fmt.Println("\nService Running")
	fmt.Println("===============")
	if a.MqttMode {
		fmt.Println("\nMQTT:")
		fmt.Printf("  Sensor topic:  %s\n", a.Config.MQTT.SensorTopic)
		fmt.Printf("  Command topic: %s\n", a.Config.MQTT.CommandTopic)
		fmt.Printf("  Publishing to: %s/cells/{x}/{y}\n", a.Publisher.Prefix())
		fmt.Printf("  Summary:       %s\n", a.Publisher.SummaryTopic())
	}
	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Println("  GET  /health       - Health check")
		fmt.Println("  GET  /grid.json    - Grid snapshot")
		fmt.Println("  GET  /grid.png     - Raster map")
		fmt.Println("  GET  /grid.svg     - Vector map")
		fmt.Println("  GET  /cells/{x}/{y} - One cell")
		fmt.Println("  POST /events       - Sensor events")
		fmt.Println("  GET  /ws           - Live cell updates")
	}
	fmt.Println("\nPress Ctrl+C to stop")

	ticker := time.NewTicker(summaryInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			a.publishSummary()
		}
	}

	fmt.Println("\nShutting down service...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown: %v", err)
		}
		cancel()
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.saveSnapshot(saveCtx); err != nil {
		log.Printf("Error saving snapshot: %v", err)
	}
	fmt.Println("Service stopped")
	return nil
}
