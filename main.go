package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via ldflags
var Version = "dev"

// AppOptions holds the command line settings passed to the App.
type AppOptions struct {
	ConfigFile string
	OutputFile string

	Simulate bool
	Steps    int
	Noise    float64
	Seed     uint64

	IdealReadings bool
	NumStates     int
	NumObs        int
	CorridorY     float64

	RenderOnly   bool
	RenderFormat string
	VectorFormat string
	CellPixels   int

	Replay bool

	HttpPort int
	MqttMode bool
	HttpMode bool
}

// runner is the set of modes the command line can start.
type runner interface {
	ApplyOptions(opts AppOptions)
	RunSimulate() error
	RunIdealReadings() error
	RunRender() error
	RunReplay() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, app runner) error {
	fs := flag.NewFlagSet("occumesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to YAML config file")
	fs.StringVar(&opts.OutputFile, "output", "", "Output file for --render and --simulate")

	fs.BoolVar(&opts.Simulate, "simulate", false, "Drive a simulated robot through the configured walls and map them")
	fs.IntVar(&opts.Steps, "steps", 40, "Number of robot poses in --simulate")
	fs.Float64Var(&opts.Noise, "noise", 0, "Standard deviation of simulated sonar noise in meters")
	fs.Uint64Var(&opts.Seed, "seed", 1, "Random seed for simulated sonar noise")

	fs.BoolVar(&opts.IdealReadings, "ideal-readings", false, "Print noise-free discretized sonar readings along a corridor and exit")
	fs.IntVar(&opts.NumStates, "num-states", 10, "Number of position bins for --ideal-readings")
	fs.IntVar(&opts.NumObs, "num-obs", 10, "Number of observation bins for --ideal-readings")
	fs.Float64Var(&opts.CorridorY, "corridor-y", 0, "y coordinate of the robot path for --ideal-readings")

	fs.BoolVar(&opts.RenderOnly, "render", false, "Render the saved grid and exit")
	fs.StringVar(&opts.RenderFormat, "format", "raster", "Render format: raster (PNG) or vector (SVG/PNG)")
	fs.StringVar(&opts.VectorFormat, "vector-format", "svg", "Vector output format: svg or png")
	fs.IntVar(&opts.CellPixels, "cell-pixels", 8, "Pixels per cell for raster rendering")

	fs.BoolVar(&opts.Replay, "replay", false, "Rebuild the grid from the event log and exit")

	fs.IntVar(&opts.HttpPort, "http-port", 4040, "HTTP server port")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run as MQTT service")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server")

	if err := fs.Parse(args); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "occumesh version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.IdealReadings:
		return app.RunIdealReadings()
	case opts.Simulate:
		return app.RunSimulate()
	case opts.Replay:
		return app.RunReplay()
	case opts.RenderOnly:
		return app.RunRender()
	default:
		_, _ = fmt.Fprintln(out, "occumesh service starting...")
		return app.RunService()
	}
}
