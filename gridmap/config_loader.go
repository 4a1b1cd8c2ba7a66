package gridmap

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"
)

// Config represents the full configuration file
type Config struct {
	Sensor SensorModel `yaml:"sensor" json:"sensor"`
	Grid   GridConfig  `yaml:"grid" json:"grid"`
	World  WorldConfig `yaml:"world" json:"world"`
	MQTT   MQTTConfig  `yaml:"mqtt" json:"mqtt"`
	Store  StoreConfig `yaml:"store" json:"store"`
}

// XY is a point in config files.
type XY struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

// Point converts to an orb point.
func (p XY) Point() orb.Point { return orb.Point{p.X, p.Y} }

// BoundsConfig is the world rectangle covered by the grid, in meters.
type BoundsConfig struct {
	MinX float64 `yaml:"minX" json:"minX"`
	MinY float64 `yaml:"minY" json:"minY"`
	MaxX float64 `yaml:"maxX" json:"maxX"`
	MaxY float64 `yaml:"maxY" json:"maxY"`
}

// Bound converts to an orb bound.
func (b BoundsConfig) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinX, b.MinY}, Max: orb.Point{b.MaxX, b.MaxY}}
}

// WallConfig is one wall segment.
type WallConfig struct {
	From XY `yaml:"from" json:"from"`
	To   XY `yaml:"to" json:"to"`
}

// WorldConfig describes the world the grid covers.
type WorldConfig struct {
	Bounds   BoundsConfig `yaml:"bounds" json:"bounds"`
	SonarMax float64      `yaml:"sonarMax,omitempty" json:"sonarMax,omitempty"`
	Sonars   []Pose       `yaml:"sonars,omitempty" json:"sonars,omitempty"` // sensor poses relative to the robot
	Walls    []WallConfig `yaml:"walls,omitempty" json:"walls,omitempty"`
}

// Segments returns the walls as segments.
func (w WorldConfig) Segments() []Segment {
	out := make([]Segment, len(w.Walls))
	for i, wc := range w.Walls {
		out[i] = Segment{From: wc.From.Point(), To: wc.To.Point()}
	}
	return out
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	SensorTopic   string `yaml:"sensorTopic" json:"sensorTopic"`
	CommandTopic  string `yaml:"commandTopic,omitempty" json:"commandTopic,omitempty"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// RemoteConfig points at a Firebase-style REST key-value store.
type RemoteConfig struct {
	URL   string `yaml:"url,omitempty" json:"url,omitempty"`
	Token string `yaml:"token,omitempty" json:"token,omitempty"`
	Root  string `yaml:"root,omitempty" json:"root,omitempty"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	EventLog string       `yaml:"eventLog,omitempty" json:"eventLog,omitempty"`
	Snapshot string       `yaml:"snapshot,omitempty" json:"snapshot,omitempty"`
	Remote   RemoteConfig `yaml:"remote,omitempty" json:"remote,omitempty"`
}

// DefaultConfig returns a 4m x 4m world at 10cm resolution with the stock
// sensor model.
func DefaultConfig() *Config {
	return &Config{
		Sensor: DefaultSensorModel(),
		Grid: GridConfig{
			XN:                 40,
			YN:                 40,
			OccupancyThreshold: DefaultOccupancyThreshold,
			GrowRadiusInCells:  1,
		},
		World: WorldConfig{
			Bounds:   BoundsConfig{MinX: 0, MinY: 0, MaxX: 4, MaxY: 4},
			SonarMax: DefaultSonarMax,
		},
		MQTT: MQTTConfig{
			SensorTopic:   "occumesh/sensor/events",
			CommandTopic:  "occumesh/command",
			PublishPrefix: "occumesh",
			ClientID:      "occumesh",
		},
		Store: StoreConfig{
			Snapshot: ".grid-snapshot.json",
			Remote:   RemoteConfig{Root: "/occumesh/"},
		},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Sensor.Validate(); err != nil {
		return err
	}
	if err := c.Grid.Validate(); err != nil {
		return err
	}
	b := c.World.Bounds
	if !(b.MaxX > b.MinX) || !(b.MaxY > b.MinY) {
		return fmt.Errorf("%w: world.bounds must have max > min", ErrInvalidConfig)
	}
	if !(c.World.SonarMax > 0) {
		return fmt.Errorf("%w: world.sonarMax must be positive, got %g", ErrInvalidConfig, c.World.SonarMax)
	}
	return nil
}

// Geometry builds the world-to-grid mapping.
func (c *Config) Geometry() (*Geometry, error) {
	return NewGeometry(c.World.Bounds.Bound(), c.Grid.XN, c.Grid.YN)
}

// LoadConfig loads the configuration from a YAML file. Settings missing from
// the file keep their DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
