package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete booth configuration
type Config struct {
	InstanceID      string          `yaml:"instance_id"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"` // Graceful shutdown timeout (default: 5s)
	HealthAddr      string          `yaml:"health_addr"`      // e.g. ":8080", empty disables the HTTP server
	Camera          CameraConfig    `yaml:"camera"`
	View            ViewConfig      `yaml:"view"`
	Motion          MotionConfig    `yaml:"motion"`
	Face            FaceConfig      `yaml:"face"`
	Oracle          OracleConfig    `yaml:"oracle"`
	Countdown       CountdownConfig `yaml:"countdown"`
	Schedule        ScheduleConfig  `yaml:"schedule"`
	MQTT            MQTTConfig      `yaml:"mqtt"`
}

// CameraConfig contains camera acquisition settings
type CameraConfig struct {
	Source      string        `yaml:"source"`       // gst, mock
	Device      string        `yaml:"device"`       // v4l2 device, empty selects autovideosrc
	Pipeline    string        `yaml:"pipeline"`     // optional gst-launch description ending in "appsink name=sink"
	Width       int           `yaml:"width"`
	Height      int           `yaml:"height"`
	FPS         int           `yaml:"fps"`
	OpenTimeout time.Duration `yaml:"open_timeout"` // time to wait for the first frame
}

// ViewConfig describes the centered region of the camera image the booth works on
type ViewConfig struct {
	SnapScale float64 `yaml:"snap_scale"` // fraction of the camera image kept by the center crop
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
}

// MotionConfig contains motion sampling settings
type MotionConfig struct {
	Stride            int     `yaml:"stride"`
	DiffThreshold     int64   `yaml:"diff_threshold"`
	FractionThreshold float64 `yaml:"fraction_threshold"`
}

// FaceConfig contains face filtering and invocation settings
type FaceConfig struct {
	MinConfidence float64       `yaml:"min_confidence"`
	OverlapPolicy string        `yaml:"overlap_policy"` // allow, drop
	Timeout       time.Duration `yaml:"timeout"`        // per-invocation deadline
	LoadTimeout   time.Duration `yaml:"load_timeout"`
}

// OracleConfig selects and configures the face model
type OracleConfig struct {
	Kind    string        `yaml:"kind"` // pigo, process
	Pigo    PigoConfig    `yaml:"pigo"`
	Process ProcessConfig `yaml:"process"`
}

// PigoConfig configures the in-process pigo cascade
type PigoConfig struct {
	CascadePath     string  `yaml:"cascade_path"`
	MinSize         int     `yaml:"min_size"`
	MaxSize         int     `yaml:"max_size"`
	ShiftFactor     float64 `yaml:"shift_factor"`
	ScaleFactor     float64 `yaml:"scale_factor"`
	IoUThreshold    float64 `yaml:"iou_threshold"`
	QualityMidpoint float64 `yaml:"quality_midpoint"` // cascade score mapped to probability 0.5
	QualitySlope    float64 `yaml:"quality_slope"`
}

// ProcessConfig configures an out-of-process face model worker
type ProcessConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// CountdownConfig contains countdown settings
type CountdownConfig struct {
	Steps  int           `yaml:"steps"`
	Settle time.Duration `yaml:"settle"`
}

// ScheduleConfig contains the loop periods
type ScheduleConfig struct {
	FaceInterval      time.Duration `yaml:"face_interval"`
	MotionInterval    time.Duration `yaml:"motion_interval"`
	CountdownInterval time.Duration `yaml:"countdown_interval"`
	SceneInterval     time.Duration `yaml:"scene_interval"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker         string          `yaml:"broker"` // host:port, empty disables MQTT
	Topics         MQTTTopics      `yaml:"topics"`
	QoS            map[string]byte `yaml:"qos"`
	StatusInterval time.Duration   `yaml:"status_interval"` // periodic status publish, 0 disables
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Events  string `yaml:"events"`
	Status  string `yaml:"status"`
}

// Load reads and parses a YAML configuration file.
// An empty path yields the defaults. getenv may be nil.
func Load(path string, getenv func(string) string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return Parse(data, getenv)
}

// Parse decodes YAML on top of Default, applies environment overrides and
// validates the result
func Parse(data []byte, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if getenv != nil {
		ApplyEnv(cfg, getenv)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration of a stock booth
func Default() *Config {
	return &Config{
		InstanceID:      "booth",
		ShutdownTimeout: 5 * time.Second,
		Camera: CameraConfig{
			Source:      "gst",
			Width:       640,
			Height:      480,
			FPS:         20,
			OpenTimeout: 5 * time.Second,
		},
		View: ViewConfig{
			SnapScale: 0.6,
			Width:     360,
			Height:    270,
		},
		Motion: MotionConfig{
			Stride:            20,
			DiffThreshold:     100 * 1_000_000,
			FractionThreshold: 0.01,
		},
		Face: FaceConfig{
			MinConfidence: 0.95,
			OverlapPolicy: "allow",
			Timeout:       2 * time.Second,
			LoadTimeout:   30 * time.Second,
		},
		Oracle: OracleConfig{
			Kind: "pigo",
			Pigo: PigoConfig{
				CascadePath:     "models/facefinder",
				MinSize:         40,
				MaxSize:         300,
				ShiftFactor:     0.1,
				ScaleFactor:     1.1,
				IoUThreshold:    0.2,
				QualityMidpoint: 5.0,
				QualitySlope:    1.0,
			},
		},
		Countdown: CountdownConfig{
			Steps:  3,
			Settle: time.Second,
		},
		Schedule: ScheduleConfig{
			FaceInterval:      50 * time.Millisecond,
			MotionInterval:    100 * time.Millisecond,
			CountdownInterval: time.Second,
			SceneInterval:     50 * time.Millisecond,
		},
		MQTT: MQTTConfig{
			StatusInterval: 30 * time.Second,
		},
	}
}

// ApplyEnv overrides selected fields from environment variables
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("BOOTH_INSTANCE_ID"); v != "" {
		cfg.InstanceID = v
	}
	if v := getenv("BOOTH_CAMERA_DEVICE"); v != "" {
		cfg.Camera.Device = v
	}
	if v := getenv("BOOTH_CAMERA_SOURCE"); v != "" {
		cfg.Camera.Source = v
	}
	if v := getenv("BOOTH_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := getenv("BOOTH_HEALTH_ADDR"); v != "" {
		cfg.HealthAddr = v
	}
}
