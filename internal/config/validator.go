package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills in derived defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return fmt.Errorf("camera: %w", err)
	}

	// View
	if cfg.View.SnapScale <= 0 || cfg.View.SnapScale > 1 {
		return fmt.Errorf("view.snap_scale must be in (0, 1], got %v", cfg.View.SnapScale)
	}
	if cfg.View.Width <= 0 || cfg.View.Height <= 0 {
		return fmt.Errorf("view size must be > 0, got %dx%d", cfg.View.Width, cfg.View.Height)
	}

	// Motion
	if cfg.Motion.Stride <= 0 {
		return fmt.Errorf("motion.stride must be > 0")
	}
	if cfg.Motion.DiffThreshold < 0 {
		return fmt.Errorf("motion.diff_threshold must be >= 0")
	}
	if cfg.Motion.FractionThreshold < 0 || cfg.Motion.FractionThreshold >= 1 {
		return fmt.Errorf("motion.fraction_threshold must be in [0, 1)")
	}

	// Face
	if cfg.Face.MinConfidence < 0 || cfg.Face.MinConfidence >= 1 {
		return fmt.Errorf("face.min_confidence must be in [0, 1)")
	}
	switch cfg.Face.OverlapPolicy {
	case "allow", "drop":
	case "":
		cfg.Face.OverlapPolicy = "allow"
	default:
		return fmt.Errorf("face.overlap_policy must be 'allow' or 'drop', got '%s'", cfg.Face.OverlapPolicy)
	}

	if err := validateOracle(&cfg.Oracle); err != nil {
		return fmt.Errorf("oracle: %w", err)
	}

	// Countdown
	if cfg.Countdown.Steps < 1 {
		return fmt.Errorf("countdown.steps must be >= 1")
	}
	if cfg.Countdown.Settle < 0 {
		return fmt.Errorf("countdown.settle must be >= 0")
	}

	// Schedule
	for name, d := range map[string]int64{
		"face_interval":      int64(cfg.Schedule.FaceInterval),
		"motion_interval":    int64(cfg.Schedule.MotionInterval),
		"countdown_interval": int64(cfg.Schedule.CountdownInterval),
		"scene_interval":     int64(cfg.Schedule.SceneInterval),
	} {
		if d <= 0 {
			return fmt.Errorf("schedule.%s must be > 0", name)
		}
	}

	if cfg.MQTT.StatusInterval < 0 {
		return fmt.Errorf("mqtt.status_interval must be >= 0")
	}

	// Set default topics if not provided
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("booth/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Events == "" {
		cfg.MQTT.Topics.Events = fmt.Sprintf("booth/events/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Status == "" {
		cfg.MQTT.Topics.Status = fmt.Sprintf("booth/status/%s", cfg.InstanceID)
	}

	// Set default QoS if not provided
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control": 1,
			"scene":   0,
			"capture": 1,
			"faces":   0,
			"motion":  0,
			"status":  0,
		}
	}

	return nil
}

func validateCamera(cam *CameraConfig) error {
	switch cam.Source {
	case "gst", "mock":
	case "":
		cam.Source = "gst"
	default:
		return fmt.Errorf("source must be 'gst' or 'mock', got '%s'", cam.Source)
	}
	if cam.Width <= 0 || cam.Height <= 0 {
		return fmt.Errorf("size must be > 0, got %dx%d", cam.Width, cam.Height)
	}
	if cam.FPS <= 0 {
		return fmt.Errorf("fps must be > 0")
	}
	if cam.OpenTimeout <= 0 {
		return fmt.Errorf("open_timeout must be > 0")
	}
	return nil
}

func validateOracle(o *OracleConfig) error {
	switch o.Kind {
	case "pigo":
		if o.Pigo.CascadePath == "" {
			return fmt.Errorf("pigo.cascade_path is required")
		}
		if o.Pigo.MinSize <= 0 || o.Pigo.MaxSize < o.Pigo.MinSize {
			return fmt.Errorf("pigo sizes must satisfy 0 < min_size <= max_size")
		}
		if o.Pigo.ScaleFactor <= 1 {
			return fmt.Errorf("pigo.scale_factor must be > 1")
		}
		if o.Pigo.QualitySlope <= 0 {
			return fmt.Errorf("pigo.quality_slope must be > 0")
		}
	case "process":
		if o.Process.Command == "" {
			return fmt.Errorf("process.command is required")
		}
	default:
		return fmt.Errorf("kind must be 'pigo' or 'process', got '%s'", o.Kind)
	}
	return nil
}
