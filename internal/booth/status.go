package booth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/core"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

// HealthStatus represents the health state of the booth
type HealthStatus struct {
	Status        string  `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64   `json:"uptime_seconds"`
	Scene         string  `json:"scene"`
	SourceReady   bool    `json:"source_ready"`
	SourceError   string  `json:"source_error,omitempty"`
	ModelReady    bool    `json:"model_ready"`
	MQTTEnabled   bool    `json:"mqtt_enabled"`
	MQTTConnected bool    `json:"mqtt_connected"`
	TickPanics    uint64  `json:"tick_panics"`
	SinkErrorRate float64 `json:"sink_error_rate"`
}

// HealthCheck returns the current health status of the booth. A booth that
// runs without a camera or a face model is degraded, not down: it still
// classifies what it can.
func (b *Booth) HealthCheck() HealthStatus {
	b.mu.RLock()
	running := b.isRunning
	started := b.started
	b.mu.RUnlock()

	st := b.pipeline.Stats()
	status := HealthStatus{
		Status:      "healthy",
		Scene:       st.Scene,
		SourceReady: st.SourceReady,
		SourceError: st.SourceError,
		ModelReady:  st.OracleReady,
		MQTTEnabled: b.emitter != nil,
		TickPanics:  st.TickPanics,
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}

	if b.emitter != nil {
		status.MQTTConnected = b.emitter.Stats().Connected
	}

	ticks := st.FaceTicks + st.MotionTicks + st.SceneTicks
	if ticks > 0 {
		status.SinkErrorRate = float64(st.SinkErrors) / float64(ticks)
	}

	switch {
	case !running || !st.Running:
		status.Status = "unhealthy"
	case !st.SourceReady || !st.OracleReady:
		status.Status = "degraded"
	case status.MQTTEnabled && !status.MQTTConnected:
		status.Status = "degraded"
	}

	return status
}

// getStatus returns the full status document used by the control plane and
// the periodic status publish
func (b *Booth) getStatus() map[string]interface{} {
	b.mu.RLock()
	running := b.isRunning
	started := b.started
	handler := b.controlHandler
	b.mu.RUnlock()

	var uptime float64
	if running {
		uptime = time.Since(started).Seconds()
	}

	src := b.source.Stats()
	status := map[string]interface{}{
		"instance_id": b.cfg.InstanceID,
		"uptime_s":    uptime,
		"running":     running,
		"health":      b.HealthCheck().Status,
		"pipeline":    b.pipeline.Stats(),
		"source": map[string]interface{}{
			"open":        src.Open,
			"received":    src.Received,
			"overwrites":  src.Overwrites,
			"opens":       src.Opens,
			"last_error":  src.LastError,
			"fps_real":    src.Stream.FPSReal,
			"fps_target":  src.Stream.FPSTarget,
			"frame_count": src.Stream.FrameCount,
			"resolution":  src.Stream.Resolution,
		},
		"config": map[string]interface{}{
			"camera":         b.cfg.Camera.Source,
			"oracle":         b.cfg.Oracle.Kind,
			"min_confidence": b.cfg.Face.MinConfidence,
			"overlap_policy": b.cfg.Face.OverlapPolicy,
			"countdown":      b.cfg.Countdown.Steps,
		},
	}

	if b.emitter != nil {
		status["mqtt"] = b.emitter.Stats()
	}
	if handler != nil {
		status["control"] = handler.Stats()
	}
	if info, ok := b.captureInfo(); ok {
		status["last_capture"] = info
	}

	return status
}

// captureInfo describes the latest committed photo
func (b *Booth) captureInfo() (map[string]interface{}, bool) {
	photo := b.pipeline.LatestCapture()
	if photo == nil {
		return nil, false
	}
	return map[string]interface{}{
		"photo_id":  photo.ID,
		"frame_seq": photo.FrameSeq,
		"trace_id":  photo.TraceID,
		"taken_at":  photo.TakenAt.UTC().Format(time.RFC3339Nano),
		"width":     photo.Width(),
		"height":    photo.Height(),
		"count":     b.captures.Count(),
	}, true
}

// reportStatus logs pipeline statistics and publishes the status document
// every status interval
func (b *Booth) reportStatus(ctx context.Context) {
	interval := b.cfg.MQTT.StatusInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := b.pipeline.Stats()
			slog.Info("booth: status",
				"scene", st.Scene,
				"source_ready", st.SourceReady,
				"model_ready", st.OracleReady,
				"captures", st.Captures,
				"sink_errors", st.SinkErrors,
				"tick_panics", st.TickPanics,
				"faces_stale", st.FaceStats.Stale,
			)

			if b.emitter == nil {
				continue
			}
			payload, err := json.Marshal(b.getStatus())
			if err != nil {
				slog.Error("booth: failed to marshal status", "error", err)
				continue
			}
			if err := b.emitter.PublishStatus(payload); err != nil {
				if errors.Is(err, core.ErrSinkNotReady) {
					slog.Debug("booth: status not published, mqtt not connected")
					continue
				}
				slog.Warn("booth: status publish failed", "error", err)
			}
		}
	}
}

// Scene returns the scene currently shown by the booth
func (b *Booth) Scene() types.SceneState {
	return b.pipeline.Scene()
}
