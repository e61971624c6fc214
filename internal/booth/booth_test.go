package booth

import (
	"context"
	"encoding/json"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/config"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/stream"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

// testConfig runs on the synthetic camera with a face worker that cannot
// start, so the booth comes up degraded but otherwise complete
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
instance_id: booth-test
camera:
  source: mock
  width: 320
  height: 240
  fps: 30
  open_timeout: 2s
oracle:
  kind: process
  process:
    command: /nonexistent/face-worker
face:
  load_timeout: 2s
schedule:
  face_interval: 10ms
  motion_interval: 10ms
  countdown_interval: 50ms
  scene_interval: 10ms
mqtt:
  status_interval: 20ms
`), nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startBooth(t *testing.T) *Booth {
	t.Helper()
	b, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	runBooth(t, b)
	return b
}

// runBooth runs b until the test ends and waits for the first scene
func runBooth(t *testing.T, b *Booth) {
	t.Helper()

	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(context.Background()) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run() did not return after Shutdown()")
		}
	})

	waitFor(t, "scene to leave loading", func() bool {
		return b.Scene() != types.SceneLoading
	})
}

func TestNewRejectsUnknownComponents(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{"camera", func(cfg *config.Config) { cfg.Camera.Source = "rtsp" }},
		{"oracle", func(cfg *config.Config) { cfg.Oracle.Kind = "cloud" }},
		{"overlap policy", func(cfg *config.Config) { cfg.Face.OverlapPolicy = "queue" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			if _, err := New(cfg); err == nil {
				t.Fatal("New() should fail")
			}
		})
	}
}

func TestBoothRunsDegradedWithoutModel(t *testing.T) {
	b := startBooth(t)

	health := b.HealthCheck()
	if health.Status != "degraded" {
		t.Errorf("status = %q, want degraded", health.Status)
	}
	if !health.SourceReady {
		t.Error("mock camera should be ready")
	}
	if health.ModelReady {
		t.Error("model should not be ready")
	}
	if health.MQTTEnabled {
		t.Error("mqtt should be disabled without a broker")
	}

	switch b.Scene() {
	case types.SceneNoMotion, types.SceneNoFace:
	default:
		t.Errorf("scene = %v, want no_motion or no_face", b.Scene())
	}

	status := b.getStatus()
	if status["instance_id"] != "booth-test" || status["health"] != "degraded" {
		t.Errorf("unexpected status %v", status)
	}
	if _, ok := status["mqtt"]; ok {
		t.Error("status should not report mqtt without a broker")
	}
}

func TestHealthEndpoints(t *testing.T) {
	b := startBooth(t)
	router := b.Router()

	tests := []struct {
		path        string
		code        int
		contentType string
		contains    string
	}{
		{"/health", http.StatusOK, "application/json", `"status":"alive"`},
		{"/readiness", http.StatusOK, "application/json", `"status":"degraded"`},
		{"/metrics", http.StatusOK, "text/plain", `booth_source_ready{instance="booth-test"} 1`},
		{"/api/v1/status", http.StatusOK, "application/json", `"instance_id":"booth-test"`},
		{"/api/v1/display", http.StatusOK, "application/json", `"scene"`},
		{"/api/v1/capture/latest", http.StatusNotFound, "application/json", "no photo captured yet"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.code {
				t.Errorf("code = %d, want %d", rec.Code, tt.code)
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, tt.contentType) {
				t.Errorf("content type = %q, want %q", ct, tt.contentType)
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("body %q does not contain %q", rec.Body.String(), tt.contains)
			}
		})
	}
}

func TestMetricsExposition(t *testing.T) {
	b := startBooth(t)

	if n, err := testutil.GatherAndCount(b.metrics, "booth_scene"); err != nil || n != 6 {
		t.Errorf("booth_scene series = %d, %v; want one per scene", n, err)
	}
	if n, err := testutil.GatherAndCount(b.metrics, "booth_ticks_total"); err != nil || n != 4 {
		t.Errorf("booth_ticks_total series = %d, %v; want one per loop", n, err)
	}

	rec := httptest.NewRecorder()
	b.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE booth_captures_total counter",
		"# TYPE booth_source_ready gauge",
		"# HELP booth_model_ready",
		`booth_model_ready{instance="booth-test"} 0`,
		`booth_ticks_total{instance="booth-test",loop="motion"}`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
	if strings.Contains(body, "booth_mqtt_") {
		t.Error("mqtt metrics exported without a broker")
	}
}

func TestReadinessBeforeRun(t *testing.T) {
	b, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rec := httptest.NewRecorder()
	b.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}

	var health HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if health.Status != "unhealthy" {
		t.Errorf("status = %q, want unhealthy", health.Status)
	}
}

func TestCaptureEndpointServesJPEG(t *testing.T) {
	b, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	frame := &types.Frame{Seq: 7, Width: 360, Height: 270, Data: make([]byte, 360*270*types.BytesPerPixel)}
	photo := b.captures.Commit(frame)

	tests := []struct {
		query string
		code  int
		width int
	}{
		{"", http.StatusOK, 360},
		{"?width=180", http.StatusOK, 180},
		{"?width=1000", http.StatusOK, 360},
		{"?width=0", http.StatusBadRequest, 0},
		{"?width=big", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := httptest.NewRecorder()
			b.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/capture/latest"+tt.query, nil))

			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d", rec.Code, tt.code)
			}
			if tt.code != http.StatusOK {
				return
			}
			if got := rec.Header().Get("X-Photo-ID"); got != photo.ID {
				t.Errorf("photo id = %q, want %q", got, photo.ID)
			}
			img, err := jpeg.Decode(rec.Body)
			if err != nil {
				t.Fatalf("body is not a JPEG: %v", err)
			}
			if img.Bounds().Dx() != tt.width {
				t.Errorf("width = %d, want %d", img.Bounds().Dx(), tt.width)
			}
		})
	}

	info, ok := b.captureInfo()
	if !ok || info["photo_id"] != photo.ID || info["frame_seq"] != uint64(7) {
		t.Errorf("captureInfo() = %v, %v", info, ok)
	}
}

func TestRetrySourceEndpoint(t *testing.T) {
	cfg := testConfig(t)
	camera := stream.NewMockStream(stream.MockConfig{Width: 320, Height: 240, FPS: 30})
	orc, err := newOracle(cfg.Oracle)
	if err != nil {
		t.Fatalf("newOracle() error = %v", err)
	}
	b, err := newBooth(cfg, camera, orc)
	if err != nil {
		t.Fatalf("newBooth() error = %v", err)
	}

	// not running yet
	rec := httptest.NewRecorder()
	b.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/source/retry", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}

	runBooth(t, b)

	// the camera stream ends underneath the source
	if err := camera.Stop(); err != nil {
		t.Fatalf("camera Stop() error = %v", err)
	}
	waitFor(t, "source loss to show loading", func() bool {
		return b.Scene() == types.SceneLoading
	})

	ctx, cancel := context.WithCancel(context.Background())
	rec = httptest.NewRecorder()
	b.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/source/retry", nil).WithContext(ctx))
	cancel()
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	received := b.source.Stats().Received
	waitFor(t, "frames after the retry request ended", func() bool {
		return b.source.Stats().Received > received+3 && b.Scene() != types.SceneLoading
	})
	if health := b.HealthCheck(); !health.SourceReady {
		t.Errorf("source not ready after retry: %+v", health)
	}
}

func TestShutdownViaControlStopsRun(t *testing.T) {
	b, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := b.shutdownViaControl(); err == nil {
		t.Error("shutdownViaControl() should fail before Run")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(context.Background()) }()
	waitFor(t, "booth to run", func() bool { return b.pipeline.Running() })

	if err := b.shutdownViaControl(); err != nil {
		t.Fatalf("shutdownViaControl() error = %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if b.pipeline.Running() {
		t.Error("pipeline still running after Shutdown()")
	}
}

func TestDisplayTracksScene(t *testing.T) {
	b := startBooth(t)

	waitFor(t, "display message", func() bool {
		return b.display.snapshot().Message != ""
	})
	d := b.display.snapshot()
	if d.Scene == types.SceneLoading.String() {
		t.Errorf("display still shows %q", d.Scene)
	}
	if d.Faces == nil {
		t.Error("faces should encode as an empty list")
	}
}
