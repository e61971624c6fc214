package booth

import (
	"encoding/json"
	"image"
	"image/jpeg"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/image/draw"
)

const jpegQuality = 90

// Router builds the HTTP routes of the booth
func (b *Booth) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(10 * time.Second))

	r.Get("/health", b.LivenessHandler)
	r.Get("/readiness", b.ReadinessHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(b.metrics, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", b.statusHandler)
		r.Get("/display", b.displayHandler)
		r.Get("/capture/latest", b.captureHandler)
		r.Post("/source/retry", b.retrySourceHandler)
	})

	return r
}

// StartHealthServer starts the HTTP server on addr in the background
func (b *Booth) StartHealthServer(addr string) {
	server := &http.Server{
		Addr:         addr,
		Handler:      b.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	b.mu.Lock()
	b.server = server
	b.mu.Unlock()

	slog.Info("booth: starting health server",
		"addr", addr,
		"endpoints", []string{"/health", "/readiness", "/metrics", "/api/v1/..."},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("booth: health server failed", "error", err)
		}
	}()
}

// LivenessHandler handles /health: 200 while the process is alive
func (b *Booth) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	b.mu.RLock()
	started := b.started
	b.mu.RUnlock()

	var uptime int64
	if !started.IsZero() {
		uptime = int64(time.Since(started).Seconds())
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": uptime,
	})
}

// ReadinessHandler handles /readiness. Degraded is still ready.
func (b *Booth) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := b.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	respondJSON(w, statusCode, health)
}

func (b *Booth) statusHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, b.getStatus())
}

func (b *Booth) displayHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, b.display.snapshot())
}

// captureHandler serves the latest photo as JPEG; ?width= scales it down
func (b *Booth) captureHandler(w http.ResponseWriter, r *http.Request) {
	photo := b.pipeline.LatestCapture()
	if photo == nil {
		respondError(w, http.StatusNotFound, "no photo captured yet")
		return
	}

	var img image.Image = photo.Image
	if v := r.URL.Query().Get("width"); v != "" {
		width, err := strconv.Atoi(v)
		if err != nil || width <= 0 {
			respondError(w, http.StatusBadRequest, "width must be a positive integer")
			return
		}
		if width < photo.Width() {
			height := photo.Height() * width / photo.Width()
			if height < 1 {
				height = 1
			}
			thumb := image.NewRGBA(image.Rect(0, 0, width, height))
			draw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), photo.Image, photo.Image.Bounds(), draw.Src, nil)
			img = thumb
		}
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("X-Photo-ID", photo.ID)
	w.Header().Set("Last-Modified", photo.TakenAt.UTC().Format(http.TimeFormat))
	if err := jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		slog.Warn("booth: failed to encode capture", "photo_id", photo.ID, "error", err)
	}
}

func (b *Booth) retrySourceHandler(w http.ResponseWriter, r *http.Request) {
	if err := b.pipeline.RetrySource(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"source_ready": true})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
