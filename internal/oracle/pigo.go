package oracle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"sync/atomic"

	pigo "github.com/esimov/pigo/core"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

// CascadeURL is where the facefinder cascade is published
const CascadeURL = "https://raw.githubusercontent.com/esimov/pigo/master/cascade/facefinder"

// PigoConfig configures the pigo cascade oracle
type PigoConfig struct {
	CascadePath  string
	MinSize      int
	MaxSize      int
	ShiftFactor  float64
	ScaleFactor  float64
	IoUThreshold float64
	// QualityMidpoint is the cascade score reported as probability 0.5
	QualityMidpoint float64
	// QualitySlope controls how fast probability rises with the score
	QualitySlope float64
}

// Pigo is an in-process face oracle backed by a pigo cascade. The unpacked
// classifier is read-only, so concurrent estimates share it.
type Pigo struct {
	cfg        PigoConfig
	classifier atomic.Pointer[pigo.Pigo]
}

// NewPigo creates the oracle; the cascade is read by Load
func NewPigo(cfg PigoConfig) *Pigo {
	if cfg.QualitySlope <= 0 {
		cfg.QualitySlope = 1
	}
	return &Pigo{cfg: cfg}
}

// Load reads and unpacks the cascade file
func (p *Pigo) Load(ctx context.Context) error {
	data, err := os.ReadFile(p.cfg.CascadePath)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cascade file %s not found, download it from %s: %w", p.cfg.CascadePath, CascadeURL, err)
	}
	if err != nil {
		return fmt.Errorf("failed to read cascade file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return fmt.Errorf("failed to unpack cascade: %w", err)
	}
	p.classifier.Store(classifier)

	slog.Info("oracle: pigo cascade loaded",
		"cascade", p.cfg.CascadePath,
		"size_bytes", len(data),
	)
	return nil
}

// EstimateFaces runs the cascade on a grayscale copy of the frame
func (p *Pigo) EstimateFaces(ctx context.Context, frame *types.Frame) ([]types.Face, error) {
	classifier := p.classifier.Load()
	if classifier == nil {
		return nil, ErrOracleClosed
	}
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	pixels := pigo.RgbToGrayscale(frame.ToRGBA())

	params := pigo.CascadeParams{
		MinSize:     p.cfg.MinSize,
		MaxSize:     p.cfg.MaxSize,
		ShiftFactor: p.cfg.ShiftFactor,
		ScaleFactor: p.cfg.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pixels,
			Rows:   frame.Height,
			Cols:   frame.Width,
			Dim:    frame.Width,
		},
	}

	dets := classifier.RunCascade(params, 0.0)
	dets = classifier.ClusterDetections(dets, p.cfg.IoUThreshold)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	faces := make([]types.Face, 0, len(dets))
	for _, d := range dets {
		faces = append(faces, p.toFace(d))
	}
	return faces, nil
}

func (p *Pigo) toFace(d pigo.Detection) types.Face {
	half := float64(d.Scale) / 2
	return types.Face{
		TopLeft:     types.Point{X: float64(d.Col) - half, Y: float64(d.Row) - half},
		BottomRight: types.Point{X: float64(d.Col) + half, Y: float64(d.Row) + half},
		Confidence:  QualityToProbability(float64(d.Q), p.cfg.QualityMidpoint, p.cfg.QualitySlope),
	}
}

// QualityToProbability maps an unbounded cascade score onto (0, 1) with a
// logistic curve centered at midpoint
func QualityToProbability(q, midpoint, slope float64) float64 {
	return 1 / (1 + math.Exp(-(q-midpoint)*slope))
}

// Close drops the classifier
func (p *Pigo) Close() error {
	p.classifier.Store(nil)
	return nil
}
