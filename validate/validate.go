// Package validate decides whether a fully-expanded surface is acceptable
// before any artifacts are persisted. Both checks are read-only and
// idempotent.
package validate

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"
	"math"

	"github.com/use-agent/snapcrawl/config"
	"github.com/use-agent/snapcrawl/models"
	"github.com/use-agent/snapcrawl/surface"
)

// HiddenScanner re-scans a surface for collapsed-content indicators.
// The expansion engine provides the canonical implementation so both
// components always agree on what counts as hidden.
type HiddenScanner interface {
	CountHidden(s surface.Surface) (int, error)
}

// Validator runs the hidden-content check and the density check.
type Validator struct {
	cfg     config.ValidateConfig
	scanner HiddenScanner
}

// New builds a Validator around the shared hidden-content scanner.
func New(cfg config.ValidateConfig, scanner HiddenScanner) *Validator {
	return &Validator{cfg: cfg, scanner: scanner}
}

// Validate checks a surface after expansion. The hidden-content re-scan
// defends against the target re-collapsing content asynchronously; the
// density check rejects blank or placeholder renders. Returns
// HIDDEN_CONTENT_REMAINS or LOW_CONTENT_DENSITY on failure.
func (v *Validator) Validate(ctx context.Context, s surface.Surface) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	hidden, err := v.scanner.CountHidden(s)
	if err != nil {
		return err
	}
	if hidden > 0 {
		return models.NewPipelineError(models.ErrCodeHiddenContent,
			fmt.Sprintf("%d hidden sections remain", hidden), nil)
	}

	box, err := s.ViewportBox()
	if err != nil {
		return err
	}
	probe, err := s.CaptureRegion(box, 1)
	if err != nil {
		return err
	}
	return v.CheckDensity(probe)
}

// CheckDensity decides pass/fail for a rendered capture from its pixel
// dispersion alone. A cheap necessary-but-not-sufficient proxy for
// "content is actually present": near-uniform pixels mean a blank or
// still-loading render, text-dense content disperses luminance widely.
func (v *Validator) CheckDensity(png []byte) error {
	score, stddev, err := Density(png)
	if err != nil {
		return err
	}
	if stddev < v.cfg.StddevFloor || score < v.cfg.MinDensity {
		return models.NewPipelineError(models.ErrCodeLowDensity,
			fmt.Sprintf("density %.2f (stddev %.1f) below minimum %.2f (floor %.1f)",
				score, stddev, v.cfg.MinDensity, v.cfg.StddevFloor), nil)
	}
	return nil
}

// Density computes the luminance standard deviation of an encoded image
// and a score normalized into [0,1]. The score saturates at twice the
// default dispersion floor, so ordinary text renders score 1.0.
func Density(data []byte) (score, stddev float64, err error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, 0, models.NewPipelineError(models.ErrCodeCaptureFailed,
			"capture is not a decodable image", err)
	}

	bounds := img.Bounds()
	n := bounds.Dx() * bounds.Dy()
	if n == 0 {
		return 0, 0, models.NewPipelineError(models.ErrCodeCaptureFailed,
			"capture has zero pixels", nil)
	}

	var sum, sumSq float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			// ITU-R BT.601 luma on 8-bit channels.
			lum := (0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8))
			sum += lum
			sumSq += lum * lum
		}
	}

	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	stddev = math.Sqrt(variance)
	score = math.Min(1, stddev/densityScale)
	return score, stddev, nil
}

// densityScale is the stddev at which the normalized score saturates.
const densityScale = 40.0
