package validate

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/use-agent/snapcrawl/config"
	"github.com/use-agent/snapcrawl/models"
	"github.com/use-agent/snapcrawl/surface"
	"github.com/use-agent/snapcrawl/surface/surfacetest"
)

// twoTonePNG encodes an image with half its pixels at gray value a and
// half at b. For equal-weight grays the luminance stddev is |a-b|/2
// exactly, which makes dispersion thresholds easy to pin down.
func twoTonePNG(t *testing.T, a, b uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			v := a
			if x >= 20 {
				v = b
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func testConfig() config.ValidateConfig {
	return config.ValidateConfig{MinDensity: 0.95, StddevFloor: 20}
}

type fixedScanner struct{ hidden int }

func (f fixedScanner) CountHidden(s surface.Surface) (int, error) { return f.hidden, nil }

func TestDensity_TwoTone(t *testing.T) {
	tests := []struct {
		name       string
		a, b       uint8
		wantStddev float64
		wantScore  float64
	}{
		{"wide dispersion", 100, 200, 50, 1.0},
		{"at saturation", 80, 160, 40, 1.0},
		{"near uniform", 100, 110, 5, 0.125},
		{"uniform", 128, 128, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, stddev, err := Density(twoTonePNG(t, tt.a, tt.b))
			if err != nil {
				t.Fatalf("Density: %v", err)
			}
			if math.Abs(stddev-tt.wantStddev) > 0.01 {
				t.Errorf("stddev = %.3f, want %.3f", stddev, tt.wantStddev)
			}
			if math.Abs(score-tt.wantScore) > 0.001 {
				t.Errorf("score = %.3f, want %.3f", score, tt.wantScore)
			}
		})
	}
}

func TestDensity_NotAnImage(t *testing.T) {
	_, _, err := Density([]byte("definitely not a png"))
	if models.CodeOf(err) != models.ErrCodeCaptureFailed {
		t.Errorf("Density on garbage = %v, want CAPTURE_FAILED", err)
	}
}

func TestCheckDensity(t *testing.T) {
	v := New(testConfig(), fixedScanner{})

	if err := v.CheckDensity(twoTonePNG(t, 100, 200)); err != nil {
		t.Errorf("dispersion 50 should pass: %v", err)
	}
	if err := v.CheckDensity(twoTonePNG(t, 80, 160)); err != nil {
		t.Errorf("dispersion 40 should pass: %v", err)
	}

	err := v.CheckDensity(twoTonePNG(t, 100, 110))
	if models.CodeOf(err) != models.ErrCodeLowDensity {
		t.Errorf("dispersion 5 = %v, want LOW_CONTENT_DENSITY", err)
	}
	err = v.CheckDensity(twoTonePNG(t, 128, 128))
	if models.CodeOf(err) != models.ErrCodeLowDensity {
		t.Errorf("uniform capture = %v, want LOW_CONTENT_DENSITY", err)
	}
}

func TestValidate_HiddenContentRemains(t *testing.T) {
	v := New(testConfig(), fixedScanner{hidden: 2})
	err := v.Validate(context.Background(), &surfacetest.FakeSurface{})
	if models.CodeOf(err) != models.ErrCodeHiddenContent {
		t.Errorf("Validate = %v, want HIDDEN_CONTENT_REMAINS", err)
	}
}

func TestValidate_Passes(t *testing.T) {
	probe := twoTonePNG(t, 100, 200)
	fs := &surfacetest.FakeSurface{
		CaptureFunc: func(box surface.Box, scale float64) ([]byte, error) {
			if scale != 1 {
				t.Errorf("probe scale = %v, want 1", scale)
			}
			return probe, nil
		},
	}
	v := New(testConfig(), fixedScanner{})
	if err := v.Validate(context.Background(), fs); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v := New(testConfig(), fixedScanner{})
	if err := v.Validate(ctx, &surfacetest.FakeSurface{}); err == nil {
		t.Error("Validate on canceled ctx should fail")
	}
}
