package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/use-agent/snapcrawl/capture"
	"github.com/use-agent/snapcrawl/config"
	"github.com/use-agent/snapcrawl/expand"
	"github.com/use-agent/snapcrawl/models"
	"github.com/use-agent/snapcrawl/store"
	"github.com/use-agent/snapcrawl/surface"
	"github.com/use-agent/snapcrawl/surface/surfacetest"
	"github.com/use-agent/snapcrawl/validate"
)

const (
	controlSel = `[data-testid="expand-button"]`
	hiddenSel  = `[data-e2e-test-id="section-content-is-hidden"]`
)

// twoTonePNG has luminance stddev |a-b|/2 exactly.
func twoTonePNG(t *testing.T, a, b uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			v := a
			if x >= 10 {
				v = b
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// pipelineSurface models a page whose hidden content drains one section
// per expansion cycle, with two headings and a validation probe of the
// given dispersion.
func pipelineSurface(t *testing.T, hidden int, probe []byte) *surfacetest.FakeSurface {
	t.Helper()
	section := twoTonePNG(t, 0, 255)
	fs := &surfacetest.FakeSurface{
		Viewport: surface.Box{Width: 1280, Height: 800},
	}
	fs.QueryFunc = func(sel string) ([]surface.Element, error) {
		switch sel {
		case controlSel:
			if hidden == 0 {
				return nil, nil
			}
			return []surface.Element{&surfacetest.FakeElement{
				VisibleVal: true,
				OnClick:    func() { hidden-- },
			}}, nil
		case hiddenSel:
			els := make([]surface.Element, hidden)
			for i := range els {
				els[i] = &surfacetest.FakeElement{VisibleVal: true}
			}
			return els, nil
		case "h2":
			return []surface.Element{
				&surfacetest.FakeElement{TextVal: "Intro", VisibleVal: true,
					BoxVal: surface.Box{Y: 100, Width: 1280, Height: 40}},
				&surfacetest.FakeElement{TextVal: "Summary", VisibleVal: true,
					BoxVal: surface.Box{Y: 900, Width: 1280, Height: 40}},
			}, nil
		}
		return nil, nil
	}
	fs.EvalFunc = func(js string) (int, error) {
		if strings.Contains(js, "scrollHeight") {
			return 2000, nil
		}
		return 0, nil
	}
	fs.CaptureFunc = func(box surface.Box, scale float64) ([]byte, error) {
		if scale == 1 {
			return probe, nil
		}
		return section, nil
	}
	return fs
}

func newTestOrchestrator(t *testing.T, fs *surfacetest.FakeSurface, maxAttempts int, notify Notifier) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	expander, err := expand.New(config.ExpandConfig{
		MaxAttempts:      maxAttempts,
		SettleDelay:      time.Millisecond,
		ControlSelectors: []string{controlSel},
		HiddenSelectors:  []string{hiddenSel},
	})
	if err != nil {
		t.Fatal(err)
	}
	validator := validate.New(config.ValidateConfig{MinDensity: 0.95, StddevFloor: 20}, expander)
	capturer, err := capture.New(config.CaptureConfig{
		HeadingSelectors: []string{"h2"},
		Scale:            2.0,
		MaxTitleLen:      50,
	}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	provider := &surfacetest.FakeProvider{Surfaces: []*surfacetest.FakeSurface{fs}}
	cfg := config.PipelineConfig{
		Concurrency:       1,
		RequestsPerMinute: 6000,
	}
	return New(st, provider, expander, validator, capturer, cfg, notify), st
}

func TestProcessBatch_Success(t *testing.T) {
	ctx := context.Background()
	fs := pipelineSurface(t, 2, twoTonePNG(t, 100, 200))

	var notified *Summary
	orch, st := newTestOrchestrator(t, fs, 4, func(s Summary) { notified = &s })

	if err := st.CreateJob(ctx, "anatomy", "https://example.com/article/anatomy"); err != nil {
		t.Fatal(err)
	}

	sum, err := orch.ProcessBatch(ctx, 0)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if sum.Processed != 1 || sum.Succeeded != 1 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if notified == nil || notified.Succeeded != 1 {
		t.Errorf("notifier not invoked with the batch summary: %+v", notified)
	}
	if fs.NavigatedURL != "https://example.com/article/anatomy" {
		t.Errorf("navigated to %q", fs.NavigatedURL)
	}
	if !fs.Released {
		t.Error("surface was not released")
	}

	job, err := st.GetJob(ctx, "anatomy")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.StatusDone {
		t.Errorf("status = %q, want done", job.Status)
	}
	if job.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", job.RetryCount)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRuns != 1 {
		t.Errorf("runs = %d, want 1", stats.TotalRuns)
	}
	if stats.TotalArtifacts != 2 {
		t.Errorf("artifacts = %d, want 2 (one per heading)", stats.TotalArtifacts)
	}
}

func TestProcessBatch_ExpansionExhausted(t *testing.T) {
	ctx := context.Background()
	// Hidden content never drains within a budget of 2.
	fs := pipelineSurface(t, 10, twoTonePNG(t, 100, 200))
	orch, st := newTestOrchestrator(t, fs, 2, nil)

	if err := st.CreateJob(ctx, "stubborn", "https://example.com/article/stubborn"); err != nil {
		t.Fatal(err)
	}

	sum, err := orch.ProcessBatch(ctx, 0)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if sum.Failed != 1 || sum.Succeeded != 0 {
		t.Fatalf("summary = %+v", sum)
	}

	job, err := st.GetJob(ctx, "stubborn")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.StatusFailedExpansion {
		t.Errorf("status = %q, want failed_expansion", job.Status)
	}
	if job.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", job.RetryCount)
	}
	if job.LastError == "" {
		t.Error("LastError not recorded")
	}

	stats, _ := st.Stats(ctx)
	if stats.TotalArtifacts != 0 {
		t.Errorf("artifacts = %d; failed jobs must persist none", stats.TotalArtifacts)
	}
}

func TestProcessBatch_ValidationFailure(t *testing.T) {
	ctx := context.Background()
	// Expansion succeeds immediately but the render is near-uniform.
	fs := pipelineSurface(t, 0, twoTonePNG(t, 100, 110))
	orch, st := newTestOrchestrator(t, fs, 4, nil)

	if err := st.CreateJob(ctx, "blank", "https://example.com/article/blank"); err != nil {
		t.Fatal(err)
	}

	if _, err := orch.ProcessBatch(ctx, 0); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	job, err := st.GetJob(ctx, "blank")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.StatusFailedValidation {
		t.Errorf("status = %q, want failed_validation", job.Status)
	}
}

func TestProcessBatch_RecoversStaleProcessing(t *testing.T) {
	ctx := context.Background()
	fs := pipelineSurface(t, 1, twoTonePNG(t, 100, 200))
	orch, st := newTestOrchestrator(t, fs, 4, nil)

	// A prior process claimed the job and crashed.
	if err := st.CreateJob(ctx, "orphan", "https://example.com/article/orphan"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.BeginRun(ctx, "orphan"); err != nil {
		t.Fatal(err)
	}

	sum, err := orch.ProcessBatch(ctx, 0)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if sum.Recovered != 1 {
		t.Errorf("Recovered = %d, want 1", sum.Recovered)
	}
	if sum.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1", sum.Succeeded)
	}
}

func TestRetry_FailedBackToPending(t *testing.T) {
	ctx := context.Background()
	fs := pipelineSurface(t, 10, twoTonePNG(t, 100, 200))
	orch, st := newTestOrchestrator(t, fs, 1, nil)

	if err := st.CreateJob(ctx, "flaky", "https://example.com/article/flaky"); err != nil {
		t.Fatal(err)
	}
	if _, err := orch.ProcessBatch(ctx, 0); err != nil {
		t.Fatal(err)
	}

	n, err := orch.Retry(ctx)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if n != 1 {
		t.Errorf("Retry reset %d, want 1", n)
	}
	job, _ := st.GetJob(ctx, "flaky")
	if job.Status != models.StatusPending {
		t.Errorf("status = %q, want pending", job.Status)
	}
	if job.RetryCount != 1 {
		t.Errorf("RetryCount = %d; retry must preserve the audit trail", job.RetryCount)
	}
}

func TestProcessBatch_CancellationClosesRun(t *testing.T) {
	bg := context.Background()
	ctx, cancel := context.WithCancel(bg)

	// Cancellation lands mid-attempt, during the first element query of
	// the expansion pass.
	fs := &surfacetest.FakeSurface{
		Viewport: surface.Box{Width: 1280, Height: 800},
	}
	fs.QueryFunc = func(sel string) ([]surface.Element, error) {
		cancel()
		return nil, nil
	}

	orch, st := newTestOrchestrator(t, fs, 4, nil)
	if err := st.CreateJob(bg, "halted", "https://example.com/article/halted"); err != nil {
		t.Fatal(err)
	}

	if _, err := orch.ProcessBatch(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("ProcessBatch = %v, want context.Canceled", err)
	}

	// The job must land in a terminal failure status, never linger in
	// processing.
	job, err := st.GetJob(bg, "halted")
	if err != nil {
		t.Fatal(err)
	}
	if !job.Status.Failed() {
		t.Errorf("status after cancellation = %q, want a failure status", job.Status)
	}
	if job.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", job.RetryCount)
	}
	if job.LastError == "" {
		t.Error("LastError not recorded")
	}

	runs, err := st.Runs(bg, "halted")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	if runs[0].FinishedAt.IsZero() {
		t.Error("run left open after cancellation")
	}
	if runs[0].OK {
		t.Error("cancelled run recorded as ok")
	}
	if runs[0].ErrorMsg == "" {
		t.Error("run closed without an error message")
	}
}

func TestProcessJob_LostClaimIsSkipped(t *testing.T) {
	ctx := context.Background()
	fs := pipelineSurface(t, 0, twoTonePNG(t, 100, 200))
	orch, st := newTestOrchestrator(t, fs, 4, nil)

	if err := st.CreateJob(ctx, "contested", "https://example.com/article/contested"); err != nil {
		t.Fatal(err)
	}
	job, err := st.GetJob(ctx, "contested")
	if err != nil {
		t.Fatal(err)
	}
	// A concurrent pipeline wins the claim between the pending scan and
	// this worker's BeginRun.
	if _, err := st.BeginRun(ctx, "contested"); err != nil {
		t.Fatal(err)
	}

	if got := orch.processJob(ctx, job); got != jobSkipped {
		t.Errorf("processJob on a lost claim = %v, want jobSkipped", got)
	}

	// The other pipeline's claim is untouched and no second run exists.
	after, err := st.GetJob(ctx, "contested")
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != models.StatusProcessing {
		t.Errorf("status = %q, want processing", after.Status)
	}
	if after.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", after.RetryCount)
	}
	runs, err := st.Runs(ctx, "contested")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Errorf("got %d runs, want only the winning claim's run", len(runs))
	}
}

func TestProcessBatch_EmptyQueue(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &surfacetest.FakeSurface{}, 4, nil)
	sum, err := orch.ProcessBatch(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Processed != 0 {
		t.Errorf("Processed = %d, want 0", sum.Processed)
	}
}
