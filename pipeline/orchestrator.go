// Package pipeline owns the job state machine and sequences
// expansion → validation → capture for each item under a shared rate
// limit. It is the only writer to the artifact store.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/use-agent/snapcrawl/capture"
	"github.com/use-agent/snapcrawl/config"
	"github.com/use-agent/snapcrawl/expand"
	"github.com/use-agent/snapcrawl/models"
	"github.com/use-agent/snapcrawl/store"
	"github.com/use-agent/snapcrawl/surface"
	"github.com/use-agent/snapcrawl/validate"
)

// Summary aggregates one batch for operator reporting and the optional
// completion webhook.
type Summary struct {
	Processed  int           `json:"processed"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Recovered  int64         `json:"recovered_stale"`
	Elapsed    time.Duration `json:"-"`
	ElapsedSec float64       `json:"elapsed_seconds"`
}

// Notifier receives the batch summary after a run. Wired to the webhook
// in cmd; nil disables notification.
type Notifier func(Summary)

// Orchestrator runs the per-item pipeline over the pending job queue.
type Orchestrator struct {
	store     *store.Store
	provider  surface.Provider
	expander  *expand.Expander
	validator *validate.Validator
	capturer  *capture.Capturer
	limiter   *rate.Limiter
	pacer     *pacer
	cfg       config.PipelineConfig
	notify    Notifier
}

// New wires the pipeline components. The rate limiter is shared by every
// concurrent pipeline: it is created here once and injected into all
// workers rather than kept as process-global state.
func New(
	st *store.Store,
	provider surface.Provider,
	expander *expand.Expander,
	validator *validate.Validator,
	capturer *capture.Capturer,
	cfg config.PipelineConfig,
	notify Notifier,
) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	rpm := cfg.RequestsPerMinute
	if rpm < 1 {
		rpm = 30
	}
	return &Orchestrator{
		store:     st,
		provider:  provider,
		expander:  expander,
		validator: validator,
		capturer:  capturer,
		limiter:   rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
		pacer:     newPacer(cfg.MinDelay, cfg.MaxDelay, cfg.BackoffCeiling),
		cfg:       cfg,
		notify:    notify,
	}
}

// ProcessBatch drains the pending queue, up to limit jobs (limit <= 0
// means all). Jobs abandoned in processing by a crashed attempt are
// recovered to pending first. A failing job never aborts the batch.
func (o *Orchestrator) ProcessBatch(ctx context.Context, limit int) (Summary, error) {
	start := time.Now()
	var sum Summary

	recovered, err := o.store.ResetStaleProcessing(ctx)
	if err != nil {
		return sum, err
	}
	if recovered > 0 {
		slog.Warn("recovered jobs left processing by a prior attempt", "count", recovered)
	}
	sum.Recovered = recovered

	jobs, err := o.store.NextPending(ctx, limit)
	if err != nil {
		return sum, err
	}
	if len(jobs) == 0 {
		slog.Info("no pending jobs")
		return sum, nil
	}
	slog.Info("batch starting", "jobs", len(jobs), "concurrency", o.cfg.Concurrency)

	queue := make(chan models.Job)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for w := 0; w < o.cfg.Concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for job := range queue {
				outcome := o.processJob(ctx, job)
				mu.Lock()
				switch outcome {
				case jobSucceeded:
					sum.Processed++
					sum.Succeeded++
				case jobFailed:
					sum.Processed++
					sum.Failed++
				}
				mu.Unlock()
				if ctx.Err() != nil {
					return
				}
			}
		}(w)
	}

feed:
	for _, job := range jobs {
		select {
		case queue <- job:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()

	sum.Elapsed = time.Since(start)
	sum.ElapsedSec = sum.Elapsed.Seconds()
	slog.Info("batch finished",
		"processed", sum.Processed,
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
		"elapsed", sum.Elapsed.Round(time.Millisecond),
	)
	if o.notify != nil {
		o.notify(sum)
	}
	return sum, ctx.Err()
}

// jobOutcome classifies one worker pass over a job. A job counts toward
// the batch only if this worker actually claimed it; a lost claim or a
// wait aborted before the claim leaves the job untouched.
type jobOutcome int

const (
	jobSkipped jobOutcome = iota
	jobSucceeded
	jobFailed
)

// processJob runs one attempt: claim → expand → validate → capture →
// record. Every failure after a successful claim leaves the job in a
// terminal failure status.
func (o *Orchestrator) processJob(ctx context.Context, job models.Job) jobOutcome {
	if err := o.limiter.Wait(ctx); err != nil {
		return jobSkipped
	}
	if err := o.pacer.Wait(ctx); err != nil {
		return jobSkipped
	}

	runID, err := o.store.BeginRun(ctx, job.Slug)
	if err != nil {
		// Another pipeline won the compare-and-set; not this worker's job.
		if models.CodeOf(err) == models.ErrCodeDuplicateKey {
			slog.Debug("job claimed elsewhere", "slug", job.Slug)
			return jobSkipped
		}
		slog.Error("failed to begin run", "slug", job.Slug, "error", err)
		return jobSkipped
	}
	slog.Info("processing", "slug", job.Slug, "url", job.URL, "run_id", runID)

	shots, err := o.attempt(ctx, job, runID)
	if err != nil {
		o.recordFailure(ctx, job.Slug, runID, err)
		o.pacer.Failure()
		return jobFailed
	}

	// Record artifacts before flipping the job to done: a crash between
	// the two leaves the job processing, which the next scan retries.
	recCtx := context.WithoutCancel(ctx)
	for _, shot := range shots {
		if err := o.store.RecordArtifact(recCtx, models.Artifact{
			RunID:        runID,
			Slug:         job.Slug,
			Index:        shot.Index,
			Filename:     shot.Filename,
			SectionTitle: shot.Title,
		}); err != nil {
			o.recordFailure(ctx, job.Slug, runID, err)
			o.pacer.Failure()
			return jobFailed
		}
	}
	if err := o.store.CompleteRun(recCtx, runID, job.Slug, true, ""); err != nil {
		slog.Error("failed to complete run", "slug", job.Slug, "error", err)
		return jobFailed
	}
	if err := o.store.SetStatus(recCtx, job.Slug, models.StatusDone, ""); err != nil {
		slog.Error("failed to mark job done", "slug", job.Slug, "error", err)
		return jobFailed
	}

	o.pacer.Success()
	slog.Info("done", "slug", job.Slug, "run_id", runID, "artifacts", len(shots))
	return jobSucceeded
}

// attempt acquires a surface and drives expansion, validation, and
// capture. The surface handle belongs to this attempt alone.
func (o *Orchestrator) attempt(ctx context.Context, job models.Job, runID string) ([]capture.Shot, error) {
	surf, err := o.provider.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer surf.Release()

	if err := surf.Navigate(ctx, job.URL); err != nil {
		return nil, err
	}
	if err := o.expander.Expand(ctx, surf); err != nil {
		return nil, err
	}
	if err := o.validator.Validate(ctx, surf); err != nil {
		return nil, err
	}
	return o.capturer.CaptureSections(ctx, surf, job.Slug, runID)
}

// recordFailure moves the job to its terminal failure status and closes
// the run. Writes use a detached context so a cancelled attempt still
// ends durably instead of lingering in processing.
func (o *Orchestrator) recordFailure(ctx context.Context, slug, runID string, cause error) {
	status := models.StatusFailedExpansion
	switch models.CodeOf(cause) {
	case models.ErrCodeHiddenContent, models.ErrCodeLowDensity:
		status = models.StatusFailedValidation
	}

	msg := cause.Error()
	recCtx := context.WithoutCancel(ctx)
	if err := o.store.SetStatus(recCtx, slug, status, msg); err != nil {
		slog.Error("failed to record job failure", "slug", slug, "error", err)
	}
	if err := o.store.CompleteRun(recCtx, runID, slug, false, msg); err != nil {
		slog.Error("failed to close run", "slug", slug, "run_id", runID, "error", err)
	}
	slog.Warn("job failed", "slug", slug, "run_id", runID, "status", status, "error", cause)
}

// Retry moves every failed job back to pending in one transaction and
// returns how many were reset. retry_count is preserved for audit.
func (o *Orchestrator) Retry(ctx context.Context) (int64, error) {
	return o.store.ResetFailed(ctx)
}

// Stats reports store-wide counters.
func (o *Orchestrator) Stats(ctx context.Context) (models.Stats, error) {
	return o.store.Stats(ctx)
}
