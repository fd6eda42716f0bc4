// Command snapcrawl drives the resumable section-capture pipeline:
// discover work, process pending items, retry failures, report stats.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/use-agent/snapcrawl/api"
	"github.com/use-agent/snapcrawl/capture"
	"github.com/use-agent/snapcrawl/config"
	"github.com/use-agent/snapcrawl/discover"
	"github.com/use-agent/snapcrawl/expand"
	"github.com/use-agent/snapcrawl/notify"
	"github.com/use-agent/snapcrawl/pipeline"
	"github.com/use-agent/snapcrawl/store"
	"github.com/use-agent/snapcrawl/surface"
	"github.com/use-agent/snapcrawl/validate"
)

func main() {
	cfg := config.Load()
	initLogger(cfg.Log)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "add":
		err = cmdAdd(cfg, os.Args[2:])
	case "discover":
		err = cmdDiscover(cfg, os.Args[2:])
	case "run":
		err = cmdRun(cfg, os.Args[2:])
	case "retry":
		err = cmdRetry(cfg)
	case "stats":
		err = cmdStats(cfg)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: snapcrawl <command> [args]

commands:
  add <url>...        register target addresses as pending jobs
  discover <seed>...  extract target links from seed pages
  run [-limit n]      process pending jobs and capture sections
  retry               move failed jobs back to pending
  stats               report job/run/artifact counts
`)
}

// cmdAdd registers one pending job per address.
func cmdAdd(cfg *config.Config, urls []string) error {
	if len(urls) == 0 {
		return fmt.Errorf("add: at least one address required")
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	d, err := discover.New(cfg.Discover, st)
	if err != nil {
		return err
	}

	ctx := context.Background()
	for _, u := range urls {
		slug, err := d.SlugFromURL(u)
		if err != nil {
			return err
		}
		if err := st.CreateJob(ctx, slug, u); err != nil {
			return err
		}
		fmt.Printf("added %s\n", slug)
	}
	return nil
}

// cmdDiscover crawls seed pages for target links.
func cmdDiscover(cfg *config.Config, seeds []string) error {
	if len(seeds) == 0 {
		return fmt.Errorf("discover: at least one seed address required")
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	d, err := discover.New(cfg.Discover, st)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	added, err := d.Run(ctx, seeds)
	if err != nil {
		return err
	}
	fmt.Printf("discovery completed: %d new jobs\n", added)
	return nil
}

// cmdRun processes the pending queue end to end.
func cmdRun(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	limit := fs.Int("limit", 0, "max jobs to process (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	// Session is optional: without one the pipeline still runs, the
	// target just sees an anonymous browser.
	var session *surface.Session
	if cfg.Browser.SessionPath != "" {
		if _, statErr := os.Stat(cfg.Browser.SessionPath); statErr == nil {
			session, err = surface.LoadSession(cfg.Browser.SessionPath)
			if err != nil {
				return err
			}
		} else {
			slog.Warn("session state not found, running unauthenticated",
				"path", cfg.Browser.SessionPath)
		}
	}

	provider, err := surface.NewRodProvider(cfg.Browser, session)
	if err != nil {
		return err
	}
	defer provider.Close()

	expander, err := expand.New(cfg.Expand)
	if err != nil {
		return err
	}
	validator := validate.New(cfg.Validate, expander)
	capturer, err := capture.New(cfg.Capture, cfg.Output.Dir)
	if err != nil {
		return err
	}

	var notifier pipeline.Notifier
	if cfg.Webhook.URL != "" {
		notifier = func(s pipeline.Summary) {
			notify.BatchCompleted(cfg.Webhook.URL, cfg.Webhook.Secret, s)
		}
	}

	orch := pipeline.New(st, provider, expander, validator, capturer, cfg.Pipeline, notifier)

	if cfg.API.Enabled {
		startAPI(st, cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sum, err := orch.ProcessBatch(ctx, *limit)
	fmt.Printf("processed %d: %d succeeded, %d failed (%.1fs)\n",
		sum.Processed, sum.Succeeded, sum.Failed, sum.ElapsedSec)
	if err != nil && ctx.Err() != nil {
		slog.Info("stopped by signal; current attempts were closed out")
		return nil
	}
	return err
}

// cmdRetry resets failed jobs to pending.
func cmdRetry(cfg *config.Config) error {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.ResetFailed(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("reset %d failed jobs to pending\n", n)
	return nil
}

// cmdStats prints store-wide counters.
func cmdStats(cfg *config.Config) error {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("jobs: %d\n", stats.TotalJobs)
	for status, n := range stats.JobsByStatus {
		fmt.Printf("  %s: %d\n", status, n)
	}
	fmt.Printf("runs: %d\nartifacts: %d\n", stats.TotalRuns, stats.TotalArtifacts)

	failed, err := st.FailedJobs(ctx)
	if err != nil {
		return err
	}
	for _, j := range failed {
		fmt.Printf("failed %s (%s, retries=%d): %s\n", j.Slug, j.Status, j.RetryCount, j.LastError)
	}
	return nil
}

// startAPI serves the operator API in the background for the lifetime of
// the process.
func startAPI(st *store.Store, cfg *config.Config) {
	router := api.NewRouter(st, cfg, time.Now())
	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	go func() {
		slog.Info("operator API listening", "addr", addr)
		if err := http.ListenAndServe(addr, router); err != nil {
			slog.Error("operator API stopped", "error", err)
		}
	}()
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
