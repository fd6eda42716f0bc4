// Package capture partitions a validated, fully-expanded surface into
// logical sections and produces one lossless image per section.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/andybalholm/cascadia"

	"github.com/use-agent/snapcrawl/config"
	"github.com/use-agent/snapcrawl/models"
	"github.com/use-agent/snapcrawl/surface"
)

// baseDPI is the nominal screen DPI at scale factor 1.
const baseDPI = 96

// Shot is one produced section capture, returned to the orchestrator,
// which records it in the store. The engine only writes image files.
type Shot struct {
	Index    int
	Filename string
	Path     string
	Title    string
}

// Capturer shoots one image per heading-delimited section.
type Capturer struct {
	cfg    config.CaptureConfig
	outdir string
}

// New validates the heading selectors and builds a Capturer writing under
// outdir.
func New(cfg config.CaptureConfig, outdir string) (*Capturer, error) {
	if cfg.Scale <= 0 {
		cfg.Scale = 2.0
	}
	if cfg.MaxTitleLen <= 0 {
		cfg.MaxTitleLen = 50
	}
	for _, sel := range cfg.HeadingSelectors {
		if _, err := cascadia.Parse(sel); err != nil {
			return nil, models.NewPipelineError(models.ErrCodeInvalidInput,
				fmt.Sprintf("invalid heading selector %q", sel), err)
		}
	}
	return &Capturer{cfg: cfg, outdir: outdir}, nil
}

type section struct {
	title string
	box   surface.Box
	el    surface.Element
}

// CaptureSections enumerates heading boundaries top to bottom, clips from
// each heading to the next (the last section runs to the document
// bottom), and writes one DPI-tagged PNG per section under
// {outdir}/{slug}/{runID}/. Indices are dense and zero-based in document
// order; filenames are sanitized so they are filesystem-safe and
// collision-free within one run.
func (c *Capturer) CaptureSections(ctx context.Context, s surface.Surface, slug, runID string) ([]Shot, error) {
	dir := filepath.Join(c.outdir, slug, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, models.NewPipelineError(models.ErrCodeCaptureFailed,
			"failed to create output directory "+dir, err)
	}

	sections, err := c.findSections(s)
	if err != nil {
		return nil, err
	}

	pageHeight, err := s.Eval(`() => document.body.scrollHeight`)
	if err != nil {
		return nil, err
	}

	if len(sections) == 0 {
		slog.Warn("no section headings found, capturing full page", "slug", slug)
		return c.captureFullPage(ctx, s, slug, dir, float64(pageHeight))
	}

	viewport, err := s.ViewportBox()
	if err != nil {
		return nil, err
	}

	shots := make([]Shot, 0, len(sections))
	seen := make(map[string]int)
	for i, sec := range sections {
		if err := ctx.Err(); err != nil {
			return shots, err
		}

		// Force viewport-dependent rendering before measuring the clip.
		if err := sec.el.ScrollIntoView(); err != nil {
			slog.Debug("scroll into view failed", "section", sec.title, "error", err)
		}

		bottom := float64(pageHeight)
		if i+1 < len(sections) {
			bottom = sections[i+1].box.Y
		}
		clip := surface.Box{
			X:      sec.box.X,
			Y:      sec.box.Y,
			Width:  viewport.Width - sec.box.X,
			Height: bottom - sec.box.Y,
		}
		if clip.Height <= 0 || clip.Width <= 0 {
			slog.Debug("skipping degenerate section clip", "section", sec.title)
			continue
		}

		data, err := s.CaptureRegion(clip, c.cfg.Scale)
		if err != nil {
			return shots, err
		}
		data, err = TagDPI(data, int(baseDPI*c.cfg.Scale))
		if err != nil {
			slog.Warn("DPI tagging failed, writing untagged image", "error", err)
		}

		idx := len(shots)
		base := c.sanitizeTitle(sec.title)
		title := base
		if n := seen[base]; n > 0 {
			title = fmt.Sprintf("%s_%d", base, n)
		}
		seen[base]++

		filename := fmt.Sprintf("%03d_%s.png", idx, title)
		path := filepath.Join(dir, filename)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return shots, models.NewPipelineError(models.ErrCodeCaptureFailed,
				"failed to write "+path, err)
		}

		shots = append(shots, Shot{Index: idx, Filename: filename, Path: path, Title: sec.title})
		slog.Debug("section captured", "slug", slug, "index", idx, "title", sec.title)
	}

	if len(shots) == 0 {
		return nil, models.NewPipelineError(models.ErrCodeCaptureFailed,
			"no sections could be captured", nil)
	}
	return shots, nil
}

// findSections collects visible headings in document order. A heading
// matched by more than one selector counts once.
func (c *Capturer) findSections(s surface.Surface) ([]section, error) {
	var sections []section
	seen := make(map[surface.Box]bool)

	for _, sel := range c.cfg.HeadingSelectors {
		els, err := s.Query(sel)
		if err != nil {
			return nil, err
		}
		for _, el := range els {
			visible, err := el.Visible()
			if err != nil || !visible {
				continue
			}
			box, err := el.Box()
			if err != nil {
				continue
			}
			if seen[box] {
				continue
			}
			seen[box] = true
			title, err := el.Text()
			if err != nil {
				title = ""
			}
			sections = append(sections, section{title: strings.TrimSpace(title), box: box, el: el})
		}
	}

	sort.SliceStable(sections, func(i, j int) bool {
		return sections[i].box.Y < sections[j].box.Y
	})
	return sections, nil
}

// captureFullPage is the fallback for items without recognizable
// headings: a single artifact spanning the whole document.
func (c *Capturer) captureFullPage(ctx context.Context, s surface.Surface, slug, dir string, pageHeight float64) ([]Shot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	viewport, err := s.ViewportBox()
	if err != nil {
		return nil, err
	}
	if pageHeight <= 0 {
		pageHeight = viewport.Height
	}

	data, err := s.CaptureRegion(surface.Box{Width: viewport.Width, Height: pageHeight}, c.cfg.Scale)
	if err != nil {
		return nil, err
	}
	data, err = TagDPI(data, int(baseDPI*c.cfg.Scale))
	if err != nil {
		slog.Warn("DPI tagging failed, writing untagged image", "error", err)
	}

	filename := fmt.Sprintf("000_%s.png", c.sanitizeTitle(slug))
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, models.NewPipelineError(models.ErrCodeCaptureFailed,
			"failed to write "+path, err)
	}
	return []Shot{{Index: 0, Filename: filename, Path: path, Title: "full_page"}}, nil
}

var nonFilename = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// sanitizeTitle reduces a section title to a filesystem-safe token.
func (c *Capturer) sanitizeTitle(title string) string {
	t := nonFilename.ReplaceAllString(strings.TrimSpace(title), "_")
	t = strings.Trim(t, "_")
	if len(t) > c.cfg.MaxTitleLen {
		t = t[:c.cfg.MaxTitleLen]
		t = strings.TrimRight(t, "_")
	}
	if t == "" {
		return "section"
	}
	return t
}
