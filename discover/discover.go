// Package discover turns seed pages into the deduplicated work list the
// pipeline consumes. It extracts target links matching the configured
// pattern, derives their slugs, and registers one pending job each.
package discover

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/use-agent/snapcrawl/config"
	"github.com/use-agent/snapcrawl/models"
	"github.com/use-agent/snapcrawl/store"
)

// Discoverer extracts target addresses from seed pages.
type Discoverer struct {
	pattern *regexp.Regexp
	fetcher *fetcher
	store   *store.Store
	cfg     config.DiscoverConfig
}

// New compiles the article pattern and builds a Discoverer. The pattern
// must carry exactly one capture group: the slug.
func New(cfg config.DiscoverConfig, st *store.Store) (*Discoverer, error) {
	re, err := regexp.Compile(cfg.ArticlePattern)
	if err != nil {
		return nil, models.NewPipelineError(models.ErrCodeInvalidInput,
			"invalid article pattern", err)
	}
	if re.NumSubexp() != 1 {
		return nil, models.NewPipelineError(models.ErrCodeInvalidInput,
			"article pattern needs exactly one capture group for the slug", nil)
	}
	return &Discoverer{
		pattern: re,
		fetcher: newFetcher(cfg.Proxy),
		store:   st,
		cfg:     cfg,
	}, nil
}

// Run fetches each seed page, extracts matching links, and creates jobs
// for addresses not yet known. Returns the number of new jobs. Seeds
// are fetched in order; a failing seed is logged and skipped.
func (d *Discoverer) Run(ctx context.Context, seeds []string) (int, error) {
	added := 0
	for _, seed := range seeds {
		if err := ctx.Err(); err != nil {
			return added, err
		}

		fetchCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		body, err := d.fetcher.fetch(fetchCtx, seed)
		cancel()
		if err != nil {
			slog.Warn("seed fetch failed", "seed", seed, "error", err)
			continue
		}
		if visibleTextLen(body) < 200 {
			slog.Warn("seed looks like a JS shell, links may be missing", "seed", seed)
		}

		targets, err := d.ExtractTargets(seed, body)
		if err != nil {
			slog.Warn("seed parse failed", "seed", seed, "error", err)
			continue
		}

		for _, t := range targets {
			err := d.store.CreateJob(ctx, t.Slug, t.URL)
			switch models.CodeOf(err) {
			case "":
				added++
				slog.Info("job discovered", "slug", t.Slug, "url", t.URL)
			case models.ErrCodeDuplicateKey:
				slog.Debug("already known", "slug", t.Slug)
			default:
				return added, err
			}
		}
	}
	return added, nil
}

// Target is one discovered work item.
type Target struct {
	Slug string
	URL  string
}

// ExtractTargets parses a seed page and returns the matching link
// targets in document order, deduplicated by slug. Relative hrefs are
// resolved against the seed address before matching.
func (d *Discoverer) ExtractTargets(seed string, body []byte) ([]Target, error) {
	base, err := url.Parse(seed)
	if err != nil {
		return nil, models.NewPipelineError(models.ErrCodeInvalidInput,
			"invalid seed address: "+seed, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, models.NewPipelineError(models.ErrCodeInvalidInput,
			"seed page is not parseable HTML", err)
	}

	var targets []Target
	seen := make(map[string]bool)

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		abs.Fragment = ""

		m := d.pattern.FindStringSubmatch(abs.String())
		if m == nil {
			return
		}
		slug := m[1]
		if seen[slug] {
			return
		}
		seen[slug] = true
		targets = append(targets, Target{Slug: slug, URL: abs.String()})
	})

	return targets, nil
}

// SlugFromURL derives the slug for a single manually-added address.
func (d *Discoverer) SlugFromURL(target string) (string, error) {
	m := d.pattern.FindStringSubmatch(target)
	if m == nil {
		return "", models.NewPipelineError(models.ErrCodeInvalidInput,
			fmt.Sprintf("address %q does not match the article pattern", target), nil)
	}
	return m[1], nil
}
