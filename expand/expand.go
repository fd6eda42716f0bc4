// Package expand forces all lazily-hidden content regions on a rendered
// item to become visible before capture.
package expand

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"

	"github.com/use-agent/snapcrawl/config"
	"github.com/use-agent/snapcrawl/models"
	"github.com/use-agent/snapcrawl/surface"
)

// Expander drives a surface until no hidden-content indicators remain.
// It holds no per-item state; side effects are confined to the passed-in
// surface.
type Expander struct {
	cfg        config.ExpandConfig
	fallbackJS string
}

// New validates the configured selectors and builds the expander.
// A selector that does not parse is a configuration error, fatal at
// startup rather than silently skipped per item.
func New(cfg config.ExpandConfig) (*Expander, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	for _, sel := range append(append([]string{}, cfg.ControlSelectors...), cfg.HiddenSelectors...) {
		if _, err := cascadia.Parse(sel); err != nil {
			return nil, models.NewPipelineError(models.ErrCodeInvalidInput,
				fmt.Sprintf("invalid selector %q", sel), err)
		}
	}
	return &Expander{
		cfg:        cfg,
		fallbackJS: buildFallbackJS(cfg.ControlSelectors),
	}, nil
}

// Expand reveals all collapsed content on the surface. Each attempt clicks
// every visible expansion control; if none were invoked it falls back to a
// programmatic click, because the target sometimes leaves elements
// collapsed even after the control disappears. Returns nil as soon as a
// re-scan finds zero hidden indicators, EXPANSION_EXHAUSTED when the
// attempt budget runs out.
func (e *Expander) Expand(ctx context.Context, s surface.Surface) error {
	e.dismissOverlays(s)

	remaining := -1
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		clicked := e.clickControls(s)
		if clicked == 0 {
			n, err := s.Eval(e.fallbackJS)
			if err != nil {
				slog.Warn("expansion fallback script failed", "error", err)
			} else if n > 0 {
				slog.Debug("expansion fallback clicked elements", "count", n)
				clicked = n
			}
		}

		if err := s.Wait(ctx, e.cfg.SettleDelay); err != nil {
			return err
		}

		var err error
		remaining, err = e.CountHidden(s)
		if err != nil {
			return err
		}
		if remaining == 0 {
			slog.Debug("expansion complete", "attempts", attempt, "clicked", clicked)
			return nil
		}
		slog.Debug("hidden content remains after attempt",
			"attempt", attempt, "remaining", remaining, "clicked", clicked)
	}

	return models.NewPipelineError(models.ErrCodeExpansionExhausted,
		fmt.Sprintf("%d hidden sections remain after %d attempts", remaining, e.cfg.MaxAttempts), nil)
}

// clickControls clicks every currently-visible expansion control, primary
// selector first. Returns the number of successful clicks.
func (e *Expander) clickControls(s surface.Surface) int {
	clicked := 0
	for _, sel := range e.cfg.ControlSelectors {
		els, err := s.Query(sel)
		if err != nil {
			slog.Warn("control query failed", "selector", sel, "error", err)
			continue
		}
		for _, el := range els {
			visible, err := el.Visible()
			if err != nil || !visible {
				continue
			}
			if err := el.Click(); err != nil {
				slog.Debug("control click failed", "selector", sel, "error", err)
				continue
			}
			clicked++
		}
	}
	return clicked
}

// CountHidden re-scans the surface for hidden-content indicators. The
// validator uses the same scan, so expansion and validation can never
// disagree about what counts as collapsed.
func (e *Expander) CountHidden(s surface.Surface) (int, error) {
	total := 0
	for _, sel := range e.cfg.HiddenSelectors {
		els, err := s.Query(sel)
		if err != nil {
			return 0, err
		}
		for _, el := range els {
			visible, err := el.Visible()
			if err != nil {
				continue
			}
			if visible {
				total++
			}
		}
	}
	return total, nil
}

// dismissOverlays removes modals, cookie banners, and other fixed
// high-z-index elements that would intercept expansion clicks. Best
// effort; a page without overlays is unaffected.
func (e *Expander) dismissOverlays(s surface.Surface) {
	if n, err := s.Eval(overlayJS); err != nil {
		slog.Debug("overlay dismissal failed", "error", err)
	} else if n > 0 {
		slog.Debug("overlays removed", "count", n)
	}
}

// buildFallbackJS produces a script that programmatically clicks every
// visible element matching the control selectors, bypassing the input
// event path entirely.
func buildFallbackJS(selectors []string) string {
	quoted := make([]string, len(selectors))
	for i, sel := range selectors {
		quoted[i] = fmt.Sprintf("%q", sel)
	}
	return fmt.Sprintf(`() => {
		const selectors = [%s];
		let clicked = 0;
		for (const sel of selectors) {
			for (const el of document.querySelectorAll(sel)) {
				if (el.offsetParent !== null) {
					el.click();
					clicked++;
				}
			}
		}
		return clicked;
	}`, strings.Join(quoted, ", "))
}

const overlayJS = `() => {
	let removed = 0;
	const containers = document.querySelectorAll(
		'[role="dialog"], [class*="modal"], [class*="overlay"], [class*="popup"], [class*="backdrop"]');
	for (const el of containers) {
		const style = window.getComputedStyle(el);
		if (style.position === 'fixed' || style.position === 'sticky' || style.position === 'absolute') {
			el.remove();
			removed++;
		}
	}
	for (const el of document.querySelectorAll('*')) {
		const style = window.getComputedStyle(el);
		if (style.position === 'fixed') {
			const z = parseInt(style.zIndex, 10);
			if (!isNaN(z) && z > 1000) {
				el.remove();
				removed++;
			}
		}
	}
	document.documentElement.style.overflow = '';
	document.body.style.overflow = '';
	document.dispatchEvent(new KeyboardEvent('keydown', {key: 'Escape', keyCode: 27, bubbles: true}));
	return removed;
}`

// SettleBudget reports the worst-case expansion settle time, used by the
// orchestrator when sizing attempt deadlines.
func (e *Expander) SettleBudget() time.Duration {
	return time.Duration(e.cfg.MaxAttempts) * e.cfg.SettleDelay
}
