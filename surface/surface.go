// Package surface abstracts the browser automation handle the pipeline
// drives. The narrow interface keeps the expansion, validation, and
// capture engines testable against fakes while cmd wires the Rod-backed
// implementation.
package surface

import (
	"context"
	"time"
)

// Box is a rectangular region on the rendered page in CSS pixels.
type Box struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Element is one queryable element on a surface.
type Element interface {
	// Text returns the element's visible text content.
	Text() (string, error)

	// Visible reports whether the element is currently rendered.
	Visible() (bool, error)

	// Click dispatches a left click on the element.
	Click() error

	// ScrollIntoView scrolls the element into the viewport, forcing any
	// viewport-dependent rendering.
	ScrollIntoView() error

	// Box returns the element's bounding region.
	Box() (Box, error)
}

// Surface is one rendering surface bound to a single pipeline. It is not
// safe for concurrent use; surfaces are never shared across pipelines.
type Surface interface {
	// Navigate loads the target address and waits for the DOM to settle.
	Navigate(ctx context.Context, url string) error

	// Query returns all elements matching the CSS selector.
	Query(selector string) ([]Element, error)

	// Eval runs a script in the page and returns its numeric result
	// (0 for scripts without one).
	Eval(js string) (int, error)

	// Wait pauses for d or until ctx is done.
	Wait(ctx context.Context, d time.Duration) error

	// CaptureRegion renders the region clipped to box at the given scale
	// factor and returns lossless PNG bytes.
	CaptureRegion(box Box, scale float64) ([]byte, error)

	// ViewportBox returns the current viewport region.
	ViewportBox() (Box, error)

	// Release returns the surface to its provider. The handle must not
	// be used afterwards.
	Release()
}

// Provider hands out surfaces, one per concurrent pipeline.
type Provider interface {
	// Acquire returns a fresh surface. Callers must Release it.
	Acquire(ctx context.Context) (Surface, error)

	// Close tears down the provider and every live surface.
	Close()
}
