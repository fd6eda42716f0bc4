// Package surfacetest provides in-memory fakes for the surface
// interfaces, used by engine and pipeline tests.
package surfacetest

import (
	"context"
	"time"

	"github.com/use-agent/snapcrawl/surface"
)

// FakeElement is a scriptable surface.Element.
type FakeElement struct {
	TextVal    string
	VisibleVal bool
	BoxVal     surface.Box
	ClickErr   error
	OnClick    func()

	Clicks   int
	Scrolled bool
}

func (e *FakeElement) Text() (string, error)  { return e.TextVal, nil }
func (e *FakeElement) Visible() (bool, error) { return e.VisibleVal, nil }

func (e *FakeElement) Click() error {
	if e.ClickErr != nil {
		return e.ClickErr
	}
	e.Clicks++
	if e.OnClick != nil {
		e.OnClick()
	}
	return nil
}

func (e *FakeElement) ScrollIntoView() error {
	e.Scrolled = true
	return nil
}

func (e *FakeElement) Box() (surface.Box, error) { return e.BoxVal, nil }

// FakeSurface is a scriptable surface.Surface. Behavior hooks take
// precedence over the static fields; unset hooks fall back to simple
// defaults so most tests only fill in what they exercise.
type FakeSurface struct {
	Elements map[string][]*FakeElement
	Viewport surface.Box

	QueryFunc   func(selector string) ([]surface.Element, error)
	EvalFunc    func(js string) (int, error)
	CaptureFunc func(box surface.Box, scale float64) ([]byte, error)
	NavigateErr error

	NavigatedURL string
	WaitCount    int
	Released     bool
}

func (s *FakeSurface) Navigate(ctx context.Context, url string) error {
	if s.NavigateErr != nil {
		return s.NavigateErr
	}
	s.NavigatedURL = url
	return nil
}

func (s *FakeSurface) Query(selector string) ([]surface.Element, error) {
	if s.QueryFunc != nil {
		return s.QueryFunc(selector)
	}
	els := s.Elements[selector]
	out := make([]surface.Element, len(els))
	for i, e := range els {
		out[i] = e
	}
	return out, nil
}

func (s *FakeSurface) Eval(js string) (int, error) {
	if s.EvalFunc != nil {
		return s.EvalFunc(js)
	}
	return 0, nil
}

func (s *FakeSurface) Wait(ctx context.Context, d time.Duration) error {
	s.WaitCount++
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (s *FakeSurface) CaptureRegion(box surface.Box, scale float64) ([]byte, error) {
	if s.CaptureFunc != nil {
		return s.CaptureFunc(box, scale)
	}
	return nil, nil
}

func (s *FakeSurface) ViewportBox() (surface.Box, error) {
	if s.Viewport.Width == 0 && s.Viewport.Height == 0 {
		return surface.Box{Width: 1280, Height: 800}, nil
	}
	return s.Viewport, nil
}

func (s *FakeSurface) Release() { s.Released = true }

// FakeProvider hands out a fixed sequence of surfaces, or fresh empty
// ones once the sequence runs dry.
type FakeProvider struct {
	Surfaces []*FakeSurface
	Acquired int
	Closed   bool
}

func (p *FakeProvider) Acquire(ctx context.Context) (surface.Surface, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var s *FakeSurface
	if p.Acquired < len(p.Surfaces) {
		s = p.Surfaces[p.Acquired]
	} else {
		s = &FakeSurface{}
	}
	p.Acquired++
	return s, nil
}

func (p *FakeProvider) Close() { p.Closed = true }
