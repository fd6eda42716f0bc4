package surface

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"

	"github.com/use-agent/snapcrawl/config"
	"github.com/use-agent/snapcrawl/models"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// RodProvider launches one headless browser and hands out pages as
// surfaces. Safe for concurrent Acquire calls; each surface is bound to
// exactly one pipeline.
type RodProvider struct {
	browser *rod.Browser
	cfg     config.BrowserConfig
	session *Session
}

// NewRodProvider launches the browser. A non-nil session is applied to
// every surface before navigation.
func NewRodProvider(cfg config.BrowserConfig, session *Session) (*RodProvider, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)

	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}
	if cfg.DefaultProxy != "" {
		l = l.Proxy(cfg.DefaultProxy)
	}

	// ── Stealth flags ────────────────────────────────────────────────
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-ipc-flooding-protection"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, models.NewPipelineError(models.ErrCodeSurfaceClosed, "failed to launch browser", err)
	}
	slog.Info("browser launched", "controlURL", controlURL)

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, models.NewPipelineError(models.ErrCodeSurfaceClosed, "failed to connect to browser", err)
	}

	return &RodProvider{browser: browser, cfg: cfg, session: session}, nil
}

// Acquire creates a new page with the configured viewport, scale factor,
// stealth script, and session cookies.
func (p *RodProvider) Acquire(ctx context.Context) (Surface, error) {
	page, err := p.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, models.NewPipelineError(models.ErrCodeSurfaceClosed, "failed to create page", err)
	}

	s := &rodSurface{page: page, cfg: p.cfg}
	if err := s.prepare(ctx, p.session); err != nil {
		_ = page.Close()
		return nil, err
	}
	return s, nil
}

// Close kills the browser process. Call on graceful shutdown to prevent
// zombie Chrome processes.
func (p *RodProvider) Close() {
	slog.Info("surface provider shutting down: closing browser")
	p.browser.MustClose()
}

type rodSurface struct {
	page *rod.Page
	cfg  config.BrowserConfig
}

// prepare sets viewport, scale factor, stealth, headers, and cookies.
// Everything here must happen before the first navigation.
func (s *rodSurface) prepare(ctx context.Context, session *Session) error {
	p := s.page.Context(ctx)

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             s.cfg.ViewportWidth,
		Height:            s.cfg.ViewportHeight,
		DeviceScaleFactor: s.cfg.ScaleFactor,
	}).Call(p); err != nil {
		return models.NewPipelineError(models.ErrCodeSurfaceClosed, "failed to set viewport", err)
	}

	if _, err := p.EvalOnNewDocument(stealth.JS); err != nil {
		slog.Warn("stealth injection failed, proceeding without stealth", "error", err)
	}

	headers := proto.NetworkHeaders{
		"User-Agent":      gson.New(chromeUA),
		"Accept-Language": gson.New("en-US,en;q=0.9"),
	}
	if err := (proto.NetworkSetExtraHTTPHeaders{Headers: headers}).Call(p); err != nil {
		slog.Warn("failed to set extra headers", "error", err)
	}

	if session != nil {
		if err := session.Apply(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *rodSurface) Navigate(ctx context.Context, target string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigationTimeout)
	defer cancel()
	p := s.page.Context(navCtx)

	if err := p.Navigate(target); err != nil {
		return categorizeNavError(err, target)
	}
	if err := p.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		slog.Debug("WaitDOMStable did not converge, proceeding with current DOM",
			"url", target, "error", err)
	}
	return nil
}

func (s *rodSurface) Query(selector string) ([]Element, error) {
	els, err := s.page.Elements(selector)
	if err != nil {
		return nil, models.NewPipelineError(models.ErrCodeSurfaceClosed,
			"element query failed: "+selector, err)
	}
	out := make([]Element, len(els))
	for i, el := range els {
		out[i] = &rodElement{el: el}
	}
	return out, nil
}

func (s *rodSurface) Eval(js string) (int, error) {
	res, err := s.page.Eval(js)
	if err != nil {
		return 0, models.NewPipelineError(models.ErrCodeSurfaceClosed, "script evaluation failed", err)
	}
	return res.Value.Int(), nil
}

func (s *rodSurface) Wait(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *rodSurface) CaptureRegion(box Box, scale float64) ([]byte, error) {
	data, err := s.page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
		Clip: &proto.PageViewport{
			X:      box.X,
			Y:      box.Y,
			Width:  box.Width,
			Height: box.Height,
			Scale:  scale,
		},
	})
	if err != nil {
		return nil, models.NewPipelineError(models.ErrCodeCaptureFailed, "region capture failed", err)
	}
	return data, nil
}

func (s *rodSurface) ViewportBox() (Box, error) {
	res, err := s.page.Eval(`() => JSON.stringify({
		w: window.innerWidth,
		h: window.innerHeight,
	})`)
	if err != nil {
		return Box{}, models.NewPipelineError(models.ErrCodeSurfaceClosed, "viewport query failed", err)
	}
	v := gson.NewFrom(res.Value.Str())
	return Box{
		Width:  v.Get("w").Num(),
		Height: v.Get("h").Num(),
	}, nil
}

func (s *rodSurface) Release() {
	// about:blank before close drops the DOM and any pending requests.
	if err := s.page.Navigate("about:blank"); err != nil {
		slog.Warn("cleanup: failed to navigate to about:blank", "error", err)
	}
	_ = s.page.Close()
}

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Text() (string, error) {
	return e.el.Text()
}

func (e *rodElement) Visible() (bool, error) {
	return e.el.Visible()
}

func (e *rodElement) Click() error {
	return e.el.Click(proto.InputMouseButtonLeft, 1)
}

func (e *rodElement) ScrollIntoView() error {
	return e.el.ScrollIntoView()
}

func (e *rodElement) Box() (Box, error) {
	shape, err := e.el.Shape()
	if err != nil {
		return Box{}, err
	}
	b := shape.Box()
	return Box{X: b.X, Y: b.Y, Width: b.Width, Height: b.Height}, nil
}

func categorizeNavError(err error, target string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return models.NewPipelineError(models.ErrCodeNavigation,
			"navigation timed out: "+target, err)
	default:
		if _, parseErr := url.Parse(target); parseErr != nil {
			return models.NewPipelineError(models.ErrCodeInvalidInput,
				"invalid target address: "+target, err)
		}
		return models.NewPipelineError(models.ErrCodeNavigation,
			"navigation failed: "+target, err)
	}
}
