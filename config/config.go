package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Browser  BrowserConfig
	Store    StoreConfig
	Output   OutputConfig
	Expand   ExpandConfig
	Validate ValidateConfig
	Capture  CaptureConfig
	Pipeline PipelineConfig
	Discover DiscoverConfig
	Webhook  WebhookConfig
	API      APIConfig
	Log      LogConfig
}

// BrowserConfig controls the Rod browser instance backing the surfaces.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// DefaultProxy is the proxy URL for all browser traffic.
	DefaultProxy string

	// ViewportWidth/ViewportHeight set the emulated viewport.
	ViewportWidth  int // default: 1280
	ViewportHeight int // default: 720

	// ScaleFactor is the device scale factor for retina captures.
	ScaleFactor float64 // default: 2.0

	// SessionPath is the cookie state file applied to every surface.
	// Empty disables session loading.
	SessionPath string // default: "secrets/auth_state.json"

	// NavigationTimeout is the max time for a single Navigate.
	NavigationTimeout time.Duration // default: 15s
}

// StoreConfig controls the SQLite artifact store.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string // default: "snapcrawl.db"
}

// OutputConfig controls where captured images land.
type OutputConfig struct {
	// Dir is the root output directory; files are written to
	// {Dir}/{slug}/{run_id}/{index}_{title}.png.
	Dir string // default: "captures"
}

// ExpandConfig controls the content expansion engine.
type ExpandConfig struct {
	// MaxAttempts is the expansion attempt budget per item.
	MaxAttempts int // default: 4

	// SettleDelay is the wait after each click pass for lazily loaded
	// content to materialize.
	SettleDelay time.Duration // default: 400ms

	// ControlSelectors is the prioritized list of expansion control
	// selectors, primary semantic selector first.
	ControlSelectors []string

	// HiddenSelectors marks content that is still collapsed. Expansion
	// succeeds only when none remain visible.
	HiddenSelectors []string
}

// ValidateConfig controls the capture validator.
type ValidateConfig struct {
	// MinDensity is the minimum normalized density score in [0,1].
	MinDensity float64 // default: 0.95

	// StddevFloor is the minimum raw luminance dispersion.
	StddevFloor float64 // default: 20
}

// CaptureConfig controls section capture.
type CaptureConfig struct {
	// HeadingSelectors is the priority list of section boundary markers.
	HeadingSelectors []string

	// Scale is the capture scale factor.
	Scale float64 // default: 2.0

	// MaxTitleLen caps the sanitized section title used in filenames.
	MaxTitleLen int // default: 50
}

// PipelineConfig controls the orchestrator loop.
type PipelineConfig struct {
	// Concurrency is the number of parallel job pipelines, each bound
	// to its own surface.
	Concurrency int // default: 1

	// RequestsPerMinute is the shared token-bucket rate across all
	// pipelines.
	RequestsPerMinute int // default: 30

	// MinDelay/MaxDelay bound the randomized pause between jobs.
	MinDelay time.Duration // default: 2s
	MaxDelay time.Duration // default: 4s

	// BackoffCeiling caps the exponential failure backoff.
	BackoffCeiling time.Duration // default: 2m
}

// DiscoverConfig controls seed-page link discovery.
type DiscoverConfig struct {
	// ArticlePattern is the regexp matching target addresses; the first
	// capture group is the slug.
	ArticlePattern string

	// Timeout is the per-seed fetch deadline.
	Timeout time.Duration // default: 30s

	// Proxy overrides the fetch proxy for discovery only.
	Proxy string
}

// WebhookConfig controls the optional batch-completion webhook.
type WebhookConfig struct {
	URL    string // empty disables delivery
	Secret string // HMAC-SHA256 signing key
}

// APIConfig controls the operator HTTP API.
type APIConfig struct {
	Enabled bool   // default: false
	Host    string // default: "127.0.0.1"
	Port    int    // default: 8091
	Mode    string // "debug", "release", "test"; default: "release"
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Browser: BrowserConfig{
			Headless:          envBoolOr("SNAPCRAWL_HEADLESS", true),
			NoSandbox:         envBoolOr("SNAPCRAWL_NO_SANDBOX", false),
			BrowserBin:        os.Getenv("SNAPCRAWL_BROWSER_BIN"),
			DefaultProxy:      os.Getenv("SNAPCRAWL_PROXY"),
			ViewportWidth:     envIntOr("SNAPCRAWL_VIEWPORT_WIDTH", 1280),
			ViewportHeight:    envIntOr("SNAPCRAWL_VIEWPORT_HEIGHT", 720),
			ScaleFactor:       envFloatOr("SNAPCRAWL_SCALE_FACTOR", 2.0),
			SessionPath:       envOr("SNAPCRAWL_SESSION_PATH", "secrets/auth_state.json"),
			NavigationTimeout: envDurationOr("SNAPCRAWL_NAV_TIMEOUT", 15*time.Second),
		},
		Store: StoreConfig{
			Path: envOr("SNAPCRAWL_DB_PATH", "snapcrawl.db"),
		},
		Output: OutputConfig{
			Dir: envOr("SNAPCRAWL_OUTPUT_DIR", "captures"),
		},
		Expand: ExpandConfig{
			MaxAttempts: envIntOr("SNAPCRAWL_EXPAND_ATTEMPTS", 4),
			SettleDelay: envDurationOr("SNAPCRAWL_EXPAND_SETTLE", 400*time.Millisecond),
			ControlSelectors: envSliceOr("SNAPCRAWL_EXPAND_CONTROLS", []string{
				`[data-e2e-test-id="section-content-is-hidden"]`,
				`[data-testid="expand-button"]`,
				`.expand-button`,
				`.read-more-button`,
			}),
			HiddenSelectors: envSliceOr("SNAPCRAWL_HIDDEN_MARKERS", []string{
				`[data-e2e-test-id="section-content-is-hidden"]`,
				`[data-testid="expand-button"]`,
				`.read-more-button`,
			}),
		},
		Validate: ValidateConfig{
			MinDensity:  envFloatOr("SNAPCRAWL_MIN_DENSITY", 0.95),
			StddevFloor: envFloatOr("SNAPCRAWL_STDDEV_FLOOR", 20),
		},
		Capture: CaptureConfig{
			HeadingSelectors: envSliceOr("SNAPCRAWL_HEADINGS", []string{
				"h1", "h2", "h3", "h4", "h5", "h6",
				`[data-testid="section-header"]`,
				".section-header",
			}),
			Scale:       envFloatOr("SNAPCRAWL_CAPTURE_SCALE", 2.0),
			MaxTitleLen: envIntOr("SNAPCRAWL_MAX_TITLE_LEN", 50),
		},
		Pipeline: PipelineConfig{
			Concurrency:       envIntOr("SNAPCRAWL_CONCURRENCY", 1),
			RequestsPerMinute: envIntOr("SNAPCRAWL_RPM", 30),
			MinDelay:          envDurationOr("SNAPCRAWL_MIN_DELAY", 2*time.Second),
			MaxDelay:          envDurationOr("SNAPCRAWL_MAX_DELAY", 4*time.Second),
			BackoffCeiling:    envDurationOr("SNAPCRAWL_BACKOFF_CEILING", 2*time.Minute),
		},
		Discover: DiscoverConfig{
			ArticlePattern: envOr("SNAPCRAWL_ARTICLE_PATTERN",
				`https://next\.amboss\.com/de/(?:article|knowledge)/([a-z0-9-]+)`),
			Timeout: envDurationOr("SNAPCRAWL_DISCOVER_TIMEOUT", 30*time.Second),
			Proxy:   os.Getenv("SNAPCRAWL_DISCOVER_PROXY"),
		},
		Webhook: WebhookConfig{
			URL:    os.Getenv("SNAPCRAWL_WEBHOOK_URL"),
			Secret: os.Getenv("SNAPCRAWL_WEBHOOK_SECRET"),
		},
		API: APIConfig{
			Enabled: envBoolOr("SNAPCRAWL_API_ENABLED", false),
			Host:    envOr("SNAPCRAWL_API_HOST", "127.0.0.1"),
			Port:    envIntOr("SNAPCRAWL_API_PORT", 8091),
			Mode:    envOr("SNAPCRAWL_API_MODE", "release"),
		},
		Log: LogConfig{
			Level:  envOr("SNAPCRAWL_LOG_LEVEL", "info"),
			Format: envOr("SNAPCRAWL_LOG_FORMAT", "json"),
		},
	}
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
