package surface

import (
	"encoding/json"
	"log/slog"
	"os"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/use-agent/snapcrawl/models"
)

// Session holds authentication cookies loaded from a saved browser state
// file. The file may carry cookies at the top level or nested under
// storageState, matching the formats session exporters produce.
type Session struct {
	Cookies []SessionCookie
}

// SessionCookie is one cookie from the saved state.
type SessionCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
}

type sessionState struct {
	Cookies      []SessionCookie `json:"cookies"`
	StorageState *struct {
		Cookies []SessionCookie `json:"cookies"`
	} `json:"storageState"`
}

// LoadSession reads the cookie state file at path. A missing file is an
// error; the caller decides whether a session is required.
func LoadSession(path string) (*Session, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, models.NewPipelineError(models.ErrCodeInvalidInput,
			"session state file not readable: "+path, err)
	}

	var state sessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, models.NewPipelineError(models.ErrCodeInvalidInput,
			"session state file is not valid JSON: "+path, err)
	}

	cookies := state.Cookies
	if len(cookies) == 0 && state.StorageState != nil {
		cookies = state.StorageState.Cookies
	}
	if len(cookies) == 0 {
		slog.Warn("no cookies found in session state", "path", path)
	}
	return &Session{Cookies: cookies}, nil
}

// Apply installs the session cookies on a page. Must run before the first
// navigation so the initial request is already authenticated.
func (s *Session) Apply(p *rod.Page) error {
	for _, c := range s.Cookies {
		path := c.Path
		if path == "" {
			path = "/"
		}
		if _, err := (proto.NetworkSetCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}).Call(p); err != nil {
			return models.NewPipelineError(models.ErrCodeSurfaceClosed,
				"failed to set session cookie "+c.Name, err)
		}
	}
	slog.Info("session cookies applied", "count", len(s.Cookies))
	return nil
}
