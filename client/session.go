// Package client is the browser side of the relying party: it keeps the cookie session
// alive by refreshing it on a timer while it is authenticated.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrUnauthenticated is returned when the relying party rejects the session.
var ErrUnauthenticated = errors.New("client: not authenticated")

// Identity mirrors the identity endpoint response.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// BaseURL is the relying party origin, e.g. http://localhost:8000.
	BaseURL string
	// HTTPClient must carry a cookie jar; one is created when nil.
	HTTPClient      *http.Client
	RefreshInterval time.Duration
	Logger          *slog.Logger
}

// Session tracks the authentication state of one browser-like client.
type Session struct {
	base      *url.URL
	client    *http.Client
	scheduler *Scheduler
	logger    *slog.Logger

	// flow serialises refresh and logout so a late refresh cannot re-set cookies that
	// logout just cleared.
	flow sync.Mutex

	mu       sync.Mutex
	identity *Identity
	// epoch changes on logout; responses to requests started before it are discarded.
	epoch uint64
}

// NewSession builds a session and its refresh scheduler. Call Close when done.
func NewSession(cfg SessionConfig) (*Session, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	client := cfg.HTTPClient
	if client == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		client = &http.Client{Jar: jar, Timeout: 15 * time.Second}
	}
	if client.Jar == nil {
		return nil, errors.New("http client needs a cookie jar")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Session{base: base, client: client, logger: logger}
	s.scheduler, err = NewScheduler(RefresherFunc(func(ctx context.Context) error {
		_, err := s.Refresh(ctx)
		return err
	}), cfg.RefreshInterval, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// LoginURL is where a user agent starts the login flow.
func (s *Session) LoginURL() string {
	return s.endpoint("/auth/login")
}

// Load fetches the current identity and arms or cancels the refresh timer accordingly.
func (s *Session) Load(ctx context.Context) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint("/me"), nil)
	if err != nil {
		return Identity{}, err
	}
	return s.doIdentity(req)
}

// Me returns the last known identity.
func (s *Session) Me() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return Identity{}, false
	}
	return *s.identity, true
}

// Refresh renews the token cookies. The relying party answers with a redirect to the
// identity endpoint, so a successful refresh also returns the identity.
func (s *Session) Refresh(ctx context.Context) (Identity, error) {
	s.flow.Lock()
	defer s.flow.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("/auth/refresh"), nil)
	if err != nil {
		return Identity{}, err
	}
	return s.doIdentity(req)
}

// Logout ends the session locally and returns the provider logout URL the user agent should
// visit next.
func (s *Session) Logout(ctx context.Context) (string, error) {
	s.mu.Lock()
	s.epoch++
	s.identity = nil
	s.scheduler.Observe(false)
	s.mu.Unlock()

	s.flow.Lock()
	defer s.flow.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("/auth/logout"), nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("logout: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("logout: unexpected status %s", resp.Status)
	}
	var body struct {
		LogoutURL string `json:"logoutUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode logout response: %w", err)
	}
	s.logger.Debug("logged out", "logout_url", body.LogoutURL)
	return body.LogoutURL, nil
}

// RefreshPending reports whether a silent refresh is scheduled.
func (s *Session) RefreshPending() bool {
	return s.scheduler.Pending()
}

// Close stops the refresh scheduler.
func (s *Session) Close() {
	s.scheduler.Stop()
}

func (s *Session) doIdentity(req *http.Request) (Identity, error) {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	resp, err := s.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var id Identity
		if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
			return Identity{}, fmt.Errorf("decode identity: %w", err)
		}
		if !s.setIdentity(epoch, &id) {
			return Identity{}, ErrUnauthenticated
		}
		return id, nil
	case http.StatusUnauthorized:
		s.setIdentity(epoch, nil)
		return Identity{}, ErrUnauthenticated
	default:
		return Identity{}, fmt.Errorf("%s %s: unexpected status %s", req.Method, req.URL.Path, resp.Status)
	}
}

// setIdentity records the state and lets the scheduler observe the transition. It reports
// false when a logout happened since the request started.
func (s *Session) setIdentity(epoch uint64, id *Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false
	}
	s.identity = id
	s.scheduler.Observe(id != nil)
	return true
}

func (s *Session) endpoint(path string) string {
	return s.base.String() + path
}
