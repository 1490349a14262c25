// Package probook is the client for the Probook services-marketplace
// API. The centerpiece is the authenticated session: bearer tokens are
// injected into every request, a 401 triggers exactly one cookie-based
// refresh shared by all concurrent failures, affected requests are
// replayed once with the new token, and a failed refresh tears the
// session down.
package probook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	apperrors "github.com/probook/probook-go/internal/errors"
	"golang.org/x/sync/singleflight"
)

const (
	defaultConnectTimeout = 15 * time.Second
	defaultReceiveTimeout = 20 * time.Second
)

// TokenStore persists the bearer access token.
type TokenStore interface {
	Token() (string, error)
	SetToken(token string) error
	ClearToken() error
}

// RoleStore caches the user's marketplace role.
type RoleStore interface {
	Role() (string, error)
	SetRole(role string) error
	ClearRole() error
}

// Options configures a Session. BaseURL and Tokens are required;
// everything else has a sensible default.
type Options struct {
	// BaseURL of the Probook API. May or may not already include the
	// /api prefix; paths are normalized either way.
	BaseURL string

	Tokens TokenStore

	// Roles caches the user role. Defaults to an in-memory cache.
	Roles RoleStore

	// Cookies persists the refresh cookie across restarts. Optional;
	// without it the jar is in-memory only.
	Cookies CookieStore

	// DeviceID is sent as X-Device-Id on every request when set.
	DeviceID string

	ConnectTimeout time.Duration
	ReceiveTimeout time.Duration

	Logger *slog.Logger

	// Transport overrides the underlying round tripper. Used in tests.
	Transport http.RoundTripper
}

// Session is an authenticated connection to the Probook API. One
// Session is constructed per process by the application entry point
// and passed to everything that makes API calls.
type Session struct {
	baseURL  *url.URL
	tokens   TokenStore
	roles    RoleStore
	jar      *Jar
	logger   *slog.Logger
	deviceID string

	// http intercepts 401s; bare shares the jar and transport but is
	// never intercepted. Refresh, logout, and replays go through bare
	// so they cannot recurse into the coordinator.
	http *http.Client
	bare *http.Client

	registry *cancelRegistry
	refresh  singleflight.Group
}

// New creates a Session. The cookie jar is restored from
// opts.Cookies, so a refresh cookie saved by a previous run is
// immediately usable.
func New(opts Options) (*Session, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	if opts.Tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}

	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}

	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL scheme must be http or https, got %q", base.Scheme)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	roles := opts.Roles
	if roles == nil {
		roles = &memRoles{}
	}

	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}

	receiveTimeout := opts.ReceiveTimeout
	if receiveTimeout <= 0 {
		receiveTimeout = defaultReceiveTimeout
	}

	jar, err := NewJar(opts.Cookies, logger)
	if err != nil {
		return nil, err
	}

	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
			ResponseHeaderTimeout: receiveTimeout,
			TLSHandshakeTimeout:   10 * time.Second,
		}
	}

	s := &Session{
		baseURL:  base,
		tokens:   opts.Tokens,
		roles:    roles,
		jar:      jar,
		logger:   logger,
		deviceID: opts.DeviceID,
		bare:     &http.Client{Transport: transport, Jar: jar},
		registry: newCancelRegistry(),
	}

	s.http = &http.Client{
		Transport: &authTransport{session: s, base: transport},
		Jar:       jar,
	}

	return s, nil
}

// Client returns the intercepted HTTP client. Requests issued through
// it get bearer injection and the full 401 refresh-and-replay
// treatment; use it for anything not covered by a typed method.
func (s *Session) Client() *http.Client {
	return s.http
}

// HasSession reports whether a non-empty access token is stored.
func (s *Session) HasSession() bool {
	token, err := s.tokens.Token()

	return err == nil && token != ""
}

// endpoint resolves an API path against the base URL, deduplicating
// the /api prefix when the base already carries it.
func (s *Session) endpoint(path string) string {
	return s.baseURL.JoinPath(NormalizePath(s.baseURL, path)).String()
}

// wsEndpoint is endpoint with the scheme switched to ws/wss.
func (s *Session) wsEndpoint(path string) string {
	u := s.baseURL.JoinPath(NormalizePath(s.baseURL, path))

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	return u.String()
}

// scoped derives a context from parent that is additionally cancelled
// when the session's cancellation handle is rotated (i.e. on logout).
// Every request issued through the typed helpers opts in.
func (s *Session) scoped(parent context.Context) (context.Context, context.CancelFunc) {
	session := s.registry.Current()

	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(session, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}

// Logout ends the session: a best-effort server-side logout call
// (failures ignored, no Authorization header), then local teardown —
// token cleared, role cleared, cookies deleted, and the cancellation
// handle rotated so in-flight requests that opted in are aborted.
// Safe to call repeatedly.
func (s *Session) Logout(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint(logoutPath), nil)
	if err == nil {
		if resp, doErr := s.bare.Do(req); doErr != nil {
			s.logger.Debug("server-side logout failed", slog.String("error", doErr.Error()))
		} else {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}

	var errs []error

	if err := s.tokens.ClearToken(); err != nil {
		errs = append(errs, fmt.Errorf("clearing token: %w", err))
	}

	if err := s.roles.ClearRole(); err != nil {
		errs = append(errs, fmt.Errorf("clearing role: %w", err))
	}

	if err := s.jar.Clear(); err != nil {
		errs = append(errs, err)
	}

	s.registry.Rotate()

	return errors.Join(errs...)
}

// cancelRegistry holds the single live session cancellation handle.
// Rotating it cancels everything attached to the old handle and
// installs a fresh one for subsequent requests.
type cancelRegistry struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func newCancelRegistry() *cancelRegistry {
	ctx, cancel := context.WithCancel(context.Background())

	return &cancelRegistry{ctx: ctx, cancel: cancel}
}

// Current returns the live handle.
func (r *cancelRegistry) Current() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.ctx
}

// Rotate cancels the live handle and installs a fresh one.
func (r *cancelRegistry) Rotate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancel()
	r.ctx, r.cancel = context.WithCancel(context.Background())
}

// memRoles is the default in-memory role cache.
type memRoles struct {
	mu   sync.Mutex
	role string
}

func (m *memRoles) Role() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.role, nil
}

func (m *memRoles) SetRole(role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.role = role

	return nil
}

func (m *memRoles) ClearRole() error {
	return m.SetRole("")
}

// apiError builds the caller-visible error for a non-2xx response,
// using the server's message field when one is present.
func apiError(status int, body []byte) error {
	msg := serverMessage(body)

	if status == http.StatusUnauthorized {
		if msg != "" {
			return fmt.Errorf("%w: %s", apperrors.ErrUnauthenticated, msg)
		}

		return apperrors.ErrUnauthenticated
	}

	if msg != "" {
		return fmt.Errorf("%w: status %d: %s", apperrors.ErrAPIRequest, status, msg)
	}

	return fmt.Errorf("%w: status %d: %s", apperrors.ErrAPIRequest, status, strings.TrimSpace(string(body)))
}
