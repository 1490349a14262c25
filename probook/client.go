package probook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	apperrors "github.com/probook/probook-go/internal/errors"
	"github.com/tidwall/gjson"
)

const (
	loginPath         = "/api/auth/login"
	logoutPath        = "/api/auth/logout"
	refreshPath       = "/api/auth/refresh"
	redirectPath      = "/api/v1/dashboard/redirect"
	profilePath       = "/api/v1/users/me"
	pushTokenPath     = "/api/v1/users/me/token"
	notificationsPath = "/api/v1/ws/notifications"
)

// do sends a JSON request through the intercepted client and decodes
// the response into result. The request context is attached to the
// session cancellation handle, so logout aborts it in flight.
func (s *Session) do(ctx context.Context, method, path string, body, result any) error {
	ctx, cancel := s.scoped(ctx)
	defer cancel()

	var payload io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.endpoint(path), payload)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", apperrors.ErrMalformedResponse, path, err)
		}
	}

	return nil
}

// Login authenticates with email and password. The response sets the
// httpOnly refresh cookie in the jar and carries the access token,
// which is persisted to the token store.
func (s *Session) Login(ctx context.Context, email, password string) error {
	// A 401 here means bad credentials; it must not trigger a refresh.
	ctx = WithoutAuth(ctx)

	var raw json.RawMessage

	err := s.do(ctx, http.MethodPost, loginPath, loginRequest{Email: email, Password: password}, &raw)
	if err != nil {
		if errors.Is(err, apperrors.ErrUnauthenticated) {
			return apperrors.ErrInvalidCredentials
		}

		return fmt.Errorf("logging in: %w", err)
	}

	token := extractToken(raw)
	if token == "" {
		return fmt.Errorf("%w: no access token in login response", apperrors.ErrMalformedResponse)
	}

	if err := s.tokens.SetToken(token); err != nil {
		return fmt.Errorf("logging in: %w", err)
	}

	return nil
}

// Redirect fetches the role/landing decision for the current user and
// caches the role locally.
func (s *Session) Redirect(ctx context.Context) (*Redirect, error) {
	var raw json.RawMessage

	if err := s.do(ctx, http.MethodGet, redirectPath, nil, &raw); err != nil {
		return nil, fmt.Errorf("fetching redirect: %w", err)
	}

	role := gjson.GetBytes(raw, "role").Str
	if role == "" {
		return nil, fmt.Errorf("%w: no role in redirect response", apperrors.ErrMalformedResponse)
	}

	rd := &Redirect{
		Role:   role,
		Target: gjson.GetBytes(raw, "target").Str,
	}

	if err := s.roles.SetRole(role); err != nil {
		s.logger.Warn("failed to cache role", slog.String("error", err.Error()))
	}

	return rd, nil
}

// Role returns the cached role, fetching the redirect decision when no
// cached value exists.
func (s *Session) Role(ctx context.Context) (string, error) {
	if role, err := s.roles.Role(); err == nil && role != "" {
		return role, nil
	}

	rd, err := s.Redirect(ctx)
	if err != nil {
		return "", err
	}

	return rd.Role, nil
}

// Me returns the authenticated user's profile. Useful as a cheap
// probe for whether a cached session is still valid.
func (s *Session) Me(ctx context.Context) (*Profile, error) {
	var p Profile

	if err := s.do(ctx, http.MethodGet, profilePath, nil, &p); err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}

	return &p, nil
}

// UploadPushToken registers a device messaging token with the backend.
// Requires an authenticated session; a 401 surfaces as
// ErrUnauthenticated after the usual refresh attempt.
func (s *Session) UploadPushToken(ctx context.Context, token string) error {
	if err := s.do(ctx, http.MethodPost, pushTokenPath, pushTokenRequest{Token: token}, nil); err != nil {
		return fmt.Errorf("uploading push token: %w", err)
	}

	return nil
}
