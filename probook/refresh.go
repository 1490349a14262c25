package probook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	apperrors "github.com/probook/probook-go/internal/errors"
	"github.com/tidwall/gjson"
)

// tokenFields are the names deployments have used for the bearer value
// in login and refresh responses, in lookup order.
var tokenFields = []string{"accessToken", "token", "access_token"}

// refreshAccessToken mints a new bearer token from the refresh cookie.
// Concurrent callers coalesce into a single refresh POST; everyone
// receives the same token or the same error. On any failure — network
// error, bad status, missing token field, or a failed save — logout
// runs exactly once before the error is handed to the waiters.
func (s *Session) refreshAccessToken(ctx context.Context) (string, error) {
	v, err, _ := s.refresh.Do("refresh", func() (any, error) {
		token, err := s.doRefresh(ctx)
		if err != nil {
			s.logger.Warn("session refresh failed, logging out",
				slog.String("error", err.Error()))

			if lerr := s.Logout(ctx); lerr != nil {
				s.logger.Warn("logout after failed refresh reported errors",
					slog.String("error", lerr.Error()))
			}

			return nil, err
		}

		return token, nil
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// doRefresh performs the actual refresh call. It goes through the bare
// client: the jar attaches the httpOnly refresh cookie, no
// Authorization header is sent, and a 401 from the endpoint propagates
// unchanged instead of recursing into the coordinator.
func (s *Session) doRefresh(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint(refreshPath), nil)
	if err != nil {
		return "", fmt.Errorf("building refresh request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.bare.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperrors.ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %w", apperrors.ErrRefreshFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: refresh endpoint returned status %d", apperrors.ErrRefreshFailed, resp.StatusCode)
	}

	token := extractToken(body)
	if token == "" {
		// A 200 without a usable token field is an authentication
		// failure, not a parse error to retry.
		return "", fmt.Errorf("%w: no access token in refresh response", apperrors.ErrRefreshFailed)
	}

	if err := s.tokens.SetToken(token); err != nil {
		return "", fmt.Errorf("%w: %w", apperrors.ErrRefreshFailed, err)
	}

	return token, nil
}

// extractToken pulls the bearer value out of a login or refresh
// response body, tolerating the field-name variants.
func extractToken(body []byte) string {
	for _, field := range tokenFields {
		if v := gjson.GetBytes(body, field); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}

	return ""
}

// serverMessage extracts a human-readable error message from an API
// error body, if the server provided one.
func serverMessage(body []byte) string {
	for _, field := range []string{"message", "error"} {
		if v := gjson.GetBytes(body, field); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}

	return ""
}
