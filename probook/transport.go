package probook

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
)

type ctxKey int

const (
	skipAuthKey ctxKey = iota
	replayKey
)

// WithoutAuth marks a request context so the transport neither injects
// a bearer token nor treats a 401 as a refresh trigger. Used for the
// login call, where a 401 means bad credentials rather than an expired
// session, and available to callers issuing unauthenticated requests
// through Session.Client.
func WithoutAuth(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipAuthKey, true)
}

func skipAuth(ctx context.Context) bool {
	v, _ := ctx.Value(skipAuthKey).(bool)

	return v
}

func markReplay(ctx context.Context) context.Context {
	return context.WithValue(ctx, replayKey, true)
}

func isReplay(ctx context.Context) bool {
	v, _ := ctx.Value(replayKey).(bool)

	return v
}

// authTransport decorates outgoing requests with the bearer token and
// coordinates refresh-and-replay on 401 responses.
//
// Coordination: all requests that see a 401 while no refresh is in
// flight (or while one is) join the same singleflight call, so at most
// one refresh POST is ever outstanding. Each waiter then replays its
// own request exactly once with the new token. A request whose replay
// fails gets its own outcome; siblings are unaffected. When the
// refresh itself fails, logout runs once inside the shared call and
// every waiter surfaces its original 401.
type authTransport struct {
	session *Session
	base    http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s := t.session
	ctx := req.Context()

	// Per RoundTripper contract the original request is not mutated.
	req = req.Clone(ctx)

	if s.deviceID != "" && req.Header.Get("X-Device-Id") == "" {
		req.Header.Set("X-Device-Id", s.deviceID)
	}

	if !skipAuth(ctx) {
		// Token read failures are swallowed here: the request proceeds
		// without an Authorization header rather than failing outright.
		token, err := s.tokens.Token()
		if err != nil {
			s.logger.Debug("token read failed, sending request unauthenticated",
				slog.String("error", err.Error()))
		} else if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || skipAuth(ctx) || isReplay(ctx) {
		return resp, nil
	}

	// Buffer the 401 so it can be returned as-is if the refresh cycle
	// or the replay fails; that original error is the caller-visible
	// contract.
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()

	if readErr != nil {
		body = nil
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))

	// The shared refresh must not die with whichever caller happened
	// to start it.
	token, err := s.refreshAccessToken(context.WithoutCancel(ctx))
	if err != nil {
		s.logger.Debug("refresh failed, surfacing original 401",
			slog.String("url", req.URL.Path),
			slog.String("error", err.Error()))

		return resp, nil
	}

	replayResp, err := t.replay(req, token)
	if err != nil {
		s.logger.Warn("replay after refresh failed, surfacing original 401",
			slog.String("url", req.URL.Path),
			slog.String("error", err.Error()))

		return resp, nil
	}

	return replayResp, nil
}

// replay re-issues req once with the new bearer token, preserving
// method, URL, headers, and body. Goes through the bare client so the
// jar applies and no second interception can occur.
func (t *authTransport) replay(req *http.Request, token string) (*http.Response, error) {
	clone := req.Clone(markReplay(req.Context()))
	clone.Header.Set("Authorization", "Bearer "+token)

	// The jar re-adds cookies on send; stale ones from the first
	// attempt must not accumulate.
	clone.Header.Del("Cookie")

	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}

		clone.Body = body
	} else if req.Body != nil {
		// The body was consumed by the first attempt and cannot be
		// rewound.
		return nil, errNoRewind
	}

	return t.session.bare.Do(clone)
}

type noRewindError struct{}

func (noRewindError) Error() string { return "request body cannot be replayed" }

var errNoRewind = noRewindError{}
