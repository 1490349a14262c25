package probook

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/probook/probook-go/internal/errors"
)

const (
	pushRetryInitial = 2 * time.Second
	pushRetryMax     = 60 * time.Second
)

// pushAPI is the slice of Session the uploader needs.
type pushAPI interface {
	HasSession() bool
	UploadPushToken(ctx context.Context, token string) error
}

// PushUploader registers the device messaging token with the backend.
// Uploads are idempotent per token value and never run concurrently;
// while no authenticated session exists (or the upload is rejected
// with a 401), the upload is deferred with exponential backoff rather
// than failed.
type PushUploader struct {
	api    pushAPI
	logger *slog.Logger

	initial time.Duration
	max     time.Duration

	mu           sync.Mutex
	lastUploaded string
	pending      string
	inFlight     bool
	delay        time.Duration
	timer        *time.Timer
	closed       bool
}

// NewPushUploader creates an uploader bound to the session.
func NewPushUploader(api pushAPI, logger *slog.Logger) *PushUploader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &PushUploader{
		api:     api,
		logger:  logger,
		initial: pushRetryInitial,
		max:     pushRetryMax,
		delay:   pushRetryInitial,
	}
}

// Upload registers token with the backend. A token equal to the last
// successful upload is a no-op. If an upload is already in flight the
// token is remembered and dealt with afterwards. Without a session the
// upload is rescheduled with backoff instead of attempted.
func (u *PushUploader) Upload(token string) {
	u.mu.Lock()

	if u.closed || token == "" || token == u.lastUploaded {
		u.mu.Unlock()
		return
	}

	if u.inFlight {
		u.pending = token
		u.mu.Unlock()

		return
	}

	if !u.api.HasSession() {
		u.logger.Debug("no session yet, deferring push token upload")
		u.scheduleLocked(token)
		u.mu.Unlock()

		return
	}

	u.inFlight = true
	u.mu.Unlock()

	go u.attempt(token)
}

// Close stops any pending retry. Further Upload calls are no-ops.
func (u *PushUploader) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.closed = true
	u.stopTimerLocked()
}

func (u *PushUploader) attempt(token string) {
	err := u.api.UploadPushToken(context.Background(), token)

	u.mu.Lock()

	u.inFlight = false

	if err == nil {
		u.lastUploaded = token
		u.delay = u.initial
		u.stopTimerLocked()

		next := u.pending
		u.pending = ""
		u.mu.Unlock()

		u.logger.Info("push token registered")

		if next != "" && next != token {
			u.Upload(next)
		}

		return
	}

	// A token that changed while we were uploading supersedes the one
	// that just failed.
	retry := token

	if u.pending != "" {
		retry = u.pending
		u.pending = ""
	}

	if errors.Is(err, apperrors.ErrUnauthenticated) {
		// Same treatment as not-yet-authenticated: wait for a session.
		u.logger.Debug("push token upload unauthorized, deferring",
			slog.String("error", err.Error()))
		u.scheduleLocked(retry)
		u.mu.Unlock()

		return
	}

	u.logger.Warn("push token upload failed", slog.String("error", err.Error()))
	u.mu.Unlock()
}

// scheduleLocked arms the retry timer with the current delay, then
// doubles it up to the cap. Only one timer is armed at a time.
func (u *PushUploader) scheduleLocked(token string) {
	if u.closed {
		return
	}

	u.stopTimerLocked()

	d := u.delay
	u.delay = min(u.delay*2, u.max)

	u.timer = time.AfterFunc(d, func() {
		u.mu.Lock()
		u.timer = nil
		u.mu.Unlock()

		u.Upload(token)
	})
}

func (u *PushUploader) stopTimerLocked() {
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
}
