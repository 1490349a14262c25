package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/probook/probook-go/internal/config"
	apperrors "github.com/probook/probook-go/internal/errors"
	"github.com/probook/probook-go/internal/logging"
	"github.com/probook/probook-go/internal/state"
	"github.com/probook/probook-go/probook"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	if cfg.LogLevel != "" {
		logger = logging.NewLoggerAt(cfg.Environment, logging.ParseLevel(cfg.LogLevel))
	}

	logger.Info("probook-agent starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.Bool("notifications", cfg.EnableNotifications),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := state.Open(cfg.StatePath(), cfg.StatePassphrase)
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}
	defer st.Close()

	deviceID, err := st.DeviceID()
	if err != nil {
		return fmt.Errorf("reading device id: %w", err)
	}

	session, err := probook.New(probook.Options{
		BaseURL:        cfg.APIBaseURL,
		Tokens:         st,
		Roles:          st,
		Cookies:        st,
		DeviceID:       deviceID,
		ConnectTimeout: cfg.ConnectTimeout,
		ReceiveTimeout: cfg.ReceiveTimeout,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	if err := ensureSession(ctx, session, st, cfg, logger); err != nil {
		return err
	}

	redirect, err := session.Redirect(ctx)
	if err != nil {
		return fmt.Errorf("resolving landing: %w", err)
	}

	logger.Info("session ready",
		slog.String("role", redirect.Role),
		slog.String("target", redirect.Target),
	)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.PushToken != "" {
		uploader := probook.NewPushUploader(session, logger)
		defer uploader.Close()

		uploader.Upload(cfg.PushToken)
	}

	if cfg.EnableNotifications {
		listener := probook.NewNotificationListener(session)

		g.Go(func() error {
			return listener.Listen(gctx)
		})

		g.Go(func() error {
			return consumeNotifications(gctx, listener, logger)
		})
	} else {
		// Nothing long-running; just wait for a signal.
		g.Go(func() error {
			<-gctx.Done()
			return gctx.Err()
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("probook-agent stopped")

	return nil
}

// ensureSession makes sure the session is usable: a cached token is
// probed with a cheap profile call (which exercises the refresh path
// if it expired), and only when that fails do we sign in fresh.
func ensureSession(ctx context.Context, session *probook.Session, st *state.Store, cfg *config.Config, logger *slog.Logger) error {
	if st.HasToken() {
		logger.Debug("trying cached session")

		profile, err := session.Me(ctx)
		if err == nil {
			logger.Info("authenticated with cached session",
				slog.String("name", profile.Name),
				slog.String("email", profile.Email),
			)

			return nil
		}

		if !errors.Is(err, apperrors.ErrUnauthenticated) {
			return fmt.Errorf("probing cached session: %w", err)
		}

		logger.Debug("cached session expired, signing in fresh")
	}

	logger.Info("signing in", slog.String("email", cfg.Email))

	if err := session.Login(ctx, cfg.Email, cfg.Password); err != nil {
		if errors.Is(err, apperrors.ErrInvalidCredentials) {
			return fmt.Errorf("signing in as %s: %w", cfg.Email, err)
		}

		return fmt.Errorf("signing in: %w", err)
	}

	logger.Info("signed in")

	return nil
}

func consumeNotifications(ctx context.Context, listener *probook.NotificationListener, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-listener.C():
			logger.Info("notification",
				slog.String("type", n.Type),
				slog.String("payload", string(n.Payload)),
			)
		}
	}
}
