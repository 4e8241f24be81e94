package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"

	"github.com/lukasbauer/voiceturn/internal/app"
	"github.com/lukasbauer/voiceturn/internal/httpapi"
	"github.com/lukasbauer/voiceturn/internal/logging"
)

func main() {
	cfg, err := app.LoadConfig()

	logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		TimeFormat: time.RFC3339,
	})
	log := logging.WithComponent("server")

	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	// Initialize Sentry for error monitoring
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
			Environment:      cfg.Environment,
		})
		if err != nil {
			log.Warn().Err(err).Msg("sentry init failed")
		} else {
			log.Info().Msg("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	a, err := app.New(cfg)
	if err != nil {
		if cfg.SentryDSN != "" {
			sentry.CaptureException(err)
			sentry.Flush(2 * time.Second)
		}
		log.Fatal().Err(err).Msg("init app")
	}

	sessions := httpapi.NewSessionRegistry()
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Router(sessions),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		// Reject new sessions, close the open ones and wait for them.
		sessions.StartDraining()
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer cancel()
		if err := sessions.Wait(drainCtx); err != nil {
			log.Warn().Int("sessions", sessions.ActiveCount()).Msg("drain timeout, sessions still open")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		return a.Close(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("server stopped with error")
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}
