package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"relaychat/api"
	"relaychat/auth"
	"relaychat/config"
	"relaychat/db"
	"relaychat/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
	logger.Info().Msg("server stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}
	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()
}

func openStore(ctx context.Context, cfg *config.Config) (db.Store, error) {
	switch cfg.DBDriver {
	case "postgres":
		return db.NewPostgresStore(ctx, cfg.DatabaseURL)
	default:
		return db.New(cfg.DBPath)
	}
}

func run(cfg *config.Config, logger zerolog.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.DBDriver, err)
	}
	defer func() {
		err = multierr.Append(err, store.Close())
	}()
	logger.Info().Str("driver", cfg.DBDriver).Msg("store ready")

	// Nobody is connected yet, so any stored online flag is stale.
	n, err := store.ResetPresence(ctx)
	if err != nil {
		return fmt.Errorf("reset presence: %w", err)
	}
	if n > 0 {
		logger.Info().Int64("users", n).Msg("cleared stale online flags")
	}

	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	srv, err := server.New(store, issuer, cfg, logger)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewRouter(logger, cfg, store, srv, issuer),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var ctrl *controlSocket
	if cfg.ControlSocket != "" {
		ctrl, err = listenControl(cfg.ControlSocket, srv, stop, logger)
		if err != nil {
			// The control socket is a convenience; serve without it.
			logger.Warn().Err(err).Str("path", cfg.ControlSocket).Msg("control socket unavailable")
			ctrl = nil
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Str("env", cfg.Env).Msg("starting relaychat server")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if ctrl != nil {
		g.Go(func() error {
			ctrl.serve()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs error
		if ctrl != nil {
			errs = multierr.Append(errs, ctrl.close())
		}
		errs = multierr.Append(errs, httpSrv.Shutdown(shutdownCtx))
		// Hijacked websocket connections are not covered by http.Server.Shutdown.
		errs = multierr.Append(errs, srv.Shutdown(shutdownCtx))
		return errs
	})

	return g.Wait()
}
