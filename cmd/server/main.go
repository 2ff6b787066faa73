package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pauljones0/portfolio-backend/internal/api"
	"github.com/pauljones0/portfolio-backend/internal/app"
	"github.com/pauljones0/portfolio-backend/internal/config"
)

const shutdownTimeout = 30 * time.Second

func main() {
	slog.Info("Starting portfolio backend...")
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Critical error loading configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		slog.Error("Critical error initializing backends", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("Error closing backends", "error", err)
		}
	}()

	srv := api.New(api.Options{
		Issuer:        a.Issuer,
		IdentityTTL:   cfg.IdentityTTL,
		Items:         a.Items,
		Local:         a.Local,
		Chats:         a.Chats,
		Notifier:      a.Notifier,
		Telemetry:     a.Telemetry,
		IdleTimeout:   cfg.SessionIdleTimeout,
		LikeRateLimit: cfg.LikeRateLimit,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Listening on port", "port", cfg.Port, "realtime", cfg.RealtimeBackend, "documents", cfg.DocumentBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		srv.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.TrimAnalytics(gctx)
		return nil
	})
	// Graceful shutdown on SIGTERM/SIGINT
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Failed to listen and serve", "error", err)
	}
	srv.Wait()
	slog.Info("Server stopped.")
}
