// Package app opens the backends selected by the configuration. It is shared
// by the HTTP server and the admin CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pauljones0/portfolio-backend/internal/config"
	"github.com/pauljones0/portfolio-backend/internal/identity"
	"github.com/pauljones0/portfolio-backend/internal/likes"
	"github.com/pauljones0/portfolio-backend/internal/localstore"
	"github.com/pauljones0/portfolio-backend/internal/models"
	"github.com/pauljones0/portfolio-backend/internal/notifier"
	"github.com/pauljones0/portfolio-backend/internal/realtime"
	"github.com/pauljones0/portfolio-backend/internal/storage"
	"github.com/pauljones0/portfolio-backend/internal/telemetry"
	"github.com/pauljones0/portfolio-backend/internal/util"
)

const (
	redisPingRetries = 3
	redisPingBase    = 500 * time.Millisecond
	trimInterval     = time.Hour
	trimTimeout      = 2 * time.Minute
)

// ItemBackend is the document store behind likes, item lookups and
// analytics.
type ItemBackend interface {
	likes.ItemStore
	telemetry.EventWriter
	GetItem(ctx context.Context, collection, id string) (*models.Item, error)
}

type App struct {
	Config    *config.Config
	Items     ItemBackend
	Chats     realtime.Store
	Local     localstore.Store
	Telemetry *telemetry.Sink
	Notifier  *notifier.Client
	Issuer    *identity.Issuer

	docs    *storage.Client
	closers []func() error
}

// Open connects every backend named by cfg. On error, whatever was already
// opened is closed again.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		Config:   cfg,
		Notifier: notifier.New(cfg.DiscordWebhookURL),
		Issuer: identity.NewIssuer(identity.IssuerConfig{
			Secret:            cfg.IdentitySecret,
			TTL:               cfg.IdentityTTL,
			AdminEmail:        cfg.AdminEmail,
			AdminPasswordHash: cfg.AdminPasswordHash,
			AdminUID:          cfg.AdminUID,
		}),
	}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.Telemetry = telemetry.New(a.Items, cfg.RemoteLogs)
	return a, nil
}

func (a *App) open(ctx context.Context) error {
	cfg := a.Config

	if cfg.DocumentBackend == config.BackendFirestore || cfg.RealtimeBackend == config.BackendFirestore {
		client, err := storage.New(ctx, cfg.ProjectID, cfg.CredentialsFile)
		if err != nil {
			return fmt.Errorf("initializing Firestore client: %w", err)
		}
		a.docs = client
		a.closers = append(a.closers, client.Close)
	}

	if cfg.DocumentBackend == config.BackendFirestore {
		a.Items = a.docs
	} else {
		slog.Warn("Using in-memory document store, likes are not persisted")
		a.Items = storage.NewMemory()
	}

	switch cfg.RealtimeBackend {
	case config.BackendFirestore:
		a.Chats = realtime.NewFirestore(a.docs.Firestore())
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		err := util.RetryWithBackoff(ctx, redisPingRetries, redisPingBase, func(attempt int) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				slog.Warn("Redis ping failed", "addr", cfg.RedisAddr, "attempt", attempt+1, "error", err)
				return err
			}
			return nil
		})
		if err != nil {
			rdb.Close()
			return fmt.Errorf("connecting to Redis at %s: %w", cfg.RedisAddr, err)
		}
		store := realtime.NewRedis(rdb)
		a.Chats = store
		a.closers = append(a.closers, store.Close)
	default:
		slog.Warn("Using in-memory realtime store, chats are not persisted")
		a.Chats = realtime.NewMemory()
	}

	if cfg.LocalStorePath == "" {
		a.Local = localstore.NewMemory()
		return nil
	}
	local, err := localstore.OpenSQLite(cfg.LocalStorePath)
	if err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}
	slog.Info("Opened local store", "path", local.Path())
	a.Local = local
	a.closers = append(a.closers, local.Close)
	return nil
}

// Close flushes telemetry and releases every backend, newest first.
func (a *App) Close() error {
	a.Telemetry.Flush()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// TrimAnalytics keeps the analytics collection under the configured size
// until ctx is cancelled. It does nothing without a Firestore document store.
func (a *App) TrimAnalytics(ctx context.Context) {
	if a.Config.DocumentBackend != config.BackendFirestore || a.Config.AnalyticsMaxEvents == 0 {
		return
	}
	ticker := time.NewTicker(trimInterval)
	defer ticker.Stop()
	for {
		a.trimOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *App) trimOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic in analytics trim", "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, trimTimeout)
	defer cancel()
	deleted, err := a.docs.TrimAnalytics(ctx, a.Config.AnalyticsMaxEvents)
	if err != nil {
		slog.Error("Failed to trim analytics", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Trimmed analytics events", "deleted", deleted)
	}
}
