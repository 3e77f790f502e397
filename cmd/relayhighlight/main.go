package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relayhighlight/internal/config"
	"github.com/agentworkforce/relayhighlight/internal/highlights"
	"github.com/agentworkforce/relayhighlight/internal/httpapi"
	"github.com/agentworkforce/relayhighlight/internal/logging"
)

type app struct {
	store      *highlights.Store
	mirror     highlights.Mirror
	notion     *highlights.NotionSync
	reconciler *highlights.Reconciler
	server     *httpapi.Server
}

func main() {
	logger := logging.New("relayhighlight")
	cfg, err := config.New()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger = logger.Level(logging.ParseLevel(cfg.LogLevel))
	logger.Info().
		Str("addr", cfg.Addr).
		Str("backend_profile", cfg.BackendProfile).
		Bool("primary_dsn_present", cfg.PrimaryDSN != "").
		Bool("mirror_dsn_present", cfg.MirrorDSN != "").
		Bool("notion_enabled", cfg.NotionEnabled()).
		Dur("backup_interval", cfg.BackupInterval).
		Msg("configuration loaded")

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize relayhighlight")
	}
	defer a.close()

	var wg sync.WaitGroup
	if a.reconciler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.reconciler.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("reconciler stopped")
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-rootCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown incomplete")
		}
	}()

	logger.Info().Str("addr", cfg.Addr).Msg("relayhighlight listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server failed")
	}
	wg.Wait()
	logger.Info().Msg("relayhighlight stopped")
}

// build wires the store, mirror, notes database and HTTP server from cfg and
// restores an empty store from the mirror.
func build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	backend, err := highlights.BuildKVBackendFromDSN(cfg.PrimaryDSN)
	if err != nil {
		return nil, err
	}
	a := &app{}
	a.store = highlights.NewStoreWithOptions(highlights.StoreOptions{
		Backend: backend,
		Logger:  logger,
	})

	if cfg.NotionEnabled() {
		client := highlights.NewNotionClient(highlights.NotionClientOptions{
			BaseURL:       cfg.NotionBaseURL,
			TokenProvider: highlights.StaticNotionToken(cfg.NotionToken),
			HTTPClient:    &http.Client{Timeout: cfg.NotionTimeout},
			MaxRetries:    cfg.NotionMaxRetries,
			UserAgent:     "relayhighlight",
		})
		a.notion = highlights.NewNotionSync(client, cfg.NotionDatabaseID, a.store, logger)
	}

	a.mirror, err = highlights.BuildMirrorFromDSN(cfg.MirrorDSN, highlights.MirrorOptions{
		AccessKeyID:     cfg.MirrorAccessKeyID,
		SecretAccessKey: cfg.MirrorSecretAccessKey,
		CapacityBytes:   cfg.MirrorCapacityBytes,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	if a.mirror == nil && a.notion != nil {
		logger.Info().Msg("no mirror configured, reconciler will only push to the notes database")
	}
	if a.mirror != nil || a.notion != nil {
		a.reconciler, err = highlights.NewReconciler(highlights.ReconcilerOptions{
			Store:    a.store,
			Mirror:   a.mirror,
			Notion:   a.notion,
			Logger:   logger,
			Interval: cfg.BackupInterval,
		})
		if err != nil {
			a.close()
			return nil, err
		}
		if err := a.reconciler.RestoreIfEmpty(ctx); err != nil {
			logger.Warn().Err(err).Msg("startup restore from mirror failed")
		}
	} else if err := a.store.EnsureColorLabels(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to seed color labels")
	}

	a.server = httpapi.NewServerWithConfig(a.store, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Logger:          logger,
		Reconciler:      a.reconciler,
		Notion:          a.notion,
	})
	return a, nil
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
	if closer, ok := a.mirror.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
