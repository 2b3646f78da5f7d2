package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"planner/internal/api"
	"planner/internal/config"
	"planner/internal/database"
	"planner/internal/domain"
	"planner/internal/emergency"
	"planner/internal/logging"
	"planner/internal/metrics"
	"planner/internal/remote"
	"planner/internal/repository"
	"planner/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database.Path, database.Options{
		SchemaVersion: cfg.Database.SchemaVersion,
		ReopenDelay:   cfg.Database.ReopenDelay,
	}, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}
	backup := initBackup(cfg, redisClient, &logger)

	client := remote.NewClient(cfg.Remote, &logger)
	registry := remote.DefaultRegistry(client, cfg.Remote.Endpoints)
	probe := remote.NewProbe(client.URL(cfg.Remote.HealthPath), cfg.Sync.ProbeInterval, &logger)

	manager := worker.NewSyncManager(worker.Deps{
		Store:       db,
		Registry:    registry,
		Tokens:      tokenSource(cfg, &logger),
		Online:      probe.Online,
		Reconnected: probe.Restored(),
		Redis:       redisClient,
		Logger:      &logger,
	}, worker.Options{
		MaxRetries:     cfg.Sync.MaxRetries,
		Pacing:         cfg.Sync.Pacing,
		ReconnectDelay: cfg.Sync.ReconnectDelay,
		DeadLetter:     cfg.Sync.DeadLetter,
	})

	storeChannel := emergency.NewStoreChannel(db, &logger)
	saver := emergency.NewSaver(emergency.Config{
		Channels: []emergency.Channel{
			emergency.NewBeaconChannel(client, cfg.Emergency.BeaconPath, &logger),
			emergency.NewBackupChannel(backup),
			storeChannel,
		},
		Backup: backup,
		Store:  db,
		MaxAge: cfg.Emergency.MaxAge,
		Wait:   cfg.Emergency.Wait,
		Logger: &logger,
	})

	startMetrics(ctx, cfg, &logger)

	// The first probe decides whether the startup sync runs.
	probe.Check(ctx)
	go probe.Run(ctx)
	go housekeeping(ctx, db, &logger)

	var httpServer *api.HTTPServer
	if cfg.API.Enabled {
		httpServer = api.NewHTTPServer(cfg.API, api.Services{Sync: manager, Emergency: saver, Store: db}, &logger)
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	logger.Info().
		Str("remote", client.BaseURL()).
		Bool("online", probe.Online()).
		Bool("api", cfg.API.Enabled).
		Msg("sync daemon started")

	manager.Start(ctx)
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	storeChannel.Wait()

	logger.Info().Msg("sync daemon stopped")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "syncd-main").Logger()

	return cfg, logger, closer, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func initBackup(cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) domain.BackupStore {
	memory := repository.NewMemoryBackupStore()
	if redisClient == nil {
		return memory
	}
	primary := repository.NewRedisBackupStore(redisClient, cfg.Redis.TTL)
	return repository.NewFailoverBackupStore(primary, memory, logger)
}

func tokenSource(cfg *config.Config, logger *zerolog.Logger) oauth2.TokenSource {
	if cfg.Remote.AccessToken == "" {
		logger.Warn().Msg("remote.access_token is empty, sync passes will stop until a session is configured")
		return nil
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Remote.AccessToken, TokenType: "Bearer"})
}

// housekeeping drops expired cached responses once an hour.
func housekeeping(ctx context.Context, db *database.DB, logger *zerolog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.PurgeExpiredResponses(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("purge expired responses")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("purged", n).Msg("expired responses purged")
			}
		}
	}
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
