// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bizdash-jobs/internal/config"
	"bizdash-jobs/internal/domain/ports/repository"
	"bizdash-jobs/internal/infra/api"
	pg "bizdash-jobs/internal/infra/db/postgres"
	"bizdash-jobs/internal/infra/logging"
	"bizdash-jobs/internal/infra/memory"
	"bizdash-jobs/internal/infra/metrics"
	red "bizdash-jobs/internal/infra/redis"
	"bizdash-jobs/internal/infra/sched"
	"bizdash-jobs/internal/infra/scheduler"
	"bizdash-jobs/internal/infra/security"
	"bizdash-jobs/internal/infra/worker"
	"bizdash-jobs/internal/usecase"

	"github.com/prometheus/client_golang/prometheus"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = ""
)

const (
	devEncryptionKey = "0123456789abcdef0123456789abcdef"
	devHandoffSecret = "dev-handoff-secret"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, insecure fallbacks)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("[DEV MODE] enabled")
	}
	metrics.MustRegister(prometheus.DefaultRegisterer)
	metrics.SetBuildInfo(version, commit)

	// ---- Redis (optional) ----
	var redisClient *red.Client
	if cfg.Redis.URL != "" {
		redisClient, err = red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis")
		}
		defer redisClient.Close()
		logger.Info().Str("addr", logging.Redact(cfg.Redis.URL, cfg.Runtime.Dev)).Msg("redis connected")
	}

	// ---- Job store ----
	var store repository.JobStore
	switch cfg.Storage.Jobs {
	case "postgres":
		pool, err := pg.NewPgxPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres")
		}
		defer pool.Close()
		if err := pg.Migrate(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("migrate")
		}

		encKey := cfg.Security.EncryptionKey
		if encKey == "" {
			if !cfg.Runtime.Dev {
				logger.Fatal().Msg("security.encryption_key is required for storage.jobs=postgres")
			}
			logger.Warn().Msg("security.encryption_key not set; falling back to dev key (INSECURE)")
			encKey = devEncryptionKey
		}
		enc, err := security.NewEncryptionService(encKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("encryption")
		}
		store = pg.NewJobStore(pool, pg.NewTxManager(pool), enc)
		if redisClient != nil {
			store = pg.NewStatusCacheDecorator(store, redisClient, cfg.Redis.TTL)
		}
	default:
		store = memory.NewJobStore()
	}

	// ---- Handoff tokens ----
	var tokens repository.HandoffTokenRepository
	if cfg.Storage.Handoff == "redis" {
		tokens = red.NewHandoffTokenRepo(redisClient, cfg.Handoff.MaxTTL)
	} else {
		tokens = memory.NewHandoffTokenRepo(cfg.Handoff.MaxTTL)
	}

	// Interfaces stay untyped nil without redis.
	var gate worker.Gate
	var locker red.Locker
	if redisClient != nil {
		gate = red.NewRateLimiter(redisClient)
		locker = red.NewLocker(redisClient)
	}

	// ---- Kinds and runners ----
	httpClient := &http.Client{Timeout: cfg.Engine.CallTimeout + 5*time.Second}
	kinds, err := usecase.BuildKinds(cfg, store, gate, httpClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("kinds")
	}
	pool := worker.NewPool(cfg.Engine.MaxRunningJobs, cfg.Engine.QueueSize, logger)
	pool.Start(ctx)

	jobUC := usecase.NewJobUseCase(store, kinds, pool, usecase.NewCancellationController(), logger)

	secret := cfg.Security.HandoffSecret
	if secret == "" {
		logger.Warn().Msg("security.handoff_secret not set; using dev secret (INSECURE)")
		secret = devHandoffSecret
	}
	handoffUC := usecase.NewHandoffService(tokens, store, usecase.HandoffOptions{
		Secret:            []byte(secret),
		DefaultTTL:        cfg.Handoff.DefaultTTL,
		MaxTTL:            cfg.Handoff.MaxTTL,
		DefaultMaxResults: cfg.Handoff.DefaultMaxResults,
	}, logger)

	// ---- Retention janitor ----
	janitor := sched.NewJanitor(store, tokens, locker, cfg.Engine.Retention, logger)
	sweeps := scheduler.NewScheduler(cfg.Engine.JanitorInterval, janitor, logger)
	sweeps.Start(ctx)

	// ---- HTTP ----
	srv := api.NewServer(jobUC, handoffUC, cfg.HTTP, logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Strs("kinds", jobUC.Kinds()).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
			cancel()
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
	case <-ctx.Done():
	}
	logger.Info().Msg("shutdown requested")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	sweeps.Stop()
	if err := jobUC.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("job shutdown")
	}
	cancel()
	logger.Info().Msg("bye")
}
