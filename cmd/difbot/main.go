package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/Galaxerum/dif-bot/internal/app/migrate"
	httpx "github.com/Galaxerum/dif-bot/internal/http"
	"github.com/Galaxerum/dif-bot/internal/repository"
	"github.com/Galaxerum/dif-bot/internal/repository/memory"
	"github.com/Galaxerum/dif-bot/internal/repository/postgres"
	"github.com/Galaxerum/dif-bot/internal/service/auth"
	"github.com/Galaxerum/dif-bot/internal/service/distribution"
	"github.com/Galaxerum/dif-bot/internal/service/participant"
	"github.com/Galaxerum/dif-bot/internal/ws"
	"github.com/Galaxerum/dif-bot/pkg/config"
	"github.com/Galaxerum/dif-bot/pkg/logger"
	"github.com/Galaxerum/dif-bot/pkg/notify"
)

type store interface {
	repository.ParticipantRepository
	repository.DistributionStore
	repository.AdminRepository
}

func main() {
	cfg := config.LoadServiceConfig()
	log := logger.NewWithFormat(os.Stdout, "difbot", logger.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("difbot exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServiceConfig, log *slog.Logger) error {
	repo, dbHealth, cleanup, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	if strings.TrimSpace(cfg.AdminCodeHash) == "" {
		log.Warn("ADMIN_CODE_HASH is empty; token exchange is disabled")
	}

	hub := ws.NewHub()
	defer hub.Close()

	authSvc := auth.New(repo, log, cfg)
	participantSvc := participant.New(repo, repo, log)
	opts := distribution.Options{SimulationTeamCount: cfg.SimulationTeamCount}
	if url := strings.TrimSpace(cfg.NotifyWebhookURL); url != "" {
		hook, err := notify.NewWebhook(url, cfg.NotifyToken, nil)
		if err != nil {
			return err
		}
		opts.Notifier = hook
	}
	distributionSvc := distribution.New(repo, hub, distribution.NewMetrics(prometheus.DefaultRegisterer), log, opts)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, httpx.Options{
		Auth:               authSvc,
		Distribution:       distributionSvc,
		Participants:       participantSvc,
		Hub:                hub,
		Limiter:            limiter,
		DBHealth:           dbHealth,
		DefaultMaxTeamSize: cfg.DefaultMaxTeamSize,
		Registry:           prometheus.DefaultRegisterer,
		Gatherer:           prometheus.DefaultGatherer,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("difbot server starting", "addr", cfg.Addr, "store", cfg.StoreDriver, "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
			return err
		}
		log.Info("difbot server stopped")
		return nil
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.ServiceConfig, log *slog.Logger) (store, func(context.Context) error, func(), error) {
	if cfg.StoreDriver == config.StoreMemory {
		log.Warn("using in-memory store; state is lost on restart")
		return memory.New(log), nil, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	if err := runner.Ping(ctx); err != nil {
		runner.Close()
		return nil, nil, nil, err
	}
	if cfg.AutoMigrate {
		if err := runner.Ensure(ctx); err != nil {
			runner.Close()
			return nil, nil, nil, err
		}
	}
	return postgres.New(pool, log), pool.Ping, runner.Close, nil
}
