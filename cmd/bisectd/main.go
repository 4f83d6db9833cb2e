package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/firstbad/bisectd/config"
	"github.com/firstbad/bisectd/internal/bisect"
	"github.com/firstbad/bisectd/internal/email"
	"github.com/firstbad/bisectd/internal/githubapp"
	"github.com/firstbad/bisectd/internal/health"
	"github.com/firstbad/bisectd/internal/infrastructure/postgres"
	ctxlog "github.com/firstbad/bisectd/internal/log"
	"github.com/firstbad/bisectd/internal/metrics"
	"github.com/firstbad/bisectd/internal/scheduler"
	"github.com/firstbad/bisectd/internal/stream"
	httptransport "github.com/firstbad/bisectd/internal/transport/http"
	"github.com/firstbad/bisectd/internal/transport/http/handler"
	"github.com/firstbad/bisectd/internal/usecase"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepository(pool)
	usageRepo := postgres.NewUsageRepository(pool)

	bus := stream.New(cfg.StreamBufferSize, 30*time.Second)

	executor := bisect.NewExecutor(cfg.BisectWorkDir, time.Duration(cfg.BisectTimeoutSec)*time.Second, logger)

	var provider scheduler.CloneURLProvider
	if cfg.GithubAppConfigured() {
		provider, err = githubapp.New(cfg.GithubAppID, cfg.GithubPrivateKeyPath, cfg.GithubAPIURL, logger)
		if err != nil {
			stop()
			log.Fatalf("github app: %v", err)
		}
	} else {
		logger.Warn("no GitHub App configured, cloning public repositories anonymously")
		provider = githubapp.Public{}
	}

	sender := email.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, logger)

	streamGrace := time.Duration(cfg.StreamGraceSec) * time.Second

	worker := scheduler.NewWorker(jobRepo, usageRepo, provider, executor, bus, sender, logger, scheduler.WorkerOptions{
		PollInterval:      time.Duration(cfg.JobPollIntervalSec) * time.Second,
		Concurrency:       cfg.MaxConcurrentJobs,
		MaxAttempts:       cfg.MaxJobAttempts,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalSec) * time.Second,
		StreamGrace:       streamGrace,
	})
	go worker.Start(ctx)

	reaper := scheduler.NewReaper(
		jobRepo,
		worker,
		logger,
		time.Duration(cfg.RecoveryScanIntervalSec)*time.Second,
		time.Duration(cfg.StaleJobThresholdSec)*time.Second,
		cfg.MaxJobAttempts,
	)
	go reaper.Start(ctx)

	janitor, err := scheduler.NewJanitor(jobRepo, logger, cfg.RetentionCron, time.Duration(cfg.RetentionDays)*24*time.Hour)
	if err != nil {
		stop()
		log.Fatalf("janitor: %v", err)
	}
	go janitor.Start(ctx)

	jobUsecase := usecase.NewJobUsecase(jobRepo, usageRepo, bus, worker, streamGrace)

	if err := handler.RegisterValidators(); err != nil {
		stop()
		log.Fatalf("validators: %v", err)
	}
	jobHandler := handler.NewJobHandler(jobUsecase, logger)
	streamHandler := handler.NewStreamHandler(jobUsecase, bus, logger)

	metrics.Register()
	checker := health.NewChecker(pool, logger, prometheus.DefaultRegisterer)

	srv := http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httptransport.NewRouter(logger, jobHandler, streamHandler, []byte(cfg.JWTSecret)),
	}

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker.Handler())

	go func() {
		logger.Info("server started", "port", cfg.Port, "worker_id", worker.ID())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The API drains before the worker interrupts jobs.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	worker.Shutdown(shutdownCtx)
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("bisectd shut down")
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
