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

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/surajsub/temporal-release-pipeline/activities"
	"github.com/surajsub/temporal-release-pipeline/artifacts"
	"github.com/surajsub/temporal-release-pipeline/config"
	"github.com/surajsub/temporal-release-pipeline/db"
	"github.com/surajsub/temporal-release-pipeline/executors"
	"github.com/surajsub/temporal-release-pipeline/fleet"
	"github.com/surajsub/temporal-release-pipeline/handlers"
	"github.com/surajsub/temporal-release-pipeline/logger"
	"github.com/surajsub/temporal-release-pipeline/notify"
	"github.com/surajsub/temporal-release-pipeline/providers"
	"github.com/surajsub/temporal-release-pipeline/records"
	"github.com/surajsub/temporal-release-pipeline/sqlite"
	"github.com/surajsub/temporal-release-pipeline/workers"
)

// backend groups the persistence chosen by configuration.
type backend struct {
	store    artifacts.Store
	hosts    fleet.HostRegistry
	groups   fleet.GroupRepository
	recorder records.Recorder
	notifier notify.Notifier
	close    func()
}

func openBackend(cfg *config.Config, log *zap.Logger) (*backend, error) {
	b := &backend{
		recorder: records.NewMemoryRecorder(),
		notifier: &notify.LogNotifier{Logger: log},
		close:    func() {},
	}
	switch cfg.Artifacts.Backend {
	case "memory":
		b.store = artifacts.NewMemoryStore()
		b.hosts = fleet.NewMemoryHostRegistry()
		b.groups = fleet.NewMemoryGroupRepository()
	case "sqlite":
		sqlDB, err := sqlite.Open(cfg.Artifacts.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.store = &sqlite.ArtifactStore{DB: sqlDB}
		b.hosts = &sqlite.HostRegistry{DB: sqlDB}
		b.groups = &sqlite.GroupRepo{DB: sqlDB}
		b.close = func() { sqlDB.Close() }
	case "postgres":
		gormDB, err := db.Open(cfg.Database)
		if err != nil {
			return nil, err
		}
		b.store = &db.ArtifactStore{DB: gormDB}
		b.hosts = &db.HostRepo{DB: gormDB}
		b.groups = &db.GroupRepo{DB: gormDB}
		b.recorder = &db.ExecutionRecorder{DB: gormDB}
		if cfg.Notify.Channel != "" {
			b.notifier = &notify.PGNotifier{DB: gormDB, Channel: cfg.Notify.Channel}
		}
		b.close = func() {
			if sqlDB, err := gormDB.DB(); err == nil {
				sqlDB.Close()
			}
		}
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Artifacts.Backend)
	}
	return b, nil
}

func tokenProvider(cfg *config.Config, actLog *logrus.Logger) providers.TokenProvider {
	if cfg.Vault.Enabled() {
		return &providers.VaultTokenProvider{
			Address:    cfg.Vault.Addr,
			CACert:     cfg.Vault.CACert,
			RoleID:     cfg.Vault.RoleID,
			SecretID:   cfg.Vault.SecretID,
			MountPath:  cfg.Vault.MountPath,
			SecretPath: cfg.Vault.SecretPath,
			TokenKey:   cfg.Vault.TokenKey,
			Logger:     actLog,
		}
	}
	return providers.StaticTokenProvider{}
}

func main() {
	configPath := pflag.String("config", os.Getenv("PIPELINE_CONFIG"), "path to the YAML configuration file")
	stopQueue := pflag.String("stop", "", "Task queue to stop (optional)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	actLog := logger.NewActivityLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to open backend", zap.Error(err))
	}
	defer be.close()

	clientOpts := client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    logger.NewZapAdapter(zapLogger),
	}
	c, err := client.Dial(clientOpts)
	if err != nil {
		zapLogger.Fatal("Failed to create Temporal client", zap.Error(err))
	}
	defer c.Close()

	acts := &activities.Activities{
		Store:     be.store,
		Hosts:     be.hosts,
		Groups:    be.groups,
		Installer: &fleet.HTTPInstaller{Client: &http.Client{Timeout: 30 * time.Second}},
		Recorder:  be.recorder,
		Notifier:  be.notifier,
		Executors: executors.Deps{
			GitHub: executors.CreateGitHubClient(ctx, cfg.GitHubToken),
			Tokens: tokenProvider(cfg, actLog),
			Logger: actLog,
		},
		WorkRoot:  cfg.WorkRoot,
		PublicURL: cfg.HTTP.PublicURL,
		Logger:    actLog,
	}
	manager := workers.NewWorkerManager(c, acts, zapLogger)

	if *stopQueue != "" {
		manager.StopWorker(*stopQueue)
		zapLogger.Info("Stopped worker for task queue", zap.String("queue", *stopQueue))
		return
	}

	for _, queue := range cfg.TaskQueues() {
		if err := manager.StartWorker(queue); err != nil {
			zapLogger.Fatal("Failed to start worker", zap.String("queue", queue), zap.Error(err))
		}
	}
	defer manager.StopAll()

	handlers.StartTemporalClient(ctx, clientOpts, zapLogger)

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handlers.CustomHTTPErrorHandler
	e.Use(handlers.RequestIDMiddleware)
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	handlers.RegisterRoutes(e, handlers.GetClient, &handlers.Handler{
		Recorder:      be.recorder,
		Groups:        be.groups,
		Hosts:         be.hosts,
		Store:         be.store,
		TaskQueue:     cfg.TaskQueue,
		ArtifactStore: cfg.Artifacts.StoreName,
		SignalTimeout: cfg.SignalTimeout,
		Logger:        actLog,
	})

	go func() {
		if err := e.Start(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Failed to start Echo server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		zapLogger.Warn("HTTP shutdown", zap.Error(err))
	}
}
