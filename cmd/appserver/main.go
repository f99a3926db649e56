package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/operato/modrunner/internal/artifact"
	"github.com/operato/modrunner/internal/auth"
	"github.com/operato/modrunner/internal/executor"
	"github.com/operato/modrunner/internal/httpapi"
	"github.com/operato/modrunner/internal/platform/database"
	"github.com/operato/modrunner/internal/platform/docker"
	"github.com/operato/modrunner/internal/platform/migrations"
	"github.com/operato/modrunner/internal/provision"
	"github.com/operato/modrunner/internal/registry"
	"github.com/operato/modrunner/internal/storage"
	"github.com/operato/modrunner/internal/storage/memory"
	"github.com/operato/modrunner/internal/storage/postgres"
	"github.com/operato/modrunner/internal/validation"
	"github.com/operato/modrunner/pkg/config"
	"github.com/operato/modrunner/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config; in-memory storage when empty)")
	configPath := flag.String("config", "", "path to configuration file (JSON or YAML)")
	apiTokens := flag.String("api-tokens", "", "comma-separated API tokens for HTTP authentication")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if *apiTokens != "" {
		cfg.Auth.Tokens = append(cfg.Auth.Tokens, strings.Split(*apiTokens, ",")...)
	}
	listenAddr := cfg.Server.Addr()
	if *addr != "" {
		listenAddr = *addr
	}

	appLog := logger.New(cfg.Logging)
	rootCtx := context.Background()

	var (
		moduleStore storage.ModuleStore
		logStore    storage.LogStore
		db          *sql.DB
	)
	if strings.TrimSpace(cfg.Database.DSN) != "" {
		db, err = database.Open(rootCtx, cfg.Database.DSN, database.Pool{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		})
		if err != nil {
			log.Fatalf("connect to postgres: %v", err)
		}
		defer db.Close()
		if cfg.Database.MigrateOnStart {
			if err := migrations.Apply(rootCtx, db); err != nil {
				log.Fatalf("apply migrations: %v", err)
			}
		}
		store := postgres.New(db)
		moduleStore, logStore = store, store
		appLog.Info("using postgres storage")
	} else {
		store := memory.New()
		moduleStore, logStore = store, store
		appLog.Warn("no DSN configured; using in-memory storage")
	}

	artifacts, err := artifact.New(cfg.Artifacts.Root)
	if err != nil {
		log.Fatalf("init artifact store: %v", err)
	}

	var dockerClient *docker.Client
	if client, err := docker.NewClient(); err == nil {
		dockerClient = client
		defer dockerClient.Close()
	} else {
		appLog.WithError(err).Warn("docker daemon unavailable; container modules disabled")
	}

	var imageBuilder provision.ImageBuilder
	if dockerClient != nil {
		imageBuilder = dockerClient
	}
	provisioner := provision.New(artifacts, logStore, imageBuilder, provision.Config{
		PythonBin: cfg.Executor.PythonBin,
		CondaBin:  cfg.Executor.CondaBin,
		BaseImage: cfg.Executor.BaseImage,
	}, appLog)

	validator := validation.New(logStore)

	var reaper registry.ContainerReaper
	if dockerClient != nil {
		reaper = dockerClient
	}
	reg := registry.New(moduleStore, artifacts, validator, provisioner, reaper, appLog)

	timeout := cfg.Executor.Timeout()
	manager := executor.NewManager(reg, appLog)
	inline := executor.NewInline(reg, timeout, appLog)
	manager.Register(inline.Kind(), inline)
	subprocess := executor.NewSubprocess(artifacts, timeout, appLog)
	manager.Register(subprocess.Kind(), subprocess)
	namedEnv := executor.NewNamedEnv(reg, artifacts, cfg.Executor.CondaBin, timeout, appLog)
	manager.Register(namedEnv.Kind(), namedEnv)
	if dockerClient != nil {
		containerExec := executor.NewContainer(reg, dockerClient, executor.ContainerConfig{
			MemoryMB: cfg.Executor.ContainerMemoryMB,
			CPUQuota: cfg.Executor.ContainerCPUQuota,
		}, timeout, appLog)
		manager.Register(containerExec.Kind(), containerExec)
	}
	runner := executor.NewRetryableManager(manager, executor.RetryPolicy{
		MaxRetries:    cfg.Retry.MaxRetries,
		InitialDelay:  cfg.Retry.Delay(),
		BackoffFactor: cfg.Retry.BackoffFactor,
	}, appLog)
	defer func() {
		if err := manager.Cleanup(); err != nil {
			appLog.WithError(err).Warn("executor cleanup failed")
		}
	}()

	authMgr := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Users)

	service := httpapi.NewService(listenAddr, httpapi.Options{
		Registry:  reg,
		Runner:    runner,
		Logs:      logStore,
		Auth:      authMgr,
		Tokens:    cfg.Auth.Tokens,
		RateRPS:   cfg.RateLimit.RPS,
		RateBurst: cfg.RateLimit.Burst,
	}, appLog)

	if err := service.Start(rootCtx); err != nil {
		log.Fatalf("start http server: %v", err)
	}
	appLog.WithField("addr", listenAddr).Info("modrunner listening")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(rootCtx, 30*time.Second)
	defer cancel()
	if err := service.Stop(shutdownCtx); err != nil {
		appLog.WithError(err).Error("shutdown failed")
	}
	appLog.Info("modrunner stopped")
}
