package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tasksync/internal/model"
	"tasksync/internal/server/handler"
	"tasksync/internal/server/httpserver"
	"tasksync/internal/server/hub"
	"tasksync/internal/server/repository"
	"tasksync/internal/server/service"
	"tasksync/pkg/config"
	"tasksync/pkg/db"
	"tasksync/pkg/logger"
	"tasksync/pkg/mq"
	"tasksync/pkg/otel"
)

func main() {
	env := config.GetConfigEnv()
	var file config.File
	if err := config.Load(env, config.GetEnv("CONFIG_DIR", "config"), &file); err != nil {
		panic(err)
	}
	cfg := file.Service
	cfg.ApplyDefaults()
	config.OverrideServiceFromEnv(&cfg)

	log := logger.NewLogger(cfg.LogLevel)
	defer log.Sync()

	log.Info("Starting task service...",
		zap.String("env", env),
		zap.String("storage", cfg.Storage),
		zap.String("port", cfg.Server.Port),
	)
	if cfg.JWT.Secret == "" {
		log.Fatal("JWT secret is not configured")
	}

	shutdownOtel, err := otel.Init(otel.Config{
		ServiceName:    "task-service",
		ServiceVersion: "1.0.0",
		Endpoint:       cfg.Otel.Endpoint,
		SampleRatio:    cfg.Otel.SampleRatio,
	}, log)
	if err != nil {
		log.Fatal("Failed to init OpenTelemetry", zap.Error(err))
	}
	defer shutdownOtel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	var (
		repo  service.Repository
		ready httpserver.Pinger
	)
	switch cfg.Storage {
	case "memory":
		log.Warn("Using in-memory storage, data is lost on restart")
		mem := repository.NewMemoryRepository(log)
		seedMemory(mem, cfg.Seed)
		repo, ready = mem, mem
	default:
		pool, err := db.NewConnection(ctx, cfg.DB, log)
		if err != nil {
			log.Fatal("Failed to init DB", zap.Error(err))
		}
		defer pool.Close()
		taskRepo := repository.NewTaskRepository(pool, log)
		if err := taskRepo.EnsureSchema(ctx); err != nil {
			log.Fatal("Failed to apply schema", zap.Error(err))
		}
		repo, ready = taskRepo, taskRepo
	}

	// Realtime fan-out
	wsHub := hub.New(log)
	defer wsHub.Close()
	notifiers := []service.Notifier{wsHub}

	deps := httpserver.Deps{JWTSecret: cfg.JWT.Secret, Hub: wsHub, DB: ready}
	if cfg.MQ.URL != "" {
		publisher, err := mq.NewPublisher(cfg.MQ.URL, cfg.MQ.Exchange, log)
		if err != nil {
			log.Fatal("Failed to init MQ publisher", zap.Error(err))
		}
		defer publisher.Close()
		notifiers = append(notifiers, service.NewMQNotifier(publisher, log))
		deps.MQ = publisher
		log.Info("Task events will be published to MQ", zap.String("exchange", cfg.MQ.Exchange))
	}

	svc := service.NewTaskService(repo, log, notifiers...)
	deps.Tasks = handler.NewTaskHandler(svc, log)
	router := httpserver.NewRouter(deps, log)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down task service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("Task service stopped")
}

func seedMemory(mem *repository.MemoryRepository, seed config.SeedConfig) {
	for id, name := range seed.Users {
		mem.AddUser(id, name)
	}
	for _, p := range seed.Projects {
		ref := model.ProjectRef{ID: p.ID, Name: p.Name, OwnerID: p.OwnerID}
		if p.TeamID != "" {
			ref.TeamID = model.StringPtr(p.TeamID)
		}
		mem.AddProject(repository.Project{Ref: ref, MemberIDs: p.Members})
	}
}
