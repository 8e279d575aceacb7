package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gavel/internal/access"
	"gavel/internal/app"
	"gavel/internal/archive"
	"gavel/internal/change"
	"gavel/internal/config"
	"gavel/internal/events"
	"gavel/internal/gitrepo"
	"gavel/internal/logger"
	"gavel/internal/push"
	"gavel/internal/review"
	"gavel/internal/search"
	"gavel/internal/store"
	"gavel/internal/submit"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Error("create repos dir failed", slog.Any("error", err))
		os.Exit(1)
	}

	dataStore := store.NewPostgresStore(db)
	gitService := gitrepo.New(cfg.ReposDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	var publisher *events.Publisher
	if strings.TrimSpace(cfg.RedisURL) != "" {
		publisher, err = events.NewPublisher(cfg.RedisURL, cfg.EventsChannel)
		if err != nil {
			log.Error("redis connection failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer publisher.Close()
	}

	var archiver *archive.Archiver
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		archiver, err = archive.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
		if err != nil {
			log.Error("object storage connection failed", slog.Any("error", err))
			os.Exit(1)
		}
		if err := archiver.EnsureBucket(ctx); err != nil {
			log.Error("ensure bucket failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	checker := access.NewStatic(cfg.ForcePushers, cfg.TagDeleters)
	checker.AllowAllTagDeletion = cfg.AllowTagDeletion
	changeManager := change.NewManager(dataStore, gitService)
	submitEngine := submit.NewEngine(dataStore, gitService, changeManager)
	pushHandler := push.NewHandler(dataStore, gitService, changeManager, checker, cfg.AllowDirectPush, cfg.PushTimeout)
	reviewService := review.NewService(dataStore)

	deps := app.Deps{
		DB:       db,
		Store:    dataStore,
		Git:      gitService,
		Changes:  changeManager,
		Pushes:   pushHandler,
		Submits:  submitEngine,
		Reviews:  reviewService,
		Searches: searchService,
		Events:   publisher,
	}
	if archiver != nil {
		deps.Archives = archiver
	}
	service := app.New(cfg, deps)

	if err := service.Bootstrap(ctx); err != nil {
		log.Warn("bootstrap error, will retry on next restart", slog.Any("error", err))
	}

	httpServer := app.NewHTTPServer(service, []byte(cfg.TokenSecret), cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("gavel api listening", slog.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", slog.Any("error", err))
	}
}
