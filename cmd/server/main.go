package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/podkiya/media-pipeline/internal/api"
	"github.com/podkiya/media-pipeline/internal/audio"
	"github.com/podkiya/media-pipeline/internal/clip"
	"github.com/podkiya/media-pipeline/internal/config"
	"github.com/podkiya/media-pipeline/internal/db"
	"github.com/podkiya/media-pipeline/internal/logging"
	"github.com/podkiya/media-pipeline/internal/pipeline"
	"github.com/podkiya/media-pipeline/internal/search"
	"github.com/podkiya/media-pipeline/internal/storage"
	"github.com/podkiya/media-pipeline/internal/transcribe"
)

var Version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	// Optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting media pipeline service", "version", Version, "data_dir", cfg.DataDir())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := clip.NewRepository(database.Conn())

	store, err := storage.NewMinioGateway(
		cfg.S3Endpoint(), cfg.S3AccessKey(), cfg.S3SecretKey(),
		cfg.S3Bucket(), cfg.S3PublicURL(), cfg.S3UseSSL(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}

	transcriber := transcribe.NewWhisperTranscriber(cfg.OpenAIKey(), logger)
	indexer := search.NewMeiliIndexer(cfg.MeiliHost(), cfg.MeiliAPIKey(), cfg.MeiliIndex(), logger)
	audioSvc := audio.NewService(audio.NewExecFFmpeg(logger), clip.MaxClipDurationSec)

	orch := pipeline.NewOrchestrator(repo, store, audioSvc, transcriber, indexer, cfg, logger)
	runner := pipeline.NewRunner(orch, repo, cfg.Workers(), pipeline.DefaultPollInterval, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)

	apiServer := api.NewServer(api.ServerConfig{
		Port:           cfg.Port(),
		AuthToken:      cfg.AuthToken(),
		MaxUploadBytes: cfg.MaxUploadBytes(),
		Repository:     repo,
		Orchestrator:   orch,
		Store:          store,
		Logger:         logger,
		StartTime:      startTime,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
