package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"worker/internal/controlplane"
	"worker/internal/engine"
	"worker/internal/executor"
	"worker/internal/infra"
	"worker/internal/ops"
	"worker/internal/runner"
	"worker/internal/storage"
	"worker/internal/watermark"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newStore(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	cp := controlplane.NewClient(controlplane.Options{
		AppURL: cfg.AppURL,
		Secret: cfg.WorkerSecret,
		Logger: &logger,
	})

	generationEngine, trainingEngine := newEngines(cfg, &logger)
	marker := watermark.New(watermark.Options{
		Codec:  &watermark.BlockCodec{},
		Logger: &logger,
	})

	exec, err := executor.New(executor.Options{
		ControlPlane:  cp,
		Store:         store,
		Generation:    generationEngine,
		Training:      trainingEngine,
		Marker:        marker,
		Logger:        &logger,
		TrainingSteps: cfg.TrainingSteps,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to build executor")
	}

	loop, err := runner.New(runner.Options{
		ControlPlane: cp,
		Executor:     exec,
		Logger:       &logger,
		PollInterval: cfg.PollInterval,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to build runner")
	}

	opsServer := infra.NewHTTPServer(cfg.OpsPort, ops.NewRouter())
	go func() {
		logger.Info().Msgf("ops endpoint listening on :%s", cfg.OpsPort)
		if err := opsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("ops server failed")
		}
	}()
	defer opsServer.Shutdown(context.Background())

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

// newStore prefers the S3-compatible endpoint and falls back to a local
// filesystem store for development.
func newStore(cfg *infra.Config, logger *infra.Logger) (storage.Store, error) {
	if cfg.StorageEndpoint != "" {
		return storage.NewS3Store(storage.S3Options{
			Endpoint:  cfg.StorageEndpoint,
			AccessKey: cfg.StorageAccessKey,
			SecretKey: cfg.StorageSecretKey,
			UseSSL:    cfg.StorageUseSSL,
			Logger:    logger,
		})
	}
	storagePath := cfg.StoragePath
	if storagePath == "" {
		storagePath = "./storage"
	}
	logger.Warn().Str("path", storagePath).Msg("STORAGE_ENDPOINT not set, using filesystem store")
	return storage.NewFileStore(storagePath)
}

// newEngines wires the inference sidecar when configured. Nil engines are
// legal; jobs then fail with an engine-unavailable message instead of
// crashing the process.
func newEngines(cfg *infra.Config, logger *infra.Logger) (engine.GenerationEngine, engine.TrainingEngine) {
	if cfg.InferenceURL == "" {
		logger.Warn().Msg("INFERENCE_URL not set, generation and training jobs will fail")
		return nil, nil
	}
	client, err := engine.NewClient(engine.Options{
		BaseURL: cfg.InferenceURL,
		Logger:  logger,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to configure inference client")
		return nil, nil
	}
	return client, client
}
