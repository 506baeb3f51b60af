package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"worker/internal/engine"
	"worker/internal/infra"
	"worker/internal/serverless"
	"worker/internal/storage"
	"worker/internal/watermark"
)

// The handler binary serves single invocations: the platform POSTs one job
// envelope (including the control-plane address and secret) per request and
// waits for the terminal result. All control-plane clients are built fresh
// per invocation inside the dispatcher.
func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	store, err := newStore(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("handler: failed to configure storage")
	}

	generationEngine, trainingEngine := newEngines(cfg, &logger)
	marker := watermark.New(watermark.Options{
		Codec:  &watermark.BlockCodec{},
		Logger: &logger,
	})

	dispatcher, err := serverless.NewDispatcher(serverless.Options{
		Store:         store,
		Generation:    generationEngine,
		Training:      trainingEngine,
		Marker:        marker,
		Logger:        &logger,
		TrainingSteps: cfg.TrainingSteps,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("handler: failed to build dispatcher")
	}

	server := infra.NewHTTPServer(cfg.HandlerPort, serverless.NewRouter(dispatcher))
	go func() {
		logger.Info().Msgf("handler listening on :%s", cfg.HandlerPort)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("handler server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	// In-flight invocations can be minutes long; give them a grace window.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("handler shutdown failed")
	}
	logger.Info().Msg("handler: stopped")
}

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
