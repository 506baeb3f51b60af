package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"worker/internal/controlplane"
	"worker/internal/domain"
	"worker/internal/engine"
	"worker/internal/storage"
)

const (
	// minTrainingSamples is the fewest downloaded samples a training run may
	// proceed with. Training on fewer produces a useless adapter, so the job
	// fails fast instead of burning accelerator time.
	minTrainingSamples = 10

	trainingInstancePrompt = "photo of TOK person"
)

// RunTraining drives one training job to a terminal state. The returned
// error describes the terminal failure for callers that need it (the
// serverless entrypoint); the job record has already been PATCHed either way.
func (e *Executor) RunTraining(ctx context.Context, job domain.TrainingJob) error {
	start := e.now()
	logger := e.logger.With().Str("job_id", job.ID).Str("subject_id", job.SubjectID).Logger()
	logger.Info().Int("samples", len(job.SamplePaths)).Msg("processing training job")

	err := e.runTraining(ctx, job, start)
	if err != nil {
		logger.Warn().Err(err).Msg("training job failed")
	} else {
		logger.Info().Msg("training job completed")
	}
	e.cp.ReportUsage(ctx, controlplane.UsageReport{
		JobType:     "training",
		JobID:       job.ID,
		DurationSec: controlplane.Seconds(e.now().Sub(start)),
	})
	return err
}

func (e *Executor) runTraining(ctx context.Context, job domain.TrainingJob, start time.Time) error {
	// Consent is the very first action; nothing belonging to the subject is
	// touched before it passes, and the answer is never cached.
	if !e.cp.SubjectAllowed(ctx, job.SubjectID) {
		e.failTraining(ctx, job.ID, "Consent not approved for subject.")
		return fmt.Errorf("%w: subject %s", domain.ErrConsentDenied, job.SubjectID)
	}

	if err := e.cp.UpdateTrainingJob(ctx, job.ID, controlplane.TrainingJobUpdate{
		Status:    domain.JobStatusRunning,
		Logs:      ptr("Training started"),
		StartedAt: ptr(start.UTC().Format(timestampLayout)),
	}); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("claim patch failed")
	}

	tmp, cleanup, err := scratchDir("training-" + job.ID + "-*")
	if err != nil {
		e.failTraining(ctx, job.ID, "Could not create working directory.")
		return err
	}
	defer cleanup()

	samplesDir := filepath.Join(tmp, "samples")
	localPaths, err := storage.DownloadMany(ctx, e.store, storage.BucketUploads, job.SamplePaths, samplesDir)
	if err != nil {
		e.failTraining(ctx, job.ID, "Could not prepare sample directory.")
		return fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}
	if len(localPaths) < minTrainingSamples {
		e.failTraining(ctx, job.ID, fmt.Sprintf("Could not download enough samples (got %d).", len(localPaths)))
		return fmt.Errorf("%w: %d of %d samples", domain.ErrInsufficientInput, len(localPaths), len(job.SamplePaths))
	}

	if e.training == nil {
		e.failTraining(ctx, job.ID, "Training capability unavailable.")
		return fmt.Errorf("%w: training engine not configured", domain.ErrEngineFailure)
	}
	artifact, err := e.training.Train(ctx, engine.TrainRequest{
		SamplesDir:     samplesDir,
		OutputDir:      filepath.Join(tmp, "lora_out"),
		InstancePrompt: trainingInstancePrompt,
		MaxTrainSteps:  e.trainingSteps,
	})
	if err != nil {
		e.failTraining(ctx, job.ID, fmt.Sprintf("Training failed: %v", err))
		return fmt.Errorf("%w: %v", domain.ErrEngineFailure, err)
	}

	storageRef := job.SubjectID + "/lora.safetensors"
	if err := e.store.Upload(ctx, storage.BucketModelArtifacts, artifact, storageRef, "application/octet-stream"); err != nil {
		e.failTraining(ctx, job.ID, "Failed to upload LoRA to model_artifacts.")
		return err
	}

	loraRef := "model_artifacts/" + storageRef
	if err := e.cp.UpdateTrainingJob(ctx, job.ID, controlplane.TrainingJobUpdate{
		Status:             domain.JobStatusCompleted,
		Logs:               ptr("Training completed (FLUX LoRA)."),
		FinishedAt:         ptr(e.timestamp()),
		LoraModelReference: ptr(loraRef),
	}); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("completion patch failed")
	}
	return nil
}

func (e *Executor) failTraining(ctx context.Context, jobID, logs string) {
	if err := e.cp.UpdateTrainingJob(ctx, jobID, controlplane.TrainingJobUpdate{
		Status: domain.JobStatusFailed,
		Logs:   ptr(logs),
	}); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("failure patch failed")
	}
}
