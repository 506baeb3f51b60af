package executor

import (
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"worker/internal/controlplane"
	"worker/internal/domain"
	"worker/internal/engine"
	"worker/internal/storage"
	"worker/internal/watermark"
)

// defaultPrompt is used whenever preset resolution fails; generation never
// hard-fails on a missing preset.
const defaultPrompt = "A realistic photo, high quality, natural lighting."

// RunGeneration drives one generation job to a terminal state. As with
// training, the job record is PATCHed before the error is returned.
func (e *Executor) RunGeneration(ctx context.Context, job domain.GenerationJob) error {
	start := e.now()
	logger := e.logger.With().
		Str("job_id", job.ID).
		Str("job_type", string(job.JobType)).
		Logger()
	logger.Info().Str("subject_id", job.SubjectID).Msg("processing generation job")

	err := e.runGeneration(ctx, job)
	if err != nil {
		logger.Warn().Err(err).Msg("generation job failed")
	} else {
		logger.Info().Msg("generation job completed")
	}

	usageType := "generation"
	if job.JobType == domain.GenerationJobTypeLeadSample {
		usageType = "lead_sample"
	}
	e.cp.ReportUsage(ctx, controlplane.UsageReport{
		JobType:     usageType,
		JobID:       job.ID,
		DurationSec: controlplane.Seconds(e.now().Sub(start)),
	})
	return err
}

func (e *Executor) runGeneration(ctx context.Context, job domain.GenerationJob) error {
	// Lead samples carry no subject and bypass the gate by design; every
	// subject-bound job is checked before anything else happens.
	if job.SubjectID != "" && !e.cp.SubjectAllowed(ctx, job.SubjectID) {
		e.failGeneration(ctx, job.ID)
		return fmt.Errorf("%w: subject %s", domain.ErrConsentDenied, job.SubjectID)
	}

	if err := e.cp.UpdateGenerationJob(ctx, job.ID, controlplane.GenerationJobUpdate{
		Status: domain.JobStatusRunning,
	}); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("claim patch failed")
	}

	prompt, negativePrompt := e.resolvePrompt(ctx, job.PresetID)

	tmp, cleanup, err := scratchDir("generation-" + job.ID + "-*")
	if err != nil {
		e.failGeneration(ctx, job.ID)
		return err
	}
	defer cleanup()

	refLocal := filepath.Join(tmp, "ref.jpg")
	if err := e.store.Download(ctx, storage.BucketUploads, job.ReferenceImagePath, refLocal); err != nil {
		e.failGeneration(ctx, job.ID)
		return err
	}

	// The LoRA adapter is an enhancement, not a precondition: a failed
	// secondary download downgrades to adapter-less generation.
	loraLocal := ""
	if ref := job.LoraModelReference; strings.HasPrefix(ref, "model_artifacts/") {
		storagePath := strings.TrimPrefix(ref, "model_artifacts/")
		candidate := filepath.Join(tmp, "lora.safetensors")
		if err := e.store.Download(ctx, storage.BucketModelArtifacts, storagePath, candidate); err != nil {
			e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("lora download failed, generating without adapter")
		} else {
			loraLocal = candidate
		}
	}

	if e.generation == nil {
		e.failGeneration(ctx, job.ID)
		return fmt.Errorf("%w: generation engine not configured", domain.ErrEngineFailure)
	}
	outLocal := filepath.Join(tmp, "out.jpg")
	if err := e.generation.Generate(ctx, engine.GenerateRequest{
		Prompt:             prompt,
		NegativePrompt:     negativePrompt,
		ReferenceImagePath: refLocal,
		LoraPath:           loraLocal,
		Upscale:            true,
		OutputPath:         outLocal,
	}); err != nil {
		e.failGeneration(ctx, job.ID)
		return err
	}

	e.applyWatermark(job, outLocal)

	outputPath := fmt.Sprintf("%s/generated/%s-%s.jpg", ownerPrefix(job.ReferenceImagePath), job.ID, randomHex8())
	if err := e.store.Upload(ctx, storage.BucketUploads, outLocal, outputPath, "image/jpeg"); err != nil {
		e.failGeneration(ctx, job.ID)
		return err
	}

	if err := e.cp.UpdateGenerationJob(ctx, job.ID, controlplane.GenerationJobUpdate{
		Status:     domain.JobStatusCompleted,
		OutputPath: ptr(outputPath),
	}); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("completion patch failed")
	}
	return nil
}

// applyWatermark embeds the provenance mark in place. The hash is always
// logged; the control plane owns the hash-to-payload record, and a missing
// codec only downgrades the pixel mark, never the job.
func (e *Executor) applyWatermark(job domain.GenerationJob, imagePath string) {
	if e.marker == nil {
		return
	}
	assetType := assetTypePaidOutput
	if job.JobType == domain.GenerationJobTypeLeadSample {
		assetType = assetTypeLeadSample
	}
	payload := e.marker.NewPayload(assetType, watermark.PayloadFields{
		LeadID:          job.LeadID,
		GenerationJobID: job.ID,
		CampaignID:      job.CampaignID,
	})
	result := e.marker.Embed(imagePath, payload, "")
	e.logger.Info().
		Str("job_id", job.ID).
		Str("watermark_hash", result.Hash).
		Bool("embedded", result.Embedded).
		Msg("provenance watermark")
}

// resolvePrompt fetches the preset prompt pair, falling back to the fixed
// default when the preset is absent or the lookup fails.
func (e *Executor) resolvePrompt(ctx context.Context, presetID string) (string, string) {
	if presetID == "" {
		return defaultPrompt, ""
	}
	preset, err := e.cp.GetPreset(ctx, presetID)
	if err != nil {
		e.logger.Warn().Err(err).Str("preset_id", presetID).Msg("preset lookup failed, using default prompt")
		return defaultPrompt, ""
	}
	prompt := strings.TrimSpace(preset.Prompt)
	if prompt == "" {
		prompt = defaultPrompt
	}
	return prompt, strings.TrimSpace(preset.NegativePrompt)
}

func (e *Executor) failGeneration(ctx context.Context, jobID string) {
	if err := e.cp.UpdateGenerationJob(ctx, jobID, controlplane.GenerationJobUpdate{
		Status: domain.JobStatusFailed,
	}); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("failure patch failed")
	}
}

// ownerPrefix derives the output path owner from the reference image path:
// its first segment, or the literal "generated" when the path has none.
func ownerPrefix(referencePath string) string {
	if i := strings.IndexByte(referencePath, '/'); i > 0 {
		return referencePath[:i]
	}
	return "generated"
}

func randomHex8() string {
	id := uuid.New()
	return hex.EncodeToString(id[:4])
}
