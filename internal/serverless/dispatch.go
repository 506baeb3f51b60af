package serverless

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"worker/internal/controlplane"
	"worker/internal/domain"
	"worker/internal/engine"
	"worker/internal/executor"
	"worker/internal/infra"
	"worker/internal/storage"
	"worker/internal/watermark"
)

// Input is the per-invocation envelope. The control-plane address and secret
// arrive with the job instead of the environment, so every invocation builds
// its clients fresh from these fields; nothing is stored process-wide.
type Input struct {
	Type         string `json:"type"`
	AppURL       string `json:"app_url"`
	WorkerSecret string `json:"worker_secret"`

	JobID              string   `json:"job_id"`
	SubjectID          string   `json:"subject_id"`
	SamplePaths        []string `json:"sample_paths"`
	PresetID           string   `json:"preset_id"`
	ReferenceImagePath string   `json:"reference_image_path"`
	LoraModelReference string   `json:"lora_model_reference"`
	JobType            string   `json:"job_type"`
	LeadID             string   `json:"lead_id"`
	CampaignID         string   `json:"campaign_id"`

	// ImageURL applies to decode_watermark invocations only.
	ImageURL string `json:"image_url"`
}

// Invocation is the outer wrapper the platform delivers.
type Invocation struct {
	Input Input `json:"input"`
}

// Result is the invocation outcome.
type Result struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	JobID  string `json:"job_id,omitempty"`

	WatermarkHash string `json:"watermark_hash,omitempty"`
	TamperStatus  string `json:"tamper_status,omitempty"`
}

// Options holds the invocation-independent capabilities: object storage,
// engines and the watermark subsystem do not depend on which control plane
// sends the job.
type Options struct {
	Store         storage.Store
	Generation    engine.GenerationEngine
	Training      engine.TrainingEngine
	Marker        *watermark.Marker
	Logger        *infra.Logger
	TrainingSteps int
}

// Dispatcher routes one invocation to the matching executor path.
type Dispatcher struct {
	store         storage.Store
	generation    engine.GenerationEngine
	training      engine.TrainingEngine
	marker        *watermark.Marker
	logger        *infra.Logger
	trainingSteps int
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("serverless: object store is required")
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Dispatcher{
		store:         opts.Store,
		generation:    opts.Generation,
		training:      opts.Training,
		marker:        opts.Marker,
		logger:        logger,
		trainingSteps: opts.TrainingSteps,
	}, nil
}

// Dispatch executes one invocation to completion and reports the outcome.
// Failures are reflected in the result, never raised: the platform retries
// are governed by the control plane's own job state, not by this response.
func (d *Dispatcher) Dispatch(ctx context.Context, input Input) Result {
	switch input.Type {
	case "training":
		return d.runTraining(ctx, input)
	case "generation":
		return d.runGeneration(ctx, input)
	case "decode_watermark":
		return d.runDecode(ctx, input)
	default:
		return Result{Status: "failed", Error: fmt.Sprintf("unknown job type: %q", input.Type)}
	}
}

func (d *Dispatcher) newExecutor(input Input) (*executor.Executor, error) {
	cp := controlplane.NewClient(controlplane.Options{
		AppURL: strings.TrimRight(input.AppURL, "/"),
		Secret: input.WorkerSecret,
		Logger: d.logger,
	})
	return executor.New(executor.Options{
		ControlPlane:  cp,
		Store:         d.store,
		Generation:    d.generation,
		Training:      d.training,
		Marker:        d.marker,
		Logger:        d.logger,
		TrainingSteps: d.trainingSteps,
	})
}

func (d *Dispatcher) runTraining(ctx context.Context, input Input) Result {
	exec, err := d.newExecutor(input)
	if err != nil {
		return Result{Status: "failed", Error: err.Error()}
	}
	job := domain.TrainingJob{
		ID:          input.JobID,
		SubjectID:   input.SubjectID,
		SamplePaths: input.SamplePaths,
	}
	if err := exec.RunTraining(ctx, job); err != nil {
		return Result{Status: "failed", Error: err.Error(), JobID: input.JobID}
	}
	return Result{Status: "completed", JobID: input.JobID}
}

func (d *Dispatcher) runGeneration(ctx context.Context, input Input) Result {
	exec, err := d.newExecutor(input)
	if err != nil {
		return Result{Status: "failed", Error: err.Error()}
	}
	jobType := domain.GenerationJobType(input.JobType)
	if jobType == "" {
		jobType = domain.GenerationJobTypeUser
	}
	job := domain.GenerationJob{
		ID:                 input.JobID,
		SubjectID:          input.SubjectID,
		PresetID:           input.PresetID,
		ReferenceImagePath: input.ReferenceImagePath,
		LoraModelReference: input.LoraModelReference,
		JobType:            jobType,
		LeadID:             input.LeadID,
		CampaignID:         input.CampaignID,
	}
	if err := exec.RunGeneration(ctx, job); err != nil {
		return Result{Status: "failed", Error: err.Error(), JobID: input.JobID}
	}
	return Result{Status: "completed", JobID: input.JobID}
}

func (d *Dispatcher) runDecode(ctx context.Context, input Input) Result {
	if d.marker == nil {
		return Result{Status: "completed", TamperStatus: string(watermark.TamperUnsupported)}
	}
	if input.ImageURL == "" {
		return Result{Status: "failed", Error: "image_url is required"}
	}
	decoded := d.marker.DecodeFromURL(ctx, input.ImageURL)
	return Result{
		Status:        "completed",
		Error:         decoded.Error,
		WatermarkHash: decoded.HashPrefix,
		TamperStatus:  string(decoded.Status),
	}
}
