package engine

import "context"

// GenerateRequest carries everything the generation capability needs. All
// file fields are local paths inside the job's scratch directory; the engine
// shares a filesystem with the worker.
type GenerateRequest struct {
	Prompt             string
	NegativePrompt     string
	ReferenceImagePath string
	// LoraPath is optional; generation proceeds without an adapter when empty.
	LoraPath string
	// LoraScale is carried through to the engine untouched. Whether it should
	// modulate adapter strength is an open product question; the worker does
	// not interpret it.
	LoraScale  float64
	Upscale    bool
	OutputPath string
}

// TrainRequest carries the inputs for one LoRA training run.
type TrainRequest struct {
	SamplesDir     string
	OutputDir      string
	InstancePrompt string
	MaxTrainSteps  int
}

// GenerationEngine produces one output image. The worker treats it as an
// opaque capability: any error is terminal for the job, never for the
// process.
type GenerationEngine interface {
	Generate(ctx context.Context, req GenerateRequest) error
}

// TrainingEngine fits a LoRA adapter from a directory of samples and returns
// the local path of the produced artifact.
type TrainingEngine interface {
	Train(ctx context.Context, req TrainRequest) (string, error)
}
