package domain

// JobStatus enumerates the control-plane job lifecycle states.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// GenerationJobType distinguishes subject-bound user generations from
// anonymous lead samples. Lead samples carry no subject and are exempt from
// the consent gate.
type GenerationJobType string

const (
	GenerationJobTypeUser       GenerationJobType = "user"
	GenerationJobTypeLeadSample GenerationJobType = "lead_sample"
)

// TrainingJob is a pending LoRA training request fetched from the control
// plane. The control plane owns the record; the worker only reports status
// transitions back via PATCH.
type TrainingJob struct {
	ID          string   `json:"id"`
	SubjectID   string   `json:"subject_id"`
	SamplePaths []string `json:"sample_paths"`
}

// GenerationJob is a pending image generation request. SubjectID is empty
// for lead samples.
type GenerationJob struct {
	ID                 string            `json:"id"`
	SubjectID          string            `json:"subject_id"`
	PresetID           string            `json:"preset_id"`
	ReferenceImagePath string            `json:"reference_image_path"`
	LoraModelReference string            `json:"lora_model_reference"`
	JobType            GenerationJobType `json:"job_type"`
	LeadID             string            `json:"lead_id"`
	CampaignID         string            `json:"campaign_id"`
}

// Preset holds the immutable prompt pair attached to a generation job.
type Preset struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
}
