package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"worker/internal/domain"
	"worker/internal/infra"
)

// ErrUnconfigured indicates the client has no base URL or secret. The poller
// surfaces this as an indeterminate result so the loop backs off instead of
// treating it as an empty queue.
var ErrUnconfigured = errors.New("controlplane: app url and worker secret are required")

const (
	pollTimeout    = 30 * time.Second
	lookupTimeout  = 10 * time.Second
	patchTimeout   = 15 * time.Second
	reportTimeout  = 10 * time.Second
	internalPrefix = "/api/internal/worker"
)

// Options configures the control-plane client.
type Options struct {
	AppURL     string
	Secret     string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client performs bearer-authenticated HTTP calls against the control plane's
// internal worker API. It holds no mutable state; construct one per
// invocation with the configuration in hand.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewClient builds a client from the given options. A missing URL or secret
// is allowed; calls will fail closed (or indeterminate, for Poll) until both
// are present.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.AppURL, "/"),
		secret:     opts.Secret,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Batch is one poll result: the pending jobs of both kinds.
type Batch struct {
	TrainingJobs   []domain.TrainingJob   `json:"training_jobs"`
	GenerationJobs []domain.GenerationJob `json:"generation_jobs"`
}

// Poll fetches pending jobs. A nil batch with a non-nil error means the
// endpoint itself could not be reached (missing credentials or transport
// failure); that is distinct from an empty batch, which means the queue was
// observed and is empty. Non-success responses yield an empty batch plus a
// logged diagnostic.
func (c *Client) Poll(ctx context.Context) (*Batch, error) {
	if c.baseURL == "" || c.secret == "" {
		return nil, ErrUnconfigured
	}
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, internalPrefix+"/jobs", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: poll: %v", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn().Int("status", resp.StatusCode).Msg("poll: unexpected response (check WORKER_SECRET and APP_URL)")
		return &Batch{}, nil
	}
	var batch Batch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		c.logger.Warn().Err(err).Msg("poll: malformed response body")
		return &Batch{}, nil
	}
	return &batch, nil
}

// SubjectAllowed reports whether the subject's data may be processed. It
// fails closed: a missing id, transport error, non-success response or
// malformed payload all yield false. The result is never cached; every job
// attempt asks again.
func (c *Client) SubjectAllowed(ctx context.Context, subjectID string) bool {
	if subjectID == "" || c.baseURL == "" || c.secret == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, internalPrefix+"/subjects/"+subjectID, nil)
	if err != nil {
		c.logger.Warn().Err(err).Str("subject_id", subjectID).Msg("consent check failed")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}
	var payload struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.logger.Warn().Err(err).Str("subject_id", subjectID).Msg("consent check: malformed payload")
		return false
	}
	return payload.Allowed
}

// TrainingJobUpdate is the PATCH body for a training job transition. Nil
// pointer fields are omitted from the request.
type TrainingJobUpdate struct {
	Status             domain.JobStatus `json:"status"`
	Logs               *string          `json:"logs,omitempty"`
	StartedAt          *string          `json:"started_at,omitempty"`
	FinishedAt         *string          `json:"finished_at,omitempty"`
	LoraModelReference *string          `json:"lora_model_reference,omitempty"`
}

// UpdateTrainingJob PATCHes a training job's status.
func (c *Client) UpdateTrainingJob(ctx context.Context, jobID string, update TrainingJobUpdate) error {
	return c.patch(ctx, internalPrefix+"/training-jobs/"+jobID, update)
}

// GenerationJobUpdate is the PATCH body for a generation job transition.
type GenerationJobUpdate struct {
	Status     domain.JobStatus `json:"status"`
	OutputPath *string          `json:"output_path,omitempty"`
}

// UpdateGenerationJob PATCHes a generation job's status.
func (c *Client) UpdateGenerationJob(ctx context.Context, jobID string, update GenerationJobUpdate) error {
	return c.patch(ctx, internalPrefix+"/generation-jobs/"+jobID, update)
}

// GetPreset fetches the prompt pair for a preset id. Callers treat any error
// as "use the default prompt"; preset resolution must never fail a job.
func (c *Client) GetPreset(ctx context.Context, presetID string) (*domain.Preset, error) {
	if presetID == "" {
		return nil, fmt.Errorf("preset id is required")
	}
	if c.baseURL == "" || c.secret == "" {
		return nil, ErrUnconfigured
	}
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, internalPrefix+"/presets/"+presetID, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: preset %s: %v", domain.ErrTransport, presetID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("preset %s: unexpected status %d", presetID, resp.StatusCode)
	}
	var preset domain.Preset
	if err := json.NewDecoder(resp.Body).Decode(&preset); err != nil {
		return nil, fmt.Errorf("preset %s: decode: %w", presetID, err)
	}
	return &preset, nil
}

func (c *Client) patch(ctx context.Context, path string, body any) error {
	if c.baseURL == "" || c.secret == "" {
		return ErrUnconfigured
	}
	ctx, cancel := context.WithTimeout(ctx, patchTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPatch, path, body)
	if err != nil {
		return fmt.Errorf("%w: patch %s: %v", domain.ErrTransport, path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("patch %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}
