package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"worker/internal/domain"
	"worker/internal/infra"
)

// ErrMissingBaseURL indicates the client was configured without an inference
// sidecar address.
var ErrMissingBaseURL = errors.New("engine: inference url is required")

// Options configures the inference sidecar client.
type Options struct {
	// BaseURL is the local inference service, e.g. http://127.0.0.1:7860.
	BaseURL    string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client drives the co-located inference service over HTTP. The service
// shares the worker's filesystem, so requests and responses exchange local
// paths rather than image bytes. It implements both GenerationEngine and
// TrainingEngine.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewClient builds the sidecar client. A missing base URL is an error; wire
// nil engines into the executor instead when no inference service exists.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// Generation and training run for minutes; no client-side timeout.
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, logger: logger}, nil
}

type generatePayload struct {
	Prompt             string  `json:"prompt"`
	NegativePrompt     string  `json:"negative_prompt,omitempty"`
	ReferenceImagePath string  `json:"reference_image_path"`
	LoraPath           string  `json:"lora_path,omitempty"`
	LoraScale          float64 `json:"lora_scale,omitempty"`
	Upscale            bool    `json:"upscale"`
	OutputPath         string  `json:"output_path"`
}

// Generate asks the sidecar to render one image at req.OutputPath.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) error {
	payload := generatePayload{
		Prompt:             req.Prompt,
		NegativePrompt:     req.NegativePrompt,
		ReferenceImagePath: req.ReferenceImagePath,
		LoraPath:           req.LoraPath,
		LoraScale:          req.LoraScale,
		Upscale:            req.Upscale,
		OutputPath:         req.OutputPath,
	}
	var result struct {
		OutputPath string `json:"output_path"`
		Error      string `json:"error"`
	}
	if err := c.post(ctx, "/generate", payload, &result); err != nil {
		return err
	}
	if result.Error != "" {
		return fmt.Errorf("%w: generate: %s", domain.ErrEngineFailure, result.Error)
	}
	return nil
}

type trainPayload struct {
	SamplesDir     string `json:"samples_dir"`
	OutputDir      string `json:"output_dir"`
	InstancePrompt string `json:"instance_prompt"`
	MaxTrainSteps  int    `json:"max_train_steps"`
}

// Train asks the sidecar to fit a LoRA adapter and returns the artifact path
// it reports.
func (c *Client) Train(ctx context.Context, req TrainRequest) (string, error) {
	payload := trainPayload{
		SamplesDir:     req.SamplesDir,
		OutputDir:      req.OutputDir,
		InstancePrompt: req.InstancePrompt,
		MaxTrainSteps:  req.MaxTrainSteps,
	}
	var result struct {
		ArtifactPath string `json:"artifact_path"`
		Error        string `json:"error"`
	}
	if err := c.post(ctx, "/train", payload, &result); err != nil {
		return "", err
	}
	if result.Error != "" {
		return "", fmt.Errorf("%w: train: %s", domain.ErrEngineFailure, result.Error)
	}
	if result.ArtifactPath == "" {
		return "", fmt.Errorf("%w: train: no artifact path in response", domain.ErrEngineFailure)
	}
	return result.ArtifactPath, nil
}

func (c *Client) post(ctx context.Context, path string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", domain.ErrEngineFailure, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEngineFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug().Str("path", path).Msg("engine request")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrEngineFailure, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: read response: %v", domain.ErrEngineFailure, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return fmt.Errorf("%w: %s: status %d: %s", domain.ErrEngineFailure, path, resp.StatusCode, msg)
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", domain.ErrEngineFailure, path, err)
	}
	return nil
}

var (
	_ GenerationEngine = (*Client)(nil)
	_ TrainingEngine   = (*Client)(nil)
)
