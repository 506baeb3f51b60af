package executor

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"worker/internal/controlplane"
	"worker/internal/engine"
	"worker/internal/infra"
	"worker/internal/storage"
	"worker/internal/watermark"
)

// timestampLayout is the control plane's server-time format (UTC).
const timestampLayout = "2006-01-02T15:04:05Z"

// Asset types recorded in watermark payloads.
const (
	assetTypeLeadSample = "lead_sample"
	assetTypePaidOutput = "paid_output"
)

// Options wires an Executor. ControlPlane and Store are required; engines
// and the marker may be nil, which degrades the corresponding capability
// (engine absence fails the job, marker absence skips pixel marking).
type Options struct {
	ControlPlane  *controlplane.Client
	Store         storage.Store
	Generation    engine.GenerationEngine
	Training      engine.TrainingEngine
	Marker        *watermark.Marker
	Logger        *infra.Logger
	TrainingSteps int
}

// Executor drives one job at a time from claimed to terminal state. It is
// stateless between jobs; every consent decision and storage transfer
// happens fresh inside the job attempt.
type Executor struct {
	cp            *controlplane.Client
	store         storage.Store
	generation    engine.GenerationEngine
	training      engine.TrainingEngine
	marker        *watermark.Marker
	logger        *infra.Logger
	trainingSteps int
	now           func() time.Time
}

// New constructs an Executor from options.
func New(opts Options) (*Executor, error) {
	if opts.ControlPlane == nil {
		return nil, fmt.Errorf("executor: control plane client is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("executor: object store is required")
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	steps := opts.TrainingSteps
	if steps <= 0 {
		steps = 500
	}
	return &Executor{
		cp:            opts.ControlPlane,
		store:         opts.Store,
		generation:    opts.Generation,
		training:      opts.Training,
		marker:        opts.Marker,
		logger:        logger,
		trainingSteps: steps,
		now:           time.Now,
	}, nil
}

func (e *Executor) timestamp() string {
	return e.now().UTC().Format(timestampLayout)
}

// scratchDir creates the per-job working directory. The returned cleanup
// runs on every exit path of the job, so thousands of job cycles cannot
// exhaust the disk.
func scratchDir(pattern string) (string, func(), error) {
	dir, err := os.MkdirTemp("", pattern)
	if err != nil {
		return "", nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

func ptr[T any](v T) *T {
	return &v
}
