package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"worker/internal/controlplane"
	"worker/internal/domain"
	"worker/internal/executor"
	"worker/internal/infra"
	"worker/internal/metrics"
)

// idleLogInterval caps how often the "no jobs" line is emitted so an idle
// worker does not flood the log.
const idleLogInterval = time.Minute

// Options wires a Runner.
type Options struct {
	ControlPlane *controlplane.Client
	Executor     *executor.Executor
	Logger       *infra.Logger
	PollInterval time.Duration
}

// Runner is the top-level worker loop: poll, execute each returned job
// sequentially, sleep, repeat. One job at a time, reflecting the single
// exclusive accelerator behind the engines.
type Runner struct {
	cp           *controlplane.Client
	executor     *executor.Executor
	logger       *infra.Logger
	pollInterval time.Duration
	lastIdleLog  time.Time
}

// New constructs a Runner.
func New(opts Options) (*Runner, error) {
	if opts.ControlPlane == nil {
		return nil, fmt.Errorf("runner: control plane client is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("runner: executor is required")
	}
	if opts.PollInterval <= 0 {
		return nil, fmt.Errorf("runner: poll interval must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Runner{
		cp:           opts.ControlPlane,
		executor:     opts.Executor,
		logger:       logger,
		pollInterval: opts.PollInterval,
	}, nil
}

// Run loops until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().Dur("poll_interval", r.pollInterval).Msg("worker started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.RunOnce(ctx)
		if err := sleep(ctx, r.pollInterval); err != nil {
			return err
		}
	}
}

// RunOnce performs a single poll-and-execute cycle.
func (r *Runner) RunOnce(ctx context.Context) {
	batch, err := r.cp.Poll(ctx)
	if err != nil {
		// Indeterminate: the queue was not observed, so this is a back-off,
		// not an empty poll. No job state changes.
		metrics.ObservePollFailure()
		if errors.Is(err, controlplane.ErrUnconfigured) {
			r.logger.Warn().Msg("poll skipped: APP_URL or WORKER_SECRET not set")
		} else {
			r.logger.Warn().Err(err).Msg("poll failed")
		}
		return
	}

	total := len(batch.TrainingJobs) + len(batch.GenerationJobs)
	if total > 0 {
		r.logger.Info().
			Int("training", len(batch.TrainingJobs)).
			Int("generation", len(batch.GenerationJobs)).
			Msg("poll returned jobs")
	} else if time.Since(r.lastIdleLog) >= idleLogInterval {
		r.logger.Debug().Msg("polling, no jobs")
		r.lastIdleLog = time.Now()
	}

	for _, job := range batch.TrainingJobs {
		job := job
		r.execute("training", job.ID, func() error {
			return r.executor.RunTraining(ctx, job)
		})
	}
	for _, job := range batch.GenerationJobs {
		job := job
		r.execute("generation", job.ID, func() error {
			return r.executor.RunGeneration(ctx, job)
		})
	}
}

// execute isolates one job: an error or panic is recorded and the loop moves
// on. One bad job must never halt the worker process.
func (r *Runner) execute(jobType, jobID string, run func() error) {
	start := time.Now()
	status := metrics.StatusCompleted
	defer func() {
		if rec := recover(); rec != nil {
			status = metrics.StatusFailed
			r.logger.Error().
				Str("job_type", jobType).
				Str("job_id", jobID).
				Interface("panic", rec).
				Msg("job panicked")
		}
		metrics.ObserveJob(jobType, status, time.Since(start))
	}()
	if err := run(); err != nil {
		status = metrics.StatusFailed
		if errors.Is(err, domain.ErrConsentDenied) {
			r.logger.Info().Str("job_type", jobType).Str("job_id", jobID).Msg("job refused: consent not approved")
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
