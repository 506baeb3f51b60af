package controlplane

import (
	"context"
	"io"
	"math"
	"net/http"
	"time"
)

// UsageReport captures accelerator time consumed by one finished job. Used by
// the control plane for cost tracking and lead-sample budgeting.
type UsageReport struct {
	JobType     string  `json:"job_type"`
	JobID       string  `json:"job_id"`
	DurationSec float64 `json:"duration_sec"`
	RunpodJobID string  `json:"runpod_job_id,omitempty"`
}

// ReportUsage posts a usage report. Strictly fire-and-forget: it runs after
// the job has already reached a terminal state, is never retried, and any
// failure is logged and discarded without touching the job record.
func (c *Client) ReportUsage(ctx context.Context, report UsageReport) {
	if c.baseURL == "" || c.secret == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPost, internalPrefix+"/gpu-usage", report)
	if err != nil {
		c.logger.Warn().Err(err).Str("job_id", report.JobID).Msg("usage report failed")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("job_id", report.JobID).
			Msg("usage report rejected")
	}
}

// Seconds converts a job duration into the wire unit, rounded to one decimal.
func Seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*10) / 10
}
