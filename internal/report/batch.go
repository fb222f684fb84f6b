package report

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/solreport/solreport/internal/solar/fusionsolar"
)

// StationJob names one station to report on within a batch.
type StationJob struct {
	Code        string
	Name        string
	CapacityKWp float64
}

// StationResult is the outcome for a single station in a batch run.
type StationResult struct {
	Code     string
	Report   *MonthlyReport
	Err      error
	Duration time.Duration
}

// RunResult summarizes a whole batch run.
type RunResult struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []StationResult
	Succeeded  int
	Failed     int
}

// QuotaWaiter exposes the client's quota controls: a blocking wait for
// the window to roll over, and a remote-call counter the runner samples
// to tell cache-served stations from quota-consuming ones.
type QuotaWaiter interface {
	WaitQuotaWindow(ctx context.Context) error
	RemoteCalls() int64
}

// RunnerConfig configures a batch runner.
type RunnerConfig struct {
	Extractor *Extractor
	Quota     QuotaWaiter
	Logger    zerolog.Logger

	Year         int
	Month        time.Month
	IncludeDaily bool
	Compare      bool
}

// Runner processes stations sequentially, waiting out the call quota
// between stations and once more when a station trips the rate limit.
type Runner struct {
	cfg RunnerConfig
}

// NewRunner creates a batch runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{cfg: cfg}
}

// Run extracts a report per station. A rate-limited station is retried
// exactly once after the quota window; any other error is recorded and
// the run moves on. Only context cancellation aborts the whole batch.
func (r *Runner) Run(ctx context.Context, jobs []StationJob) (*RunResult, error) {
	result := &RunResult{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
	}

	log := r.cfg.Logger.With().Str("run_id", result.ID).Logger()
	log.Info().Int("stations", len(jobs)).Msg("starting batch run")

	consumedQuota := false
	for i, job := range jobs {
		// A station answered entirely from cache leaves quota intact,
		// so the next one can start immediately.
		if i > 0 && consumedQuota && r.cfg.Quota != nil {
			log.Info().Str("station", job.Code).Msg("waiting for quota window before next station")
			if err := r.cfg.Quota.WaitQuotaWindow(ctx); err != nil {
				return result, err
			}
		}

		var before int64
		if r.cfg.Quota != nil {
			before = r.cfg.Quota.RemoteCalls()
		}
		res := r.runStation(ctx, job, log)
		if r.cfg.Quota != nil {
			consumedQuota = r.cfg.Quota.RemoteCalls() > before
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		result.Results = append(result.Results, res)
		if res.Err != nil {
			result.Failed++
			log.Error().Err(res.Err).Str("station", job.Code).Msg("station failed")
		} else {
			result.Succeeded++
			log.Info().
				Str("station", job.Code).
				Dur("duration", res.Duration).
				Msg("station complete")
		}
	}

	result.FinishedAt = time.Now()
	log.Info().
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Dur("duration", result.FinishedAt.Sub(result.StartedAt)).
		Msg("batch run finished")
	return result, nil
}

func (r *Runner) runStation(ctx context.Context, job StationJob, log zerolog.Logger) StationResult {
	req := Request{
		StationCode:  job.Code,
		Year:         r.cfg.Year,
		Month:        r.cfg.Month,
		IncludeDaily: r.cfg.IncludeDaily,
		Compare:      r.cfg.Compare,
		CapacityKWp:  job.CapacityKWp,
	}

	start := time.Now()
	rep, err := r.cfg.Extractor.MonthlyReport(ctx, req)

	var rateErr *fusionsolar.RateLimitError
	if errors.As(err, &rateErr) && r.cfg.Quota != nil {
		log.Warn().
			Str("station", job.Code).
			Dur("retry_after", rateErr.RetryAfter).
			Msg("rate limited, retrying station after quota window")
		if werr := r.cfg.Quota.WaitQuotaWindow(ctx); werr != nil {
			return StationResult{Code: job.Code, Err: werr, Duration: time.Since(start)}
		}
		rep, err = r.cfg.Extractor.MonthlyReport(ctx, req)
	}

	return StationResult{
		Code:     job.Code,
		Report:   rep,
		Err:      err,
		Duration: time.Since(start),
	}
}
