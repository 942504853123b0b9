// Package batcher drives concurrent generation requests under a shared
// concurrency bound and rate budget, with retry, backoff and isolated
// per-request failure domains. Output order is unspecified; callers
// reconcile through the manifest by request id.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"personaforge/internal/gateway"
	"personaforge/internal/logging"
	"personaforge/pkg/models"
)

// BatchAbortError marks a failure the batch cannot locally repair (the
// persistence layer refusing a write). The scheduler cancels the whole batch
// when a worker returns one.
type BatchAbortError struct {
	Err error
}

func (e *BatchAbortError) Error() string { return fmt.Sprintf("batch aborted: %v", e.Err) }
func (e *BatchAbortError) Unwrap() error { return e.Err }

// AttemptResult is what one attempt at one request produced. Exactly one of
// the three fields is meaningful: an artifact id on success, a rejection
// reason from the validator, or an error from the gateway or store.
type AttemptResult struct {
	ArtifactID string
	Reason     models.RejectReason
	Err        error
}

// AttemptFunc performs one attempt at one request: generate, validate,
// persist. The attempt number lets it salt the request seed so a re-issued
// request is not a literal replay.
type AttemptFunc func(ctx context.Context, req *models.ArtifactRequest, attempt int) AttemptResult

// Config is the scheduler's resource budget.
type Config struct {
	// Concurrency is the bound on in-flight requests.
	Concurrency int
	// RatePerSecond feeds the shared token bucket. Zero disables rate
	// limiting.
	RatePerSecond float64
	// MaxRetries is the number of attempts per request.
	MaxRetries int
	// RetryDeadline bounds one request's cumulative retry time.
	RetryDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDeadline <= 0 {
		c.RetryDeadline = 2 * time.Minute
	}
	return c
}

// Scheduler executes batches of generation requests.
type Scheduler struct {
	cfg     Config
	limiter *rate.Limiter
	logger  *logging.Logger
}

// NewScheduler creates a Scheduler. The rate limiter is shared by every
// worker of every batch run through this scheduler.
func NewScheduler(cfg Config, logger *logging.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &Scheduler{cfg: cfg, limiter: limiter, logger: logger}
}

// Run executes every request and returns a manifest holding exactly one
// terminal outcome per request. A request's failure never aborts its
// siblings; only a BatchAbortError from the attempt function cancels the
// remainder of the batch. Cancellation is cooperative: in-flight attempts
// finish or stop at their next suspension point, and nothing is killed
// mid-write.
func (s *Scheduler) Run(ctx context.Context, requests []*models.ArtifactRequest, attempt AttemptFunc) *models.BatchManifest {
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(s.cfg.Concurrency))
	outcomes := make([]models.RequestOutcome, len(requests))
	var wg sync.WaitGroup
	var aborted atomic.Bool

	for i, req := range requests {
		i, req := i, req
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(batchCtx, 1); err != nil {
				outcomes[i] = canceledOutcome(req, err)
				return
			}
			defer sem.Release(1)

			outcome, abort := s.runRequest(batchCtx, req, attempt)
			outcomes[i] = outcome
			if abort {
				s.logger.Error("persistence failure, canceling batch", "request", req.ID, "error", outcome.Error)
				aborted.Store(true)
				cancel()
			}
		}()
	}
	wg.Wait()

	manifest := &models.BatchManifest{Outcomes: outcomes, Aborted: aborted.Load()}
	if len(requests) > 0 {
		manifest.PersonaSlug = requests[0].PersonaSlug
	}
	manifest.Tally()
	return manifest
}

// runRequest drives one request through up to MaxRetries attempts under the
// retry deadline. Transient gateway failures and validation rejections are
// retried with exponential backoff plus jitter; fatal failures terminate
// immediately.
func (s *Scheduler) runRequest(ctx context.Context, req *models.ArtifactRequest, attemptFn AttemptFunc) (models.RequestOutcome, bool) {
	outcome := models.RequestOutcome{
		RequestID: req.ID,
		Category:  req.Category,
		Index:     req.Index,
		Seed:      req.Seed,
	}

	deadline := time.Now().Add(s.cfg.RetryDeadline)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = s.cfg.RetryDeadline
	bo.Reset()

	var lastReason models.RejectReason
	var lastErr error

	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return terminate(outcome, models.StatusFailed, lastReason, err), false
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return terminate(outcome, models.StatusFailed, lastReason, err), false
		}

		outcome.Attempts = attempt
		result := attemptFn(ctx, req, attempt)

		switch {
		case result.Err == nil && result.Reason == "":
			outcome.Status = models.StatusAccepted
			outcome.ArtifactID = result.ArtifactID
			return outcome, false

		case result.Err != nil:
			var abort *BatchAbortError
			if errors.As(result.Err, &abort) {
				return terminate(outcome, models.StatusFailed, lastReason, result.Err), true
			}
			if !gateway.IsTransient(result.Err) {
				return terminate(outcome, models.StatusFailed, lastReason, result.Err), false
			}
			lastErr = result.Err
			lastReason = ""
			s.logger.Debug("transient gateway failure", "request", req.ID, "attempt", attempt, "error", result.Err)

		default:
			lastReason = result.Reason
			lastErr = nil
			s.logger.Debug("validation rejection", "request", req.ID, "attempt", attempt, "reason", result.Reason)
		}

		if attempt == s.cfg.MaxRetries {
			break
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop || time.Now().Add(wait).After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return terminate(outcome, models.StatusFailed, lastReason, ctx.Err()), false
		case <-time.After(wait):
		}
	}

	// Retry budget or deadline spent. A persistent validation rejection is
	// reported as rejected-with-reason; repeated transient failures as
	// exhausted retries.
	if lastReason != "" {
		return terminate(outcome, models.StatusRejected, lastReason, nil), false
	}
	return terminate(outcome, models.StatusExhausted, "", lastErr), false
}

func terminate(outcome models.RequestOutcome, status models.RequestStatus, reason models.RejectReason, err error) models.RequestOutcome {
	outcome.Status = status
	outcome.Reason = reason
	if err != nil {
		outcome.Error = err.Error()
	}
	return outcome
}

func canceledOutcome(req *models.ArtifactRequest, err error) models.RequestOutcome {
	return models.RequestOutcome{
		RequestID: req.ID,
		Category:  req.Category,
		Index:     req.Index,
		Seed:      req.Seed,
		Status:    models.StatusFailed,
		Error:     err.Error(),
	}
}
