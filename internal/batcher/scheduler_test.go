package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"personaforge/internal/gateway"
	"personaforge/internal/logging"
	"personaforge/pkg/models"
)

func testRequests(n int) []*models.ArtifactRequest {
	out := make([]*models.ArtifactRequest, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &models.ArtifactRequest{
			ID:          fmt.Sprintf("alice/code/%d", i),
			PersonaSlug: "alice",
			Category:    models.CategoryCode,
			Index:       i,
			Seed:        int64(i),
		})
	}
	return out
}

func fastScheduler(cfg Config) *Scheduler {
	if cfg.RetryDeadline == 0 {
		cfg.RetryDeadline = 5 * time.Second
	}
	s := NewScheduler(cfg, logging.NewLogger())
	return s
}

func TestRunAllAccepted(t *testing.T) {
	s := fastScheduler(Config{Concurrency: 4})
	requests := testRequests(10)

	m := s.Run(context.Background(), requests, func(ctx context.Context, req *models.ArtifactRequest, attempt int) AttemptResult {
		return AttemptResult{ArtifactID: "art-" + req.ID}
	})

	assert.Equal(t, 10, m.Requested)
	assert.Equal(t, 10, m.Accepted)
	assert.True(t, m.Satisfied())
	assert.False(t, m.Aborted)
	assert.Equal(t, "alice", m.PersonaSlug)

	// Every request has exactly one outcome, reconciled by id.
	seen := map[string]bool{}
	for _, o := range m.Outcomes {
		assert.Equal(t, models.StatusAccepted, o.Status)
		assert.Equal(t, 1, o.Attempts)
		seen[o.RequestID] = true
	}
	assert.Len(t, seen, 10)
}

func TestRunRetries(t *testing.T) {
	t.Run("transient failure then success", func(t *testing.T) {
		s := fastScheduler(Config{Concurrency: 1, MaxRetries: 3})
		var calls atomic.Int32

		m := s.Run(context.Background(), testRequests(1), func(ctx context.Context, req *models.ArtifactRequest, attempt int) AttemptResult {
			if calls.Add(1) == 1 {
				return AttemptResult{Err: &gateway.Error{Kind: gateway.KindRateLimited, Status: 429, Msg: "slow down"}}
			}
			return AttemptResult{ArtifactID: "art-1"}
		})

		assert.Equal(t, 1, m.Accepted)
		assert.Equal(t, int32(2), calls.Load())
		assert.Equal(t, 2, m.Outcomes[0].Attempts)
	})

	t.Run("budget exhausted after exactly max retries", func(t *testing.T) {
		s := fastScheduler(Config{Concurrency: 1, MaxRetries: 3})
		var calls atomic.Int32

		m := s.Run(context.Background(), testRequests(1), func(ctx context.Context, req *models.ArtifactRequest, attempt int) AttemptResult {
			calls.Add(1)
			return AttemptResult{Err: &gateway.Error{Kind: gateway.KindServer, Status: 503, Msg: "unavailable"}}
		})

		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, 1, m.Exhausted)
		assert.Equal(t, models.StatusExhausted, m.Outcomes[0].Status)
		assert.Contains(t, m.Outcomes[0].Error, "unavailable")
	})

	t.Run("fatal failure is not retried", func(t *testing.T) {
		s := fastScheduler(Config{Concurrency: 1, MaxRetries: 5})
		var calls atomic.Int32

		m := s.Run(context.Background(), testRequests(1), func(ctx context.Context, req *models.ArtifactRequest, attempt int) AttemptResult {
			calls.Add(1)
			return AttemptResult{Err: &gateway.Error{Kind: gateway.KindAuth, Status: 401, Msg: "bad key"}}
		})

		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, 1, m.Failed)
		assert.Equal(t, models.StatusFailed, m.Outcomes[0].Status)
	})

	t.Run("persistent rejection keeps its reason", func(t *testing.T) {
		s := fastScheduler(Config{Concurrency: 1, MaxRetries: 2})

		m := s.Run(context.Background(), testRequests(1), func(ctx context.Context, req *models.ArtifactRequest, attempt int) AttemptResult {
			return AttemptResult{Reason: models.RejectSchemaViolation}
		})

		assert.Equal(t, models.StatusRejected, m.Outcomes[0].Status)
		assert.Equal(t, models.RejectSchemaViolation, m.Outcomes[0].Reason)
		assert.Equal(t, 1, m.Rejected[models.RejectSchemaViolation])
	})

	t.Run("rejection followed by transient failures ends exhausted", func(t *testing.T) {
		s := fastScheduler(Config{Concurrency: 1, MaxRetries: 3})
		var calls atomic.Int32

		m := s.Run(context.Background(), testRequests(1), func(ctx context.Context, req *models.ArtifactRequest, attempt int) AttemptResult {
			if calls.Add(1) == 1 {
				return AttemptResult{Reason: models.RejectSchemaViolation}
			}
			return AttemptResult{Err: &gateway.Error{Kind: gateway.KindServer, Status: 503, Msg: "unavailable"}}
		})

		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, 1, m.Exhausted)
		assert.Equal(t, models.StatusExhausted, m.Outcomes[0].Status)
		assert.Empty(t, m.Outcomes[0].Reason)
		assert.Contains(t, m.Outcomes[0].Error, "unavailable")
	})

	t.Run("attempt numbers increase", func(t *testing.T) {
		s := fastScheduler(Config{Concurrency: 1, MaxRetries: 3})
		var attempts []int
		var mu sync.Mutex

		s.Run(context.Background(), testRequests(1), func(ctx context.Context, req *models.ArtifactRequest, attempt int) AttemptResult {
			mu.Lock()
			attempts = append(attempts, attempt)
			mu.Unlock()
			return AttemptResult{Reason: models.RejectMalformed}
		})

		assert.Equal(t, []int{1, 2, 3}, attempts)
	})
}

func TestRunIsolation(t *testing.T) {
	// One request failing hard never disturbs its siblings.
	s := fastScheduler(Config{Concurrency: 4, MaxRetries: 1})

	m := s.Run(context.Background(), testRequests(6), func(ctx context.Context, req *models.ArtifactRequest, attempt int) AttemptResult {
		if req.Index == 2 {
			return AttemptResult{Err: &gateway.Error{Kind: gateway.KindBadRequest, Status: 400, Msg: "nope"}}
		}
		return AttemptResult{ArtifactID: "art-" + req.ID}
	})

	assert.Equal(t, 6, m.Requested)
	assert.Equal(t, 5, m.Accepted)
	assert.Equal(t, 1, m.Failed)
	assert.False(t, m.Aborted)
}

func TestRunConcurrencyBound(t *testing.T) {
	s := fastScheduler(Config{Concurrency: 2})
	var inflight, peak atomic.Int32

	s.Run(context.Background(), testRequests(8), func(ctx context.Context, req *models.ArtifactRequest, attempt int) AttemptResult {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		return AttemptResult{ArtifactID: "a"}
	})

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestRunAbort(t *testing.T) {
	s := fastScheduler(Config{Concurrency: 1, MaxRetries: 3})
	var calls atomic.Int32

	m := s.Run(context.Background(), testRequests(4), func(ctx context.Context, req *models.ArtifactRequest, attempt int) AttemptResult {
		calls.Add(1)
		if req.Index == 0 {
			return AttemptResult{Err: &BatchAbortError{Err: errors.New("disk full")}}
		}
		// Later requests only run if cancellation failed to propagate.
		time.Sleep(5 * time.Millisecond)
		return AttemptResult{ArtifactID: "a"}
	})

	assert.True(t, m.Aborted)
	assert.Equal(t, 4, m.Requested)
	assert.GreaterOrEqual(t, m.Failed, 1)
	// The aborting request was not retried.
	found := false
	for _, o := range m.Outcomes {
		if o.RequestID == "alice/code/0" {
			found = true
			assert.Equal(t, models.StatusFailed, o.Status)
			assert.Equal(t, 1, o.Attempts)
			assert.Contains(t, o.Error, "disk full")
		}
	}
	assert.True(t, found)
}

func TestRunCancellation(t *testing.T) {
	s := fastScheduler(Config{Concurrency: 1, MaxRetries: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := s.Run(ctx, testRequests(3), func(ctx context.Context, req *models.ArtifactRequest, attempt int) AttemptResult {
		t.Error("attempt ran after cancellation")
		return AttemptResult{}
	})

	assert.Equal(t, 3, m.Requested)
	assert.Equal(t, 3, m.Failed)
	assert.Equal(t, 0, m.Accepted)
}

func TestRunEmptyBatch(t *testing.T) {
	s := fastScheduler(Config{})
	m := s.Run(context.Background(), nil, func(ctx context.Context, req *models.ArtifactRequest, attempt int) AttemptResult {
		return AttemptResult{}
	})
	assert.Equal(t, 0, m.Requested)
	assert.False(t, m.Satisfied())
}
