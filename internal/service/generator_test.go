package service

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"personaforge/internal/batcher"
	"personaforge/internal/gateway"
	"personaforge/internal/logging"
	"personaforge/internal/persona"
	"personaforge/internal/prompts"
	"personaforge/internal/store"
	"personaforge/pkg/models"
)

// scriptedGateway answers every request with a payload derived from its
// schema hint, and records what it was asked.
type scriptedGateway struct {
	mu       sync.Mutex
	requests []*gateway.Request
	respond  func(req *gateway.Request, n int) (string, error)
}

func (g *scriptedGateway) Generate(ctx context.Context, req *gateway.Request) (string, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	n := len(g.requests)
	g.mu.Unlock()
	return g.respond(req, n)
}

func configPayload(n int) string {
	payload := map[string]interface{}{
		"title":    fmt.Sprintf("service config %d", n),
		"filename": fmt.Sprintf("service-%d.yaml", n),
		"format":   "yaml",
		"content":  fmt.Sprintf("port: %d\nhost: localhost\n", 8000+n),
	}
	data, _ := json.Marshal(payload)
	return string(data)
}

func newTestGenerator(t *testing.T, gw gateway.Gateway) (*Generator, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	logger := logging.NewLogger()
	factory := prompts.NewFactory("gemini-3-flash-preview", 0.75, 20000)
	scheduler := batcher.NewScheduler(batcher.Config{
		Concurrency:   2,
		MaxRetries:    2,
		RetryDeadline: 2 * time.Second,
	}, logger)
	gen := NewGenerator(st, factory, gw, scheduler, persona.NewBuilder(), logger)
	return gen, st
}

func TestRunPersistsArtifacts(t *testing.T) {
	ctx := context.Background()
	gw := &scriptedGateway{respond: func(req *gateway.Request, n int) (string, error) {
		return configPayload(n), nil
	}}
	gen, st := newTestGenerator(t, gw)

	report, err := gen.Run(ctx, RunConfig{
		Description: "Senior Go engineer",
		Count:       3,
		Categories:  []models.Category{models.CategoryConfig},
		Seed:        42,
		SeedSet:     true,
	})
	assert.NoError(t, err)
	assert.True(t, report.Manifest.Satisfied())
	assert.Equal(t, 3, report.Manifest.Accepted)

	slug := report.Persona.Slug
	p, err := st.GetPersona(ctx, slug)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), p.Seed)

	artifacts, err := st.QueryArtifacts(ctx, store.Query{PersonaSlug: slug})
	assert.NoError(t, err)
	assert.Len(t, artifacts, 3)
	for _, a := range artifacts {
		assert.Equal(t, models.CategoryConfig, a.Category)
		assert.Equal(t, models.StatusAccepted, a.Status)
		assert.NotEmpty(t, a.RawChecksum)
	}

	t.Run("derived seeds are stable", func(t *testing.T) {
		seen := map[int64]bool{}
		for _, o := range report.Manifest.Outcomes {
			want := prompts.DeriveSeed(42, models.CategoryConfig, o.Index)
			assert.Equal(t, want, o.Seed)
			seen[o.Seed] = true
		}
		assert.Len(t, seen, 3)
	})

	t.Run("rerun extends the same persona", func(t *testing.T) {
		again, err := gen.Run(ctx, RunConfig{
			Description: "Senior Go engineer",
			Count:       2,
			Categories:  []models.Category{models.CategoryConfig},
			Seed:        42,
			SeedSet:     true,
		})
		assert.NoError(t, err)
		assert.Equal(t, slug, again.Persona.Slug)

		artifacts, err := st.QueryArtifacts(ctx, store.Query{PersonaSlug: slug})
		assert.NoError(t, err)
		assert.Len(t, artifacts, 5)
	})
}

func TestRunRoundRobinPlan(t *testing.T) {
	units := planUnits(5, []models.Category{models.CategoryCode, models.CategoryConfig})
	assert.Equal(t, []unit{
		{models.CategoryCode, 0},
		{models.CategoryConfig, 0},
		{models.CategoryCode, 1},
		{models.CategoryConfig, 1},
		{models.CategoryCode, 2},
	}, units)
}

func TestRunCoherenceInjection(t *testing.T) {
	ctx := context.Background()
	gw := &scriptedGateway{respond: func(req *gateway.Request, n int) (string, error) {
		return configPayload(n), nil
	}}
	gen, _ := newTestGenerator(t, gw)
	gen.batchSize = 2

	_, err := gen.Run(ctx, RunConfig{
		Description: "Senior Go engineer",
		Count:       4,
		Categories:  []models.Category{models.CategoryConfig},
		Seed:        7,
		SeedSet:     true,
	})
	assert.NoError(t, err)

	// The first batch saw no history; the second batch's prompts carry the
	// first batch's accepted artifacts.
	assert.Len(t, gw.requests, 4)
	assert.NotContains(t, gw.requests[0].Prompt, "Do not contradict")
	assert.Contains(t, gw.requests[3].Prompt, "Do not contradict")
}

func TestRunRejectionsSurfaceInManifest(t *testing.T) {
	ctx := context.Background()
	gw := &scriptedGateway{respond: func(req *gateway.Request, n int) (string, error) {
		return "this is not json", nil
	}}
	gen, _ := newTestGenerator(t, gw)

	report, err := gen.Run(ctx, RunConfig{
		Description: "Senior Go engineer",
		Count:       2,
		Categories:  []models.Category{models.CategoryConfig},
		Seed:        1,
		SeedSet:     true,
	})
	assert.NoError(t, err)
	assert.False(t, report.Manifest.Satisfied())
	assert.Equal(t, 0, report.Manifest.Accepted)
	assert.Equal(t, 2, report.Manifest.Rejected[models.RejectMalformed])
}

func TestRunUnknownCategory(t *testing.T) {
	gw := &scriptedGateway{respond: func(req *gateway.Request, n int) (string, error) {
		return configPayload(n), nil
	}}
	gen, _ := newTestGenerator(t, gw)

	_, err := gen.Run(context.Background(), RunConfig{
		Description: "Senior Go engineer",
		Categories:  []models.Category{"video"},
	})
	assert.Error(t, err)
}

func TestRunTemperatureOverride(t *testing.T) {
	ctx := context.Background()
	gw := &scriptedGateway{respond: func(req *gateway.Request, n int) (string, error) {
		return configPayload(n), nil
	}}
	gen, _ := newTestGenerator(t, gw)

	_, err := gen.Run(ctx, RunConfig{
		Description: "Senior Go engineer",
		Count:       1,
		Categories:  []models.Category{models.CategoryConfig},
		Seed:        1,
		SeedSet:     true,
		Temperature: 0.2,
		Model:       "gemini-3-pro-preview",
	})
	assert.NoError(t, err)
	assert.Equal(t, 0.2, gw.requests[0].Temperature)
	assert.Equal(t, "gemini-3-pro-preview", gw.requests[0].Model)
}

func TestRunAbortsOnPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	gw := &scriptedGateway{respond: func(req *gateway.Request, n int) (string, error) {
		return configPayload(n), nil
	}}

	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	logger := logging.NewLogger()
	factory := prompts.NewFactory("gemini-3-flash-preview", 0.75, 20000)
	scheduler := batcher.NewScheduler(batcher.Config{Concurrency: 1, MaxRetries: 2, RetryDeadline: time.Second}, logger)
	failing := &failingStore{Store: st, failFrom: 2}
	gen := NewGenerator(failing, factory, gw, scheduler, persona.NewBuilder(), logger)

	report, err := gen.Run(ctx, RunConfig{
		Description: "Senior Go engineer",
		Count:       3,
		Categories:  []models.Category{models.CategoryConfig},
		Seed:        9,
		SeedSet:     true,
	})
	assert.Error(t, err)
	assert.NotNil(t, report)
	assert.True(t, report.Manifest.Aborted)
	assert.Less(t, report.Manifest.Accepted, 3)
}

// failingStore refuses artifact writes starting from the Nth call.
type failingStore struct {
	store.Store
	mu       sync.Mutex
	calls    int
	failFrom int
}

func (f *failingStore) PutArtifact(ctx context.Context, a *models.Artifact) error {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n >= f.failFrom {
		return fmt.Errorf("database is locked")
	}
	return f.Store.PutArtifact(ctx, a)
}
