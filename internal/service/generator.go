// Package service ties the pipeline together: persona build, batch planning
// with the generation barrier, generate-validate-persist workers and the run
// report.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"personaforge/internal/batcher"
	"personaforge/internal/coherence"
	"personaforge/internal/gateway"
	"personaforge/internal/logging"
	"personaforge/internal/persona"
	"personaforge/internal/postproc"
	"personaforge/internal/prompts"
	"personaforge/internal/store"
	"personaforge/pkg/models"
)

// summaryLimit is how many coherence digests are collected per batch.
const summaryLimit = 12

// defaultBatchSize is how many requests run between generation barriers.
const defaultBatchSize = 8

// RunConfig describes one generation run.
type RunConfig struct {
	Description string
	Count       int
	Categories  []models.Category
	// Seed of zero with SeedSet false means a non-reproducible run.
	Seed    int64
	SeedSet bool
	// Temperature overrides the factory default when positive.
	Temperature float64
	// Model overrides the factory default when non-empty.
	Model string
	// Output, when set, is where the run's artifacts are exported afterwards
	// by the caller. Carried here so surfaces can report it.
	Output string
}

// Generator orchestrates persona building, scheduling, validation and
// persistence for whole runs.
type Generator struct {
	store     store.Store
	summaries *coherence.Store
	factory   *prompts.Factory
	gw        gateway.Gateway
	scheduler *batcher.Scheduler
	validator *postproc.Validator
	builder   *persona.Builder
	logger    *logging.Logger
	batchSize int
}

// NewGenerator creates a Generator.
func NewGenerator(
	st store.Store,
	factory *prompts.Factory,
	gw gateway.Gateway,
	scheduler *batcher.Scheduler,
	builder *persona.Builder,
	logger *logging.Logger,
) *Generator {
	return &Generator{
		store:     st,
		summaries: coherence.NewStore(st),
		factory:   factory,
		gw:        gw,
		scheduler: scheduler,
		validator: postproc.NewValidator(),
		builder:   builder,
		logger:    logger,
		batchSize: defaultBatchSize,
	}
}

// Store exposes the persistence store for read-side consumers.
func (g *Generator) Store() store.Store { return g.store }

// BuildPersona builds and persists a persona without generating artifacts.
// A run without an explicit seed is not reproducible.
func (g *Generator) BuildPersona(ctx context.Context, description string, seed int64, seedSet bool) (*models.Persona, error) {
	if !seedSet {
		seed = time.Now().UnixNano()
	}
	p, err := g.builder.Build(ctx, description, seed)
	if err != nil {
		return nil, err
	}
	if err := g.store.PutPersona(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to persist persona: %w", err)
	}
	return p, nil
}

// Run executes one full generation run. It fails outright only when the
// persona cannot be built or persisted, or when a batch had to be aborted on
// a persistence failure; everything else lands in the manifest.
func (g *Generator) Run(ctx context.Context, rc RunConfig) (*models.RunReport, error) {
	started := time.Now()

	if rc.Count <= 0 {
		rc.Count = 25
	}
	if len(rc.Categories) == 0 {
		rc.Categories = models.AllCategories
	}
	for _, c := range rc.Categories {
		if !models.ValidCategory(c) {
			return nil, fmt.Errorf("unknown category %q", c)
		}
	}
	seed := rc.Seed
	if !rc.SeedSet {
		seed = time.Now().UnixNano()
	}

	p, err := g.BuildPersona(ctx, rc.Description, seed, true)
	if err != nil {
		return nil, err
	}
	g.logger.Info("persona ready", "slug", p.Slug, "role", p.Role, "company", p.Company)

	factory := g.factory
	if rc.Temperature > 0 {
		factory = factory.WithTemperature(rc.Temperature)
	}
	if rc.Model != "" {
		factory = factory.WithModel(rc.Model)
	}

	plan := planUnits(rc.Count, rc.Categories)
	manifest := &models.BatchManifest{PersonaSlug: p.Slug, Rejected: map[models.RejectReason]int{}}

	// Generation barrier: each batch's summaries are computed only after the
	// previous batch's writes have committed.
	for start := 0; start < len(plan); start += g.batchSize {
		end := start + g.batchSize
		if end > len(plan) {
			end = len(plan)
		}
		batch, err := g.buildRequests(ctx, factory, p, plan[start:end])
		if err != nil {
			return nil, err
		}
		g.logger.Debug("scheduling batch", "size", len(batch), "offset", start)
		m := g.scheduler.Run(ctx, batch, g.attempt(p))
		manifest.Merge(m)
		if m.Aborted {
			return report(p, manifest, started), fmt.Errorf("run aborted on persistence failure")
		}
		if err := ctx.Err(); err != nil {
			return report(p, manifest, started), err
		}
	}

	g.logger.Info("run complete",
		"requested", manifest.Requested, "accepted", manifest.Accepted,
		"exhausted", manifest.Exhausted, "failed", manifest.Failed)
	return report(p, manifest, started), nil
}

func report(p *models.Persona, m *models.BatchManifest, started time.Time) *models.RunReport {
	return &models.RunReport{Persona: p, Manifest: m, Elapsed: time.Since(started)}
}

// unit is one planned (category, index) slot.
type unit struct {
	category models.Category
	index    int
}

// planUnits distributes count across categories round-robin, assigning each
// category its own contiguous index sequence so derived seeds stay stable
// regardless of how many categories participate.
func planUnits(count int, categories []models.Category) []unit {
	units := make([]unit, 0, count)
	next := make(map[models.Category]int, len(categories))
	for i := 0; i < count; i++ {
		c := categories[i%len(categories)]
		units = append(units, unit{category: c, index: next[c]})
		next[c]++
	}
	return units
}

// buildRequests snapshots coherence summaries once per category for the
// batch, then builds each request.
func (g *Generator) buildRequests(ctx context.Context, factory *prompts.Factory, p *models.Persona, units []unit) ([]*models.ArtifactRequest, error) {
	summaryCache := map[models.Category][]models.CoherenceSummary{}
	requests := make([]*models.ArtifactRequest, 0, len(units))
	for _, u := range units {
		summaries, ok := summaryCache[u.category]
		if !ok {
			var err error
			summaries, err = g.summaries.Summarize(ctx, p.Slug, u.category, summaryLimit)
			if err != nil {
				return nil, err
			}
			summaryCache[u.category] = summaries
		}
		req, err := factory.BuildRequest(p, u.category, u.index, summaries)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, nil
}

// attempt returns the worker function: one generate-validate-persist pass.
// The suspension points are exactly the gateway call and the store write;
// both honor ctx.
func (g *Generator) attempt(p *models.Persona) batcher.AttemptFunc {
	return func(ctx context.Context, req *models.ArtifactRequest, attempt int) batcher.AttemptResult {
		seed := saltSeed(req.Seed, attempt)

		raw, err := g.gw.Generate(ctx, &gateway.Request{
			Prompt:      req.Prompt,
			SchemaHint:  req.SchemaHint,
			Model:       req.Model,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			Seed:        seed,
		})
		if err != nil {
			return batcher.AttemptResult{Err: err}
		}

		outcome := g.validator.Validate(raw, req.Category, p, seed)
		if !outcome.Accepted {
			return batcher.AttemptResult{Reason: outcome.Reason}
		}

		sum := sha256.Sum256([]byte(raw))
		artifact := &models.Artifact{
			ID:          uuid.New().String(),
			PersonaSlug: p.Slug,
			Category:    req.Category,
			Title:       outcome.Title,
			Payload:     outcome.Payload,
			RawChecksum: hex.EncodeToString(sum[:]),
			Status:      models.StatusAccepted,
			Seed:        req.Seed,
			CreatedAt:   time.Now().UTC(),
		}
		if err := g.store.PutArtifact(ctx, artifact); err != nil {
			// Includes ErrDuplicateArtifact: an id-generation bug is not
			// locally repairable either.
			return batcher.AttemptResult{Err: &batcher.BatchAbortError{Err: err}}
		}
		return batcher.AttemptResult{ArtifactID: artifact.ID}
	}
}

// saltSeed folds the attempt number into the derived seed so a re-issued
// request is not a literal replay. Attempt 1 keeps the derived seed itself,
// preserving per-unit reproducibility.
func saltSeed(seed int64, attempt int) int64 {
	if attempt <= 1 {
		return seed
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|retry|%d", seed, attempt)
	return int64(h.Sum64())
}
