// Package coherence is the read path that keeps later batches consistent
// with earlier ones: it reduces prior accepted artifacts to compact digests
// ranked by category affinity and recency, ready for prompt injection.
package coherence

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"personaforge/internal/store"
	"personaforge/pkg/models"
)

// fetchWindow bounds how many recent rows are considered for ranking. More
// than this and the oldest artifacts stop influencing new prompts.
const fetchWindow = 50

// maxDigestContent clips the content excerpt inside a digest.
const maxDigestContent = 100

// affinity weighs how relevant a prior artifact's category is to the one
// being generated. Same category dominates; pairs that naturally reference
// each other ("code" and the logs or configs around it) rank above the rest.
var affinity = map[[2]models.Category]float64{
	{models.CategoryCode, models.CategoryConfig}: 1.0,
	{models.CategoryCode, models.CategoryLog}:    1.0,
	{models.CategoryCode, models.CategoryTicket}: 1.0,
	{models.CategoryCode, models.CategoryShell}:  1.0,
	{models.CategoryConfig, models.CategoryLog}:  1.0,
	{models.CategoryTicket, models.CategoryLog}:  1.0,
	{models.CategoryShell, models.CategoryLog}:   1.0,
	{models.CategoryDocs, models.CategoryCode}:   0.5,
	{models.CategoryDocs, models.CategoryTicket}: 0.5,
}

func affinityWeight(target, prior models.Category) float64 {
	if target == prior {
		return 2.0
	}
	if w, ok := affinity[[2]models.Category{target, prior}]; ok {
		return w
	}
	if w, ok := affinity[[2]models.Category{prior, target}]; ok {
		return w
	}
	return 0.25
}

// Store produces coherence summaries from the persistence read path.
type Store struct {
	artifacts store.Store
}

// NewStore creates a coherence Store over the given persistence store.
func NewStore(artifacts store.Store) *Store {
	return &Store{artifacts: artifacts}
}

// Summarize returns up to limit digests of this persona's prior artifacts,
// most relevant first. Relevance is affinity-weighted recency; ties break
// newest first. Fewer prior artifacts than limit yields fewer digests, no
// padding, and never another persona's artifacts.
func (s *Store) Summarize(ctx context.Context, personaSlug string, category models.Category, limit int) ([]models.CoherenceSummary, error) {
	if limit <= 0 {
		return nil, nil
	}

	prior, err := s.artifacts.QueryArtifacts(ctx, store.Query{
		PersonaSlug: personaSlug,
		Limit:       fetchWindow,
		Order:       store.OrderNewestFirst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load prior artifacts: %w", err)
	}

	type scored struct {
		score float64
		rank  int
		a     *models.Artifact
	}
	candidates := make([]scored, 0, len(prior))
	for rank, a := range prior {
		// rank is the recency position (0 = newest).
		w := affinityWeight(category, a.Category) / float64(1+rank)
		candidates = append(candidates, scored{score: w, rank: rank, a: a})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].rank < candidates[j].rank
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]models.CoherenceSummary, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, models.CoherenceSummary{
			PersonaSlug: c.a.PersonaSlug,
			Category:    c.a.Category,
			Title:       c.a.Title,
			Digest:      digest(c.a),
			CreatedAt:   c.a.CreatedAt,
		})
	}
	return out, nil
}

// digest reduces an artifact to its salient fields: never the full payload.
func digest(a *models.Artifact) string {
	parts := make([]string, 0, 3)
	for _, key := range []string{"filename", "language", "format", "source", "priority", "status", "shell"} {
		if v, ok := a.Payload[key].(string); ok && v != "" {
			parts = append(parts, key+"="+v)
		}
	}
	if content, ok := a.Payload["content"].(string); ok {
		line := content
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if runes := []rune(line); len(runes) > maxDigestContent {
			line = string(runes[:maxDigestContent])
		}
		if line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, " | ")
}
