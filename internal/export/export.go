// Package export writes the read-side JSON projection of a persona's
// artifacts. Exporting never mutates the store.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"personaforge/internal/store"
	"personaforge/pkg/models"
)

// WriteFile queries the artifacts for a persona (optionally one category)
// and writes them as a pretty-printed JSON array to path.
func WriteFile(ctx context.Context, st store.Store, personaSlug string, category models.Category, path string) (int, error) {
	artifacts, err := st.QueryArtifacts(ctx, store.Query{
		PersonaSlug: personaSlug,
		Category:    category,
		Order:       store.OrderOldestFirst,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to query artifacts: %w", err)
	}
	if artifacts == nil {
		artifacts = []*models.Artifact{}
	}

	data, err := json.MarshalIndent(artifacts, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to encode artifacts: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return len(artifacts), nil
}
