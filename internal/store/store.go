// Package store is the durable, queryable record of personas and accepted
// artifacts. Writes are transactional and serialized at the store boundary;
// a reader observes either the pre- or post-commit state, never an
// intermediate one.
package store

import (
	"context"
	"errors"

	"personaforge/pkg/models"
)

// ErrDuplicateArtifact means an artifact id was reused. Artifacts are
// insert-only, so this indicates an id-generation bug, not a retryable
// condition.
var ErrDuplicateArtifact = errors.New("duplicate artifact id")

// ErrNotFound means the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Order selects the result ordering of a query.
type Order string

const (
	OrderNewestFirst Order = "newest_first"
	OrderOldestFirst Order = "oldest_first"
)

// Query selects artifacts for a persona, optionally narrowed by category.
// Limit <= 0 means no limit.
type Query struct {
	PersonaSlug string
	Category    models.Category
	Limit       int
	Order       Order
}

// Store is the persistence boundary for personas and artifacts.
type Store interface {
	// PutPersona upserts a persona keyed by slug. Idempotent.
	PutPersona(ctx context.Context, p *models.Persona) error
	// GetPersona returns the persona for a slug, or ErrNotFound.
	GetPersona(ctx context.Context, slug string) (*models.Persona, error)
	// PutArtifact inserts an artifact. The write either fully commits or
	// leaves the store unchanged. Reusing an id yields ErrDuplicateArtifact.
	PutArtifact(ctx context.Context, a *models.Artifact) error
	// QueryArtifacts returns the artifacts matching q.
	QueryArtifacts(ctx context.Context, q Query) ([]*models.Artifact, error)
	// Close releases the underlying resources.
	Close() error
}
