package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"personaforge/pkg/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS personas (
	slug TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL,
	role TEXT NOT NULL,
	company TEXT NOT NULL,
	location TEXT NOT NULL,
	experience_years INT NOT NULL,
	email TEXT NOT NULL,
	username TEXT NOT NULL,
	tech_stack JSONB NOT NULL,
	quirks JSONB NOT NULL,
	seed BIGINT NOT NULL,
	epoch_start TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS artifacts (
	id UUID PRIMARY KEY,
	persona_slug TEXT NOT NULL REFERENCES personas(slug),
	category TEXT NOT NULL,
	title TEXT NOT NULL,
	payload JSONB NOT NULL,
	raw_checksum TEXT NOT NULL,
	status TEXT NOT NULL,
	seed BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_artifacts_persona ON artifacts(persona_slug);
CREATE INDEX IF NOT EXISTS idx_artifacts_category ON artifacts(category);
`

// PostgresStore is a PostgreSQL implementation of the Store interface,
// selected when a DSN is configured instead of a file path.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore over an existing pool and ensures
// the schema exists.
func NewPostgresStore(ctx context.Context, db *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := db.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// OpenPostgres connects to dsn and returns a ready store.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s, err := NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// PutPersona upserts a persona keyed by slug.
func (s *PostgresStore) PutPersona(ctx context.Context, p *models.Persona) error {
	stack, err := json.Marshal(p.TechStack)
	if err != nil {
		return fmt.Errorf("failed to encode tech stack: %w", err)
	}
	quirks, err := json.Marshal(p.Quirks)
	if err != nil {
		return fmt.Errorf("failed to encode quirks: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO personas
		(slug, name, description, role, company, location, experience_years,
		 email, username, tech_stack, quirks, seed, epoch_start, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (slug) DO UPDATE SET
			name=EXCLUDED.name, description=EXCLUDED.description,
			role=EXCLUDED.role, company=EXCLUDED.company,
			location=EXCLUDED.location, experience_years=EXCLUDED.experience_years,
			email=EXCLUDED.email, username=EXCLUDED.username,
			tech_stack=EXCLUDED.tech_stack, quirks=EXCLUDED.quirks,
			seed=EXCLUDED.seed, epoch_start=EXCLUDED.epoch_start`,
		p.Slug, p.Name, p.Description, p.Role, p.Company, p.Location,
		p.ExperienceYears, p.Email, p.Username, stack, quirks,
		p.Seed, p.EpochStart, p.CreatedAt,
	)
	return err
}

// GetPersona returns the persona for a slug.
func (s *PostgresStore) GetPersona(ctx context.Context, slug string) (*models.Persona, error) {
	var p models.Persona
	var stack, quirks []byte
	err := s.db.QueryRow(ctx, `
		SELECT slug, name, description, role, company, location, experience_years,
		       email, username, tech_stack, quirks, seed, epoch_start, created_at
		FROM personas WHERE slug = $1`, slug,
	).Scan(&p.Slug, &p.Name, &p.Description, &p.Role, &p.Company, &p.Location,
		&p.ExperienceYears, &p.Email, &p.Username, &stack, &quirks, &p.Seed,
		&p.EpochStart, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load persona %q: %w", slug, err)
	}
	if err := json.Unmarshal(stack, &p.TechStack); err != nil {
		return nil, fmt.Errorf("corrupt tech stack for %q: %w", slug, err)
	}
	if err := json.Unmarshal(quirks, &p.Quirks); err != nil {
		return nil, fmt.Errorf("corrupt quirks for %q: %w", slug, err)
	}
	return &p, nil
}

// PutArtifact inserts one artifact in its own transaction.
func (s *PostgresStore) PutArtifact(ctx context.Context, a *models.Artifact) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO artifacts
		(id, persona_slug, category, title, payload, raw_checksum, status, seed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.PersonaSlug, string(a.Category), a.Title, payload,
		a.RawChecksum, string(a.Status), a.Seed, a.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateArtifact, a.ID)
		}
		return err
	}
	return tx.Commit(ctx)
}

// QueryArtifacts returns the artifacts matching q.
func (s *PostgresStore) QueryArtifacts(ctx context.Context, q Query) ([]*models.Artifact, error) {
	query := `
		SELECT id, persona_slug, category, title, payload, raw_checksum, status, seed, created_at
		FROM artifacts WHERE persona_slug = $1`
	args := []interface{}{q.PersonaSlug}
	if q.Category != "" {
		query += " AND category = $2"
		args = append(args, string(q.Category))
	}
	if q.Order == OrderOldestFirst {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var out []*models.Artifact
	for rows.Next() {
		var a models.Artifact
		var payload []byte
		var created time.Time
		if err := rows.Scan(&a.ID, &a.PersonaSlug, &a.Category, &a.Title, &payload,
			&a.RawChecksum, &a.Status, &a.Seed, &created); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		if err := json.Unmarshal(payload, &a.Payload); err != nil {
			return nil, fmt.Errorf("corrupt payload for artifact %s: %w", a.ID, err)
		}
		a.CreatedAt = created
		out = append(out, &a)
	}
	return out, rows.Err()
}
