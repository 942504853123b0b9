package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"personaforge/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS personas (
	slug TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL,
	role TEXT NOT NULL,
	company TEXT NOT NULL,
	location TEXT NOT NULL,
	experience_years INTEGER NOT NULL,
	email TEXT NOT NULL,
	username TEXT NOT NULL,
	tech_stack TEXT NOT NULL,
	quirks TEXT NOT NULL,
	seed INTEGER NOT NULL,
	epoch_start TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	persona_slug TEXT NOT NULL,
	category TEXT NOT NULL,
	title TEXT NOT NULL,
	payload TEXT NOT NULL,
	raw_checksum TEXT NOT NULL,
	status TEXT NOT NULL,
	seed INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	FOREIGN KEY (persona_slug) REFERENCES personas(slug)
);

CREATE INDEX IF NOT EXISTS idx_artifacts_persona ON artifacts(persona_slug);
CREATE INDEX IF NOT EXISTS idx_artifacts_category ON artifacts(category);
CREATE INDEX IF NOT EXISTS idx_artifacts_created_at ON artifacts(created_at);
`

// SQLiteStore is the default Store implementation backed by a single database
// file. One writer mutex serializes all writes; reads run concurrently.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:" is
// accepted for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY between the pool's
	// connections; the store-level mutex already serializes writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle for tests.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// PutPersona upserts a persona keyed by slug.
func (s *SQLiteStore) PutPersona(ctx context.Context, p *models.Persona) error {
	stack, err := json.Marshal(p.TechStack)
	if err != nil {
		return fmt.Errorf("failed to encode tech stack: %w", err)
	}
	quirks, err := json.Marshal(p.Quirks)
	if err != nil {
		return fmt.Errorf("failed to encode quirks: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO personas
			(slug, name, description, role, company, location, experience_years,
			 email, username, tech_stack, quirks, seed, epoch_start, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(slug) DO UPDATE SET
				name=excluded.name, description=excluded.description,
				role=excluded.role, company=excluded.company,
				location=excluded.location, experience_years=excluded.experience_years,
				email=excluded.email, username=excluded.username,
				tech_stack=excluded.tech_stack, quirks=excluded.quirks,
				seed=excluded.seed, epoch_start=excluded.epoch_start`,
			p.Slug, p.Name, p.Description, p.Role, p.Company, p.Location,
			p.ExperienceYears, p.Email, p.Username, string(stack), string(quirks),
			p.Seed, p.EpochStart.Format(time.RFC3339), p.CreatedAt.Format(time.RFC3339Nano),
		)
		return err
	})
}

// GetPersona returns the persona for a slug.
func (s *SQLiteStore) GetPersona(ctx context.Context, slug string) (*models.Persona, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT slug, name, description, role, company, location, experience_years,
		       email, username, tech_stack, quirks, seed, epoch_start, created_at
		FROM personas WHERE slug = ?`, slug)

	var p models.Persona
	var stack, quirks, epoch, created string
	err := row.Scan(&p.Slug, &p.Name, &p.Description, &p.Role, &p.Company,
		&p.Location, &p.ExperienceYears, &p.Email, &p.Username, &stack, &quirks,
		&p.Seed, &epoch, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load persona %q: %w", slug, err)
	}
	if err := json.Unmarshal([]byte(stack), &p.TechStack); err != nil {
		return nil, fmt.Errorf("corrupt tech stack for %q: %w", slug, err)
	}
	if err := json.Unmarshal([]byte(quirks), &p.Quirks); err != nil {
		return nil, fmt.Errorf("corrupt quirks for %q: %w", slug, err)
	}
	p.EpochStart, _ = time.Parse(time.RFC3339, epoch)
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &p, nil
}

// PutArtifact inserts one artifact in its own transaction.
func (s *SQLiteStore) PutArtifact(ctx context.Context, a *models.Artifact) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO artifacts
			(id, persona_slug, category, title, payload, raw_checksum, status, seed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.PersonaSlug, string(a.Category), a.Title, string(payload),
			a.RawChecksum, string(a.Status), a.Seed, a.CreatedAt.Format(time.RFC3339Nano),
		)
		return err
	})
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: artifacts.id") {
		return fmt.Errorf("%w: %s", ErrDuplicateArtifact, a.ID)
	}
	return err
}

// QueryArtifacts returns the artifacts matching q.
func (s *SQLiteStore) QueryArtifacts(ctx context.Context, q Query) ([]*models.Artifact, error) {
	query := `
		SELECT id, persona_slug, category, title, payload, raw_checksum, status, seed, created_at
		FROM artifacts WHERE persona_slug = ?`
	args := []interface{}{q.PersonaSlug}
	if q.Category != "" {
		query += " AND category = ?"
		args = append(args, string(q.Category))
	}
	if q.Order == OrderOldestFirst {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var out []*models.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArtifact(rows *sql.Rows) (*models.Artifact, error) {
	var a models.Artifact
	var payload, created string
	if err := rows.Scan(&a.ID, &a.PersonaSlug, &a.Category, &a.Title, &payload,
		&a.RawChecksum, &a.Status, &a.Seed, &created); err != nil {
		return nil, fmt.Errorf("failed to scan artifact: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
		return nil, fmt.Errorf("corrupt payload for artifact %s: %w", a.ID, err)
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &a, nil
}

// inTx runs fn inside one transaction that fully commits or rolls back.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
