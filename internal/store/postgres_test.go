package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"personaforge/pkg/models"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	store, err := NewPostgresStore(ctx, pool)
	if err != nil {
		t.Fatal(err)
	}

	p := testPersona()

	t.Run("persona put and get", func(t *testing.T) {
		assert.NoError(t, store.PutPersona(ctx, p))

		got, err := store.GetPersona(ctx, p.Slug)
		assert.NoError(t, err)
		assert.Equal(t, p.Slug, got.Slug)
		assert.Equal(t, p.TechStack, got.TechStack)
		assert.True(t, p.EpochStart.Equal(got.EpochStart))
	})

	t.Run("persona upsert", func(t *testing.T) {
		p2 := testPersona()
		p2.Company = "CloudDynamics"
		assert.NoError(t, store.PutPersona(ctx, p2))

		got, err := store.GetPersona(ctx, p.Slug)
		assert.NoError(t, err)
		assert.Equal(t, "CloudDynamics", got.Company)
	})

	t.Run("unknown persona", func(t *testing.T) {
		_, err := store.GetPersona(ctx, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("artifact insert, duplicate and query", func(t *testing.T) {
		base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		first := testArtifact(uuid.New().String(), models.CategoryCode, base)
		second := testArtifact(uuid.New().String(), models.CategoryConfig, base.Add(time.Minute))

		assert.NoError(t, store.PutArtifact(ctx, first))
		assert.NoError(t, store.PutArtifact(ctx, second))

		dup := testArtifact(first.ID, models.CategoryDocs, base.Add(time.Hour))
		assert.ErrorIs(t, store.PutArtifact(ctx, dup), ErrDuplicateArtifact)

		newest, err := store.QueryArtifacts(ctx, Query{PersonaSlug: p.Slug, Order: OrderNewestFirst})
		assert.NoError(t, err)
		assert.Equal(t, []string{second.ID, first.ID}, ids(newest))
		assert.Equal(t, first.Payload, newest[1].Payload)

		code, err := store.QueryArtifacts(ctx, Query{PersonaSlug: p.Slug, Category: models.CategoryCode})
		assert.NoError(t, err)
		assert.Equal(t, []string{first.ID}, ids(code))
	})
}
