package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"personaforge/internal/store"
	"personaforge/pkg/models"
)

func TestWriteFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := store.OpenSQLite(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	assert.NoError(t, st.PutPersona(ctx, &models.Persona{
		Slug: "alice", Name: "Alice", Description: "d", Role: "r", Company: "c",
		Location: "l", Email: "e", Username: "u",
		TechStack: []string{"Go"}, Quirks: []string{"q"},
		EpochStart: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		CreatedAt:  time.Now().UTC(),
	}))

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, category := range []models.Category{models.CategoryCode, models.CategoryConfig} {
		assert.NoError(t, st.PutArtifact(ctx, &models.Artifact{
			ID: string(category) + "-1", PersonaSlug: "alice", Category: category,
			Title:   "t",
			Payload: map[string]interface{}{"title": "t", "content": "some content here"},
			Status:  models.StatusAccepted, RawChecksum: "x",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	t.Run("all categories oldest first", func(t *testing.T) {
		path := filepath.Join(dir, "all.json")
		n, err := WriteFile(ctx, st, "alice", "", path)
		assert.NoError(t, err)
		assert.Equal(t, 2, n)

		data, err := os.ReadFile(path)
		assert.NoError(t, err)
		var out []*models.Artifact
		assert.NoError(t, json.Unmarshal(data, &out))
		assert.Len(t, out, 2)
		assert.Equal(t, "code-1", out[0].ID)
		assert.Equal(t, "config-1", out[1].ID)
	})

	t.Run("single category", func(t *testing.T) {
		path := filepath.Join(dir, "code.json")
		n, err := WriteFile(ctx, st, "alice", models.CategoryCode, path)
		assert.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("empty result writes an empty array", func(t *testing.T) {
		path := filepath.Join(dir, "empty.json")
		n, err := WriteFile(ctx, st, "nobody", "", path)
		assert.NoError(t, err)
		assert.Equal(t, 0, n)

		data, err := os.ReadFile(path)
		assert.NoError(t, err)
		var out []*models.Artifact
		assert.NoError(t, json.Unmarshal(data, &out))
		assert.Empty(t, out)
	})
}
