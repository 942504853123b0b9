package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCategories(t *testing.T) {
	t.Run("valid list", func(t *testing.T) {
		categories, err := ParseCategories("code, config,log")
		assert.NoError(t, err)
		assert.Equal(t, []Category{CategoryCode, CategoryConfig, CategoryLog}, categories)
	})

	t.Run("unknown category", func(t *testing.T) {
		_, err := ParseCategories("code,video")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "video")
	})
}

func TestManifestTally(t *testing.T) {
	m := &BatchManifest{
		Outcomes: []RequestOutcome{
			{RequestID: "a", Status: StatusAccepted},
			{RequestID: "b", Status: StatusAccepted},
			{RequestID: "c", Status: StatusRejected, Reason: RejectSchemaViolation},
			{RequestID: "d", Status: StatusExhausted},
			{RequestID: "e", Status: StatusFailed},
		},
	}
	m.Tally()

	assert.Equal(t, 5, m.Requested)
	assert.Equal(t, 2, m.Accepted)
	assert.Equal(t, 1, m.Rejected[RejectSchemaViolation])
	assert.Equal(t, 1, m.Exhausted)
	assert.Equal(t, 1, m.Failed)
	assert.False(t, m.Satisfied())
}

func TestManifestMerge(t *testing.T) {
	a := &BatchManifest{Outcomes: []RequestOutcome{{RequestID: "a", Status: StatusAccepted}}}
	a.Tally()
	b := &BatchManifest{Outcomes: []RequestOutcome{{RequestID: "b", Status: StatusAccepted}}, Aborted: true}
	b.Tally()

	a.Merge(b)
	assert.Equal(t, 2, a.Requested)
	assert.Equal(t, 2, a.Accepted)
	assert.True(t, a.Aborted)
	assert.Len(t, a.Outcomes, 2)
}

func TestSchemaHint(t *testing.T) {
	s := SchemaFor(CategoryShell)
	assert.NotNil(t, s)
	// Keys are sorted, so the hint is stable across runs.
	assert.Equal(t, `{"content": string, "shell": string, "title": string}`, s.Hint())

	assert.Nil(t, SchemaFor(Category("video")))
}
