package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsValidSourceType(t *testing.T) {
	for _, st := range ValidSourceTypes {
		assert.True(t, IsValidSourceType(st), "expected %q to be valid", st)
	}

	assert.False(t, IsValidSourceType("email"))
	assert.False(t, IsValidSourceType(""))
	assert.False(t, IsValidSourceType("Note"))
}

func TestEventValidate(t *testing.T) {
	base := Event{
		ID:         "evt-1",
		CreatedAt:  time.Now(),
		SourceType: SourceNote,
		SourceApp:  "cli",
		Content:    "met alice about the budget",
	}

	t.Run("valid event", func(t *testing.T) {
		e := base
		assert.NoError(t, e.Validate(1536))
	})

	t.Run("missing content", func(t *testing.T) {
		e := base
		e.Content = "   "
		assert.Error(t, e.Validate(1536))
	})

	t.Run("empty web bookmark allowed", func(t *testing.T) {
		e := base
		e.SourceType = SourceWeb
		e.Origin = "https://example.com/post"
		e.Content = ""
		assert.NoError(t, e.Validate(1536))
	})

	t.Run("empty web event without origin", func(t *testing.T) {
		e := base
		e.SourceType = SourceWeb
		e.Content = ""
		assert.Error(t, e.Validate(1536))
	})

	t.Run("unknown source type", func(t *testing.T) {
		e := base
		e.SourceType = "carrier-pigeon"
		assert.Error(t, e.Validate(1536))
	})

	t.Run("wrong embedding dimension", func(t *testing.T) {
		e := base
		e.Embedding = make([]float32, 42)
		err := e.Validate(1536)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "42 dimensions")
	})

	t.Run("correct embedding dimension", func(t *testing.T) {
		e := base
		e.Embedding = make([]float32, 1536)
		assert.NoError(t, e.Validate(1536))
	})
}

func TestEventEnriched(t *testing.T) {
	e := Event{Content: "x"}
	assert.False(t, e.Enriched())

	e.Summary = "a summary"
	assert.False(t, e.Enriched(), "summary alone is not enriched")

	e.Embedding = []float32{0.1, 0.2}
	assert.True(t, e.Enriched())
}
