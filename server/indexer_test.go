package server

import (
	"testing"
	"time"

	"github.com/IMQS/service-finder/store"
	"github.com/stretchr/testify/assert"
)

func TestOverlapCursor(t *testing.T) {
	assert.Equal(t, store.Cursor{}, overlapCursor(store.Cursor{}), "the first pass starts at the beginning")

	last := store.Cursor{UpdatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), ID: "5b0c2c3e-8f1a-4d6e-9b7a-2f3c4d5e6f70"}
	from := overlapCursor(last)
	assert.Equal(t, last.UpdatedAt.Add(-reindexOverlap), from.UpdatedAt)
	assert.Empty(t, from.ID)
	assert.True(t, last.After(from))

	// A pass over the overlap alone must not move the cursor backwards
	assert.False(t, from.After(last))
}
