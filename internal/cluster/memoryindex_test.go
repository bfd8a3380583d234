package cluster

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *MemoryIndex {
	t.Helper()
	_, rdb := newTestRedis(t)
	idx := NewMemoryIndex(rdb, rdb, newTestConfig("agent-a"), nopLog)
	require.NoError(t, idx.Start(context.Background()))
	return idx
}

func TestMemoryIndex_DegradesWithoutSearchModule(t *testing.T) {
	idx := newTestIndex(t)

	// The broker has no FT.CREATE, so startup falls back to scan mode
	// instead of failing.
	assert.False(t, idx.IndexAvailable())
	assert.False(t, idx.Stats().IndexAvailable)
}

func TestMemoryIndex_StoreAndGet(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	id, err := idx.Store(ctx, Memory{
		Text:        "postgres failover drills run monthly",
		Embedding:   []float32{0.1, 0.2, 0.3, 0.4},
		Type:        "fact",
		SourceAgent: "agent-a",
		SourceConv:  "conv-1",
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "mem-"), "got id %q", id)

	mem, err := idx.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "postgres failover drills run monthly", mem.Text)
	assert.Equal(t, "fact", mem.Type)
	assert.Equal(t, "agent-a", mem.SourceAgent)
	assert.Equal(t, "conv-1", mem.SourceConv)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, mem.Embedding)
	assert.NotZero(t, mem.CreatedAt)
	assert.EqualValues(t, 0, mem.AccessCount)

	// Reads bump the access counter.
	mem, err = idx.Get(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, mem.AccessCount)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestMemoryIndex_DeduplicatesContent(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	// Same explicit ID refreshes instead of rewriting.
	id, err := idx.Store(ctx, Memory{ID: "mem-seed", Text: "alpha", Embedding: []float32{1, 0, 0, 0}, Type: "fact"})
	require.NoError(t, err)
	assert.Equal(t, "mem-seed", id)

	again, err := idx.Store(ctx, Memory{ID: "mem-seed", Text: "alpha", Embedding: []float32{1, 0, 0, 0}})
	require.NoError(t, err)
	assert.Empty(t, again)

	// Same text modulo case and whitespace is a duplicate.
	id2, err := idx.Store(ctx, Memory{Text: "Retry Budgets Matter", Embedding: []float32{0, 1, 0, 0}, Type: "fact"})
	require.NoError(t, err)
	require.NotEmpty(t, id2)

	dup, err := idx.Store(ctx, Memory{Text: "  retry budgets matter ", Embedding: []float32{0, 0, 1, 0}})
	require.NoError(t, err)
	assert.Empty(t, dup)

	assert.EqualValues(t, 2, idx.Stats().DuplicatesFound)
	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestMemoryIndex_RejectsWrongDimensions(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	var dimErr *DimensionError
	_, err := idx.Store(ctx, Memory{Text: "x", Embedding: []float32{1, 2}})
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 4, dimErr.Want)
	assert.Equal(t, 2, dimErr.Got)

	_, err = idx.Search(ctx, []float32{1}, 5, "", "")
	require.ErrorAs(t, err, &dimErr)
}

func TestMemoryIndex_ScanSearchRanksByDistance(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	idA, err := idx.Store(ctx, Memory{Text: "gpu quota exhausted", Embedding: []float32{1, 0, 0, 0}, Type: "incident", SourceConv: "conv-1"})
	require.NoError(t, err)
	_, err = idx.Store(ctx, Memory{Text: "weekly retro notes", Embedding: []float32{0, 1, 0, 0}, Type: "note", SourceConv: "conv-2"})
	require.NoError(t, err)
	idC, err := idx.Store(ctx, Memory{Text: "gpu quota raised", Embedding: []float32{0.9, 0.1, 0, 0}, Type: "incident", SourceConv: "conv-2"})
	require.NoError(t, err)

	query := []float32{1, 0, 0, 0}

	hits, err := idx.Search(ctx, query, 10, "", "")
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, idA, hits[0].ID)
	assert.InDelta(t, 0, hits[0].Distance, 1e-6)
	assert.Equal(t, idC, hits[1].ID)
	assert.Less(t, hits[1].Distance, hits[2].Distance)

	// Filters narrow the candidate set.
	hits, err = idx.Search(ctx, query, 10, "incident", "")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Equal(t, "incident", h.Type)
	}

	hits, err = idx.Search(ctx, query, 10, "incident", "conv-2")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, idC, hits[0].ID)

	// The limit caps the result set after ranking.
	hits, err = idx.Search(ctx, query, 1, "", "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, idA, hits[0].ID)
}

func TestMemoryIndex_DeleteFreesContentHash(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	id, err := idx.Store(ctx, Memory{Text: "ephemeral", Embedding: []float32{1, 0, 0, 0}, Type: "note"})
	require.NoError(t, err)

	require.NoError(t, idx.Delete(ctx, id))
	_, err = idx.Get(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, idx.Delete(ctx, id), ErrNotFound)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	// With the hash released the same text stores cleanly again.
	id2, err := idx.Store(ctx, Memory{Text: "ephemeral", Embedding: []float32{1, 0, 0, 0}, Type: "note"})
	require.NoError(t, err)
	assert.NotEmpty(t, id2)
}

func TestCosineDistance(t *testing.T) {
	assert.InDelta(t, 0, cosineDistance([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 1, cosineDistance([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, 2, cosineDistance([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.InDelta(t, 1, cosineDistance([]float32{0, 0}, []float32{1, 0}), 1e-9)
}
