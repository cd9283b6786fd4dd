package vectorindex

import (
	"context"
	"errors"
	"testing"

	"github.com/franalgaba/alexandria-sub000/internal/testutil"
	"github.com/stretchr/testify/require"
)

// stubEmbedder maps exact texts to fixed vectors, failing on unknown text.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v, ok := s.vectors[text]
	if !ok {
		return nil, errors.New("no embedding for text")
	}
	return v, nil
}

func newStub() *stubEmbedder {
	return &stubEmbedder{vectors: map[string][]float32{
		"east":      {1, 0, 0},
		"northeast": {0.7, 0.7, 0},
		"north":     {0, 1, 0},
		"up":        {0, 0, 1},
	}}
}

func TestSearchOrdersByCosineDistance(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	idx, err := New(ctx, db, "object_embeddings_fallback", "object_id", newStub())
	require.NoError(t, err)

	require.NoError(t, idx.IndexObject(ctx, "m-east", "east"))
	require.NoError(t, idx.IndexObject(ctx, "m-northeast", "northeast"))
	require.NoError(t, idx.IndexObject(ctx, "m-up", "up"))

	hits, err := idx.SearchSimilarObjects(ctx, "east", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "m-east", hits[0].ID)
	require.Equal(t, "m-northeast", hits[1].ID)
	require.InDelta(t, 0.0, hits[0].Distance, 1e-6)
	require.Greater(t, hits[1].Distance, hits[0].Distance)
}

func TestVectorsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)

	idx, err := New(ctx, db, "object_embeddings_fallback", "object_id", newStub())
	require.NoError(t, err)
	require.NoError(t, idx.IndexObject(ctx, "m1", "north"))

	reopened, err := New(ctx, db, "object_embeddings_fallback", "object_id", newStub())
	require.NoError(t, err)

	hits, err := reopened.SearchSimilarObjects(ctx, "north", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "m1", hits[0].ID)
}

func TestDeleteEvictsVector(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	idx, err := New(ctx, db, "object_embeddings_fallback", "object_id", newStub())
	require.NoError(t, err)

	require.NoError(t, idx.IndexObject(ctx, "m1", "north"))
	require.NoError(t, idx.DeleteObject(ctx, "m1"))

	hits, err := idx.SearchSimilarObjects(ctx, "north", 5)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestIndexSurfacesEmbedderFailure(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	idx, err := New(ctx, db, "object_embeddings_fallback", "object_id", newStub())
	require.NoError(t, err)

	// Callers in the ingest path treat this as non-fatal; the index itself
	// reports it so they can log and continue.
	require.Error(t, idx.IndexObject(ctx, "m1", "text with no stub vector"))
}

func TestEncodeDecodeVectorRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.75}
	out, err := decodeVector(encodeVector(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeVectorRejectsTruncatedBlob(t *testing.T) {
	_, err := decodeVector([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestNormalizeProducesUnitVector(t *testing.T) {
	v := normalize([]float32{3, 4})
	require.InDelta(t, 0.6, float64(v[0]), 1e-6)
	require.InDelta(t, 0.8, float64(v[1]), 1e-6)
}
