package embed

import (
	"context"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticEmbedder_Deterministic(t *testing.T) {
	e := NewStaticEmbedder(128)
	defer e.Close()

	a, err := e.Embed(context.Background(), "중계차 카메라 보수")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "중계차 카메라 보수")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 128)
}

func TestStaticEmbedder_UnitLength(t *testing.T) {
	e := NewStaticEmbedder(64)
	defer e.Close()

	vec, err := e.Embed(context.Background(), "XRN-1620B2 매뉴얼")
	require.NoError(t, err)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestStaticEmbedder_EmptyText(t *testing.T) {
	e := NewStaticEmbedder(32)
	defer e.Close()

	vec, err := e.Embed(context.Background(), "   ")
	require.NoError(t, err)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestStaticEmbedder_DifferentTextsDiffer(t *testing.T) {
	e := NewStaticEmbedder(128)
	defer e.Close()

	a, _ := e.Embed(context.Background(), "소모품 구매의 건")
	b, _ := e.Embed(context.Background(), "중계차 장비 수리 내역")
	assert.NotEqual(t, a, b)
}

func TestStaticEmbedder_ClosedReturnsError(t *testing.T) {
	e := NewStaticEmbedder(32)
	require.NoError(t, e.Close())
	_, err := e.Embed(context.Background(), "x")
	assert.Error(t, err)
}

// countingEmbedder counts inner calls to verify cache hits.
type countingEmbedder struct {
	inner Embedder
	calls atomic.Int64
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(int64(len(texts)))
	return c.inner.EmbedBatch(ctx, texts)
}

func (c *countingEmbedder) Dimensions() int   { return c.inner.Dimensions() }
func (c *countingEmbedder) ModelName() string { return c.inner.ModelName() }
func (c *countingEmbedder) Close() error      { return c.inner.Close() }

func TestCachedEmbedder_AvoidsRecompute(t *testing.T) {
	counting := &countingEmbedder{inner: NewStaticEmbedder(64)}
	cached := NewCachedEmbedder(counting, 10)
	defer cached.Close()

	ctx := context.Background()
	first, err := cached.Embed(ctx, "질의")
	require.NoError(t, err)
	second, err := cached.Embed(ctx, "질의")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), counting.calls.Load())
}

func TestCachedEmbedder_BatchMixedHits(t *testing.T) {
	counting := &countingEmbedder{inner: NewStaticEmbedder(64)}
	cached := NewCachedEmbedder(counting, 10)
	defer cached.Close()

	ctx := context.Background()
	_, err := cached.Embed(ctx, "a")
	require.NoError(t, err)

	vecs, err := cached.EmbedBatch(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	// Only b and c were computed in the batch.
	assert.Equal(t, int64(3), counting.calls.Load())
}
