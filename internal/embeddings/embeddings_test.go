package embeddings

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministic_StableAndNormalized(t *testing.T) {
	e := Deterministic{Dim: 64}

	a, err := e.Embed(context.Background(), []string{"the capital of France is Paris"})
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), []string{"the capital of France is Paris"})
	require.NoError(t, err)

	require.Len(t, a, 1)
	assert.Equal(t, a[0], b[0])
	assert.Len(t, a[0], 64)

	var norm float64
	for _, x := range a[0] {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestDeterministic_OneVectorPerInput(t *testing.T) {
	e := Deterministic{Dim: 32}
	out, err := e.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestDeterministic_EmptyText(t *testing.T) {
	e := Deterministic{Dim: 16}
	out, err := e.Embed(context.Background(), []string{""})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Len(t, out[0], 16)
}
