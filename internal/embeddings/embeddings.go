// Package embeddings produces dense vectors for chunk and query text.
package embeddings

import (
	"context"
	"hash/fnv"
	"math"
)

// Embedder generates vector representations for text. Implementations must
// return one vector per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Deterministic is a lightweight, model-free embedder for tests. It hashes
// byte 3-grams into a fixed-size L2-normalized vector, so equal texts always
// produce equal vectors and similar texts land near each other.
type Deterministic struct {
	Dim int
}

// Embed implements Embedder.
func (d Deterministic) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = d.embedOne(t)
	}
	return out, nil
}

func (d Deterministic) embedOne(s string) []float32 {
	dim := d.Dim
	if dim <= 0 {
		dim = 64
	}
	v := make([]float32, dim)
	b := []byte(s)
	if len(b) == 0 {
		return v
	}
	if len(b) < 3 {
		addGram(b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			addGram(b[i:i+3], v)
		}
	}

	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum > 0 {
		inv := float32(1.0 / math.Sqrt(sum))
		for i := range v {
			v[i] *= inv
		}
	}
	return v
}

func addGram(gram []byte, v []float32) {
	h := fnv.New64a()
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	// map hash to a signed weight in [-1, 1]
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}
