// Package embed provides the text-to-vector collaborators used for warm-tier
// consolidation and query vectorization.
package embed

import (
	"context"
	"errors"
	"math"
)

// ErrUnavailable is returned by embedders whose backend cannot be reached.
var ErrUnavailable = errors.New("embedder unavailable")

// Embedder generates vector embeddings for text. Implementations must be
// safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dimensions() int
}

// normalize performs in-place L2 normalization.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}

// IsZero reports whether vec has no non-zero component.
func IsZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
