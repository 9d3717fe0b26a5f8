// Package embed provides the offline default embedder.
package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/cordum/ragops/core/ingest"
)

const DefaultDimension = 256

// Hashing maps lower-cased word tokens into a fixed number of buckets and
// L2-normalises the result. The same text always yields the same vector.
type Hashing struct {
	dim int
}

func NewHashing(dim int) *Hashing {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &Hashing{dim: dim}
}

func (h *Hashing) Dimension() int { return h.dim }

// Embed implements ingest.Embedder.
func (h *Hashing) Embed(ctx context.Context, chunk ingest.Chunk) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens := strings.FieldsFunc(strings.ToLower(chunk.Text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(tokens) == 0 {
		return nil, fmt.Errorf("chunk %d has no tokens", chunk.Seq)
	}
	vec := make([]float32, h.dim)
	for _, tok := range tokens {
		f := fnv.New64a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dim))
		// the top bit picks the sign so collisions tend to cancel
		if sum>>63 == 1 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// every token collided and cancelled out
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}
