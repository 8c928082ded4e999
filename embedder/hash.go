package embedder

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/hupe1980/memtier/distance"
)

// Hash is a deterministic bag-of-words embedder. Every token is hashed to
// a signed bucket, so texts sharing words land close together. It needs
// no network and is meant for tests and offline use.
type Hash struct {
	dimensions int
}

// NewHash returns a hash embedder producing vectors of length dim.
func NewHash(dim int) *Hash {
	return &Hash{dimensions: dim}
}

// Embed implements Embedder. Text without tokens yields an error, since
// its vector would be zero.
func (h *Hash) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, h.dimensions)
	for _, tok := range tokenize(text) {
		f := fnv.New64a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum64()

		bucket := int(sum % uint64(h.dimensions))
		if sum&(1<<63) != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	if !distance.NormalizeL2InPlace(vec) {
		return nil, fmt.Errorf("embedder: no tokens in %q", text)
	}
	return vec, nil
}

// Dimensions implements Embedder.
func (h *Hash) Dimensions() int { return h.dimensions }

// Model implements Embedder.
func (h *Hash) Model() string { return fmt.Sprintf("hash-%d", h.dimensions) }

// tokenize lowercases text and splits it on anything that is not a letter
// or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
