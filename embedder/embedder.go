// Package embedder turns text into L2-normalized vectors. Texts longer
// than the model window are split into overlapping pieces, each piece is
// embedded, and the pieces are mean-pooled back into a single vector.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/asknote/asknote/provider"
)

// ErrEmptyContent is returned when a text to embed is empty or whitespace.
var ErrEmptyContent = errors.New("embedder: empty content")

const (
	// maxPieceSize is the largest piece sent to the provider in one go.
	// Conservative for small local embedding models.
	maxPieceSize = 2000
	pieceOverlap = 200
)

// Embedder wraps an embedding provider with splitting and pooling.
type Embedder struct {
	provider provider.Embedding
	dim      int
}

// New returns an Embedder producing vectors of the given dimension.
func New(p provider.Embedding, dim int) *Embedder {
	return &Embedder{provider: p, dim: dim}
}

// Dim reports the expected vector dimension.
func (e *Embedder) Dim() int { return e.dim }

// Embed returns the normalized vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds every text with exactly one provider request. Long
// texts contribute several pieces to the request and are pooled back into
// one vector each, so len(result) == len(texts).
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	// Flatten all pieces into a single request, remembering how many
	// pieces each text contributed.
	var pieces []string
	counts := make([]int, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("text %d: %w", i, ErrEmptyContent)
		}
		ps := splitPieces(text, maxPieceSize, pieceOverlap)
		counts[i] = len(ps)
		pieces = append(pieces, ps...)
	}

	raw, err := e.provider.EmbedBatch(ctx, pieces)
	if err != nil {
		return nil, fmt.Errorf("embedding %d pieces: %w", len(pieces), err)
	}
	if len(raw) != len(pieces) {
		return nil, fmt.Errorf("provider returned %d vectors for %d pieces", len(raw), len(pieces))
	}

	result := make([][]float32, len(texts))
	offset := 0
	for i, n := range counts {
		pooled := meanPool(raw[offset : offset+n])
		if e.dim > 0 && len(pooled) != e.dim {
			return nil, fmt.Errorf("provider returned dimension %d, want %d", len(pooled), e.dim)
		}
		result[i] = pooled
		offset += n
	}
	return result, nil
}

// splitPieces cuts text into pieces of at most size bytes with the given
// overlap, breaking on whitespace where possible.
func splitPieces(text string, size, overlap int) []string {
	if len(text) <= size {
		return []string{text}
	}
	var out []string
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			out = append(out, text[start:])
			break
		}
		cut := end
		for i := end; i > start+size/2; i-- {
			if text[i-1] == ' ' || text[i-1] == '\n' {
				cut = i
				break
			}
		}
		cut = runeAlign(text, cut)
		out = append(out, text[start:cut])
		next := cut - overlap
		if next <= start {
			next = start + 1
		}
		start = runeAlign(text, next)
	}
	return out
}

func runeAlign(s string, i int) int {
	for i > 0 && i < len(s) && s[i]&0xC0 == 0x80 {
		i--
	}
	return i
}

// meanPool normalizes each vector, averages them component-wise, and
// normalizes the result. A single vector is simply normalized.
func meanPool(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	if len(vecs) == 1 {
		return normalize(vecs[0])
	}

	dim := len(vecs[0])
	acc := make([]float64, dim)
	for _, v := range vecs {
		n := normalize(v)
		for i := range n {
			acc[i] += float64(n[i])
		}
	}

	out := make([]float32, dim)
	inv := 1.0 / float64(len(vecs))
	for i := range acc {
		out[i] = float32(acc[i] * inv)
	}
	return normalize(out)
}

// normalize returns the unit-length copy of v. Zero vectors are returned
// unchanged rather than dividing by zero.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1.0 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}
