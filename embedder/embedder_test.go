package embedder

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
)

type fakeProvider struct {
	calls   int
	gotten  [][]string
	vectors func(texts []string) [][]float32
}

func (f *fakeProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	f.gotten = append(f.gotten, texts)
	return f.vectors(texts), nil
}

func constVectors(v []float32) func([]string) [][]float32 {
	return func(texts []string) [][]float32 {
		out := make([][]float32, len(texts))
		for i := range out {
			out[i] = append([]float32(nil), v...)
		}
		return out
	}
}

func vecLen(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestEmbedNormalized(t *testing.T) {
	fake := &fakeProvider{vectors: constVectors([]float32{3, 4, 0})}
	e := New(fake, 3)

	got, err := e.Embed(context.Background(), "some text")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if l := vecLen(got); math.Abs(l-1) > 1e-6 {
		t.Errorf("vector length = %f, want 1", l)
	}
	if math.Abs(float64(got[0])-0.6) > 1e-6 || math.Abs(float64(got[1])-0.8) > 1e-6 {
		t.Errorf("got %v, want [0.6 0.8 0]", got)
	}
}

func TestEmbedBatchSingleCall(t *testing.T) {
	fake := &fakeProvider{vectors: constVectors([]float32{1, 0})}
	e := New(fake, 2)

	long := strings.Repeat("a long stretch of words that keeps going. ", 200) // well over maxPieceSize
	texts := []string{"short one", long, "short two"}

	got, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if fake.calls != 1 {
		t.Errorf("provider called %d times, want exactly 1", fake.calls)
	}
	if len(got) != len(texts) {
		t.Errorf("got %d vectors, want %d", len(got), len(texts))
	}
	if len(fake.gotten[0]) <= len(texts) {
		t.Errorf("long text should contribute multiple pieces, request had %d", len(fake.gotten[0]))
	}
}

func TestMeanPoolSingleIsNormalizeOnly(t *testing.T) {
	in := [][]float32{{0, 5, 0}}
	got := meanPool(in)
	if got[1] != 1 || got[0] != 0 || got[2] != 0 {
		t.Errorf("got %v, want [0 1 0]", got)
	}
}

func TestMeanPoolAverages(t *testing.T) {
	// Two orthogonal unit vectors pool to the normalized diagonal.
	got := meanPool([][]float32{{1, 0}, {0, 1}})
	want := float32(1 / math.Sqrt2)
	if math.Abs(float64(got[0]-want)) > 1e-6 || math.Abs(float64(got[1]-want)) > 1e-6 {
		t.Errorf("got %v, want [%f %f]", got, want, want)
	}
	if l := vecLen(got); math.Abs(l-1) > 1e-6 {
		t.Errorf("pooled length = %f, want 1", l)
	}
}

func TestMeanPoolNormalizesInputsFirst(t *testing.T) {
	// A longer vector must not dominate the mean: each input is normalized
	// before averaging, so {10,0} and {0,1} pool the same as unit vectors.
	got := meanPool([][]float32{{10, 0}, {0, 1}})
	if math.Abs(float64(got[0])-float64(got[1])) > 1e-6 {
		t.Errorf("pooling not magnitude-invariant: %v", got)
	}
}

func TestEmbedEmpty(t *testing.T) {
	fake := &fakeProvider{vectors: constVectors([]float32{1})}
	e := New(fake, 1)

	_, err := e.Embed(context.Background(), "   \n")
	if !errors.Is(err, ErrEmptyContent) {
		t.Errorf("error = %v, want ErrEmptyContent", err)
	}
	if fake.calls != 0 {
		t.Error("provider must not be called for empty input")
	}
}

func TestDimensionMismatch(t *testing.T) {
	fake := &fakeProvider{vectors: constVectors([]float32{1, 0, 0})}
	e := New(fake, 8)

	if _, err := e.Embed(context.Background(), "text"); err == nil {
		t.Error("expected dimension mismatch error")
	}
}

func TestSplitPiecesCoverage(t *testing.T) {
	text := strings.Repeat("word and more words in the running text stream. ", 120)
	pieces := splitPieces(text, 500, 100)
	if len(pieces) < 2 {
		t.Fatalf("expected multiple pieces, got %d", len(pieces))
	}
	for i, p := range pieces {
		if len(p) > 500 {
			t.Errorf("piece %d has %d bytes, want <= 500", i, len(p))
		}
	}
	// The last piece must end where the text ends.
	if !strings.HasSuffix(text, pieces[len(pieces)-1]) {
		t.Error("final piece does not end the text")
	}
}
