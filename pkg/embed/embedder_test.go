package embed

import (
	"math"
	"testing"
)

func TestHashingEmbedderDeterministic(t *testing.T) {
	e := NewHashingEmbedder(64)

	a1, err := e.Embed("hello world")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	a2, _ := e.Embed("hello world")
	b, _ := e.Embed("other text")

	if len(a1) != 64 {
		t.Fatalf("Expected dim 64, got %d", len(a1))
	}

	for i := range a1 {
		if a1[i] != a2[i] {
			t.Fatal("Same input must produce same vector")
		}
	}

	same := true
	for i := range a1 {
		if a1[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("Different inputs should produce different vectors")
	}
}

func TestHashingEmbedderUnitNorm(t *testing.T) {
	e := NewHashingEmbedder(32)
	for _, text := range []string{"", "a", "the quick brown fox"} {
		vec, err := e.Embed(text)
		if err != nil {
			t.Fatalf("Embed(%q) failed: %v", text, err)
		}
		var norm float64
		nonZero := false
		for _, v := range vec {
			norm += v * v
			if v != 0 {
				nonZero = true
			}
		}
		if !nonZero {
			t.Errorf("Embed(%q) produced zero vector", text)
		}
		if math.Abs(math.Sqrt(norm)-1.0) > 1e-9 {
			t.Errorf("Embed(%q) norm = %f, want 1", text, math.Sqrt(norm))
		}
	}
}

func TestHashingEmbedderDefaultDim(t *testing.T) {
	e := NewHashingEmbedder(0)
	if e.Dim() != DefaultDim {
		t.Errorf("Expected default dim %d, got %d", DefaultDim, e.Dim())
	}
	vec, _ := e.Embed("x")
	if len(vec) != DefaultDim {
		t.Errorf("Vector length %d != %d", len(vec), DefaultDim)
	}
}
