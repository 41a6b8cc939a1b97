package memory

import (
	"math"
	"testing"
)

func TestVectorRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.75, 0}
	blob, err := EncodeVector(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeVector(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("dim = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("value %d = %f, want %f", i, out[i], in[i])
		}
	}
}

func TestEncodeVectorRejectsBadInput(t *testing.T) {
	if _, err := EncodeVector(nil); err == nil {
		t.Fatal("expected error for empty vector")
	}
	if _, err := EncodeVector([]float32{1, float32(math.NaN())}); err == nil {
		t.Fatal("expected error for NaN value")
	}
	if _, err := EncodeVector([]float32{float32(math.Inf(1))}); err == nil {
		t.Fatal("expected error for Inf value")
	}
}

func TestDecodeVectorRejectsCorruptBlobs(t *testing.T) {
	blob, err := EncodeVector([]float32{1, 2, 3})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cases := map[string][]byte{
		"too short":      {0x01},
		"truncated":      blob[:len(blob)-2],
		"zero dim":       {0, 0, 0, 0},
		"dim overstates": append([]byte{0xFF, 0, 0, 0}, blob[4:]...),
	}
	for name, corrupt := range cases {
		if _, err := DecodeVector(corrupt); err == nil {
			t.Fatalf("%s: expected decode error", name)
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}

	if got, err := CosineSimilarity(a, a); err != nil || math.Abs(got-1) > 1e-9 {
		t.Fatalf("identical vectors: got %f, %v", got, err)
	}
	if got, err := CosineSimilarity(a, b); err != nil || math.Abs(got) > 1e-9 {
		t.Fatalf("orthogonal vectors: got %f, %v", got, err)
	}
	if _, err := CosineSimilarity(a, []float32{1, 2}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
	if _, err := CosineSimilarity(a, []float32{0, 0, 0}); err == nil {
		t.Fatal("expected zero norm error")
	}
}
