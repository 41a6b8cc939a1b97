package memory

import (
	"encoding/binary"
	"fmt"
	"math"
)

const vectorHeaderBytes = 4

// EncodeVector packs a vector as [4-byte LE dimension][N x 4-byte LE float32].
func EncodeVector(vector []float32) ([]byte, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("encode vector: empty vector")
	}
	blob := make([]byte, vectorHeaderBytes+4*len(vector))
	binary.LittleEndian.PutUint32(blob, uint32(len(vector)))
	for i, v := range vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("encode vector: non-finite value at index %d", i)
		}
		binary.LittleEndian.PutUint32(blob[vectorHeaderBytes+4*i:], math.Float32bits(v))
	}
	return blob, nil
}

// DecodeVector unpacks a blob produced by EncodeVector.
func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob) < vectorHeaderBytes {
		return nil, fmt.Errorf("decode vector: blob too short: %d bytes", len(blob))
	}
	dim := int(binary.LittleEndian.Uint32(blob))
	if dim <= 0 || len(blob) != vectorHeaderBytes+4*dim {
		return nil, fmt.Errorf("decode vector: dimension %d does not match %d payload bytes", dim, len(blob)-vectorHeaderBytes)
	}
	vector := make([]float32, dim)
	for i := range vector {
		v := math.Float32frombits(binary.LittleEndian.Uint32(blob[vectorHeaderBytes+4*i:]))
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("decode vector: non-finite value at index %d", i)
		}
		vector[i] = v
	}
	return vector, nil
}

// CosineSimilarity returns the cosine of the angle between a and b,
// clamped to [-1, 1]. Zero vectors and dimension mismatches are errors.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("cosine similarity: empty vector")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("cosine similarity: dimension mismatch: %d vs %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0, fmt.Errorf("cosine similarity: zero norm")
	}

	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, score)), nil
}
