package simd

import (
	"math"
	"testing"
)

func TestAbsMax(t *testing.T) {
	tests := []struct {
		in   []float32
		want float32
	}{
		{nil, 0},
		{[]float32{-3}, 3},
		{[]float32{1, -2, 0.5, 1.5, -7, 6}, 7},
		{[]float32{0, 0, 0, 0, 0, 0, 0, 0.25}, 0.25},
	}
	for _, tt := range tests {
		if got := AbsMax(tt.in); got != tt.want {
			t.Errorf("AbsMax(%v) = %f, want %f", tt.in, got, tt.want)
		}
	}
}

func TestScale(t *testing.T) {
	v := []float32{1, 2, 3, 4, 5}
	expected := []float32{0.5, 1, 1.5, 2, 2.5}

	Scale(v, 0.5)

	for i, x := range v {
		if x != expected[i] {
			t.Errorf("Scale(%d) = %f, want %f", i, x, expected[i])
		}
	}
}

func TestFirstNonFinite(t *testing.T) {
	if i := FirstNonFinite([]float32{1, -2, 3}); i != -1 {
		t.Errorf("finite input: got %d, want -1", i)
	}
	if i := FirstNonFinite([]float32{1, float32(math.Inf(-1)), 3}); i != 1 {
		t.Errorf("-Inf: got %d, want 1", i)
	}
	if i := FirstNonFinite([]float32{1, 2, float32(math.NaN())}); i != 2 {
		t.Errorf("NaN: got %d, want 2", i)
	}
	if i := FirstNonFinite([]float32{math.MaxFloat32}); i != -1 {
		t.Errorf("MaxFloat32: got %d, want -1", i)
	}
}

func BenchmarkAbsMax(b *testing.B) {
	v := make([]float32, 4096)
	for i := range v {
		v[i] = float32(i%97) - 48
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = AbsMax(v)
	}
}
