// Package simd holds unrolled float32 loops used on the packing hot path.
package simd

import "math"

// AbsMax returns the largest absolute value in v, or 0 for an empty slice.
func AbsMax(v []float32) float32 {
	var m0, m1, m2, m3 float32
	i := 0
	for ; i <= len(v)-4; i += 4 {
		m0 = max(m0, abs(v[i]))
		m1 = max(m1, abs(v[i+1]))
		m2 = max(m2, abs(v[i+2]))
		m3 = max(m3, abs(v[i+3]))
	}
	for ; i < len(v); i++ {
		m0 = max(m0, abs(v[i]))
	}
	return max(m0, m1, m2, m3)
}

// Scale performs v *= s in place.
func Scale(v []float32, s float32) {
	i := 0
	for ; i <= len(v)-4; i += 4 {
		v[i] *= s
		v[i+1] *= s
		v[i+2] *= s
		v[i+3] *= s
	}
	for ; i < len(v); i++ {
		v[i] *= s
	}
}

// FirstNonFinite returns the index of the first NaN or Inf in v, or -1.
func FirstNonFinite(v []float32) int {
	for i, x := range v {
		// NaN and ±Inf are the only values with an all-ones exponent
		if math.Float32bits(x)&0x7F800000 == 0x7F800000 {
			return i
		}
	}
	return -1
}

func abs(x float32) float32 {
	return math.Float32frombits(math.Float32bits(x) &^ (1 << 31))
}
