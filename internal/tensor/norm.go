package tensor

import "math"

// MaxAbs returns the largest absolute value of x.
func MaxAbs(x []float32) float64 {
	var m float64
	for _, v := range x {
		m = max(m, math.Abs(float64(v)))
	}
	return m
}

// SumAbs is the taxicab norm of x.
func SumAbs(x []float32) float64 {
	var s float64
	for _, v := range x {
		s += math.Abs(float64(v))
	}
	return s
}

// L2 is the euclidean norm of x.
func L2(x []float32) float64 {
	var s float64
	for _, v := range x {
		s += float64(v) * float64(v)
	}
	return math.Sqrt(s)
}

// ScaleInto writes src/div to dst. A zero divisor yields zeros.
func ScaleInto(dst, src []float32, div float64) {
	if div == 0 {
		clear(dst)
		return
	}
	inv := 1 / div
	for i, v := range src {
		dst[i] = float32(float64(v) * inv)
	}
}
