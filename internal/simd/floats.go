package simd

import "math"

var (
	dotImpl       = dotGeneric
	squaredL2Impl = squaredL2Generic
)

// Dot calculates the dot product of two vectors.
//
// SAFETY: This function assumes len(a) == len(b). Callers validate
// dimensions before reaching the kernel.
func Dot(a, b []float32) float32 {
	return dotImpl(a, b)
}

// SquaredL2 calculates the squared euclidean distance.
//
// SAFETY: This function assumes len(a) == len(b).
func SquaredL2(a, b []float32) float32 {
	return squaredL2Impl(a, b)
}

// Norm returns the euclidean length of v.
func Norm(v []float32) float32 {
	return float32(math.Sqrt(float64(dotImpl(v, v))))
}

// Scale multiplies every element of v by s in place.
func Scale(v []float32, s float32) {
	for i := range v {
		v[i] *= s
	}
}

func dotGeneric(a, b []float32) float32 {
	var ret float32
	for i := range a {
		ret += a[i] * b[i]
	}
	return ret
}

func squaredL2Generic(a, b []float32) float32 {
	var ret float32
	for i := range a {
		d := a[i] - b[i]
		ret += d * d
	}
	return ret
}
