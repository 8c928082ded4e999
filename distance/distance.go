// Package distance provides the similarity kernels used by the vector index.
//
// Vectors are stored L2-normalized, so cosine distance reduces to 1 - dot.
// Every function here clamps its result into the metric's valid range and
// never returns NaN, absorbing float drift near the boundaries.
//
// Cosine distance is not a metric: it violates the triangle inequality. The
// index ranks by it anyway because Angular, the normalized angle, is a metric
// and a strictly increasing function of it (see CosineToAngular). Any two
// candidates compare the same under both, so neighbor lists, search results
// and their order match what a search under Angular would return. Reported
// distances stay in the cosine range [0, 2].
package distance

import (
	"fmt"
	"math"
	"slices"

	"github.com/hupe1980/memtier/internal/simd"
)

const (
	// MaxCosine is the largest cosine distance (opposite vectors).
	MaxCosine float32 = 2

	// zeroEpsilon snaps near-zero cosine distances produced by rounding to
	// zero. Accumulated rounding over 1024 float32 lanes stays well below it.
	zeroEpsilon = 1e-4
)

// Func is a function type for distance calculation.
type Func func(a, b []float32) float32

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	return simd.Dot(a, b)
}

// SquaredL2 calculates the squared euclidean distance between two vectors.
func SquaredL2(a, b []float32) float32 {
	return simd.SquaredL2(a, b)
}

// Cosine returns 1 - dot(a, b) for unit vectors, clamped into [0, 2].
//
// It is monotone with Angular, which is a true metric, so nearest-neighbor
// orderings under both agree.
func Cosine(a, b []float32) float32 {
	return ClampCosine(1 - simd.Dot(a, b))
}

// ClampCosine forces d into [0, MaxCosine] and maps NaN to MaxCosine.
func ClampCosine(d float32) float32 {
	switch {
	case d != d: // NaN
		return MaxCosine
	case d < zeroEpsilon:
		return 0
	case d > MaxCosine:
		return MaxCosine
	default:
		return d
	}
}

// Angular returns the angle between unit vectors a and b scaled into [0, 1].
// It satisfies the triangle inequality.
func Angular(a, b []float32) float32 {
	cos := float64(simd.Dot(a, b))
	if cos != cos {
		return 1
	}
	if 1-cos < zeroEpsilon {
		return 0
	}
	cos = math.Max(-1, cos)
	return float32(math.Acos(cos) / math.Pi)
}

// CosineToAngular maps a cosine distance onto Angular's [0, 1] scale.
func CosineToAngular(d float32) float32 {
	d = ClampCosine(d)
	if d == 0 {
		return 0
	}
	return float32(math.Acos(math.Max(-1, 1-float64(d))) / math.Pi)
}

// Similarity converts a cosine distance into a similarity score in [-1, 1].
func Similarity(d float32) float32 {
	return 1 - ClampCosine(d)
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v is empty, has zero norm, or contains non-finite values.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm := simd.Norm(v)
	if norm == 0 || math.IsNaN(float64(norm)) || math.IsInf(float64(norm), 0) {
		return false
	}
	simd.Scale(v, 1/norm)
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src cannot be normalized.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}

// Metric represents the distance metric used for vector comparison.
type Metric int

const (
	MetricCosine Metric = iota
	MetricAngular
	MetricL2
)

func (m Metric) String() string {
	switch m {
	case MetricCosine:
		return "Cosine"
	case MetricAngular:
		return "Angular"
	case MetricL2:
		return "L2"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// Provider returns the distance function for the given metric.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricCosine:
		return Cosine, nil
	case MetricAngular:
		return Angular, nil
	case MetricL2:
		return SquaredL2, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}
