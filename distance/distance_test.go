package distance

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 32},
		{"Zero", []float32{0, 0, 0}, []float32{0, 0, 0}, 0},
		{"Mixed", []float32{1, -1, 2}, []float32{1, 1, -2}, -4},
		{"Empty", []float32{}, []float32{}, 0},
		{"Single", []float32{2}, []float32{3}, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Dot(tt.a, tt.b), 1e-5)
		})
	}
}

func TestCosine_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		dim := 1 + rng.Intn(300)
		a := randomUnit(t, rng, dim)
		b := randomUnit(t, rng, dim)

		ab := Cosine(a, b)
		ba := Cosine(b, a)
		assert.Equal(t, ab, ba, "symmetry")
		assert.Equal(t, float32(0), Cosine(a, a), "self distance")
		assert.GreaterOrEqual(t, ab, float32(0))
		assert.LessOrEqual(t, ab, MaxCosine)
		assert.False(t, math.IsNaN(float64(ab)))
	}
}

func TestAngular_TriangleInequality(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	for i := 0; i < 500; i++ {
		a := randomUnit(t, rng, 16)
		b := randomUnit(t, rng, 16)
		c := randomUnit(t, rng, 16)

		assert.LessOrEqual(t, Angular(a, c), Angular(a, b)+Angular(b, c)+1e-5)
		assert.Equal(t, Angular(a, b), Angular(b, a))
		assert.Equal(t, float32(0), Angular(a, a))
	}
}

func TestCosine_Ordering_MatchesAngular(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	q := randomUnit(t, rng, 32)
	a := randomUnit(t, rng, 32)
	b := randomUnit(t, rng, 32)

	assert.Equal(t, Cosine(q, a) < Cosine(q, b), Angular(q, a) < Angular(q, b))
}

func TestCosineToAngular(t *testing.T) {
	rng := rand.New(rand.NewSource(5))

	for i := 0; i < 300; i++ {
		q := randomUnit(t, rng, 24)
		a := randomUnit(t, rng, 24)
		b := randomUnit(t, rng, 24)

		assert.InDelta(t, Angular(q, a), CosineToAngular(Cosine(q, a)), 1e-4)
		if Cosine(q, a) < Cosine(q, b) {
			assert.LessOrEqual(t, CosineToAngular(Cosine(q, a)), CosineToAngular(Cosine(q, b)))
		}
	}

	assert.Equal(t, float32(0), CosineToAngular(0))
	assert.InDelta(t, 0.5, CosineToAngular(1), 1e-6)
	assert.InDelta(t, 1, CosineToAngular(MaxCosine), 1e-6)
	assert.InDelta(t, 1, CosineToAngular(float32(math.NaN())), 1e-6)
}

func TestClampCosine(t *testing.T) {
	nan := float32(math.NaN())
	assert.Equal(t, MaxCosine, ClampCosine(nan))
	assert.Equal(t, float32(0), ClampCosine(-0.0001))
	assert.Equal(t, float32(0), ClampCosine(1e-7))
	assert.Equal(t, MaxCosine, ClampCosine(2.0001))
	assert.Equal(t, float32(0.5), ClampCosine(0.5))
}

func TestOpposite(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{-1, 0}
	assert.Equal(t, MaxCosine, Cosine(a, b))
	assert.InDelta(t, 1.0, Angular(a, b), 1e-6)
	assert.InDelta(t, -1.0, Similarity(Cosine(a, b)), 1e-6)
}

func TestNormalizeL2(t *testing.T) {
	v := []float32{3, 4}
	require.True(t, NormalizeL2InPlace(v))
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	assert.False(t, NormalizeL2InPlace([]float32{0, 0}))
	assert.False(t, NormalizeL2InPlace(nil))
	assert.False(t, NormalizeL2InPlace([]float32{float32(math.Inf(1)), 1}))

	src := []float32{0, 2}
	dst, ok := NormalizeL2Copy(src)
	require.True(t, ok)
	assert.Equal(t, []float32{0, 2}, src)
	assert.Equal(t, []float32{0, 1}, dst)
}

func TestProvider(t *testing.T) {
	for _, m := range []Metric{MetricCosine, MetricAngular, MetricL2} {
		fn, err := Provider(m)
		require.NoError(t, err, m.String())
		require.NotNil(t, fn)
	}
	_, err := Provider(Metric(99))
	assert.Error(t, err)
}

func randomUnit(t *testing.T, rng *rand.Rand, dim int) []float32 {
	t.Helper()
	for {
		v := make([]float32, dim)
		for i := range v {
			v[i] = float32(rng.NormFloat64())
		}
		if NormalizeL2InPlace(v) {
			return v
		}
	}
}
