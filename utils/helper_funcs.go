package utils

import (
	"math"
	"math/rand"
	"sort"

	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/mat"
)

// RandomArray draws size values uniformly from ±1/sqrt(v).
func RandomArray(rng *rand.Rand, size int, v float64) []float64 {
	min := -1.0 / math.Sqrt(v+1e-12)
	max := 1.0 / math.Sqrt(v+1e-12)
	out := make([]float64, size)
	for i := 0; i < size; i++ {
		out[i] = min + (max-min)*rng.Float64()
	}
	return out
}

func MatrixNorm(m *mat.Dense) float64 {
	return mat.Norm(m, 2)
}

// ClipGrads scales all grads so their combined norm <= maxNorm.
// Returns the scale actually applied (<=1.0) or 1.0 if no clip.
func ClipGrads(maxNorm float64, grads ...*mat.Dense) float64 {
	if maxNorm <= 0 {
		return 1.0
	}
	sum := 0.0
	for _, g := range grads {
		if g == nil {
			continue
		}
		n := MatrixNorm(g)
		sum += n * n
	}
	gn := math.Sqrt(sum)
	if gn <= maxNorm || gn == 0 {
		return 1.0
	}
	s := maxNorm / gn
	for _, g := range grads {
		if g != nil {
			g.Scale(s, g)
		}
	}
	return s
}

func OnesLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, 1)
		}
	}
	return out
}

// Clamp bounds v to [lo, hi].
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Scored is an index with a score, used for top-k selection.
type Scored struct {
	ID    int
	Score float64
}

// TopK returns the k highest-scoring indices of v, ties broken by lower index.
func TopK(v []float64, k int) []Scored {
	arr := make([]Scored, len(v))
	for i, s := range v {
		arr[i] = Scored{ID: i, Score: s}
	}
	sort.SliceStable(arr, func(i, j int) bool {
		if arr[i].Score == arr[j].Score {
			return arr[i].ID < arr[j].ID
		}
		return arr[i].Score > arr[j].Score
	})
	if k >= 0 && k < len(arr) {
		arr = arr[:k]
	}
	return arr
}
