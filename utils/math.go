package utils

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Matrix functions used throughout the model.
// Activations are column-major: (d x T), one column per position.

// r = rows of matrix
// c = columns of matrix
// o = output
// m = matrix input number 1
// n = matrix input number 2

func Dot(m, n mat.Matrix) mat.Matrix {
	r, _ := m.Dims()
	_, c := n.Dims()
	o := mat.NewDense(r, c, nil)
	o.Product(m, n)
	return o
}

func Scale(s float64, m mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Scale(s, m)
	return o
}

func Multiply(m, n mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.MulElem(m, n)
	return o
}

func Add(m, n mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Add(m, n)
	return o
}

func ToDense(m mat.Matrix) *mat.Dense {
	if d, ok := m.(*mat.Dense); ok {
		return d
	}
	return mat.DenseCopyOf(m)
}

// -------- ReLU --------

func ReLUApply(i, j int, x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

// ReLUPrime returns the elementwise derivative given the pre-activation.
func ReLUPrime(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if m.At(i, j) > 0 {
				out.Set(i, j, 1)
			}
		}
	}
	return out
}

func AddBias(m, bias *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	rb, cb := bias.Dims()
	if rb != r || cb != 1 {
		panic("addBias: bias must be (r x 1)")
	}
	out := mat.NewDense(r, c, nil)
	for j := 0; j < c; j++ {
		for i := 0; i < r; i++ {
			out.Set(i, j, m.At(i, j)+bias.At(i, 0))
		}
	}
	return out
}

// SumCols collapses (r x T) into (r x 1); the bias gradient.
func SumCols(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		out.Set(i, 0, floats.Sum(m.RawRowView(i)[:c]))
	}
	return out
}

// Column slice (copy) m[:, j] -> (r x 1)
func ColAsVector(m *mat.Dense, j int) *mat.Dense {
	r, c := m.Dims()
	if j < 0 || j >= c {
		panic("colAsVector: column index out of range")
	}
	dst := make([]float64, r)
	mat.Col(dst, j, m)
	return mat.NewDense(r, 1, dst)
}

// -------- Masks --------

// MaskBias is added to disallowed attention logits before softmax.
const MaskBias = -1e9

// CausalMask returns (T x T) with 0 on and below the diagonal, MaskBias above.
func CausalMask(T int) *mat.Dense {
	out := mat.NewDense(T, T, nil)
	for i := 0; i < T; i++ {
		for j := i + 1; j < T; j++ {
			out.Set(i, j, MaskBias)
		}
	}
	return out
}

// KeyPaddingMask returns (Tq x Tk) with MaskBias in every column whose key is
// padding. When all keys are padding the mask is left open.
func KeyPaddingMask(Tq int, keyIsPad []bool) *mat.Dense {
	Tk := len(keyIsPad)
	out := mat.NewDense(Tq, Tk, nil)
	open := 0
	for _, p := range keyIsPad {
		if !p {
			open++
		}
	}
	if open == 0 {
		return out
	}
	for j, p := range keyIsPad {
		if !p {
			continue
		}
		for i := 0; i < Tq; i++ {
			out.Set(i, j, MaskBias)
		}
	}
	return out
}

// ---------- Softmax variants ----------

// RowSoftmaxMaskedInPlace writes softmax(m+mask) into dst (r x c) in place.
// mask may be nil.
func RowSoftmaxMaskedInPlace(dst, m, mask *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	if dr, dc := dst.Dims(); dr != r || dc != c {
		panic("RowSoftmaxMaskedInPlace: dst shape mismatch")
	}
	if mask != nil {
		if mr, mc := mask.Dims(); mr != r || mc != c {
			panic("RowSoftmaxMaskedInPlace: mask shape mismatch")
		}
	}
	at := func(i, j int) float64 {
		if mask == nil {
			return m.At(i, j)
		}
		return m.At(i, j) + mask.At(i, j)
	}
	for i := 0; i < r; i++ {
		mx := at(i, 0)
		for j := 1; j < c; j++ {
			if v := at(i, j); v > mx {
				mx = v
			}
		}
		sum := 0.0
		for j := 0; j < c; j++ {
			e := math.Exp(at(i, j) - mx)
			dst.Set(i, j, e)
			sum += e
		}
		inv := 1.0 / sum
		for j := 0; j < c; j++ {
			dst.Set(i, j, dst.At(i, j)*inv)
		}
	}
	return dst
}

// ColSoftmax applies softmax down every column of (V x T) logits.
func ColSoftmax(logits *mat.Dense) *mat.Dense {
	r, c := logits.Dims()
	out := mat.NewDense(r, c, nil)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, logits)
		out.SetCol(j, Softmax(col))
	}
	return out
}

// Softmax of a plain vector, max-subtracted for stability.
func Softmax(v []float64) []float64 {
	out := make([]float64, len(v))
	if len(v) == 0 {
		return out
	}
	mx := floats.Max(v)
	sum := 0.0
	for i, x := range v {
		out[i] = math.Exp(x - mx)
		sum += out[i]
	}
	floats.Scale(1/sum, out)
	return out
}

// LogSoftmax returns log(softmax(v)) without forming the probabilities.
func LogSoftmax(v []float64) []float64 {
	out := make([]float64, len(v))
	if len(v) == 0 {
		return out
	}
	lse := floats.LogSumExp(v)
	for i, x := range v {
		out[i] = x - lse
	}
	return out
}

// Softmax backward for row-wise softmax used in attention.
// for each row i: s = sum_k dA[i,k] * A[i,k]; dS[i,j] = A[i,j] * (dA[i,j] - s)
func SoftmaxBackward(dA mat.Matrix, A *mat.Dense) *mat.Dense {
	r, c := A.Dims()
	dS := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		s := 0.0
		for k := 0; k < c; k++ {
			s += dA.At(i, k) * A.At(i, k)
		}
		for j := 0; j < c; j++ {
			aj := A.At(i, j)
			dS.Set(i, j, aj*(dA.At(i, j)-s))
		}
	}
	return dS
}

// ---------- Loss ----------

// CrossEntropyWithIndex returns -log p[gold] for a (r x 1) logits column and
// the gradient p - onehot(gold) with respect to the logits.
func CrossEntropyWithIndex(logits *mat.Dense, gold int) (float64, *mat.Dense) {
	r, c := logits.Dims()
	if c != 1 {
		panic("CrossEntropyWithIndex expects (r x 1) logits vector")
	}
	col := make([]float64, r)
	mat.Col(col, 0, logits)
	prob := Softmax(col)
	if gold < 0 || gold >= r {
		gold = 0
	}
	loss := -math.Log(prob[gold] + 1e-12)
	grad := mat.NewDense(r, 1, prob)
	grad.Set(gold, 0, grad.At(gold, 0)-1.0)
	return loss, grad
}

// SequenceCrossEntropy sums CrossEntropyWithIndex over the columns of
// (V x T) logits. The returned gradient has the same shape as logits.
func SequenceCrossEntropy(logits *mat.Dense, gold []int) (float64, *mat.Dense) {
	r, c := logits.Dims()
	if len(gold) != c {
		panic("SequenceCrossEntropy: gold length mismatch")
	}
	grad := mat.NewDense(r, c, nil)
	total := 0.0
	for j := 0; j < c; j++ {
		loss, g := CrossEntropyWithIndex(ColAsVector(logits, j), gold[j])
		total += loss
		grad.Slice(0, r, j, j+1).(*mat.Dense).Copy(g)
	}
	return total, grad
}

// ArgmaxCol returns the row index of the largest entry in column j.
func ArgmaxCol(m *mat.Dense, j int) int {
	r, _ := m.Dims()
	col := make([]float64, r)
	mat.Col(col, j, m)
	return floats.MaxIdx(col)
}

// IsFinite reports whether x is neither NaN nor ±Inf.
func IsFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
