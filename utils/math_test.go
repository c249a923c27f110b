package utils

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestSoftmaxStableForLargeLogits(t *testing.T) {
	p := Softmax([]float64{1000, 1000, 999})
	sum := p[0] + p[1] + p[2]
	if math.Abs(sum-1) > 1e-12 {
		t.Fatalf("softmax does not sum to 1: %v", p)
	}
	if math.IsNaN(p[0]) || p[0] != p[1] || p[2] >= p[0] {
		t.Fatalf("unexpected probabilities %v", p)
	}
}

func TestLogSoftmaxMatchesSoftmax(t *testing.T) {
	v := []float64{0.3, -1.2, 2.5, 0}
	p := Softmax(v)
	lp := LogSoftmax(v)
	for i := range v {
		if math.Abs(math.Exp(lp[i])-p[i]) > 1e-12 {
			t.Fatalf("index %d: exp(logsoftmax)=%g softmax=%g", i, math.Exp(lp[i]), p[i])
		}
	}
}

func TestCausalMaskBlocksFuture(t *testing.T) {
	scores := mat.NewDense(3, 3, []float64{1, 5, 9, 1, 5, 9, 1, 5, 9})
	A := mat.NewDense(3, 3, nil)
	RowSoftmaxMaskedInPlace(A, scores, CausalMask(3))
	if A.At(0, 0) != 1 || A.At(0, 1) != 0 || A.At(0, 2) != 0 {
		t.Fatalf("row 0 should attend only to itself: %v", mat.Formatted(A))
	}
	if A.At(1, 2) != 0 {
		t.Fatalf("row 1 attends to the future: %g", A.At(1, 2))
	}
}

func TestKeyPaddingMask(t *testing.T) {
	m := KeyPaddingMask(2, []bool{false, true, true})
	if m.At(0, 0) != 0 || m.At(1, 1) != MaskBias || m.At(0, 2) != MaskBias {
		t.Fatalf("bad padding mask %v", mat.Formatted(m))
	}
	open := KeyPaddingMask(2, []bool{true, true})
	if mat.Sum(open) != 0 {
		t.Fatal("fully padded keys must leave the mask open")
	}
}

func TestCrossEntropyGradient(t *testing.T) {
	logits := mat.NewDense(3, 1, []float64{0.5, 1.5, -0.5})
	loss, grad := CrossEntropyWithIndex(logits, 1)
	p := Softmax([]float64{0.5, 1.5, -0.5})
	if math.Abs(loss+math.Log(p[1])) > 1e-9 {
		t.Fatalf("loss %g != -log p", loss)
	}
	if math.Abs(grad.At(1, 0)-(p[1]-1)) > 1e-12 || math.Abs(grad.At(0, 0)-p[0]) > 1e-12 {
		t.Fatal("gradient is not p - onehot")
	}
}

func TestClipGrads(t *testing.T) {
	g := mat.NewDense(1, 2, []float64{3, 4})
	s := ClipGrads(1, g)
	if math.Abs(s-0.2) > 1e-12 || math.Abs(MatrixNorm(g)-1) > 1e-12 {
		t.Fatalf("clip scale %g norm %g", s, MatrixNorm(g))
	}
	if ClipGrads(0, g) != 1 {
		t.Fatal("maxNorm <= 0 disables clipping")
	}
}

func TestTopKTieBreak(t *testing.T) {
	got := TopK([]float64{1, 3, 3, 2}, 3)
	want := []int{1, 2, 3}
	for i, s := range got {
		if s.ID != want[i] {
			t.Fatalf("topk order %v, want ids %v", got, want)
		}
	}
}

func TestClamp(t *testing.T) {
	if Clamp(7, 0, 4) != 4 || Clamp(-1, 0, 4) != 0 || Clamp(2.5, 0.0, 4.0) != 2.5 {
		t.Fatal("clamp")
	}
}
