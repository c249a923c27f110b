package transformer

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/chatlm/optimizations"
	"github.com/manningwu07/chatlm/utils"
)

// Attention is multi-head scaled dot-product attention. Queries come from Xq,
// keys and values from Xkv, so the same type serves self and cross attention.
// Projections carry no bias.
type Attention struct {
	H       int
	DModel  int
	DHead   int
	Wquery  []*optimizations.Param // per head (dHead x dModel)
	Wkey    []*optimizations.Param
	Wvalue  []*optimizations.Param
	Woutput *optimizations.Param // (dModel x dModel)

	// cache for backprop
	Xq, Xkv *mat.Dense
	Q, K, V []*mat.Dense
	A       []*mat.Dense
	O_cat   *mat.Dense
}

func NewAttention(name string, dModel, nHeads int, rng *rand.Rand) *Attention {
	if dModel%nHeads != 0 {
		panic("dModel must be divisible by nHeads")
	}
	dHead := dModel / nHeads
	attn := &Attention{
		H:      nHeads,
		DModel: dModel,
		DHead:  dHead,
		Wquery: make([]*optimizations.Param, nHeads),
		Wkey:   make([]*optimizations.Param, nHeads),
		Wvalue: make([]*optimizations.Param, nHeads),
		Q:      make([]*mat.Dense, nHeads),
		K:      make([]*mat.Dense, nHeads),
		V:      make([]*mat.Dense, nHeads),
		A:      make([]*mat.Dense, nHeads),
	}
	for h := 0; h < nHeads; h++ {
		attn.Wquery[h] = optimizations.NewParam(fmt.Sprintf("%s.wq.%d", name, h),
			mat.NewDense(dHead, dModel, utils.RandomArray(rng, dHead*dModel, float64(dModel))), true)
		attn.Wkey[h] = optimizations.NewParam(fmt.Sprintf("%s.wk.%d", name, h),
			mat.NewDense(dHead, dModel, utils.RandomArray(rng, dHead*dModel, float64(dModel))), true)
		attn.Wvalue[h] = optimizations.NewParam(fmt.Sprintf("%s.wv.%d", name, h),
			mat.NewDense(dHead, dModel, utils.RandomArray(rng, dHead*dModel, float64(dModel))), true)
	}
	attn.Woutput = optimizations.NewParam(name+".wo",
		mat.NewDense(dModel, dModel, utils.RandomArray(rng, dModel*dModel, float64(dModel))), true)
	return attn
}

// Forward returns (dModel x Tq). mask is (Tq x Tk) additive bias or nil.
func (attn *Attention) Forward(Xq, Xkv, mask *mat.Dense) *mat.Dense {
	attn.Xq, attn.Xkv = Xq, Xkv
	_, Tq := Xq.Dims()
	_, Tk := Xkv.Dims()
	headsCat := mat.NewDense(attn.DModel, Tq, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	for h := 0; h < attn.H; h++ {
		q := mat.NewDense(attn.DHead, Tq, nil)
		k := mat.NewDense(attn.DHead, Tk, nil)
		v := mat.NewDense(attn.DHead, Tk, nil)
		q.Mul(attn.Wquery[h].W, Xq)
		k.Mul(attn.Wkey[h].W, Xkv)
		v.Mul(attn.Wvalue[h].W, Xkv)

		// S = (Q^T K)/sqrt(dHead)
		scores := mat.NewDense(Tq, Tk, nil)
		scores.Mul(q.T(), k)
		scores.Scale(rescale, scores)
		a := mat.NewDense(Tq, Tk, nil)
		utils.RowSoftmaxMaskedInPlace(a, scores, mask)

		// O = V * A^T
		o := mat.NewDense(attn.DHead, Tq, nil)
		o.Mul(v, a.T())
		base := h * attn.DHead
		headsCat.Slice(base, base+attn.DHead, 0, Tq).(*mat.Dense).Copy(o)

		attn.Q[h], attn.K[h], attn.V[h], attn.A[h] = q, k, v, a
	}
	attn.O_cat = headsCat
	return utils.ToDense(utils.Dot(attn.Woutput.W, headsCat))
}

// Backward accumulates parameter gradients and returns the gradients with
// respect to the query input and the key/value input.
func (attn *Attention) Backward(dY *mat.Dense) (dXq, dXkv *mat.Dense) {
	_, Tq := attn.Xq.Dims()
	_, Tk := attn.Xkv.Dims()

	// Y = Wout * Ocat
	attn.Woutput.Accumulate(utils.Dot(dY, attn.O_cat.T()))
	dOcat := utils.ToDense(utils.Dot(attn.Woutput.W.T(), dY))

	dXq = mat.NewDense(attn.DModel, Tq, nil)
	dXkv = mat.NewDense(attn.DModel, Tk, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	for h := 0; h < attn.H; h++ {
		base := h * attn.DHead
		dO := dOcat.Slice(base, base+attn.DHead, 0, Tq)

		// O = V * A^T
		dV := utils.ToDense(utils.Dot(dO, attn.A[h]))     // (dHead x Tk)
		dA := utils.ToDense(utils.Dot(dO.T(), attn.V[h])) // (Tq x Tk)
		dS := utils.SoftmaxBackward(dA, attn.A[h])        // (Tq x Tk)

		// S = Q^T K / sqrt(dHead)
		dQ := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.K[h], dS.T()))) // (dHead x Tq)
		dK := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.Q[h], dS)))     // (dHead x Tk)

		attn.Wquery[h].Accumulate(utils.Dot(dQ, attn.Xq.T()))
		attn.Wkey[h].Accumulate(utils.Dot(dK, attn.Xkv.T()))
		attn.Wvalue[h].Accumulate(utils.Dot(dV, attn.Xkv.T()))

		dXq.Add(dXq, utils.Dot(attn.Wquery[h].W.T(), dQ))
		dXkv.Add(dXkv, utils.Dot(attn.Wkey[h].W.T(), dK))
		dXkv.Add(dXkv, utils.Dot(attn.Wvalue[h].W.T(), dV))
	}
	return dXq, dXkv
}

func (attn *Attention) Params() []*optimizations.Param {
	ps := make([]*optimizations.Param, 0, 3*attn.H+1)
	for h := 0; h < attn.H; h++ {
		ps = append(ps, attn.Wquery[h], attn.Wkey[h], attn.Wvalue[h])
	}
	return append(ps, attn.Woutput)
}

func (attn *Attention) Release() {
	attn.Xq, attn.Xkv, attn.O_cat = nil, nil, nil
	for h := 0; h < attn.H; h++ {
		attn.Q[h], attn.K[h], attn.V[h], attn.A[h] = nil, nil, nil, nil
	}
}
