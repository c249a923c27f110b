package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/chatlm/params"
	"github.com/manningwu07/chatlm/utils"
)

// Param is one trainable tensor with its gradient accumulator and Adam state.
type Param struct {
	Name  string
	W     *mat.Dense
	G     *mat.Dense
	M, V  *mat.Dense
	Decay bool // apply weight decay (weights yes, biases and norms no)
}

func NewParam(name string, w *mat.Dense, decay bool) *Param {
	return &Param{
		Name:  name,
		W:     w,
		G:     zerosLike(w),
		M:     zerosLike(w),
		V:     zerosLike(w),
		Decay: decay,
	}
}

// Accumulate adds g into the gradient buffer.
func (p *Param) Accumulate(g mat.Matrix) {
	p.G.Add(p.G, g)
}

func (p *Param) ZeroGrad() {
	p.G.Zero()
}

// Adam applies bias-corrected AdamW steps over a parameter set.
type Adam struct {
	Cfg params.AdamConfig
	T   int
}

func NewAdam(cfg params.AdamConfig) *Adam {
	return &Adam{Cfg: cfg}
}

// Step clips the combined gradient to clip (<=0 disables), updates every
// parameter and zeroes the gradients. It returns the pre-clip grad norm.
func (a *Adam) Step(ps []*Param, lr, clip float64) float64 {
	grads := make([]*mat.Dense, len(ps))
	sum := 0.0
	for i, p := range ps {
		grads[i] = p.G
		n := mat.Norm(p.G, 2)
		sum += n * n
	}
	utils.ClipGrads(clip, grads...)
	a.T++
	for _, p := range ps {
		wd := 0.0
		if p.Decay {
			wd = a.Cfg.WeightDecay
		}
		AdamUpdateInPlace(p.W, p.G, p.M, p.V, a.T, lr, a.Cfg.Beta1, a.Cfg.Beta2, a.Cfg.Eps, wd)
		p.ZeroGrad()
	}
	return math.Sqrt(sum)
}

// p -= lr * (mhat/(sqrt(vhat)+eps) + wd * p) with bias correction (AdamW).
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("adamUpdateInPlace: grad shape mismatch")
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("adamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("adamUpdateInPlace: v shape mismatch")
	}
	b1t := math.Pow(beta1, float64(t))
	b2t := math.Pow(beta2, float64(t))
	c1 := 1.0 / (1.0 - b1t)
	c2 := 1.0 / (1.0 - b2t)
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			gij := g.At(i, j)
			mij := beta1*m.At(i, j) + (1.0-beta1)*gij
			vij := beta2*v.At(i, j) + (1.0-beta2)*gij*gij
			mhat := mij * c1
			vhat := vij * c2
			denom := math.Sqrt(vhat) + eps
			update := mhat/denom + weightDecay*p.At(i, j)
			m.Set(i, j, mij)
			v.Set(i, j, vij)
			p.Set(i, j, p.At(i, j)-lr*update)
		}
	}
}

func zerosLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	return mat.NewDense(r, c, nil)
}
