package transformer

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/chatlm/optimizations"
	"github.com/manningwu07/chatlm/params"
	"github.com/manningwu07/chatlm/utils"
)

// Recurrent is the minimal encoder-decoder: one tanh RNN layer per side,
// the encoder's final state seeds the decoder.
//
//	h_t = tanh(Wx x_t + Wh h_{t-1} + b)
type Recurrent struct {
	cfg      params.ModelConfig
	rng      *rand.Rand
	training bool

	EncEmb, DecEmb *Embedding
	Enc, Dec       *rnnCell
	Wout           *optimizations.Param // (V x hidden)
	Bout           *optimizations.Param // (V x 1)

	// cache for backprop
	encDrop, decDrop *mat.Dense
	decStates        *mat.Dense
}

type rnnCell struct {
	Wx, Wh, B *optimizations.Param

	// cache: inputs (d x T), states (h x T+1) with the initial state in column 0
	X, H *mat.Dense
}

func newRNNCell(name string, d, hidden int, rng *rand.Rand) *rnnCell {
	return &rnnCell{
		Wx: optimizations.NewParam(name+".wx", mat.NewDense(hidden, d, utils.RandomArray(rng, hidden*d, float64(d))), true),
		Wh: optimizations.NewParam(name+".wh", mat.NewDense(hidden, hidden, utils.RandomArray(rng, hidden*hidden, float64(hidden))), true),
		B:  optimizations.NewParam(name+".b", mat.NewDense(hidden, 1, nil), false),
	}
}

func (c *rnnCell) forward(X, h0 *mat.Dense) *mat.Dense {
	hidden, _ := c.Wh.W.Dims()
	_, T := X.Dims()
	H := mat.NewDense(hidden, T+1, nil)
	if h0 != nil {
		H.Slice(0, hidden, 0, 1).(*mat.Dense).Copy(h0)
	}
	z := mat.NewDense(hidden, 1, nil)
	for t := 0; t < T; t++ {
		z.Mul(c.Wx.W, X.Slice(0, X.RawMatrix().Rows, t, t+1))
		var rec mat.Dense
		rec.Mul(c.Wh.W, H.Slice(0, hidden, t, t+1))
		z.Add(z, &rec)
		z.Add(z, c.B.W)
		for i := 0; i < hidden; i++ {
			H.Set(i, t+1, math.Tanh(z.At(i, 0)))
		}
	}
	c.X, c.H = X, H
	return H
}

// backward takes dH (hidden x T) for states 1..T plus a carry for the last
// state, and returns dX and the gradient for the initial state.
func (c *rnnCell) backward(dH *mat.Dense, carry *mat.Dense) (dX, dH0 *mat.Dense) {
	hidden, _ := c.Wh.W.Dims()
	d, T := c.X.Dims()
	dX = mat.NewDense(d, T, nil)
	dWx := mat.NewDense(hidden, d, nil)
	dWh := mat.NewDense(hidden, hidden, nil)
	dB := mat.NewDense(hidden, 1, nil)

	next := mat.NewDense(hidden, 1, nil)
	if carry != nil {
		next.Copy(carry)
	}
	dz := mat.NewDense(hidden, 1, nil)
	for t := T - 1; t >= 0; t-- {
		for i := 0; i < hidden; i++ {
			g := next.At(i, 0)
			if dH != nil {
				g += dH.At(i, t)
			}
			h := c.H.At(i, t+1)
			dz.Set(i, 0, g*(1-h*h))
		}
		var gx, gh mat.Dense
		gx.Mul(dz, c.X.Slice(0, d, t, t+1).T())
		dWx.Add(dWx, &gx)
		gh.Mul(dz, c.H.Slice(0, hidden, t, t+1).T())
		dWh.Add(dWh, &gh)
		dB.Add(dB, dz)

		var xcol mat.Dense
		xcol.Mul(c.Wx.W.T(), dz)
		dX.Slice(0, d, t, t+1).(*mat.Dense).Copy(&xcol)
		next.Mul(c.Wh.W.T(), dz)
	}
	c.Wx.Accumulate(dWx)
	c.Wh.Accumulate(dWh)
	c.B.Accumulate(dB)
	return dX, next
}

func (c *rnnCell) params() []*optimizations.Param {
	return []*optimizations.Param{c.Wx, c.Wh, c.B}
}

func NewRecurrent(cfg params.ModelConfig, rng *rand.Rand) *Recurrent {
	d, h, V := cfg.DModel, cfg.HiddenSize, cfg.VocabSize
	return &Recurrent{
		cfg:    cfg,
		rng:    rng,
		EncEmb: NewEmbedding("enc.emb", d, V, rng),
		DecEmb: NewEmbedding("dec.emb", d, V, rng),
		Enc:    newRNNCell("enc.rnn", d, h, rng),
		Dec:    newRNNCell("dec.rnn", d, h, rng),
		Wout:   optimizations.NewParam("out.w", mat.NewDense(V, h, utils.RandomArray(rng, V*h, float64(h))), true),
		Bout:   optimizations.NewParam("out.b", mat.NewDense(V, 1, nil), false),
	}
}

func (r *Recurrent) Config() params.ModelConfig { return r.cfg }

func (r *Recurrent) SetTraining(on bool) { r.training = on }

// Encode runs over the non-PAD source tokens and returns the final state
// (hidden x 1).
func (r *Recurrent) Encode(src []int) *mat.Dense {
	ids := make([]int, 0, len(src))
	for _, id := range src {
		if id != params.PadID {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		ids = append(ids, params.EndID)
	}
	X := r.EncEmb.Lookup(ids)
	r.encDrop = nil
	if r.training {
		r.encDrop = dropout(X, r.cfg.Dropout, r.rng)
	}
	H := r.Enc.forward(X, nil)
	_, c := H.Dims()
	return utils.ColAsVector(H, c-1)
}

func (r *Recurrent) Decode(memory *mat.Dense, _, tgt []int) *mat.Dense {
	Y := r.DecEmb.Lookup(tgt)
	r.decDrop = nil
	if r.training {
		r.decDrop = dropout(Y, r.cfg.Dropout, r.rng)
	}
	H := r.Dec.forward(Y, memory)
	hidden, c := H.Dims()
	states := mat.DenseCopyOf(H.Slice(0, hidden, 1, c))
	r.decStates = states
	return utils.AddBias(utils.ToDense(utils.Dot(r.Wout.W, states)), r.Bout.W)
}

func (r *Recurrent) Backward(dLogits *mat.Dense) {
	r.Wout.Accumulate(utils.Dot(dLogits, r.decStates.T()))
	r.Bout.Accumulate(utils.SumCols(dLogits))
	dS := utils.ToDense(utils.Dot(r.Wout.W.T(), dLogits))

	dY, dMem := r.Dec.backward(dS, nil)
	if r.decDrop != nil {
		dY.MulElem(dY, r.decDrop)
	}
	r.DecEmb.Backward(dY)

	dX, _ := r.Enc.backward(nil, dMem)
	if r.encDrop != nil {
		dX.MulElem(dX, r.encDrop)
	}
	r.EncEmb.Backward(dX)
}

func (r *Recurrent) Params() []*optimizations.Param {
	ps := []*optimizations.Param{r.EncEmb.Table, r.DecEmb.Table}
	ps = append(ps, r.Enc.params()...)
	ps = append(ps, r.Dec.params()...)
	return append(ps, r.Wout, r.Bout)
}

func (r *Recurrent) Release() {
	r.Enc.X, r.Enc.H, r.Dec.X, r.Dec.H = nil, nil, nil, nil
	r.EncEmb.ids, r.DecEmb.ids = nil, nil
	r.encDrop, r.decDrop, r.decStates = nil, nil, nil
}
