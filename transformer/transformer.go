package transformer

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/chatlm/optimizations"
	"github.com/manningwu07/chatlm/params"
	"github.com/manningwu07/chatlm/utils"
)

// Seq2Seq is an encoder-decoder over token ids. One Encode/Decode pair is
// cached for Backward; callers serialize access.
type Seq2Seq interface {
	// Encode returns the memory the decoder attends to.
	Encode(src []int) *mat.Dense
	// Decode returns (V x len(tgt)) next-token logits, one column per position.
	Decode(memory *mat.Dense, src, tgt []int) *mat.Dense
	// Backward accumulates gradients for the last Encode+Decode.
	Backward(dLogits *mat.Dense)
	Params() []*optimizations.Param
	Config() params.ModelConfig
	SetTraining(on bool)
	// Release drops every forward cache.
	Release()
}

// New builds a freshly initialised model for cfg.
func New(cfg params.ModelConfig, seed int64) (Seq2Seq, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	switch cfg.Architecture {
	case params.ArchRecurrent:
		return NewRecurrent(cfg, rng), nil
	default:
		return NewTransformer(cfg, rng), nil
	}
}

// Predict runs a full forward pass and returns per-position next-token
// probabilities (V x len(tgt)).
func Predict(m Seq2Seq, src, tgt []int) *mat.Dense {
	return utils.ColSoftmax(m.Decode(m.Encode(src), src, tgt))
}

// Transformer is the attention encoder-decoder.
type Transformer struct {
	cfg      params.ModelConfig
	rng      *rand.Rand
	training bool

	EncEmb  *Embedding
	DecEmb  *Embedding
	Encoder []*EncoderBlock
	Decoder []*DecoderBlock
	Wout    *optimizations.Param // (V x d)
	Bout    *optimizations.Param // (V x 1)

	peCache map[int]*mat.Dense

	// cache for backprop
	encDrop, decDrop *mat.Dense
	decOut           *mat.Dense
}

func NewTransformer(cfg params.ModelConfig, rng *rand.Rand) *Transformer {
	d, V := cfg.DModel, cfg.VocabSize
	t := &Transformer{
		cfg:     cfg,
		rng:     rng,
		EncEmb:  NewEmbedding("enc.emb", d, V, rng),
		DecEmb:  NewEmbedding("dec.emb", d, V, rng),
		Encoder: make([]*EncoderBlock, cfg.NumLayers),
		Decoder: make([]*DecoderBlock, cfg.NumLayers),
		Wout:    optimizations.NewParam("out.w", mat.NewDense(V, d, utils.RandomArray(rng, V*d, float64(d))), true),
		Bout:    optimizations.NewParam("out.b", mat.NewDense(V, 1, nil), false),
		peCache: make(map[int]*mat.Dense),
	}
	for i := range cfg.NumLayers {
		t.Encoder[i] = NewEncoderBlock(fmt.Sprintf("enc.%d", i), d, cfg.NumHeads, cfg.HiddenSize, rng)
		t.Decoder[i] = NewDecoderBlock(fmt.Sprintf("dec.%d", i), d, cfg.NumHeads, cfg.HiddenSize, rng)
	}
	return t
}

func (t *Transformer) Config() params.ModelConfig { return t.cfg }

func (t *Transformer) SetTraining(on bool) { t.training = on }

func (t *Transformer) positional(T int) *mat.Dense {
	pe, ok := t.peCache[T]
	if !ok {
		pe = PositionalEncoding(t.cfg.DModel, T)
		t.peCache[T] = pe
	}
	return pe
}

// embed looks ids up, adds positions and applies dropout while training.
func (t *Transformer) embed(e *Embedding, ids []int) (*mat.Dense, *mat.Dense) {
	X := e.Lookup(ids)
	X.Add(X, t.positional(len(ids)))
	var mask *mat.Dense
	if t.training {
		mask = dropout(X, t.cfg.Dropout, t.rng)
	}
	return X, mask
}

func padKeys(src []int) []bool {
	out := make([]bool, len(src))
	for i, id := range src {
		out[i] = id == params.PadID
	}
	return out
}

func (t *Transformer) Encode(src []int) *mat.Dense {
	X, mask := t.embed(t.EncEmb, src)
	t.encDrop = mask
	keyMask := utils.KeyPaddingMask(len(src), padKeys(src))
	for _, b := range t.Encoder {
		X = b.Forward(X, keyMask)
	}
	return X
}

func (t *Transformer) Decode(memory *mat.Dense, src, tgt []int) *mat.Dense {
	Y, mask := t.embed(t.DecEmb, tgt)
	t.decDrop = mask
	selfMask := utils.CausalMask(len(tgt))
	crossMask := utils.KeyPaddingMask(len(tgt), padKeys(src))
	for _, b := range t.Decoder {
		Y = b.Forward(Y, memory, selfMask, crossMask)
	}
	t.decOut = Y
	return utils.AddBias(utils.ToDense(utils.Dot(t.Wout.W, Y)), t.Bout.W)
}

func (t *Transformer) Backward(dLogits *mat.Dense) {
	t.Wout.Accumulate(utils.Dot(dLogits, t.decOut.T()))
	t.Bout.Accumulate(utils.SumCols(dLogits))
	dY := utils.ToDense(utils.Dot(t.Wout.W.T(), dLogits))

	var dMem *mat.Dense
	for i := len(t.Decoder) - 1; i >= 0; i-- {
		var dm *mat.Dense
		dY, dm = t.Decoder[i].Backward(dY)
		if dMem == nil {
			dMem = dm
		} else {
			dMem.Add(dMem, dm)
		}
	}
	if t.decDrop != nil {
		dY.MulElem(dY, t.decDrop)
	}
	t.DecEmb.Backward(dY)

	dX := dMem
	for i := len(t.Encoder) - 1; i >= 0; i-- {
		dX = t.Encoder[i].Backward(dX)
	}
	if t.encDrop != nil {
		dX.MulElem(dX, t.encDrop)
	}
	t.EncEmb.Backward(dX)
}

func (t *Transformer) Params() []*optimizations.Param {
	ps := []*optimizations.Param{t.EncEmb.Table, t.DecEmb.Table}
	for _, b := range t.Encoder {
		ps = append(ps, b.Params()...)
	}
	for _, b := range t.Decoder {
		ps = append(ps, b.Params()...)
	}
	return append(ps, t.Wout, t.Bout)
}

func (t *Transformer) Release() {
	for _, b := range t.Encoder {
		b.Release()
	}
	for _, b := range t.Decoder {
		b.Release()
	}
	t.EncEmb.ids, t.DecEmb.ids = nil, nil
	t.encDrop, t.decDrop, t.decOut = nil, nil, nil
}
