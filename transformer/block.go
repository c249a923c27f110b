package transformer

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/chatlm/optimizations"
	"github.com/manningwu07/chatlm/utils"
)

const lnEps = 1e-5

// EncoderBlock is post-norm: LN1(X + SelfAttn(X)), then LN2(h + MLP(h)).
type EncoderBlock struct {
	Attn *Attention
	Mlp  *MLP
	Ln1  *optimizations.LayerNorm
	Ln2  *optimizations.LayerNorm
}

func NewEncoderBlock(name string, dModel, heads, hidden int, rng *rand.Rand) *EncoderBlock {
	return &EncoderBlock{
		Attn: NewAttention(name+".self", dModel, heads, rng),
		Mlp:  NewMLP(name+".ffn", dModel, hidden, rng),
		Ln1:  optimizations.NewLayerNorm(name+".ln1", dModel, lnEps),
		Ln2:  optimizations.NewLayerNorm(name+".ln2", dModel, lnEps),
	}
}

func (b *EncoderBlock) Forward(X, mask *mat.Dense) *mat.Dense {
	attnOut := b.Attn.Forward(X, X, mask)
	h := b.Ln1.Forward(utils.ToDense(utils.Add(X, attnOut)))
	mlpOut := b.Mlp.Forward(h)
	return b.Ln2.Forward(utils.ToDense(utils.Add(h, mlpOut)))
}

func (b *EncoderBlock) Backward(grad *mat.Dense) *mat.Dense {
	dRes2 := b.Ln2.Backward(grad)
	dH := utils.ToDense(utils.Add(dRes2, b.Mlp.Backward(dRes2)))
	dRes1 := b.Ln1.Backward(dH)
	dXq, dXkv := b.Attn.Backward(dRes1)
	dX := utils.ToDense(utils.Add(dRes1, dXq))
	dX.Add(dX, dXkv)
	return dX
}

func (b *EncoderBlock) Params() []*optimizations.Param {
	ps := b.Attn.Params()
	ps = append(ps, b.Ln1.Params()...)
	ps = append(ps, b.Mlp.Params()...)
	return append(ps, b.Ln2.Params()...)
}

func (b *EncoderBlock) Release() {
	b.Attn.Release()
	b.Mlp.Release()
	b.Ln1.Release()
	b.Ln2.Release()
}

// DecoderBlock adds cross attention over the encoder memory between the
// causal self attention and the feed-forward layer.
type DecoderBlock struct {
	Self  *Attention
	Cross *Attention
	Mlp   *MLP
	Ln1   *optimizations.LayerNorm
	Ln2   *optimizations.LayerNorm
	Ln3   *optimizations.LayerNorm
}

func NewDecoderBlock(name string, dModel, heads, hidden int, rng *rand.Rand) *DecoderBlock {
	return &DecoderBlock{
		Self:  NewAttention(name+".self", dModel, heads, rng),
		Cross: NewAttention(name+".cross", dModel, heads, rng),
		Mlp:   NewMLP(name+".ffn", dModel, hidden, rng),
		Ln1:   optimizations.NewLayerNorm(name+".ln1", dModel, lnEps),
		Ln2:   optimizations.NewLayerNorm(name+".ln2", dModel, lnEps),
		Ln3:   optimizations.NewLayerNorm(name+".ln3", dModel, lnEps),
	}
}

// Forward: selfMask is the causal mask, crossMask hides padded source keys.
func (b *DecoderBlock) Forward(Y, memory, selfMask, crossMask *mat.Dense) *mat.Dense {
	selfOut := b.Self.Forward(Y, Y, selfMask)
	h1 := b.Ln1.Forward(utils.ToDense(utils.Add(Y, selfOut)))
	crossOut := b.Cross.Forward(h1, memory, crossMask)
	h2 := b.Ln2.Forward(utils.ToDense(utils.Add(h1, crossOut)))
	mlpOut := b.Mlp.Forward(h2)
	return b.Ln3.Forward(utils.ToDense(utils.Add(h2, mlpOut)))
}

// Backward returns the gradient for the block input and for the memory.
func (b *DecoderBlock) Backward(grad *mat.Dense) (dY, dMemory *mat.Dense) {
	dRes3 := b.Ln3.Backward(grad)
	dH2 := utils.ToDense(utils.Add(dRes3, b.Mlp.Backward(dRes3)))

	dRes2 := b.Ln2.Backward(dH2)
	dQ, dMemory := b.Cross.Backward(dRes2)
	dH1 := utils.ToDense(utils.Add(dRes2, dQ))

	dRes1 := b.Ln1.Backward(dH1)
	dXq, dXkv := b.Self.Backward(dRes1)
	dY = utils.ToDense(utils.Add(dRes1, dXq))
	dY.Add(dY, dXkv)
	return dY, dMemory
}

func (b *DecoderBlock) Params() []*optimizations.Param {
	ps := b.Self.Params()
	ps = append(ps, b.Ln1.Params()...)
	ps = append(ps, b.Cross.Params()...)
	ps = append(ps, b.Ln2.Params()...)
	ps = append(ps, b.Mlp.Params()...)
	return append(ps, b.Ln3.Params()...)
}

func (b *DecoderBlock) Release() {
	b.Self.Release()
	b.Cross.Release()
	b.Mlp.Release()
	b.Ln1.Release()
	b.Ln2.Release()
	b.Ln3.Release()
}
