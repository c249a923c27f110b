package transformer

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/chatlm/optimizations"
	"github.com/manningwu07/chatlm/params"
	"github.com/manningwu07/chatlm/utils"
)

// Embedding is a (dModel x V) table; column id is the vector for token id.
type Embedding struct {
	Table *optimizations.Param
	ids   []int
}

func NewEmbedding(name string, dModel, vocab int, rng *rand.Rand) *Embedding {
	return &Embedding{
		Table: optimizations.NewParam(name, mat.NewDense(dModel, vocab, utils.RandomArray(rng, dModel*vocab, float64(dModel))), false),
	}
}

// Lookup returns (dModel x len(ids)). Out-of-range ids map to <unk>.
func (e *Embedding) Lookup(ids []int) *mat.Dense {
	d, V := e.Table.W.Dims()
	out := mat.NewDense(d, len(ids), nil)
	col := make([]float64, d)
	for t, id := range ids {
		if id < 0 || id >= V {
			id = params.UnknownID
		}
		mat.Col(col, id, e.Table.W)
		out.SetCol(t, col)
	}
	e.ids = ids
	return out
}

// Backward scatters dX columns into the rows used by the last Lookup.
func (e *Embedding) Backward(dX *mat.Dense) {
	d, V := e.Table.W.Dims()
	for t, id := range e.ids {
		if id < 0 || id >= V {
			id = params.UnknownID
		}
		for i := 0; i < d; i++ {
			e.Table.G.Set(i, id, e.Table.G.At(i, id)+dX.At(i, t))
		}
	}
}

// PositionalEncoding returns the fixed sinusoidal table (d x T):
// PE[2i, pos] = sin(pos / 10000^(2i/d)), PE[2i+1, pos] = cos(...).
func PositionalEncoding(d, T int) *mat.Dense {
	pe := mat.NewDense(d, T, nil)
	for pos := 0; pos < T; pos++ {
		for i := 0; i < d; i += 2 {
			angle := float64(pos) / math.Pow(10000, float64(i)/float64(d))
			pe.Set(i, pos, math.Sin(angle))
			if i+1 < d {
				pe.Set(i+1, pos, math.Cos(angle))
			}
		}
	}
	return pe
}

// dropout applies inverted dropout in place and returns the keep mask
// (already scaled by 1/(1-p)), or nil when p == 0.
func dropout(x *mat.Dense, p float64, rng *rand.Rand) *mat.Dense {
	if p <= 0 {
		return nil
	}
	r, c := x.Dims()
	keep := 1.0 / (1.0 - p)
	mask := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if rng.Float64() >= p {
				mask.Set(i, j, keep)
			}
		}
	}
	x.MulElem(x, mask)
	return mask
}
