package transformer

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/chatlm/optimizations"
	"github.com/manningwu07/chatlm/utils"
)

// MLP is the position-wise feed-forward layer: dense -> ReLU -> dense.
type MLP struct {
	Inputs, Hiddens, Outputs  int
	HiddenWeights, HiddenBias *optimizations.Param
	OutputWeights, OutputBias *optimizations.Param

	// cache for backprop
	lastInput, hiddenPreAct, hiddenOutputs *mat.Dense
}

func NewMLP(name string, dModel, hidden int, rng *rand.Rand) *MLP {
	return &MLP{
		Inputs:  dModel,
		Hiddens: hidden,
		Outputs: dModel,
		HiddenWeights: optimizations.NewParam(name+".w1",
			mat.NewDense(hidden, dModel, utils.RandomArray(rng, dModel*hidden, float64(dModel))), true),
		HiddenBias: optimizations.NewParam(name+".b1", mat.NewDense(hidden, 1, nil), false),
		OutputWeights: optimizations.NewParam(name+".w2",
			mat.NewDense(dModel, hidden, utils.RandomArray(rng, hidden*dModel, float64(hidden))), true),
		OutputBias: optimizations.NewParam(name+".b2", mat.NewDense(dModel, 1, nil), false),
	}
}

func (mlp *MLP) Forward(X *mat.Dense) *mat.Dense {
	mlp.lastInput = X
	hiddenLin := utils.ToDense(utils.Dot(mlp.HiddenWeights.W, X)) // (h x T)
	mlp.hiddenPreAct = utils.AddBias(hiddenLin, mlp.HiddenBias.W)
	r, c := mlp.hiddenPreAct.Dims()
	mlp.hiddenOutputs = mat.NewDense(r, c, nil)
	mlp.hiddenOutputs.Apply(utils.ReLUApply, mlp.hiddenPreAct)
	finalLin := utils.ToDense(utils.Dot(mlp.OutputWeights.W, mlp.hiddenOutputs)) // (d x T)
	return utils.AddBias(finalLin, mlp.OutputBias.W)
}

func (mlp *MLP) Backward(grad *mat.Dense) *mat.Dense {
	mlp.OutputWeights.Accumulate(utils.Dot(grad, mlp.hiddenOutputs.T()))
	// sum gradients over time for biases
	mlp.OutputBias.Accumulate(utils.SumCols(grad))

	hiddenGradOut := utils.Dot(mlp.OutputWeights.W.T(), grad) // dL/d(hidden_out)
	hiddenErrors := utils.ToDense(utils.Multiply(hiddenGradOut, utils.ReLUPrime(mlp.hiddenPreAct)))

	mlp.HiddenWeights.Accumulate(utils.Dot(hiddenErrors, mlp.lastInput.T()))
	mlp.HiddenBias.Accumulate(utils.SumCols(hiddenErrors))

	return utils.ToDense(utils.Dot(mlp.HiddenWeights.W.T(), hiddenErrors))
}

func (mlp *MLP) Params() []*optimizations.Param {
	return []*optimizations.Param{mlp.HiddenWeights, mlp.HiddenBias, mlp.OutputWeights, mlp.OutputBias}
}

func (mlp *MLP) Release() {
	mlp.lastInput, mlp.hiddenPreAct, mlp.hiddenOutputs = nil, nil, nil
}
