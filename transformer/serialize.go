package transformer

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/chatlm/errs"
	"github.com/manningwu07/chatlm/params"
)

// TensorData is one named weight matrix in row-major order.
type TensorData struct {
	Name string    `json:"name"`
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

type modelData struct {
	Config  params.ModelConfig
	Tensors []TensorData
}

// Tensors copies every parameter of m.
func Tensors(m Seq2Seq) []TensorData {
	ps := m.Params()
	out := make([]TensorData, len(ps))
	for i, p := range ps {
		r, c := p.W.Dims()
		raw := mat.DenseCopyOf(p.W).RawMatrix()
		out[i] = TensorData{
			Name: p.Name,
			Rows: r,
			Cols: c,
			Data: append([]float64(nil), raw.Data...),
		}
	}
	return out
}

// LoadTensors copies ts into m by name. Every parameter must be present with
// a matching shape. Gradients and Adam moments are reset.
func LoadTensors(m Seq2Seq, ts []TensorData) error {
	byName := make(map[string]TensorData, len(ts))
	for _, t := range ts {
		byName[t.Name] = t
	}
	ps := m.Params()
	for _, p := range ps {
		t, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("tensor %q missing: %w", p.Name, errs.ErrInvalidInput)
		}
		r, c := p.W.Dims()
		if t.Rows != r || t.Cols != c || len(t.Data) != r*c {
			return fmt.Errorf("tensor %q is %dx%d, want %dx%d: %w", p.Name, t.Rows, t.Cols, r, c, errs.ErrInvalidInput)
		}
	}
	for _, p := range ps {
		t := byName[p.Name]
		p.W.Copy(mat.NewDense(t.Rows, t.Cols, t.Data))
		p.G.Zero()
		p.M.Zero()
		p.V.Zero()
	}
	return nil
}

// Marshal encodes the config and weights of m with gob.
func Marshal(m Seq2Seq) ([]byte, error) {
	var buf bytes.Buffer
	data := modelData{Config: m.Config(), Tensors: Tensors(m)}
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal rebuilds a model from a Marshal blob.
func Unmarshal(blob []byte) (Seq2Seq, error) {
	var data modelData
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode weights: %v: %w", err, errs.ErrInvalidInput)
	}
	return FromTensors(data.Config, data.Tensors)
}

// FromTensors builds a model for cfg and loads ts into it.
func FromTensors(cfg params.ModelConfig, ts []TensorData) (Seq2Seq, error) {
	m, err := New(cfg, 0)
	if err != nil {
		return nil, err
	}
	if err := LoadTensors(m, ts); err != nil {
		return nil, err
	}
	return m, nil
}
