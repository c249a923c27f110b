package IO

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/manningwu07/chatlm/errs"
	"github.com/manningwu07/chatlm/params"
	"github.com/manningwu07/chatlm/tokenizer"
	"github.com/manningwu07/chatlm/transformer"
)

// FormatVersion is written into every bundle. Import rejects other versions.
const FormatVersion = 1

// Bundle is the portable export of a trained model.
type Bundle struct {
	FormatVersion int                      `json:"format_version"`
	ExportedAt    time.Time                `json:"exported_at"`
	Config        params.ModelConfig       `json:"config"`
	Metrics       params.Metrics           `json:"metrics"`
	Vocabulary    params.Vocabulary        `json:"vocabulary"`
	Weights       []transformer.TensorData `json:"weights"`
}

// NewBundle captures m, tok and metrics.
func NewBundle(m transformer.Seq2Seq, tok *tokenizer.Tokenizer, metrics params.Metrics, at time.Time) (Bundle, error) {
	if m == nil || tok == nil || !tok.Ready() {
		return Bundle{}, fmt.Errorf("export: %w", errs.ErrNotInitialized)
	}
	return Bundle{
		FormatVersion: FormatVersion,
		ExportedAt:    at.UTC(),
		Config:        m.Config(),
		Metrics:       metrics,
		Vocabulary:    tok.Vocabulary(),
		Weights:       transformer.Tensors(m),
	}, nil
}

// Restore rebuilds the model and tokenizer held in b.
func (b Bundle) Restore() (transformer.Seq2Seq, *tokenizer.Tokenizer, error) {
	if b.FormatVersion != FormatVersion {
		return nil, nil, fmt.Errorf("bundle format %d, want %d: %w", b.FormatVersion, FormatVersion, errs.ErrInvalidInput)
	}
	if b.Vocabulary.Size() != b.Config.VocabSize {
		return nil, nil, fmt.Errorf("bundle vocabulary %d entries, config says %d: %w",
			b.Vocabulary.Size(), b.Config.VocabSize, errs.ErrInvalidInput)
	}
	tok, err := tokenizer.FromVocabulary(b.Vocabulary)
	if err != nil {
		return nil, nil, err
	}
	m, err := transformer.FromTensors(b.Config, b.Weights)
	if err != nil {
		return nil, nil, err
	}
	return m, tok, nil
}

func WriteBundle(w io.Writer, b Bundle) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(b)
}

func ReadBundle(r io.Reader) (Bundle, error) {
	var b Bundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return Bundle{}, fmt.Errorf("decode bundle: %v: %w", err, errs.ErrInvalidInput)
	}
	return b, nil
}

func ExportBundle(path string, b Bundle) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteBundle(f, b); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func ImportBundle(path string) (Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return Bundle{}, err
	}
	defer f.Close()
	return ReadBundle(f)
}
