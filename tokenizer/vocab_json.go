package tokenizer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/manningwu07/chatlm/errs"
	"github.com/manningwu07/chatlm/params"
)

// WriteVocabJSON writes the vocabulary as indented JSON.
func (t *Tokenizer) WriteVocabJSON(w io.Writer) error {
	if !t.Ready() {
		return fmt.Errorf("export vocab: %w", errs.ErrNotInitialized)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(t.Vocabulary())
}

func (t *Tokenizer) ExportVocabJSON(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return t.WriteVocabJSON(f)
}

// ReadVocabJSON loads a vocabulary written by WriteVocabJSON. The TokenToID
// table is rebuilt from IDToToken so the two can never disagree.
func ReadVocabJSON(r io.Reader) (*Tokenizer, error) {
	var data params.Vocabulary
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode vocab: %v: %w", err, errs.ErrInvalidInput)
	}
	return FromVocabulary(data)
}

func ImportVocabJSON(path string) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadVocabJSON(f)
}
