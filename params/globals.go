package params

import (
	"fmt"

	"github.com/manningwu07/chatlm/errs"
)

// Architecture selects the sequence model family.
type Architecture string

const (
	ArchTransformer Architecture = "transformer"
	ArchRecurrent   Architecture = "recurrent"
)

// Reserved token ids. They occupy the first four slots of every vocabulary.
const (
	PadID     = 0
	UnknownID = 1
	StartID   = 2
	EndID     = 3
)

// Reserved token strings, indexed by id.
var Special = []string{"<pad>", "<unk>", "<start>", "<end>"}

// Vocabulary maps tokens to ids and back. SubWords lists the entries that are
// sub-word fragments rather than whole words; fragments from inside a word
// are stored with a "##" prefix.
type Vocabulary struct {
	TokenToID map[string]int `json:"TokenToID"`
	IDToToken []string       `json:"IDToToken"`
	SubWords  []string       `json:"SubWords"`
}

// Size returns |V|.
func (v Vocabulary) Size() int { return len(v.IDToToken) }

// ModelConfig is fixed when a model is created. Changing VocabSize or any
// dimension means building a new model; weights do not carry over.
type ModelConfig struct {
	Architecture Architecture `json:"architecture"`
	DModel       int          `json:"d_model"`     // embedding width
	NumHeads     int          `json:"num_heads"`   // dHead = DModel/NumHeads
	NumLayers    int          `json:"num_layers"`  // encoder and decoder blocks each
	HiddenSize   int          `json:"hidden_size"` // feed-forward width
	MaxSeqLen    int          `json:"max_seq_len"` // encoded length incl. START/END
	VocabSize    int          `json:"vocab_size"`
	LearningRate float64      `json:"learning_rate"`
	Dropout      float64      `json:"dropout"`
	Temperature  float64      `json:"temperature"` // decoding temperature
}

// AdamConfig carries the optimizer hyper-parameters.
type AdamConfig struct {
	Beta1       float64 `json:"beta1"`        // default 0.9
	Beta2       float64 `json:"beta2"`        // default 0.999
	Eps         float64 `json:"eps"`          // default 1e-8
	WeightDecay float64 `json:"weight_decay"` // AdamW-style, 0 disables
}

type TrainingConfig struct {
	Epochs             int     `json:"epochs"`
	BatchSize          int     `json:"batch_size"`
	ValidationFraction float64 `json:"validation_fraction"`
	FeedbackEpochs     int     `json:"feedback_epochs"` // epochs for a single corrected pair

	GradClip float64    `json:"grad_clip"` // <=0 disables
	Adam     AdamConfig `json:"adam"`

	// Generation guard and curriculum knobs
	MinExamplesForModel int     `json:"min_examples_for_model"` // below this the rule-based responder answers
	MinCurriculumSet    int     `json:"min_curriculum_set"`     // fewer survivors -> use every example
	AdvanceAccuracy     float64 `json:"advance_accuracy"`       // accuracy needed to raise the level
	BeamWidth           int     `json:"beam_width"`
	ContextSize         int     `json:"context_size"` // conversation ring capacity

	LogPath string `json:"log_path"` // CSV epoch log, empty disables
	Seed    int64  `json:"seed"`
}

// Maximum number of sub-word fragments kept by the tokenizer.
const MaxSubWords = 5000

// DefaultModelConfig is sized for interactive, in-process training.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Architecture: ArchTransformer,
		DModel:       64,
		NumHeads:     4,
		NumLayers:    2,
		HiddenSize:   128,
		MaxSeqLen:    20,
		VocabSize:    0, // set from the tokenizer
		LearningRate: 0.001,
		Dropout:      0.1,
		Temperature:  0.7,
	}
}

func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Epochs:             10,
		BatchSize:          32,
		ValidationFraction: 0.1,
		FeedbackEpochs:     5,

		GradClip: 1.0,
		Adam: AdamConfig{
			Beta1:       0.9,
			Beta2:       0.999,
			Eps:         1e-8,
			WeightDecay: 0.0,
		},

		MinExamplesForModel: 100,
		MinCurriculumSet:    10,
		AdvanceAccuracy:     0.8,
		BeamWidth:           3,
		ContextSize:         50,
	}
}

// Validate rejects configurations the model cannot be built from.
func (c ModelConfig) Validate() error {
	switch c.Architecture {
	case ArchTransformer, ArchRecurrent:
	default:
		return fmt.Errorf("unknown architecture %q: %w", c.Architecture, errs.ErrInvalidInput)
	}
	if c.DModel <= 0 || c.HiddenSize <= 0 || c.NumLayers <= 0 {
		return fmt.Errorf("model dimensions must be positive: %w", errs.ErrInvalidInput)
	}
	if c.Architecture == ArchTransformer {
		if c.NumHeads <= 0 || c.DModel%c.NumHeads != 0 {
			return fmt.Errorf("d_model %d not divisible by %d heads: %w", c.DModel, c.NumHeads, errs.ErrInvalidInput)
		}
	}
	if c.MaxSeqLen < 4 {
		return fmt.Errorf("max_seq_len %d < 4: %w", c.MaxSeqLen, errs.ErrInvalidInput)
	}
	if c.VocabSize <= len(Special) {
		return fmt.Errorf("vocab_size %d leaves no room for learned tokens: %w", c.VocabSize, errs.ErrInvalidInput)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout %.2f out of [0,1): %w", c.Dropout, errs.ErrInvalidInput)
	}
	if c.Temperature <= 0 {
		return fmt.Errorf("temperature must be > 0: %w", errs.ErrInvalidInput)
	}
	return nil
}

// SameShape reports whether weights trained under c can be loaded into o.
func (c ModelConfig) SameShape(o ModelConfig) bool {
	return c.Architecture == o.Architecture &&
		c.DModel == o.DModel &&
		c.NumHeads == o.NumHeads &&
		c.NumLayers == o.NumLayers &&
		c.HiddenSize == o.HiddenSize &&
		c.MaxSeqLen == o.MaxSeqLen &&
		c.VocabSize == o.VocabSize
}
