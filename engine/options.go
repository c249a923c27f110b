package engine

import (
	"log/slog"
	"math/rand"

	"github.com/manningwu07/chatlm/params"
	"github.com/manningwu07/chatlm/store"
)

type Option func(*Engine)

func WithCorpusStore(s store.CorpusStore) Option {
	return func(e *Engine) { e.corpus = s }
}

func WithModelStore(s store.ModelStore) Option {
	return func(e *Engine) { e.models = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithRand fixes the source used for initialisation, shuffling, dropout and
// fallback replies.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rng = r }
}

// WithModelConfig sets the shape of models the engine builds. VocabSize is
// ignored; it always comes from the tokenizer.
func WithModelConfig(c params.ModelConfig) Option {
	return func(e *Engine) { e.modelCfg = c }
}

func WithTrainingConfig(c params.TrainingConfig) Option {
	return func(e *Engine) { e.trainCfg = c }
}
