// Package store persists the training corpus and the model state.
//
// Absence of prior state is not an error: Load methods report it with a
// false second return. Every failure wraps errs.ErrStorage.
package store

import (
	"context"
	"strings"

	"github.com/manningwu07/chatlm/params"
)

// Filter narrows GetConversationPairs. Zero fields match everything.
type Filter struct {
	Language   string
	Difficulty params.Difficulty
	Topic      string
	Source     string
	Limit      int // most recent N, 0 for all
}

func (f Filter) match(m params.Metadata) bool {
	eq := func(want, got string) bool {
		return want == "" || strings.EqualFold(strings.TrimSpace(want), strings.TrimSpace(got))
	}
	return eq(f.Language, m.Language) &&
		eq(string(f.Difficulty), string(m.Difficulty)) &&
		eq(f.Topic, m.Topic) &&
		eq(f.Source, m.Source)
}

// Sources recorded in Metadata.Source.
const (
	SourceConversation = "conversation"
	SourceFeedback     = "feedback"
	SourceCorpus       = "corpus"
)

// CorpusStore keeps training texts and (input, output) pairs in insertion
// order. Feedback is returned by GetConversationPairs as (input, correction).
type CorpusStore interface {
	GetTrainingTexts(ctx context.Context) ([]string, error)
	AddTrainingText(ctx context.Context, text string) error
	GetConversationPairs(ctx context.Context, f Filter) ([]params.Example, error)
	AddConversation(ctx context.Context, input, output string, meta params.Metadata) error
	AddFeedback(ctx context.Context, input, prior, correction string, meta params.Metadata) error
}

// Snapshot is everything needed to restore a trained model.
type Snapshot struct {
	Config     params.ModelConfig
	Vocabulary params.Vocabulary
	Weights    []byte
	Metrics    params.Metrics
}

type ModelStore interface {
	SaveWeights(ctx context.Context, blob []byte) error
	LoadWeights(ctx context.Context) ([]byte, bool, error)
	SaveVocabulary(ctx context.Context, v params.Vocabulary) error
	LoadVocabulary(ctx context.Context) (params.Vocabulary, bool, error)
	SaveConfig(ctx context.Context, c params.ModelConfig) error
	LoadConfig(ctx context.Context) (params.ModelConfig, bool, error)
	SaveMetrics(ctx context.Context, m params.Metrics) error
	LoadMetrics(ctx context.Context) (params.Metrics, bool, error)

	// SaveSnapshot writes all four records or none of them.
	SaveSnapshot(ctx context.Context, s Snapshot) error
}

// model_state keys
const (
	keyWeights    = "weights"
	keyVocabulary = "vocabulary"
	keyConfig     = "config"
	keyMetrics    = "metrics"
)

func withSource(meta params.Metadata, src string) params.Metadata {
	if meta.Source == "" {
		meta.Source = src
	}
	return meta
}

func lastN(ex []params.Example, n int) []params.Example {
	if n > 0 && len(ex) > n {
		return ex[len(ex)-n:]
	}
	return ex
}
