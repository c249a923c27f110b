// Package engine owns one chat session: tokenizer, model, training metrics,
// conversation context and the stores behind them. Every entry point holds
// the engine lock, so a single Engine can serve several front-ends.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	chatio "github.com/manningwu07/chatlm/IO"
	"github.com/manningwu07/chatlm/errs"
	"github.com/manningwu07/chatlm/generator"
	"github.com/manningwu07/chatlm/params"
	"github.com/manningwu07/chatlm/store"
	"github.com/manningwu07/chatlm/tokenizer"
	"github.com/manningwu07/chatlm/trainer"
	"github.com/manningwu07/chatlm/transformer"
)

type Engine struct {
	mu sync.Mutex

	modelCfg params.ModelConfig
	trainCfg params.TrainingConfig
	corpus   store.CorpusStore
	models   store.ModelStore
	log      *slog.Logger
	rng      *rand.Rand
	now      func() time.Time

	tok     *tokenizer.Tokenizer
	model   transformer.Seq2Seq
	metrics params.Metrics
	trainer *trainer.Trainer
	gen     *generator.Generator
}

// New builds an engine with in-memory stores unless options say otherwise.
// Call Bootstrap to restore persisted state.
func New(opts ...Option) *Engine {
	e := &Engine{
		modelCfg: params.DefaultModelConfig(),
		trainCfg: params.DefaultTrainingConfig(),
		now:      time.Now,
		tok:      tokenizer.New(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.corpus == nil || e.models == nil {
		mem := store.NewMemory()
		if e.corpus == nil {
			e.corpus = mem
		}
		if e.models == nil {
			e.models = mem
		}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(e.trainCfg.Seed))
	}
	e.trainer = trainer.New(e.trainCfg, e.rng, e.log)
	e.gen = generator.New(e.trainCfg, e.rng, e.log)
	return e
}

// Bootstrap restores vocabulary, weights and metrics from the model store.
// Without a stored vocabulary the tokenizer is fitted on the corpus; without
// usable weights a fresh model is built. An empty store is not an error.
func (e *Engine) Bootstrap(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if mt, ok, err := e.models.LoadMetrics(ctx); err != nil {
		return err
	} else if ok {
		e.metrics = mt
	}

	vocab, ok, err := e.models.LoadVocabulary(ctx)
	if err != nil {
		return err
	}
	if ok {
		tok, err := tokenizer.FromVocabulary(vocab)
		if err != nil {
			return fmt.Errorf("stored vocabulary: %w", err)
		}
		e.tok = tok
	} else {
		texts, err := e.corpusTexts(ctx, nil)
		if err != nil {
			return err
		}
		if len(texts) == 0 {
			e.log.Info("no stored state and no corpus; waiting for training data")
			return nil
		}
		e.tok.Fit(texts)
		e.log.Info("tokenizer fitted", slog.Int("texts", len(texts)), slog.Int("vocab", e.tok.VocabSize()))
	}

	blob, ok, err := e.models.LoadWeights(ctx)
	if err != nil {
		return err
	}
	if ok {
		m, err := transformer.Unmarshal(blob)
		switch {
		case err != nil:
			e.log.Warn("stored weights unreadable, building a new model", slog.Any("err", err))
		case m.Config().VocabSize != e.tok.VocabSize():
			e.log.Warn("stored weights do not match the vocabulary, building a new model",
				slog.Int("model_vocab", m.Config().VocabSize), slog.Int("vocab", e.tok.VocabSize()))
		default:
			e.model = m
			e.trainer.ResetOptimizer()
			e.log.Info("model restored",
				slog.String("architecture", string(m.Config().Architecture)),
				slog.Int("sessions", e.metrics.Sessions),
				slog.Int("examples", e.metrics.TotalExamples))
			return nil
		}
	}
	return e.rebuild()
}

// rebuild replaces the model with a fresh one sized to the tokenizer. The
// example counter restarts since the new weights have seen nothing.
func (e *Engine) rebuild() error {
	cfg := e.modelCfg
	cfg.VocabSize = e.tok.VocabSize()
	m, err := transformer.New(cfg, e.rng.Int63())
	if err != nil {
		return err
	}
	e.model = m
	e.metrics.TotalExamples = 0
	e.trainer.ResetOptimizer()
	e.log.Info("model built",
		slog.String("architecture", string(cfg.Architecture)),
		slog.Int("d_model", cfg.DModel),
		slog.Int("layers", cfg.NumLayers),
		slog.Int("vocab", cfg.VocabSize))
	return nil
}

// corpusTexts gathers every stored training text and both sides of every
// stored pair, followed by extra.
func (e *Engine) corpusTexts(ctx context.Context, extra []params.Example) ([]string, error) {
	texts, err := e.corpus.GetTrainingTexts(ctx)
	if err != nil {
		return nil, err
	}
	pairs, err := e.corpus.GetConversationPairs(ctx, store.Filter{})
	if err != nil {
		return nil, err
	}
	for _, p := range append(pairs, extra...) {
		texts = append(texts, p.Input, p.Output)
	}
	return texts, nil
}

// Fit rebuilds the vocabulary from the stored corpus plus extra texts and
// replaces the model, since weights do not carry across vocabularies.
func (e *Engine) Fit(ctx context.Context, extra ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	texts, err := e.corpusTexts(ctx, nil)
	if err != nil {
		return err
	}
	texts = append(texts, extra...)
	if len(texts) == 0 {
		return fmt.Errorf("fit: %w", errs.ErrInsufficientData)
	}
	e.tok.Fit(texts)
	e.log.Info("tokenizer fitted", slog.Int("texts", len(texts)), slog.Int("vocab", e.tok.VocabSize()))
	return e.rebuild()
}

// Train fits the model to examples. The weights are snapshotted first and
// restored if the run fails, and the store is written only after success.
func (e *Engine) Train(ctx context.Context, examples []params.Example, opts trainer.Options) (trainer.Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.train(ctx, examples, opts)
}

// TrainFromStore trains on the stored pairs matching f.
func (e *Engine) TrainFromStore(ctx context.Context, f store.Filter, opts trainer.Options) (trainer.Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pairs, err := e.corpus.GetConversationPairs(ctx, f)
	if err != nil {
		return trainer.Report{}, err
	}
	return e.train(ctx, pairs, opts)
}

func (e *Engine) train(ctx context.Context, examples []params.Example, opts trainer.Options) (trainer.Report, error) {
	if len(examples) == 0 {
		return trainer.Report{}, fmt.Errorf("train: %w", errs.ErrInsufficientData)
	}
	if !e.tok.Ready() {
		texts, err := e.corpusTexts(ctx, examples)
		if err != nil {
			return trainer.Report{}, err
		}
		e.tok.Fit(texts)
	}
	if e.model == nil || e.model.Config().VocabSize != e.tok.VocabSize() {
		if err := e.rebuild(); err != nil {
			return trainer.Report{}, err
		}
	}

	snapshot := transformer.Tensors(e.model)
	rep, err := e.trainer.Train(ctx, e.model, e.tok, examples, opts, e.metrics)
	if err != nil {
		if rerr := transformer.LoadTensors(e.model, snapshot); rerr != nil {
			return rep, errors.Join(err, rerr)
		}
		e.trainer.ResetOptimizer()
		if errors.Is(err, errs.ErrTrainingDiverged) {
			e.log.Error("training diverged, weights rolled back", slog.Any("err", err))
		}
		return rep, err
	}
	e.metrics = rep.Metrics
	e.log.Info("training finished",
		slog.Int("examples", rep.Selected),
		slog.Float64("loss", rep.Loss),
		slog.Float64("accuracy", rep.Accuracy),
		slog.String("level", string(rep.Metrics.Level)))
	return rep, e.persist(ctx)
}

func (e *Engine) persist(ctx context.Context) error {
	blob, err := transformer.Marshal(e.model)
	if err != nil {
		return fmt.Errorf("%w: encode weights: %v", errs.ErrStorage, err)
	}
	return e.models.SaveSnapshot(ctx, store.Snapshot{
		Config:     e.model.Config(),
		Vocabulary: e.tok.Vocabulary(),
		Weights:    blob,
		Metrics:    e.metrics,
	})
}

// Generate answers input without touching the corpus store.
func (e *Engine) Generate(input string) generator.Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen.Generate(e.model, e.tok, e.metrics, input)
}

// Chat answers input and records the exchange as a conversation pair.
func (e *Engine) Chat(ctx context.Context, input string) (generator.Response, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return generator.Response{}, fmt.Errorf("chat: empty message: %w", errs.ErrInvalidInput)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	resp := e.gen.Generate(e.model, e.tok, e.metrics, input)
	meta := params.Metadata{Topic: e.gen.Context().Topic()}
	if err := e.corpus.AddConversation(ctx, input, resp.Text, meta); err != nil {
		return resp, err
	}
	return resp, nil
}

// Feedback stores a correction, rewrites the matching context turn and
// trains on the corrected pair.
func (e *Engine) Feedback(ctx context.Context, input, prior, correction string, meta params.Metadata) (trainer.Report, error) {
	input, correction = strings.TrimSpace(input), strings.TrimSpace(correction)
	if input == "" || correction == "" {
		return trainer.Report{}, fmt.Errorf("feedback: input and correction are required: %w", errs.ErrInvalidInput)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.corpus.AddFeedback(ctx, input, prior, correction, meta); err != nil {
		return trainer.Report{}, err
	}
	e.gen.Context().ReplaceLastResponse(input, prior, correction)

	ex := []params.Example{{Input: input, Output: correction, Meta: meta}}
	return e.train(ctx, ex, trainer.Options{Epochs: e.trainCfg.FeedbackEpochs, BatchSize: 1})
}

// Export writes the current model as a JSON bundle.
func (e *Engine) Export(w io.Writer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := chatio.NewBundle(e.model, e.tok, e.metrics, e.now())
	if err != nil {
		return err
	}
	return chatio.WriteBundle(w, b)
}

// Import replaces the model, vocabulary and metrics with a bundle and
// persists them.
func (e *Engine) Import(ctx context.Context, r io.Reader) error {
	b, err := chatio.ReadBundle(r)
	if err != nil {
		return err
	}
	m, tok, err := b.Restore()
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.model, e.tok, e.metrics = m, tok, b.Metrics
	e.trainer.ResetOptimizer()
	e.log.Info("bundle imported",
		slog.Time("exported_at", b.ExportedAt),
		slog.Int("vocab", tok.VocabSize()),
		slog.Int("examples", b.Metrics.TotalExamples))
	return e.persist(ctx)
}

type Status struct {
	Ready        bool
	Architecture params.Architecture
	VocabSize    int
	Metrics      params.Metrics
	Topic        string
	Turns        int
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{
		Ready:     e.model != nil && e.tok.Ready(),
		VocabSize: e.tok.VocabSize(),
		Metrics:   e.metrics,
		Topic:     e.gen.Context().Topic(),
		Turns:     e.gen.Context().Len(),
	}
	if e.model != nil {
		s.Architecture = e.model.Config().Architecture
	}
	return s
}

// History returns the conversation context, oldest first.
func (e *Engine) History() []generator.Turn {
	return e.gen.Context().Turns()
}
