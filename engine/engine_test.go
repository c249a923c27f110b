package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/manningwu07/chatlm/errs"
	"github.com/manningwu07/chatlm/params"
	"github.com/manningwu07/chatlm/store"
	"github.com/manningwu07/chatlm/trainer"
	"github.com/manningwu07/chatlm/transformer"
)

var pairs = []params.Example{
	{Input: "hello", Output: "hi there"},
	{Input: "how are you", Output: "i am fine"},
	{Input: "good night", Output: "sleep well"},
	{Input: "thank you", Output: "you are welcome"},
}

func testEngine(opts ...Option) *Engine {
	tc := params.DefaultTrainingConfig()
	tc.BatchSize = 1
	tc.ValidationFraction = 0
	tc.FeedbackEpochs = 2
	base := []Option{
		WithModelConfig(params.ModelConfig{
			Architecture: params.ArchTransformer,
			DModel:       8,
			NumHeads:     2,
			NumLayers:    1,
			HiddenSize:   16,
			MaxSeqLen:    8,
			LearningRate: 0.01,
			Temperature:  0.7,
		}),
		WithTrainingConfig(tc),
		WithRand(rand.New(rand.NewSource(1))),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return New(append(base, opts...)...)
}

func TestBootstrapEmpty(t *testing.T) {
	e := testEngine()
	if err := e.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if e.Status().Ready {
		t.Fatal("ready without any data")
	}
	if resp := e.Generate("hello"); !resp.Fallback() {
		t.Fatalf("got %+v", resp)
	}
}

// One pair for one epoch stays far below the model threshold.
func TestTrainThenGenerateFallsBack(t *testing.T) {
	e := testEngine()
	ctx := context.Background()
	rep, err := e.Train(ctx, []params.Example{{Input: "Hello", Output: "Hi there!"}}, trainer.Options{Epochs: 1})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Metrics.TotalExamples != 1 {
		t.Fatalf("metrics %+v", rep.Metrics)
	}
	resp := e.Generate("Hello")
	if !resp.Fallback() || !strings.Contains(resp.Reason, "need 100") {
		t.Fatalf("expected the undertrained fallback, got %+v", resp)
	}
	if _, ok, _ := e.models.LoadWeights(ctx); !ok {
		t.Fatal("weights not persisted after a successful run")
	}
}

func TestFeedbackTrainsOnCorrection(t *testing.T) {
	e := testEngine()
	ctx := context.Background()
	first, err := e.Chat(ctx, "Hello")
	if err != nil {
		t.Fatal(err)
	}
	rep, err := e.Feedback(ctx, "Hello", first.Text, "Hi there, friend!", params.Metadata{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Selected != 1 || rep.Train != 1 || len(rep.Epochs) != 2 {
		t.Fatalf("report %+v", rep)
	}
	hist := e.History()
	if len(hist) != 1 || hist[0].Response != "Hi there, friend!" {
		t.Fatalf("history %+v", hist)
	}
	fb, err := e.corpus.GetConversationPairs(ctx, store.Filter{Source: store.SourceFeedback})
	if err != nil || len(fb) != 1 || fb[0].Output != "Hi there, friend!" {
		t.Fatalf("feedback %+v err %v", fb, err)
	}
	conv, _ := e.corpus.GetConversationPairs(ctx, store.Filter{Source: store.SourceConversation})
	if len(conv) != 1 || conv[0].Output != first.Text {
		t.Fatalf("conversation %+v", conv)
	}
}

func TestFeedbackRejectsEmptyCorrection(t *testing.T) {
	e := testEngine()
	if _, err := e.Feedback(context.Background(), "Hello", "Hi", "  ", params.Metadata{}); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("got %v", err)
	}
}

func TestDivergedRunPersistsNothing(t *testing.T) {
	e := testEngine()
	ctx := context.Background()
	if err := e.Fit(ctx, "hello hi there", "how are you i am fine"); err != nil {
		t.Fatal(err)
	}
	ps := e.model.Params()
	ps[len(ps)-1].W.Set(0, 0, math.NaN())

	_, err := e.Train(ctx, pairs, trainer.Options{Epochs: 1})
	if !errors.Is(err, errs.ErrTrainingDiverged) {
		t.Fatalf("got %v", err)
	}
	if _, ok, _ := e.models.LoadWeights(ctx); ok {
		t.Fatal("weights persisted after divergence")
	}
	if e.Status().Metrics.Sessions != 0 {
		t.Fatal("metrics changed after divergence")
	}
}

// stopAfter reports cancellation once n checks have passed.
type stopAfter struct {
	context.Context
	n int
}

func (c *stopAfter) Err() error {
	c.n--
	if c.n < 0 {
		return context.Canceled
	}
	return nil
}

func TestFailedRunRestoresWeights(t *testing.T) {
	e := testEngine()
	if err := e.Fit(context.Background(), "hello hi there", "how are you i am fine"); err != nil {
		t.Fatal(err)
	}
	before := transformer.Tensors(e.model)

	ctx := &stopAfter{Context: context.Background(), n: 2}
	_, err := e.Train(ctx, pairs, trainer.Options{Epochs: 1, BatchSize: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if !reflect.DeepEqual(before, transformer.Tensors(e.model)) {
		t.Fatal("weights not rolled back")
	}
}

func TestBootstrapRestoresFromSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	e1 := testEngine(WithCorpusStore(db), WithModelStore(db))
	if _, err := e1.Train(ctx, pairs, trainer.Options{Epochs: 2}); err != nil {
		t.Fatal(err)
	}

	e2 := testEngine(WithCorpusStore(db), WithModelStore(db))
	if err := e2.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}
	s1, s2 := e1.Status(), e2.Status()
	if !s2.Ready || s2.VocabSize != s1.VocabSize || s2.Metrics.Sessions != 1 || s2.Metrics.TotalExamples != 4 {
		t.Fatalf("restored %+v, want %+v", s2, s1)
	}
	if !reflect.DeepEqual(transformer.Tensors(e1.model), transformer.Tensors(e2.model)) {
		t.Fatal("weights differ after restore")
	}
}

func TestBootstrapFitsStoredCorpus(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	mem.AddTrainingText(ctx, "hello world")
	mem.AddConversation(ctx, "hello there", "hi", params.Metadata{})

	e := testEngine(WithCorpusStore(mem))
	if err := e.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}
	s := e.Status()
	if !s.Ready || s.Architecture != params.ArchTransformer {
		t.Fatalf("status %+v", s)
	}
	if _, ok := e.tok.Vocabulary().TokenToID["hello"]; !ok {
		t.Fatal("corpus word missing from vocabulary")
	}
}

// An exported bundle must answer like the engine it came from.
func TestExportImport(t *testing.T) {
	ctx := context.Background()
	tc := params.DefaultTrainingConfig()
	tc.MinExamplesForModel = 0

	e1 := testEngine(WithTrainingConfig(tc))
	if _, err := e1.Train(ctx, pairs, trainer.Options{Epochs: 3}); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := e1.Export(&buf); err != nil {
		t.Fatal(err)
	}

	e2 := testEngine(WithTrainingConfig(tc))
	if err := e2.Import(ctx, &buf); err != nil {
		t.Fatal(err)
	}
	if e2.Status().Metrics.Sessions != 1 {
		t.Fatalf("metrics %+v", e2.Status().Metrics)
	}
	r1, r2 := e1.Generate("hello"), e2.Generate("hello")
	if r1.Source != r2.Source {
		t.Fatalf("paths differ: %+v vs %+v", r1, r2)
	}
	if !r1.Fallback() && r1.Text != r2.Text {
		t.Fatalf("model output differs: %q vs %q", r1.Text, r2.Text)
	}
	if _, ok, _ := e2.models.LoadConfig(ctx); !ok {
		t.Fatal("import not persisted")
	}
}

func TestChatRejectsEmpty(t *testing.T) {
	if _, err := testEngine().Chat(context.Background(), "   "); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("got %v", err)
	}
}

func TestTrainFromStore(t *testing.T) {
	ctx := context.Background()
	e := testEngine()
	if _, err := e.TrainFromStore(ctx, store.Filter{}, trainer.Options{Epochs: 1}); !errors.Is(err, errs.ErrInsufficientData) {
		t.Fatalf("empty store: %v", err)
	}
	for _, p := range pairs {
		e.corpus.AddConversation(ctx, p.Input, p.Output, params.Metadata{})
	}
	rep, err := e.TrainFromStore(ctx, store.Filter{}, trainer.Options{Epochs: 1})
	if err != nil || rep.Selected != len(pairs) {
		t.Fatalf("rep %+v err %v", rep, err)
	}
}
