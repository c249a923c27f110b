package trainer

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/chatlm/errs"
	"github.com/manningwu07/chatlm/params"
	"github.com/manningwu07/chatlm/tokenizer"
	"github.com/manningwu07/chatlm/transformer"
)

var pairs = []params.Example{
	{Input: "hello", Output: "hi there"},
	{Input: "how are you", Output: "i am fine"},
	{Input: "good night", Output: "sleep well"},
	{Input: "thank you", Output: "you are welcome"},
}

func setup(t *testing.T, examples []params.Example) (*tokenizer.Tokenizer, transformer.Seq2Seq) {
	t.Helper()
	var corpus []string
	for _, ex := range examples {
		corpus = append(corpus, ex.Input, ex.Output)
	}
	tok := tokenizer.New()
	tok.Fit(corpus)
	m, err := transformer.New(params.ModelConfig{
		Architecture: params.ArchTransformer,
		DModel:       8,
		NumHeads:     2,
		NumLayers:    1,
		HiddenSize:   16,
		MaxSeqLen:    6,
		VocabSize:    tok.VocabSize(),
		LearningRate: 0.01,
		Temperature:  1,
	}, 1)
	if err != nil {
		t.Fatal(err)
	}
	return tok, m
}

func testConfig() params.TrainingConfig {
	cfg := params.DefaultTrainingConfig()
	cfg.BatchSize = 2
	cfg.ValidationFraction = 0
	return cfg
}

func TestShiftLeft(t *testing.T) {
	got := ShiftLeft([]int{2, 7, 8, 3, 0})
	if !reflect.DeepEqual(got, []int{7, 8, 3, 0, 0}) {
		t.Fatalf("got %v", got)
	}
}

func TestAccuracySkipsPadTargets(t *testing.T) {
	// every column predicts <pad>
	logits := mat.NewDense(5, 4, nil)
	for j := 0; j < 4; j++ {
		logits.Set(params.PadID, j, 1)
	}
	gold := []int{4, params.EndID, params.PadID, params.PadID}
	if hits, scored := countCorrect(logits, gold); hits != 0 || scored != 2 {
		t.Fatalf("all-pad prediction scored %d/%d, want 0/2", hits, scored)
	}
	logits.Set(4, 0, 2)
	if hits, scored := countCorrect(logits, gold); hits != 1 || scored != 2 {
		t.Fatalf("got %d/%d, want 1/2", hits, scored)
	}
	if ratio(0, 0) != 0 {
		t.Fatal("empty ratio")
	}
}

func TestAdmission(t *testing.T) {
	tests := []struct {
		ordinal, level int
		want           float64
	}{
		{0, 0, 1}, {1, 0, 0.5}, {2, 0, 0.2}, {3, 0, 0},
		{2, 2, 1}, {0, 4, 1}, {4, 3, 0.5},
	}
	for _, tc := range tests {
		if got := Admission(tc.ordinal, tc.level); got != tc.want {
			t.Errorf("Admission(%d,%d) = %g want %g", tc.ordinal, tc.level, got, tc.want)
		}
	}
}

func tagged(n int, d params.Difficulty) []params.Example {
	out := make([]params.Example, n)
	for i := range out {
		out[i] = params.Example{Input: string(d), Output: "x", Meta: params.Metadata{Difficulty: d}}
	}
	return out
}

func TestCurriculumMonotonic(t *testing.T) {
	var all []params.Example
	for _, d := range params.Levels {
		all = append(all, tagged(2, d)...)
	}
	for level := 0; level < len(params.Levels)-1; level++ {
		lo, hi := Eligible(all, level), Eligible(all, level+1)
		in := make(map[string]int)
		for _, ex := range hi {
			in[ex.Input]++
		}
		for _, ex := range lo {
			if in[ex.Input] == 0 {
				t.Fatalf("level %d admits %q but level %d does not", level, ex.Input, level+1)
			}
		}
		if len(lo) > len(hi) {
			t.Fatalf("level %d admits more than level %d", level, level+1)
		}
	}
}

func TestSelectCurriculum(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	untagged := tagged(3, "")
	if got := SelectCurriculum(untagged, 0, 10, rng); len(got) != 3 {
		t.Fatalf("untagged set should pass through, got %d", len(got))
	}

	few := tagged(3, params.Expert)
	if got := SelectCurriculum(few, 0, 10, rng); len(got) != 3 {
		t.Fatalf("fewer than minSet survivors should fall back to all, got %d", len(got))
	}

	mixed := append(tagged(20, params.Beginner), tagged(20, params.Expert)...)
	got := SelectCurriculum(mixed, 0, 10, rng)
	if len(got) != 20 {
		t.Fatalf("expected only beginner examples, got %d", len(got))
	}
	for _, ex := range got {
		if ex.Meta.Difficulty != params.Beginner {
			t.Fatalf("admitted %s at level beginner", ex.Meta.Difficulty)
		}
	}
}

func TestTrainUpdatesMetrics(t *testing.T) {
	ex := []params.Example{{Input: "Hello", Output: "Hi there!"}}
	tok, m := setup(t, ex)
	cfg := testConfig()
	cfg.AdvanceAccuracy = 1 // never advance
	tr := New(cfg, rand.New(rand.NewSource(1)), nil)

	before := params.Metrics{Sessions: 2, TotalExamples: 10}
	rep, err := tr.Train(context.Background(), m, tok, ex, Options{Epochs: 1}, before)
	if err != nil {
		t.Fatal(err)
	}
	got := rep.Metrics
	if got.Sessions != 3 || got.TotalExamples != 11 || got.LastTrained.IsZero() {
		t.Fatalf("metrics not updated: %+v", got)
	}
	if len(rep.Epochs) != 1 || rep.Train != 1 || rep.Validation != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if got.Level != params.Beginner {
		t.Fatalf("level %q", got.Level)
	}
}

func TestTrainReducesLoss(t *testing.T) {
	tok, m := setup(t, pairs)
	tr := New(testConfig(), rand.New(rand.NewSource(2)), nil)
	rep, err := tr.Train(context.Background(), m, tok, pairs, Options{Epochs: 40}, params.Metrics{})
	if err != nil {
		t.Fatal(err)
	}
	first, last := rep.Epochs[0].Loss, rep.Epochs[len(rep.Epochs)-1].Loss
	if !(last < first) {
		t.Fatalf("loss did not decrease: first %g last %g", first, last)
	}
}

func TestTrainValidationSplit(t *testing.T) {
	tok, m := setup(t, pairs)
	tr := New(testConfig(), rand.New(rand.NewSource(3)), nil)
	rep, err := tr.Train(context.Background(), m, tok, pairs, Options{Epochs: 1, ValidationFraction: 0.5}, params.Metrics{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Train != 2 || rep.Validation != 2 {
		t.Fatalf("split %d/%d", rep.Train, rep.Validation)
	}
	if rep.Epochs[0].ValLoss <= 0 {
		t.Fatal("validation loss not reported")
	}
}

func TestTrainInsufficientData(t *testing.T) {
	tok, m := setup(t, pairs)
	tr := New(testConfig(), nil, nil)
	if _, err := tr.Train(context.Background(), m, tok, nil, Options{}, params.Metrics{}); !errors.Is(err, errs.ErrInsufficientData) {
		t.Fatalf("got %v", err)
	}
}

func TestTrainNotInitialized(t *testing.T) {
	_, m := setup(t, pairs)
	tr := New(testConfig(), nil, nil)
	if _, err := tr.Train(context.Background(), m, tokenizer.New(), pairs, Options{}, params.Metrics{}); !errors.Is(err, errs.ErrNotInitialized) {
		t.Fatalf("got %v", err)
	}
}

func TestTrainDiverged(t *testing.T) {
	tok, m := setup(t, pairs)
	m.Params()[len(m.Params())-1].W.Set(0, 0, math.NaN()) // output bias for <pad>
	tr := New(testConfig(), nil, nil)
	_, err := tr.Train(context.Background(), m, tok, pairs, Options{Epochs: 1}, params.Metrics{})
	if !errors.Is(err, errs.ErrTrainingDiverged) {
		t.Fatalf("got %v", err)
	}
}

func TestTrainCancelled(t *testing.T) {
	tok, m := setup(t, pairs)
	tr := New(testConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Train(ctx, m, tok, pairs, Options{Epochs: 1}, params.Metrics{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
}

func TestCurriculumAdvances(t *testing.T) {
	tok, m := setup(t, pairs)
	cfg := testConfig()
	cfg.AdvanceAccuracy = -1 // any accuracy advances
	tr := New(cfg, nil, nil)

	rep, err := tr.Train(context.Background(), m, tok, pairs, Options{Epochs: 1}, params.Metrics{})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Advanced || rep.Metrics.Level != params.Elementary {
		t.Fatalf("expected elementary, got %q", rep.Metrics.Level)
	}

	rep, err = tr.Train(context.Background(), m, tok, pairs, Options{Epochs: 1}, params.Metrics{Level: params.Expert})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Advanced || rep.Metrics.Level != params.Expert {
		t.Fatalf("level must cap at expert, got %q", rep.Metrics.Level)
	}
}

func TestEpochCSVLog(t *testing.T) {
	tok, m := setup(t, pairs)
	cfg := testConfig()
	cfg.LogPath = filepath.Join(t.TempDir(), "training_log.csv")
	tr := New(cfg, nil, nil)
	if _, err := tr.Train(context.Background(), m, tok, pairs, Options{Epochs: 2}, params.Metrics{}); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(cfg.LogPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[0][0] != "time" || rows[2][2] != "2" {
		t.Fatalf("unexpected log %v", rows)
	}
}
