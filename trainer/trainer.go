// Package trainer turns (input, output) pairs into teacher-forced batches and
// fits a sequence model to them with Adam.
package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/chatlm/errs"
	"github.com/manningwu07/chatlm/optimizations"
	"github.com/manningwu07/chatlm/params"
	"github.com/manningwu07/chatlm/tokenizer"
	"github.com/manningwu07/chatlm/transformer"
	"github.com/manningwu07/chatlm/utils"
)

// Options are the per-call knobs of Train.
type Options struct {
	Epochs             int
	BatchSize          int
	ValidationFraction float64
}

type EpochStats struct {
	Epoch       int
	Loss        float64 // mean per-position cross-entropy
	Accuracy    float64 // per-position argmax accuracy
	ValLoss     float64
	ValAccuracy float64
	Elapsed     time.Duration
}

// Report summarises a completed run.
type Report struct {
	Selected   int // examples kept by the curriculum
	Train      int
	Validation int
	Epochs     []EpochStats
	Loss       float64
	Accuracy   float64
	Advanced   bool           // the curriculum level went up
	Metrics    params.Metrics // counters after this run
}

type Trainer struct {
	cfg params.TrainingConfig
	opt *optimizations.Adam
	rng *rand.Rand
	log *slog.Logger
}

func New(cfg params.TrainingConfig, rng *rand.Rand, logger *slog.Logger) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(cfg.Seed))
	}
	return &Trainer{
		cfg: cfg,
		opt: optimizations.NewAdam(cfg.Adam),
		rng: rng,
		log: logger,
	}
}

// DefaultOptions reads epochs, batch size and validation split from the
// training config.
func (tr *Trainer) DefaultOptions() Options {
	return Options{
		Epochs:             tr.cfg.Epochs,
		BatchSize:          tr.cfg.BatchSize,
		ValidationFraction: tr.cfg.ValidationFraction,
	}
}

// ResetOptimizer forgets the Adam step count. Used after weights are
// replaced wholesale.
func (tr *Trainer) ResetOptimizer() {
	tr.opt = optimizations.NewAdam(tr.cfg.Adam)
}

type sample struct {
	src  []int // encoder input
	dec  []int // decoder input: the encoded target
	gold []int // decoder input shifted left, PAD appended
}

func encodeExamples(tok *tokenizer.Tokenizer, examples []params.Example, maxLen int) ([]sample, error) {
	out := make([]sample, 0, len(examples))
	for _, ex := range examples {
		src, err := tok.Encode(ex.Input, maxLen)
		if err != nil {
			return nil, err
		}
		dec, err := tok.Encode(ex.Output, maxLen)
		if err != nil {
			return nil, err
		}
		out = append(out, sample{src: src, dec: dec, gold: ShiftLeft(dec)})
	}
	return out, nil
}

// ShiftLeft returns ids[1:] followed by PAD.
func ShiftLeft(ids []int) []int {
	out := make([]int, len(ids))
	copy(out, ids[1:])
	out[len(out)-1] = params.PadID
	return out
}

// countCorrect scores argmax predictions against the non-PAD gold positions
// and returns the hits and the number of positions scored.
func countCorrect(logits *mat.Dense, gold []int) (hits, scored int) {
	for j, g := range gold {
		if g == params.PadID {
			continue
		}
		scored++
		if utils.ArgmaxCol(logits, j) == g {
			hits++
		}
	}
	return hits, scored
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func (o Options) normalized(def Options) Options {
	if o.Epochs <= 0 {
		o.Epochs = def.Epochs
	}
	if o.Epochs <= 0 {
		o.Epochs = 1
	}
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1
	}
	o.ValidationFraction = utils.Clamp(o.ValidationFraction, 0, 0.9)
	return o
}

// Train fits m to examples. metrics is the state before the run; on success
// the report carries the updated counters. On any error the caller must treat
// the in-memory weights as suspect and must not persist them.
func (tr *Trainer) Train(ctx context.Context, m transformer.Seq2Seq, tok *tokenizer.Tokenizer,
	examples []params.Example, opts Options, metrics params.Metrics) (Report, error) {

	var rep Report
	if m == nil || !tok.Ready() {
		return rep, fmt.Errorf("train: %w", errs.ErrNotInitialized)
	}
	cfg := m.Config()
	if tok.VocabSize() != cfg.VocabSize {
		return rep, fmt.Errorf("train: model vocab %d, tokenizer vocab %d: %w",
			cfg.VocabSize, tok.VocabSize(), errs.ErrInvalidInput)
	}
	opts = opts.normalized(tr.DefaultOptions())

	level := metrics.CurrentLevel()
	selected := SelectCurriculum(examples, level, tr.cfg.MinCurriculumSet, tr.rng)
	if len(selected) == 0 {
		return rep, fmt.Errorf("train: %w", errs.ErrInsufficientData)
	}
	samples, err := encodeExamples(tok, selected, cfg.MaxSeqLen)
	if err != nil {
		return rep, fmt.Errorf("train: %w", err)
	}
	tr.rng.Shuffle(len(samples), func(i, j int) { samples[i], samples[j] = samples[j], samples[i] })

	nVal := int(float64(len(samples)) * opts.ValidationFraction)
	if nVal >= len(samples) {
		nVal = len(samples) - 1
	}
	train, val := samples[:len(samples)-nVal], samples[len(samples)-nVal:]
	rep.Selected, rep.Train, rep.Validation = len(selected), len(train), len(val)

	csvLog, err := openEpochLog(tr.cfg.LogPath)
	if err != nil {
		tr.log.Warn("training log disabled", slog.String("path", tr.cfg.LogPath), slog.Any("err", err))
	}
	defer csvLog.Close()
	defer m.Release()
	defer m.SetTraining(false)

	tr.log.Info("training started",
		slog.Int("examples", len(selected)),
		slog.Int("train", len(train)),
		slog.Int("validation", len(val)),
		slog.Int("epochs", opts.Epochs),
		slog.String("level", string(params.LevelAt(level))))

	L := float64(cfg.MaxSeqLen)
	for e := 0; e < opts.Epochs; e++ {
		start := time.Now()
		var totalLoss float64
		var correct, scored int

		m.SetTraining(true)
		for b := 0; b < len(train); b += opts.BatchSize {
			// cancellation is honoured between batches only
			if err := ctx.Err(); err != nil {
				return rep, fmt.Errorf("train: %w", err)
			}
			batch := train[b:min(b+opts.BatchSize, len(train))]
			scale := 1.0 / (float64(len(batch)) * L)
			for _, s := range batch {
				logits := m.Decode(m.Encode(s.src), s.src, s.dec)
				loss, grad := utils.SequenceCrossEntropy(logits, s.gold)
				if !utils.IsFinite(loss) {
					return rep, fmt.Errorf("train: epoch %d loss %v: %w", e+1, loss, errs.ErrTrainingDiverged)
				}
				totalLoss += loss
				hits, n := countCorrect(logits, s.gold)
				correct, scored = correct+hits, scored+n
				grad.Scale(scale, grad)
				m.Backward(grad)
			}
			norm := tr.opt.Step(m.Params(), cfg.LearningRate, tr.cfg.GradClip)
			if !utils.IsFinite(norm) {
				return rep, fmt.Errorf("train: epoch %d gradient norm %v: %w", e+1, norm, errs.ErrTrainingDiverged)
			}
		}
		m.SetTraining(false)

		stats := EpochStats{
			Epoch:    e + 1,
			Loss:     totalLoss / (float64(len(train)) * L),
			Accuracy: ratio(correct, scored),
		}
		if len(val) > 0 {
			stats.ValLoss, stats.ValAccuracy = evaluate(m, val, cfg.MaxSeqLen)
		}
		stats.Elapsed = time.Since(start)
		rep.Epochs = append(rep.Epochs, stats)

		tr.log.Info("epoch",
			slog.Int("epoch", stats.Epoch),
			slog.Float64("loss", stats.Loss),
			slog.Float64("accuracy", stats.Accuracy),
			slog.Float64("val_loss", stats.ValLoss),
			slog.Float64("val_accuracy", stats.ValAccuracy),
			slog.Duration("elapsed", stats.Elapsed))
		csvLog.write(metrics.Sessions+1, stats)

		tr.rng.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })
	}

	last := rep.Epochs[len(rep.Epochs)-1]
	rep.Loss, rep.Accuracy = last.Loss, last.Accuracy

	metrics.Sessions++
	metrics.TotalExamples += len(selected)
	metrics.LastTrained = time.Now()
	metrics.Accuracy = last.Accuracy
	metrics.Loss = last.Loss
	metrics.Level = params.LevelAt(level)
	if last.Accuracy > tr.cfg.AdvanceAccuracy && level < len(params.Levels)-1 {
		metrics.Level = params.LevelAt(level + 1)
		rep.Advanced = true
		tr.log.Info("curriculum advanced", slog.String("level", string(metrics.Level)))
	}
	rep.Metrics = metrics
	return rep, nil
}

// evaluate returns mean per-position loss and accuracy without touching
// gradients.
func evaluate(m transformer.Seq2Seq, samples []sample, maxLen int) (float64, float64) {
	var loss float64
	var correct, scored int
	for _, s := range samples {
		logits := m.Decode(m.Encode(s.src), s.src, s.dec)
		l, _ := utils.SequenceCrossEntropy(logits, s.gold)
		loss += l
		hits, n := countCorrect(logits, s.gold)
		correct, scored = correct+hits, scored+n
	}
	return loss / float64(len(samples)*maxLen), ratio(correct, scored)
}
