// Package generator turns user input into a reply, either from the trained
// model through beam search or from a keyword responder when the model
// cannot be trusted.
package generator

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/manningwu07/chatlm/params"
	"github.com/manningwu07/chatlm/tokenizer"
	"github.com/manningwu07/chatlm/transformer"
	"github.com/manningwu07/chatlm/utils"
)

type Source int

const (
	SourceModel Source = iota
	SourceFallback
)

func (s Source) String() string {
	if s == SourceModel {
		return "model"
	}
	return "fallback"
}

// Response is the outcome of one Generate call. Reason says why the
// fallback was chosen and is empty for model output.
type Response struct {
	Text   string
	Source Source
	Reason string
	Score  float64 // log-probability of the chosen beam
}

func (r Response) Fallback() bool { return r.Source == SourceFallback }

type Generator struct {
	cfg       params.TrainingConfig
	responder *Responder
	ctx       *Context
	log       *slog.Logger
	now       func() time.Time
}

func New(cfg params.TrainingConfig, rng *rand.Rand, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(cfg.Seed))
	}
	return &Generator{
		cfg:       cfg,
		responder: NewResponder(rng),
		ctx:       NewContext(cfg.ContextSize),
		log:       logger,
		now:       time.Now,
	}
}

func (g *Generator) Context() *Context { return g.ctx }

// Generate answers input and records the turn. It never fails: a missing or
// undertrained model, an empty decode or a numeric fault all yield a
// fallback response.
func (g *Generator) Generate(m transformer.Seq2Seq, tok *tokenizer.Tokenizer, metrics params.Metrics, input string) Response {
	resp := g.respond(m, tok, metrics, input)
	g.ctx.Add(Turn{Input: input, Response: resp.Text, Timestamp: g.now()})
	g.ctx.SetTopic(DetectTopic(input))
	return resp
}

func (g *Generator) respond(m transformer.Seq2Seq, tok *tokenizer.Tokenizer, metrics params.Metrics, input string) Response {
	switch {
	case m == nil || tok == nil || !tok.Ready():
		return g.fallback(input, "no model")
	case metrics.TotalExamples < g.cfg.MinExamplesForModel:
		return g.fallback(input, fmt.Sprintf("trained on %d examples, need %d", metrics.TotalExamples, g.cfg.MinExamplesForModel))
	}
	text, score, err := g.decode(m, tok, input)
	if err != nil {
		g.log.Warn("generation failed, using fallback", slog.Any("err", err))
		return g.fallback(input, err.Error())
	}
	if strings.TrimSpace(text) == "" {
		return g.fallback(input, "empty decode")
	}
	return Response{Text: text, Source: SourceModel, Score: score}
}

func (g *Generator) fallback(input, reason string) Response {
	return Response{Text: g.responder.Respond(input), Source: SourceFallback, Reason: reason}
}

// decode runs beam search and converts a panic anywhere in the numeric path
// into an error.
func (g *Generator) decode(m transformer.Seq2Seq, tok *tokenizer.Tokenizer, input string) (text string, score float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decode panic: %v", r)
		}
	}()
	defer m.Release()

	cfg := m.Config()
	src, err := tok.Encode(input, cfg.MaxSeqLen)
	if err != nil {
		return "", 0, err
	}
	width := g.cfg.BeamWidth
	if width <= 0 {
		width = 3
	}
	best, ok := Best(BeamSearch(m, src, width, cfg.MaxSeqLen, cfg.Temperature))
	if !ok {
		return "", 0, nil
	}
	if !utils.IsFinite(best.Score) {
		return "", 0, fmt.Errorf("beam score %v", best.Score)
	}
	text, err = tok.Decode(best.IDs)
	return text, best.Score, err
}
