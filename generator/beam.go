package generator

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/chatlm/params"
	"github.com/manningwu07/chatlm/transformer"
	"github.com/manningwu07/chatlm/utils"
)

// Beam is one candidate output sequence. IDs starts with START.
type Beam struct {
	IDs   []int
	Score float64 // cumulative log-probability
	Done  bool    // ended with END
}

func (b Beam) last() int { return b.IDs[len(b.IDs)-1] }

func (b Beam) extend(id int, lp float64) Beam {
	ids := make([]int, len(b.IDs)+1)
	copy(ids, b.IDs)
	ids[len(b.IDs)] = id
	return Beam{IDs: ids, Score: b.Score + lp, Done: id == params.EndID}
}

// nextLogProbs returns log-softmax(logits/temperature) for the last position
// of prefix. PAD and START are never proposed.
func nextLogProbs(m transformer.Seq2Seq, memory *mat.Dense, src, prefix []int, temperature float64) []float64 {
	logits := m.Decode(memory, src, prefix)
	r, c := logits.Dims()
	col := make([]float64, r)
	mat.Col(col, c-1, logits)
	for i := range col {
		col[i] /= temperature
	}
	lp := utils.LogSoftmax(col)
	lp[params.PadID] = math.Inf(-1)
	lp[params.StartID] = math.Inf(-1)
	return lp
}

// sortBeams orders by score descending; ties go to the lower last token.
func sortBeams(bs []Beam) {
	sort.SliceStable(bs, func(i, j int) bool {
		if bs[i].Score == bs[j].Score {
			return bs[i].last() < bs[j].last()
		}
		return bs[i].Score > bs[j].Score
	})
}

// BeamSearch decodes src with width beams. No beam grows past maxLen ids
// (START included). The result is sorted best first.
func BeamSearch(m transformer.Seq2Seq, src []int, width, maxLen int, temperature float64) []Beam {
	if width < 1 {
		width = 1
	}
	if temperature <= 0 {
		temperature = 1
	}
	memory := m.Encode(src)
	beams := []Beam{{IDs: []int{params.StartID}}}

	for {
		live := false
		for _, b := range beams {
			if !b.Done && len(b.IDs) < maxLen {
				live = true
				break
			}
		}
		if !live {
			break
		}

		var cands []Beam
		for _, b := range beams {
			if b.Done || len(b.IDs) >= maxLen {
				cands = append(cands, b)
				continue
			}
			lp := nextLogProbs(m, memory, src, b.IDs, temperature)
			for _, s := range utils.TopK(lp, width) {
				if math.IsInf(s.Score, -1) {
					continue
				}
				cands = append(cands, b.extend(s.ID, s.Score))
			}
		}
		sortBeams(cands)
		if len(cands) > width {
			cands = cands[:width]
		}
		beams = cands
	}
	sortBeams(beams)
	return beams
}

// Best returns the highest scoring finished beam, or the highest scoring
// beam when none finished.
func Best(beams []Beam) (Beam, bool) {
	if len(beams) == 0 {
		return Beam{}, false
	}
	for _, b := range beams {
		if b.Done {
			return b, true
		}
	}
	return beams[0], true
}
