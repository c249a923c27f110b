package trainer

import (
	"math/rand"

	"github.com/manningwu07/chatlm/params"
)

// Admission is the probability an example at ordinal joins a run at level:
// everything up to the level, half of the next level, a fifth of the one
// after.
func Admission(ordinal, level int) float64 {
	switch {
	case ordinal <= level:
		return 1
	case ordinal == level+1:
		return 0.5
	case ordinal == level+2:
		return 0.2
	default:
		return 0
	}
}

// HasDifficulty reports whether any example carries a known difficulty tag.
func HasDifficulty(examples []params.Example) bool {
	for _, ex := range examples {
		if _, ok := ex.Meta.Difficulty.Ordinal(); ok {
			return true
		}
	}
	return false
}

// ordinalOf treats untagged examples as beginner.
func ordinalOf(ex params.Example) int {
	o, _ := ex.Meta.Difficulty.Ordinal()
	return o
}

// Eligible returns every example with a non-zero admission probability at
// level, ignoring the sampling.
func Eligible(examples []params.Example, level int) []params.Example {
	var out []params.Example
	for _, ex := range examples {
		if Admission(ordinalOf(ex), level) > 0 {
			out = append(out, ex)
		}
	}
	return out
}

// SelectCurriculum filters examples for a run at level. Without any
// difficulty tags, or when fewer than minSet survive, the full set is used.
func SelectCurriculum(examples []params.Example, level, minSet int, rng *rand.Rand) []params.Example {
	if !HasDifficulty(examples) {
		return examples
	}
	var out []params.Example
	for _, ex := range examples {
		p := Admission(ordinalOf(ex), level)
		if p >= 1 || (p > 0 && rng.Float64() < p) {
			out = append(out, ex)
		}
	}
	if len(out) < minSet {
		return examples
	}
	return out
}
