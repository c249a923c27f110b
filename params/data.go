package params

import (
	"strings"
	"time"
)

// Difficulty is the curriculum level of an example.
type Difficulty string

const (
	Beginner     Difficulty = "beginner"
	Elementary   Difficulty = "elementary"
	Intermediate Difficulty = "intermediate"
	Advanced     Difficulty = "advanced"
	Expert       Difficulty = "expert"
)

// Levels in curriculum order.
var Levels = []Difficulty{Beginner, Elementary, Intermediate, Advanced, Expert}

// Ordinal maps the level to 0..4. ok is false for an empty or unknown tag.
func (d Difficulty) Ordinal() (int, bool) {
	needle := Difficulty(strings.ToLower(strings.TrimSpace(string(d))))
	for i, l := range Levels {
		if l == needle {
			return i, true
		}
	}
	return 0, false
}

// LevelAt returns the level for an ordinal, clamped to the valid range.
func LevelAt(ordinal int) Difficulty {
	if ordinal < 0 {
		ordinal = 0
	}
	if ordinal >= len(Levels) {
		ordinal = len(Levels) - 1
	}
	return Levels[ordinal]
}

// Metadata is optional per-example information.
type Metadata struct {
	Language   string     `json:"language,omitempty"`
	Difficulty Difficulty `json:"difficulty,omitempty"`
	Topic      string     `json:"topic,omitempty"`
	Source     string     `json:"source,omitempty"` // conversation, feedback, corpus
}

// Example is one (input, output) training pair. Prior is the reply a
// feedback correction replaced; it is empty for other sources.
type Example struct {
	Input  string   `json:"input"`
	Output string   `json:"output"`
	Prior  string   `json:"prior,omitempty"`
	Meta   Metadata `json:"meta"`
}

// Metrics are the cumulative training counters.
type Metrics struct {
	Sessions      int        `json:"sessions"`
	TotalExamples int        `json:"total_examples"`
	LastTrained   time.Time  `json:"last_trained"`
	Accuracy      float64    `json:"accuracy"`
	Loss          float64    `json:"loss"`
	Level         Difficulty `json:"level"`
}

// CurrentLevel returns the curriculum ordinal, beginner when unset.
func (m Metrics) CurrentLevel() int {
	o, _ := m.Level.Ordinal()
	return o
}
