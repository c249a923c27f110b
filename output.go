package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/manningwu07/chatlm/engine"
	"github.com/manningwu07/chatlm/params"
	"github.com/manningwu07/chatlm/trainer"
)

// plotAccuracy draws a vertical bar per epoch, accuracy in 0..1.
func plotAccuracy(w io.Writer, epochs []trainer.EpochStats) {
	const height = 10
	if len(epochs) == 0 {
		fmt.Fprintln(w, "no data to plot")
		return
	}
	var b strings.Builder
	for row := height; row >= 1; row-- {
		threshold := float64(row) / float64(height)
		for _, e := range epochs {
			if e.Accuracy >= threshold {
				b.WriteString("█")
			} else {
				b.WriteString(" ")
			}
		}
		b.WriteString("\n")
	}
	b.WriteString(strings.Repeat("─", len(epochs)) + "\n")
	for i := range epochs {
		if i%5 == 0 {
			b.WriteString(strconv.Itoa(i % 10))
		} else {
			b.WriteString(" ")
		}
	}
	b.WriteString("\n")
	io.WriteString(w, b.String())
}

func printReport(w io.Writer, rep trainer.Report) {
	fmt.Fprintf(w, "Trained on %d of the examples (%d train / %d validation).\n", rep.Selected, rep.Train, rep.Validation)
	for _, e := range rep.Epochs {
		fmt.Fprintf(w, "Epoch %d - Accuracy: %.4f, Loss: %.4f", e.Epoch, e.Accuracy, e.Loss)
		if rep.Validation > 0 {
			fmt.Fprintf(w, ", Val Accuracy: %.4f, Val Loss: %.4f", e.ValAccuracy, e.ValLoss)
		}
		fmt.Fprintf(w, " (%s)\n", e.Elapsed.Round(1e6))
	}
	if rep.Advanced {
		fmt.Fprintf(w, "Curriculum advanced to %s.\n", rep.Metrics.Level)
	}
}

func printStatus(w io.Writer, s engine.Status) {
	if !s.Ready {
		fmt.Fprintln(w, "No model yet. Run `fit` or `train` first.")
		return
	}
	m := s.Metrics
	fmt.Fprintf(w, "Architecture:   %s\n", s.Architecture)
	fmt.Fprintf(w, "Vocabulary:     %d tokens\n", s.VocabSize)
	fmt.Fprintf(w, "Sessions:       %d\n", m.Sessions)
	fmt.Fprintf(w, "Examples seen:  %d\n", m.TotalExamples)
	fmt.Fprintf(w, "Level:          %s\n", params.LevelAt(m.CurrentLevel()))
	fmt.Fprintf(w, "Last accuracy:  %.4f (loss %.4f)\n", m.Accuracy, m.Loss)
	if !m.LastTrained.IsZero() {
		fmt.Fprintf(w, "Last trained:   %s\n", m.LastTrained.Format("2006-01-02 15:04:05"))
	}
	if s.Topic != "" {
		fmt.Fprintf(w, "Topic:          %s\n", s.Topic)
	}
}
