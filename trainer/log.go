package trainer

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"
)

var csvHeader = []string{"time", "session", "epoch", "loss", "accuracy", "val_loss", "val_accuracy", "elapsed_ms"}

// epochLog appends one CSV row per epoch. A nil *epochLog discards rows.
type epochLog struct {
	f *os.File
	w *csv.Writer
}

func openEpochLog(path string) (*epochLog, error) {
	if path == "" {
		return nil, nil
	}
	st, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l := &epochLog{f: f, w: csv.NewWriter(f)}
	if statErr != nil || st.Size() == 0 {
		l.w.Write(csvHeader)
	}
	return l, nil
}

func (l *epochLog) write(session int, s EpochStats) {
	if l == nil {
		return
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }
	l.w.Write([]string{
		time.Now().UTC().Format(time.RFC3339),
		strconv.Itoa(session),
		strconv.Itoa(s.Epoch),
		f(s.Loss),
		f(s.Accuracy),
		f(s.ValLoss),
		f(s.ValAccuracy),
		strconv.FormatInt(s.Elapsed.Milliseconds(), 10),
	})
	l.w.Flush()
}

func (l *epochLog) Close() error {
	if l == nil {
		return nil
	}
	l.w.Flush()
	return l.f.Close()
}
