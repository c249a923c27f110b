package IO

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/manningwu07/chatlm/errs"
	"github.com/manningwu07/chatlm/params"
	"github.com/manningwu07/chatlm/store"
)

// Longest line kept from a corpus file, in bytes.
const maxLineBytes = 1 << 20

// ReadCorpusFile returns the non-empty, trimmed lines of a text corpus.
func ReadCorpusFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		if ln := strings.TrimSpace(sc.Text()); ln != "" {
			lines = append(lines, ln)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}

// ReadPairsFile reads tab-separated "input<TAB>output[<TAB>difficulty[<TAB>topic]]"
// lines. Lines starting with # are comments.
func ReadPairsFile(path string) ([]params.Example, error) {
	lines, err := ReadCorpusFile(path)
	if err != nil {
		return nil, err
	}
	var out []params.Example
	for i, ln := range lines {
		if strings.HasPrefix(ln, "#") {
			continue
		}
		cols := strings.Split(ln, "\t")
		if len(cols) < 2 || strings.TrimSpace(cols[0]) == "" || strings.TrimSpace(cols[1]) == "" {
			return nil, fmt.Errorf("%s:%d: want input<TAB>output: %w", path, i+1, errs.ErrInvalidInput)
		}
		ex := params.Example{
			Input:  strings.TrimSpace(cols[0]),
			Output: strings.TrimSpace(cols[1]),
			Meta:   params.Metadata{Source: store.SourceCorpus},
		}
		if len(cols) > 2 {
			d := params.Difficulty(strings.ToLower(strings.TrimSpace(cols[2])))
			if _, ok := d.Ordinal(); !ok && d != "" {
				return nil, fmt.Errorf("%s:%d: difficulty %q: %w", path, i+1, cols[2], errs.ErrInvalidInput)
			}
			ex.Meta.Difficulty = d
		}
		if len(cols) > 3 {
			ex.Meta.Topic = strings.TrimSpace(cols[3])
		}
		out = append(out, ex)
	}
	return out, nil
}

// FindCorpusFiles lists the .txt files under root in lexical order.
func FindCorpusFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(d.Name()), ".txt") {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

// Sentences splits text after every '.', '!' or '?' run.
func Sentences(text string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if s := strings.Join(strings.Fields(cur.String()), " "); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	rs := []rune(text)
	for i, r := range rs {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if i+1 < len(rs) && (rs[i+1] == '.' || rs[i+1] == '!' || rs[i+1] == '?') {
				continue
			}
			flush()
		}
	}
	flush()
	return out
}

// MineAdjacentPairs turns consecutive sentences into (sentence, next) examples.
func MineAdjacentPairs(text string) []params.Example {
	s := Sentences(text)
	if len(s) < 2 {
		return nil
	}
	out := make([]params.Example, 0, len(s)-1)
	for i := 0; i+1 < len(s); i++ {
		out = append(out, params.Example{
			Input:  s[i],
			Output: s[i+1],
			Meta:   params.Metadata{Source: store.SourceCorpus},
		})
	}
	return out
}
