// Package tokenizer maps text to fixed-length id sequences and back using a
// vocabulary of whole words plus 2–4 character sub-word fragments.
//
// Fragments that start a word are stored as-is and share an id with an equal
// whole word. Fragments from inside a word carry ContinuationPrefix, so Decode
// knows exactly where each word begins.
package tokenizer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sugarme/tokenizer/normalizer"

	"github.com/manningwu07/chatlm/errs"
	"github.com/manningwu07/chatlm/params"
)

// UnknownGlyph is what Decode prints for <unk>.
const UnknownGlyph = "�"

// ContinuationPrefix marks a fragment that continues the previous one.
const ContinuationPrefix = "##"

const (
	minPiece = 2
	maxPiece = 4
)

// pieceKey is the vocabulary key of a fragment starting at rune offset at.
func pieceKey(piece string, at int) string {
	if at == 0 {
		return piece
	}
	return ContinuationPrefix + piece
}

// Tokenizer holds a vocabulary built by Fit (or restored from storage).
// The zero value is unfit; Encode and Decode return errs.ErrNotInitialized.
type Tokenizer struct {
	vocab    params.Vocabulary
	subWords map[string]struct{}
}

func New() *Tokenizer {
	return &Tokenizer{}
}

// FromVocabulary restores a tokenizer from a persisted vocabulary.
func FromVocabulary(v params.Vocabulary) (*Tokenizer, error) {
	if len(v.IDToToken) < len(params.Special) {
		return nil, fmt.Errorf("vocabulary has %d entries: %w", len(v.IDToToken), errs.ErrInvalidInput)
	}
	for id, tok := range params.Special {
		if v.IDToToken[id] != tok {
			return nil, fmt.Errorf("reserved id %d is %q, want %q: %w", id, v.IDToToken[id], tok, errs.ErrInvalidInput)
		}
	}
	t := &Tokenizer{}
	t.install(append([]string(nil), v.IDToToken...), v.SubWords)
	return t, nil
}

// Normalize lower-cases text the same way for fitting and encoding.
func Normalize(text string) string {
	return normalizer.NewNormalizedFrom(text).Lowercase().GetNormalized()
}

// Words lower-cases and whitespace-splits text.
func Words(text string) []string {
	return strings.Fields(Normalize(text))
}

type counted struct {
	tok   string
	count int
}

// sortCounts orders by count descending, then lexicographically.
func sortCounts(cnt map[string]int) []counted {
	arr := make([]counted, 0, len(cnt))
	for k, v := range cnt {
		arr = append(arr, counted{k, v})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].count == arr[j].count {
			return arr[i].tok < arr[j].tok
		}
		return arr[i].count > arr[j].count
	})
	return arr
}

// Fit rebuilds the vocabulary from corpus, replacing any previous one.
func (t *Tokenizer) Fit(corpus []string) {
	wordFreq := make(map[string]int)
	for _, text := range corpus {
		for _, w := range Words(text) {
			wordFreq[w]++
		}
	}

	// character n-grams weighted by the frequency of the word they came from
	pieceFreq := make(map[string]int)
	for w, f := range wordFreq {
		runes := []rune(w)
		if len(runes) < 2 {
			continue
		}
		for n := minPiece; n <= maxPiece; n++ {
			for i := 0; i+n <= len(runes); i++ {
				pieceFreq[pieceKey(string(runes[i:i+n]), i)] += f
			}
		}
	}

	idToToken := append([]string{}, params.Special...)
	seen := make(map[string]bool, len(idToToken))
	for _, s := range params.Special {
		seen[s] = true
	}

	pieces := sortCounts(pieceFreq)
	if len(pieces) > params.MaxSubWords {
		pieces = pieces[:params.MaxSubWords]
	}
	subWords := make([]string, 0, len(pieces))
	for _, p := range pieces {
		if seen[p.tok] {
			continue
		}
		seen[p.tok] = true
		idToToken = append(idToToken, p.tok)
		subWords = append(subWords, p.tok)
	}

	for _, w := range sortCounts(wordFreq) {
		if seen[w.tok] {
			continue
		}
		seen[w.tok] = true
		idToToken = append(idToToken, w.tok)
	}

	t.install(idToToken, subWords)
}

func (t *Tokenizer) install(idToToken, subWords []string) {
	tok2id := make(map[string]int, len(idToToken))
	for i, tok := range idToToken {
		tok2id[tok] = i
	}
	sw := make(map[string]struct{}, len(subWords))
	for _, s := range subWords {
		sw[s] = struct{}{}
	}
	t.vocab = params.Vocabulary{
		TokenToID: tok2id,
		IDToToken: idToToken,
		SubWords:  append([]string(nil), subWords...),
	}
	t.subWords = sw
}

// Ready reports whether the vocabulary holds any learned entries.
func (t *Tokenizer) Ready() bool {
	return t != nil && len(t.vocab.IDToToken) > len(params.Special)
}

func (t *Tokenizer) VocabSize() int {
	return len(t.vocab.IDToToken)
}

// Vocabulary returns a copy suitable for persistence.
func (t *Tokenizer) Vocabulary() params.Vocabulary {
	v := params.Vocabulary{
		TokenToID: make(map[string]int, len(t.vocab.TokenToID)),
		IDToToken: append([]string(nil), t.vocab.IDToToken...),
		SubWords:  append([]string(nil), t.vocab.SubWords...),
	}
	for k, id := range t.vocab.TokenToID {
		v.TokenToID[k] = id
	}
	return v
}

func (t *Tokenizer) IsSubWord(tok string) bool {
	_, ok := t.subWords[tok]
	return ok
}

// continues reports whether tok glues onto the word before it.
func (t *Tokenizer) continues(tok string) bool {
	return strings.HasPrefix(tok, ContinuationPrefix) && t.IsSubWord(tok)
}

// Token returns the string for id, or "" when out of range.
func (t *Tokenizer) Token(id int) string {
	if id < 0 || id >= len(t.vocab.IDToToken) {
		return ""
	}
	return t.vocab.IDToToken[id]
}

// Encode returns exactly maxLength ids: START, the text's tokens, END, then
// PAD. Long inputs are cut so END always fits.
func (t *Tokenizer) Encode(text string, maxLength int) ([]int, error) {
	if !t.Ready() {
		return nil, fmt.Errorf("encode: %w", errs.ErrNotInitialized)
	}
	if maxLength < 2 {
		return nil, fmt.Errorf("encode: maxLength %d < 2: %w", maxLength, errs.ErrInvalidInput)
	}
	ids := []int{params.StartID}
	for _, w := range Words(text) {
		if id, ok := t.vocab.TokenToID[w]; ok {
			ids = append(ids, id)
			continue
		}
		ids = append(ids, t.segment(w)...)
	}
	if len(ids)+1 > maxLength {
		ids = ids[:maxLength-1]
	}
	ids = append(ids, params.EndID)
	for len(ids) < maxLength {
		ids = append(ids, params.PadID)
	}
	return ids, nil
}

// segment greedily matches the longest sub-word (4 down to 2 characters) at
// each position, word-initial fragments at offset 0 and continuation
// fragments after it. A run of unmatched characters becomes a single <unk>.
func (t *Tokenizer) segment(w string) []int {
	runes := []rune(w)
	var out []int
	inUnknown := false
	for i := 0; i < len(runes); {
		take, key := 0, ""
		for n := maxPiece; n >= minPiece; n-- {
			if i+n > len(runes) {
				continue
			}
			k := pieceKey(string(runes[i:i+n]), i)
			if _, ok := t.subWords[k]; ok {
				take, key = n, k
				break
			}
		}
		if take == 0 {
			if !inUnknown {
				out = append(out, params.UnknownID)
				inUnknown = true
			}
			i++
			continue
		}
		out = append(out, t.vocab.TokenToID[key])
		inUnknown = false
		i += take
	}
	return out
}

// Decode turns ids back into text. PAD and START are skipped, decoding stops
// at the first END, and continuation fragments are glued onto the word before
// them. Every other token starts a new word.
func (t *Tokenizer) Decode(ids []int) (string, error) {
	if !t.Ready() {
		return "", fmt.Errorf("decode: %w", errs.ErrNotInitialized)
	}
	var words []string
	var piece strings.Builder
	flush := func() {
		if piece.Len() > 0 {
			words = append(words, piece.String())
			piece.Reset()
		}
	}
	for _, id := range ids {
		if id == params.EndID {
			break
		}
		if id == params.PadID || id == params.StartID {
			continue
		}
		tok := t.Token(id)
		if tok == "" || id == params.UnknownID {
			flush()
			piece.WriteString(UnknownGlyph)
			continue
		}
		if t.continues(tok) {
			piece.WriteString(strings.TrimPrefix(tok, ContinuationPrefix))
			continue
		}
		flush()
		piece.WriteString(tok)
	}
	flush()
	return strings.Join(words, " "), nil
}
