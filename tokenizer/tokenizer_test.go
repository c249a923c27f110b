package tokenizer

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/manningwu07/chatlm/errs"
	"github.com/manningwu07/chatlm/params"
)

func fitted(t *testing.T) *Tokenizer {
	t.Helper()
	tk := New()
	tk.Fit([]string{"hello world", "hello there"})
	return tk
}

func TestFitReservedAndLearned(t *testing.T) {
	tk := fitted(t)
	v := tk.Vocabulary()
	for id, s := range params.Special {
		if v.IDToToken[id] != s || v.TokenToID[s] != id {
			t.Fatalf("reserved %q not at id %d", s, id)
		}
	}
	if !tk.IsSubWord("hell") || !tk.IsSubWord("##llo") {
		t.Fatal(`expected sub-words "hell" and "##llo"`)
	}
	if !tk.IsSubWord("##he") || tk.IsSubWord("##hel") {
		t.Fatal("continuation fragments come only from inside words")
	}
	if _, ok := v.TokenToID["hello"]; !ok || tk.IsSubWord("hello") {
		t.Fatal(`expected whole word "hello"`)
	}
	// count 2 ties broken lexicographically; "#" sorts before letters
	if v.IDToToken[len(params.Special)] != "##el" {
		t.Fatalf("first learned token = %q, want \"##el\"", v.IDToToken[len(params.Special)])
	}
	if v.TokenToID["he"] == 0 || v.TokenToID["hel"] == 0 {
		t.Fatal("word-initial fragments missing")
	}
	if v.Size() != len(v.TokenToID) {
		t.Fatalf("size %d != map size %d", v.Size(), len(v.TokenToID))
	}
}

func TestFitIdempotent(t *testing.T) {
	corpus := []string{"the cat sat", "on the mat", "The Cat ran"}
	a, b := New(), New()
	a.Fit(corpus)
	b.Fit(corpus)
	b.Fit(corpus)
	if !reflect.DeepEqual(a.Vocabulary().IDToToken, b.Vocabulary().IDToToken) {
		t.Fatal("refitting the same corpus changed id assignment")
	}
}

func TestEncodeLayout(t *testing.T) {
	tk := fitted(t)
	ids, err := tk.Encode("Hello World", 6)
	if err != nil {
		t.Fatal(err)
	}
	v := tk.Vocabulary()
	want := []int{params.StartID, v.TokenToID["hello"], v.TokenToID["world"], params.EndID, params.PadID, params.PadID}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("got %v want %v", ids, want)
	}
}

func TestEncodeTruncatesKeepingEnd(t *testing.T) {
	tk := fitted(t)
	ids, err := tk.Encode("hello world there hello world", 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 4 || ids[0] != params.StartID || ids[3] != params.EndID {
		t.Fatalf("bad truncation %v", ids)
	}
}

func TestEncodeSubWordsAndUnknownRuns(t *testing.T) {
	tk := fitted(t)
	v := tk.Vocabulary()

	ids, _ := tk.Encode("hellothere", 8)
	want := []int{params.StartID, v.TokenToID["hell"], params.UnknownID, v.TokenToID["##here"], params.EndID, params.PadID, params.PadID, params.PadID}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("got %v want %v", ids, want)
	}

	// a run of unmatched characters collapses into one <unk>
	ids, _ = tk.Encode("xyz", 4)
	if !reflect.DeepEqual(ids, []int{params.StartID, params.UnknownID, params.EndID, params.PadID}) {
		t.Fatalf("unknown run: %v", ids)
	}
}

func TestDecode(t *testing.T) {
	tk := fitted(t)
	v := tk.Vocabulary()
	ids := []int{params.StartID, v.TokenToID["hell"], v.TokenToID["##lo"], v.TokenToID["world"], params.UnknownID, params.EndID, v.TokenToID["there"]}
	got, err := tk.Decode(ids)
	if err != nil {
		t.Fatal(err)
	}
	if want := "hello world " + UnknownGlyph; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	ids, _ = tk.Encode("hellothere hello", 10)
	if got, _ := tk.Decode(ids); got != "hell "+UnknownGlyph+"here hello" {
		t.Fatalf("fragments after <unk> decoded as %q", got)
	}
	if got, _ := tk.Decode([]int{9999}); got != UnknownGlyph {
		t.Fatalf("out-of-range id decoded as %q", got)
	}
}

func TestRoundTrip(t *testing.T) {
	tk := New()
	tk.Fit([]string{"the quick brown fox", "jumps over the lazy dog", "hello there"})
	for _, text := range []string{
		"The quick brown fox",
		"the lazy dog jumps over",
		"HELLO there",
		"fox",
		"over the dog the lazy fox",
		// not in the vocabulary: rebuilt from "ther" + "##ell"
		"therell therell hello",
	} {
		ids, err := tk.Encode(text, 12)
		if err != nil {
			t.Fatal(err)
		}
		if len(ids) != 12 {
			t.Fatalf("len %d", len(ids))
		}
		out, err := tk.Decode(ids)
		if err != nil {
			t.Fatal(err)
		}
		if out != strings.ToLower(text) {
			t.Fatalf("round trip %q -> %q", text, out)
		}
	}
}

func TestNotInitialized(t *testing.T) {
	tk := New()
	if _, err := tk.Encode("hi", 8); !errors.Is(err, errs.ErrNotInitialized) {
		t.Fatalf("encode on empty vocab: %v", err)
	}
	if _, err := tk.Decode([]int{2, 3}); !errors.Is(err, errs.ErrNotInitialized) {
		t.Fatalf("decode on empty vocab: %v", err)
	}
	tk.Fit(nil)
	if _, err := tk.Encode("hi", 8); !errors.Is(err, errs.ErrNotInitialized) {
		t.Fatalf("encode after empty fit: %v", err)
	}
}

func TestEncodeRejectsShortLength(t *testing.T) {
	tk := fitted(t)
	if _, err := tk.Encode("hello", 1); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("got %v", err)
	}
}

func TestVocabJSON(t *testing.T) {
	tk := fitted(t)
	var buf bytes.Buffer
	if err := tk.WriteVocabJSON(&buf); err != nil {
		t.Fatal(err)
	}
	back, err := ReadVocabJSON(&buf)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := tk.Encode("hello there world", 8)
	b, _ := back.Encode("hello there world", 8)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("restored tokenizer encodes differently: %v vs %v", a, b)
	}
	if !back.IsSubWord("hell") {
		t.Fatal("sub-word set lost")
	}
}

func TestFromVocabularyRejectsBadReserved(t *testing.T) {
	_, err := FromVocabulary(params.Vocabulary{IDToToken: []string{"<pad>", "x", "<start>", "<end>", "y"}})
	if !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("got %v", err)
	}
}
