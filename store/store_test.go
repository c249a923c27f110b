package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/manningwu07/chatlm/errs"
	"github.com/manningwu07/chatlm/params"
)

type both interface {
	CorpusStore
	ModelStore
}

func stores(t *testing.T) map[string]both {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return map[string]both{"memory": NewMemory(), "sqlite": db}
}

func TestCorpusOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, txt := range []string{"one", "two", "three"} {
				if err := s.AddTrainingText(ctx, txt); err != nil {
					t.Fatal(err)
				}
			}
			texts, err := s.GetTrainingTexts(ctx)
			if err != nil || !reflect.DeepEqual(texts, []string{"one", "two", "three"}) {
				t.Fatalf("texts %v err %v", texts, err)
			}

			s.AddConversation(ctx, "hello", "hi", params.Metadata{Difficulty: params.Beginner, Topic: "greeting"})
			s.AddConversation(ctx, "weather?", "sunny", params.Metadata{Language: "en", Topic: "weather"})
			s.AddFeedback(ctx, "Hello", "Hi", "Hi there, friend!", params.Metadata{})

			all, err := s.GetConversationPairs(ctx, Filter{})
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 3 || all[0].Input != "hello" || all[2].Output != "Hi there, friend!" {
				t.Fatalf("pairs %+v", all)
			}
			if all[0].Meta.Source != SourceConversation || all[2].Meta.Source != SourceFeedback {
				t.Fatalf("sources %q %q", all[0].Meta.Source, all[2].Meta.Source)
			}
			if all[0].Prior != "" || all[2].Prior != "Hi" {
				t.Fatalf("prior replies %q %q", all[0].Prior, all[2].Prior)
			}
			if all[0].Meta.Difficulty != params.Beginner {
				t.Fatalf("difficulty lost: %+v", all[0].Meta)
			}

			fb, _ := s.GetConversationPairs(ctx, Filter{Source: SourceFeedback})
			if len(fb) != 1 || fb[0].Input != "Hello" {
				t.Fatalf("feedback filter %+v", fb)
			}
			w, _ := s.GetConversationPairs(ctx, Filter{Topic: "Weather"})
			if len(w) != 1 || w[0].Output != "sunny" {
				t.Fatalf("topic filter %+v", w)
			}
			recent, _ := s.GetConversationPairs(ctx, Filter{Limit: 2})
			if len(recent) != 2 || recent[0].Input != "weather?" || recent[1].Input != "Hello" {
				t.Fatalf("limit %+v", recent)
			}
		})
	}
}

func TestModelStateAbsentThenSaved(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := s.LoadWeights(ctx); ok || err != nil {
				t.Fatalf("empty store: ok=%v err=%v", ok, err)
			}
			if _, ok, err := s.LoadVocabulary(ctx); ok || err != nil {
				t.Fatalf("empty store: ok=%v err=%v", ok, err)
			}
			if _, ok, err := s.LoadConfig(ctx); ok || err != nil {
				t.Fatalf("empty store: ok=%v err=%v", ok, err)
			}
			if _, ok, err := s.LoadMetrics(ctx); ok || err != nil {
				t.Fatalf("empty store: ok=%v err=%v", ok, err)
			}

			snap := Snapshot{
				Config: params.DefaultModelConfig(),
				Vocabulary: params.Vocabulary{
					TokenToID: map[string]int{"<pad>": 0, "<unk>": 1, "<start>": 2, "<end>": 3, "he": 4},
					IDToToken: []string{"<pad>", "<unk>", "<start>", "<end>", "he"},
					SubWords:  []string{"he"},
				},
				Weights: []byte{1, 2, 3},
				Metrics: params.Metrics{Sessions: 2, TotalExamples: 7, Level: params.Elementary,
					LastTrained: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
			}
			if err := s.SaveSnapshot(ctx, snap); err != nil {
				t.Fatal(err)
			}
			w, ok, err := s.LoadWeights(ctx)
			if !ok || err != nil || !bytes.Equal(w, snap.Weights) {
				t.Fatalf("weights %v ok=%v err=%v", w, ok, err)
			}
			v, _, _ := s.LoadVocabulary(ctx)
			if !reflect.DeepEqual(v, snap.Vocabulary) {
				t.Fatalf("vocab %+v", v)
			}
			c, _, _ := s.LoadConfig(ctx)
			if c != snap.Config {
				t.Fatalf("config %+v", c)
			}
			m, _, _ := s.LoadMetrics(ctx)
			if m.Sessions != 2 || !m.LastTrained.Equal(snap.Metrics.LastTrained) || m.Level != params.Elementary {
				t.Fatalf("metrics %+v", m)
			}

			if err := s.SaveWeights(ctx, []byte{9}); err != nil {
				t.Fatal(err)
			}
			if w, _, _ := s.LoadWeights(ctx); !bytes.Equal(w, []byte{9}) {
				t.Fatalf("overwrite: %v", w)
			}
		})
	}
}

func TestFailuresWrapStorageError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMemory().GetTrainingTexts(ctx); !errors.Is(err, errs.ErrStorage) {
		t.Fatalf("memory: %v", err)
	}

	db, err := OpenSQLite(filepath.Join(t.TempDir(), "closed.db"))
	if err != nil {
		t.Fatal(err)
	}
	db.Close()
	if err := db.SaveConfig(context.Background(), params.DefaultModelConfig()); !errors.Is(err, errs.ErrStorage) {
		t.Fatalf("sqlite: %v", err)
	}
}

func TestSQLitePersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chat.db")
	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	db.AddConversation(ctx, "a", "b", params.Metadata{})
	db.SaveMetrics(ctx, params.Metrics{Sessions: 4})
	db.Close()

	db, err = OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	pairs, _ := db.GetConversationPairs(ctx, Filter{})
	m, ok, _ := db.LoadMetrics(ctx)
	if len(pairs) != 1 || !ok || m.Sessions != 4 {
		t.Fatalf("pairs %v metrics %+v", pairs, m)
	}
}
