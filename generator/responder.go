package generator

import (
	"math/rand"
	"strings"
	"sync"

	"github.com/manningwu07/chatlm/tokenizer"
)

// Category is the keyword class of an input used by the rule-based responder.
type Category string

const (
	Greeting Category = "greeting"
	Farewell Category = "farewell"
	Identity Category = "identity" // questions about the assistant itself
	Learning Category = "learning"
	Generic  Category = "generic"
)

var categoryKeywords = []struct {
	cat   Category
	words []string
}{
	{Greeting, []string{"hello", "hi", "hey", "greetings", "good morning", "good afternoon", "good evening", "howdy"}},
	{Farewell, []string{"bye", "goodbye", "see you", "farewell", "good night", "later", "take care"}},
	{Identity, []string{"who are you", "what are you", "your name", "about yourself", "are you a bot", "are you human"}},
	{Learning, []string{"learn", "learning", "train", "training", "teach", "study", "improve", "remember"}},
}

var replies = map[Category][]string{
	Greeting: {
		"Hello! How can I help you today?",
		"Hi there! What would you like to talk about?",
		"Hey! Good to see you.",
	},
	Farewell: {
		"Goodbye! Talk to you soon.",
		"See you later!",
		"Take care!",
	},
	Identity: {
		"I'm a small language model that learns from our conversations.",
		"I'm a chat assistant trained right here on your conversations.",
	},
	Learning: {
		"I learn from every conversation. Corrections help me most.",
		"I'm still learning. If I get something wrong, send me the right answer.",
	},
	Generic: {
		"I see. Tell me more.",
		"Interesting. Could you say more about that?",
		"I'm still learning, but I'm listening.",
		"Got it.",
	},
}

// Classify returns the first category whose keywords appear in input.
// Single words must match a whole word, phrases match anywhere.
func Classify(input string) Category {
	words := tokenizer.Words(input)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[strings.Trim(w, ".,!?;:'\"")] = true
	}
	joined := " " + strings.Join(words, " ") + " "
	for _, c := range categoryKeywords {
		for _, kw := range c.words {
			if strings.Contains(kw, " ") {
				if strings.Contains(joined, " "+kw) {
					return c.cat
				}
				continue
			}
			if set[kw] {
				return c.cat
			}
		}
	}
	return Generic
}

// Responder produces canned replies for an undertrained or failing model.
type Responder struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewResponder(rng *rand.Rand) *Responder {
	return &Responder{rng: rng}
}

func (r *Responder) Respond(input string) string {
	opts := replies[Classify(input)]
	r.mu.Lock()
	defer r.mu.Unlock()
	return opts[r.rng.Intn(len(opts))]
}

var topicKeywords = []struct {
	topic string
	words []string
}{
	{"weather", []string{"weather", "rain", "sunny", "snow", "temperature", "forecast", "cold", "hot"}},
	{"technology", []string{"computer", "software", "code", "programming", "internet", "phone", "ai", "app"}},
	{"food", []string{"food", "eat", "cook", "recipe", "dinner", "lunch", "breakfast", "hungry"}},
	{"sports", []string{"sport", "sports", "football", "soccer", "basketball", "game", "team", "match"}},
	{"music", []string{"music", "song", "band", "album", "guitar", "piano", "sing"}},
	{"travel", []string{"travel", "trip", "flight", "vacation", "hotel", "country", "city"}},
	{"health", []string{"health", "doctor", "sick", "exercise", "sleep", "medicine", "tired"}},
	{"work", []string{"work", "job", "office", "boss", "meeting", "project", "career"}},
}

// DetectTopic returns the first topic with a keyword in input, or "".
func DetectTopic(input string) string {
	for _, w := range tokenizer.Words(input) {
		w = strings.Trim(w, ".,!?;:'\"")
		for _, t := range topicKeywords {
			for _, kw := range t.words {
				if w == kw {
					return t.topic
				}
			}
		}
	}
	return ""
}
