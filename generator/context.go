package generator

import (
	"sync"
	"time"
)

// Turn is one exchange held in the conversation context.
type Turn struct {
	Input     string    `json:"input"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// Context is a bounded ring of recent turns plus the last detected topic.
// The oldest turn is dropped once the ring is full.
type Context struct {
	mu    sync.Mutex
	turns []Turn
	head  int // index of the oldest turn once full
	size  int
	topic string
}

func NewContext(capacity int) *Context {
	if capacity <= 0 {
		capacity = 50
	}
	return &Context{turns: make([]Turn, capacity)}
}

func (c *Context) Add(t Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.size < len(c.turns) {
		c.turns[(c.head+c.size)%len(c.turns)] = t
		c.size++
		return
	}
	c.turns[c.head] = t
	c.head = (c.head + 1) % len(c.turns)
}

// Turns returns the held turns, oldest first.
func (c *Context) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, c.size)
	for i := range out {
		out[i] = c.turns[(c.head+i)%len(c.turns)]
	}
	return out
}

func (c *Context) Last() (Turn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.size == 0 {
		return Turn{}, false
	}
	return c.turns[(c.head+c.size-1)%len(c.turns)], true
}

// ReplaceLastResponse swaps the response of the most recent turn for
// correction when that turn was (input, prior).
func (c *Context) ReplaceLastResponse(input, prior, correction string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.size == 0 {
		return false
	}
	i := (c.head + c.size - 1) % len(c.turns)
	if c.turns[i].Input != input || c.turns[i].Response != prior {
		return false
	}
	c.turns[i].Response = correction
	return true
}

func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *Context) Cap() int { return len(c.turns) }

func (c *Context) Topic() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topic
}

// SetTopic keeps the previous topic when t is empty.
func (c *Context) SetTopic(t string) {
	if t == "" {
		return
	}
	c.mu.Lock()
	c.topic = t
	c.mu.Unlock()
}
