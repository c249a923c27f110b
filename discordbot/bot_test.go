package discordbot

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"testing"

	"github.com/disgoorg/snowflake/v2"

	"github.com/manningwu07/chatlm/engine"
	"github.com/manningwu07/chatlm/params"
)

func testBot() *Bot {
	tc := params.DefaultTrainingConfig()
	tc.FeedbackEpochs = 1
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(
		engine.WithModelConfig(params.ModelConfig{
			Architecture: params.ArchRecurrent,
			DModel:       4,
			NumLayers:    1,
			HiddenSize:   6,
			MaxSeqLen:    6,
			LearningRate: 0.01,
			Temperature:  1,
		}),
		engine.WithTrainingConfig(tc),
		engine.WithRand(rand.New(rand.NewSource(1))),
		engine.WithLogger(logger),
	)
	return New(Config{}, eng, logger)
}

func TestHandleIgnoresOtherMessages(t *testing.T) {
	b := testBot()
	for _, msg := range []string{"hello", "?chatter hi", "?chat", "  ?chat  "} {
		if _, ok := b.Handle(context.Background(), 1, msg); ok {
			t.Errorf("%q should be ignored", msg)
		}
	}
}

func TestHandleChatAndFix(t *testing.T) {
	b := testBot()
	ctx := context.Background()
	user := snowflake.ID(42)

	if reply, _ := b.Handle(ctx, user, "?chat fix that"); !strings.Contains(reply, "nothing to correct") {
		t.Fatalf("fix before chat: %q", reply)
	}
	reply, ok := b.Handle(ctx, user, "?chat Hello there")
	if !ok || reply == "" {
		t.Fatalf("chat reply %q", reply)
	}
	reply, _ = b.Handle(ctx, user, "?chat fix Hi, nice to meet you!")
	if !strings.HasPrefix(reply, "Thanks!") {
		t.Fatalf("fix reply %q", reply)
	}
	if b.last[user].reply != "Hi, nice to meet you!" {
		t.Fatalf("last exchange %+v", b.last[user])
	}
	if reply, _ := b.Handle(ctx, user, "?chat status"); !strings.Contains(reply, "1 sessions") {
		t.Fatalf("status %q", reply)
	}
}

func TestClip(t *testing.T) {
	if got := clip(strings.Repeat("é", maxMessageLen+5)); len([]rune(got)) != maxMessageLen {
		t.Fatalf("clipped to %d runes", len([]rune(got)))
	}
}
