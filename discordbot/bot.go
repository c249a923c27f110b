// Package discordbot serves an engine over a Discord gateway connection.
package discordbot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/cache"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/snowflake/v2"

	"github.com/manningwu07/chatlm/engine"
	"github.com/manningwu07/chatlm/params"
	"github.com/manningwu07/chatlm/store"
	"github.com/manningwu07/chatlm/trainer"
)

// Discord refuses messages longer than this.
const maxMessageLen = 2000

var commands = []discord.ApplicationCommandCreate{
	discord.SlashCommandCreate{
		Name:        "chat",
		Description: "talk to the bot",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionString{
				Name:        "message",
				Description: "What to say",
				Required:    true,
			},
		},
	},
	discord.SlashCommandCreate{
		Name:        "fix",
		Description: "correct the bot's last reply to you",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionString{
				Name:        "correction",
				Description: "What the bot should have said",
				Required:    true,
			},
		},
	},
	discord.SlashCommandCreate{
		Name:        "status",
		Description: "show training progress",
	},
}

type Config struct {
	Token      string
	GuildID    snowflake.ID  // 0 skips slash command registration
	Prefix     string        // message prefix, default "?chat"
	TrainEvery time.Duration // periodic training on stored pairs, 0 disables
}

type exchange struct{ input, reply string }

type Bot struct {
	cfg Config
	eng *engine.Engine
	log *slog.Logger

	mu   sync.Mutex
	last map[snowflake.ID]exchange // per user
}

func New(cfg Config, eng *engine.Engine, logger *slog.Logger) *Bot {
	if cfg.Prefix == "" {
		cfg.Prefix = "?chat"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{cfg: cfg, eng: eng, log: logger, last: make(map[snowflake.ID]exchange)}
}

// Handle routes one message and returns the reply, if any. Recognised forms:
//
//	<prefix> <message>    chat
//	<prefix> fix <text>   correct the last reply to this user
//	<prefix> status       training counters
func (b *Bot) Handle(ctx context.Context, user snowflake.ID, content string) (string, bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, b.cfg.Prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(content, b.cfg.Prefix)
	if rest != "" && !strings.ContainsAny(rest[:1], " \t\n") {
		return "", false // "?chatter" is not "?chat"
	}
	rest = strings.TrimSpace(rest)
	verb, arg, _ := strings.Cut(rest, " ")
	switch strings.ToLower(verb) {
	case "":
		return "", false
	case "status":
		return b.status(), true
	case "fix":
		return b.fix(ctx, user, strings.TrimSpace(arg)), true
	default:
		return b.chat(ctx, user, rest), true
	}
}

func (b *Bot) chat(ctx context.Context, user snowflake.ID, msg string) string {
	resp, err := b.eng.Chat(ctx, msg)
	if err != nil {
		b.log.Error("chat failed", slog.Any("err", err))
		if resp.Text == "" {
			return "Sorry, something went wrong."
		}
	}
	b.mu.Lock()
	b.last[user] = exchange{input: msg, reply: resp.Text}
	b.mu.Unlock()
	return resp.Text
}

func (b *Bot) fix(ctx context.Context, user snowflake.ID, correction string) string {
	b.mu.Lock()
	ex, ok := b.last[user]
	b.mu.Unlock()
	if !ok {
		return "There is nothing to correct yet."
	}
	if correction == "" {
		return "Tell me what I should have said."
	}
	rep, err := b.eng.Feedback(ctx, ex.input, ex.reply, correction, params.Metadata{})
	if err != nil {
		b.log.Error("feedback failed", slog.Any("err", err))
		return fmt.Sprintf("Saved the correction, but training failed: %v", err)
	}
	b.mu.Lock()
	b.last[user] = exchange{input: ex.input, reply: correction}
	b.mu.Unlock()
	return fmt.Sprintf("Thanks! Trained on the correction (loss %.3f).", rep.Loss)
}

func (b *Bot) status() string {
	s := b.eng.Status()
	if !s.Ready {
		return "No model yet. Talk to me and I'll start learning."
	}
	m := s.Metrics
	return fmt.Sprintf("%s model, %d tokens. %d sessions, %d examples, level %s, accuracy %.2f.",
		s.Architecture, s.VocabSize, m.Sessions, m.TotalExamples, params.LevelAt(m.CurrentLevel()), m.Accuracy)
}

func clip(s string) string {
	if r := []rune(s); len(r) > maxMessageLen {
		return string(r[:maxMessageLen])
	}
	return s
}

func (b *Bot) onMessageCreate(event *events.MessageCreate) {
	if event.Message.Author.Bot {
		return
	}
	reply, ok := b.Handle(context.Background(), event.Message.Author.ID, event.Message.Content)
	if !ok || reply == "" {
		return
	}
	if _, err := event.Client().Rest().CreateMessage(event.ChannelID,
		discord.NewMessageCreateBuilder().SetContent(clip(reply)).Build()); err != nil {
		b.log.Error("send failed", slog.Any("err", err))
	}
}

func (b *Bot) onCommand(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	ctx := context.Background()
	var reply string
	switch data.CommandName() {
	case "chat":
		reply = b.chat(ctx, event.User().ID, data.String("message"))
	case "fix":
		reply = b.fix(ctx, event.User().ID, data.String("correction"))
	case "status":
		reply = b.status()
	default:
		return
	}
	if err := event.CreateMessage(discord.NewMessageCreateBuilder().SetContent(clip(reply)).Build()); err != nil {
		b.log.Error("interaction reply failed", slog.Any("err", err))
	}
}

// trainLoop retrains on every stored pair each interval until ctx ends.
func (b *Bot) trainLoop(ctx context.Context) {
	t := time.NewTicker(b.cfg.TrainEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rep, err := b.eng.TrainFromStore(ctx, store.Filter{}, trainer.Options{})
			if err != nil {
				b.log.Warn("periodic training skipped", slog.Any("err", err))
				continue
			}
			b.log.Info("periodic training done", slog.Int("examples", rep.Selected), slog.Float64("accuracy", rep.Accuracy))
		}
	}
}

// Run connects to the gateway and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	client, err := disgo.New(b.cfg.Token,
		bot.WithCacheConfigOpts(
			cache.WithCaches(cache.FlagsAll),
		),
		bot.WithGatewayConfigOpts(
			gateway.WithIntents(
				gateway.IntentGuildMessages,
				gateway.IntentDirectMessages,
				gateway.IntentMessageContent,
			),
			gateway.WithRateLimiter(gateway.NewRateLimiter()),
		),
		bot.WithEventListenerFunc(b.onMessageCreate),
		bot.WithEventListenerFunc(b.onCommand),
	)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer client.Close(context.TODO())

	if b.cfg.GuildID != 0 {
		if _, err := client.Rest().SetGuildCommands(client.ApplicationID(), b.cfg.GuildID, commands); err != nil {
			return fmt.Errorf("register commands: %w", err)
		}
	}
	if err := client.OpenGateway(ctx); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	b.log.Info("discord bot running", slog.String("prefix", b.cfg.Prefix))

	if b.cfg.TrainEvery > 0 {
		go b.trainLoop(ctx)
	}
	<-ctx.Done()
	return nil
}
