package cogs

import (
	"context"
	"log/slog"
	"strings"

	"github.com/perplexistential/twitch-creamery/bot"
)

func init() {
	Register("echo", func(data map[string]any) (bot.Handler, error) {
		prefix := "!"
		if p, ok := data["prefix"].(string); ok && p != "" {
			prefix = p
		}
		return &echoCog{prefix: prefix}, nil
	})
}

// echoCog logs every chat line and answers the hello command.
type echoCog struct {
	prefix string
}

func (c *echoCog) OnReady(ctx context.Context, b *bot.Session) {
	slog.Info("echo cog is ready", slog.String("bot", b.Name))
}

func (c *echoCog) OnChatMessage(ctx context.Context, b *bot.Session, msg bot.ChatMessage) {
	slog.Info("chat", slog.String("bot", b.Name), slog.String("channel", msg.Channel), slog.String("user", msg.User), slog.String("text", msg.Text))
	if strings.TrimSpace(msg.Text) != c.prefix+"hello" {
		return
	}
	reply := "Hello from " + b.Name + ", " + msg.User + "!"
	if err := b.Say(ctx, msg.Channel, reply); err != nil {
		slog.Warn("echo reply failed", slog.String("bot", b.Name), slog.Any("err", err))
	}
}

func (c *echoCog) OnNotification(ctx context.Context, b *bot.Session, n bot.Notification) {}
