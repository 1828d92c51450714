package cogs

import (
	"context"
	"log/slog"

	"github.com/perplexistential/twitch-creamery/bot"
	"github.com/perplexistential/twitch-creamery/subs"
)

func init() {
	Register("events", func(data map[string]any) (bot.Handler, error) {
		return &eventsCog{}, nil
	})
}

// eventsCog logs platform notifications (bits, channel points, moderation
// actions, ...) routed to the bot. Payload schemas stay opaque; only the
// topic is interpreted.
type eventsCog struct{}

func (c *eventsCog) OnReady(ctx context.Context, b *bot.Session) {
	slog.Info("events cog is ready", slog.String("bot", b.Name))
}

func (c *eventsCog) OnChatMessage(ctx context.Context, b *bot.Session, msg bot.ChatMessage) {}

func (c *eventsCog) OnNotification(ctx context.Context, b *bot.Session, n bot.Notification) {
	log := slog.With(slog.String("bot", b.Name), slog.String("channel", n.Topic.Channel))
	switch n.Topic.Kind {
	case subs.KindBits:
		log.Info("bits redeemed", slog.Any("event", n.Payload))
	case subs.KindBitsBadge:
		log.Info("bits badge earned", slog.Any("event", n.Payload))
	case subs.KindChannelPoints:
		log.Info("channel points redeemed", slog.Any("event", n.Payload))
	case subs.KindModerationAction:
		log.Info("moderation action", slog.String("moderator", n.Topic.Target), slog.Any("event", n.Payload))
	case subs.KindChannelSubscription:
		log.Info("channel subscription", slog.Any("event", n.Payload))
	case subs.KindWhispers:
		log.Info("whisper", slog.Any("event", n.Payload))
	default:
		log.Info("notification", slog.String("kind", string(n.Topic.Kind)), slog.Any("event", n.Payload))
	}
}
