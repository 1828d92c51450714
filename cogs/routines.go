package cogs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/perplexistential/twitch-creamery/bot"
)

func init() {
	Register("routines", func(data map[string]any) (bot.Handler, error) {
		c := &routinesCog{interval: 10 * time.Minute}
		if v, ok := data["interval"].(string); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			c.interval = d
		}
		if v, ok := data["message"].(string); ok {
			c.message = v
		}
		if v, ok := data["channel"].(string); ok {
			c.channel = v
		}
		return c, nil
	})
}

// routinesCog announces a configured message on a fixed cadence. The loop is
// started once per session and survives reconnects; sends simply fail while
// the session is not connected.
type routinesCog struct {
	interval time.Duration
	message  string
	channel  string
	once     sync.Once
}

func (c *routinesCog) OnReady(ctx context.Context, b *bot.Session) {
	c.once.Do(func() {
		slog.Info("routines cog is ready", slog.String("bot", b.Name), slog.Duration("interval", c.interval))
		go c.run(ctx, b)
	})
}

func (c *routinesCog) run(ctx context.Context, b *bot.Session) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.message == "" || c.channel == "" {
			slog.Info("routine tick", slog.String("bot", b.Name))
			continue
		}
		if err := b.Say(ctx, c.channel, c.message); err != nil {
			slog.Warn("routine announcement failed", slog.String("bot", b.Name), slog.Any("err", err))
		}
	}
}

func (c *routinesCog) OnChatMessage(ctx context.Context, b *bot.Session, msg bot.ChatMessage) {}

func (c *routinesCog) OnNotification(ctx context.Context, b *bot.Session, n bot.Notification) {}
