package irc

import (
	"context"
	"errors"
	"testing"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/perplexistential/twitch-creamery/bot"
	"github.com/perplexistential/twitch-creamery/subs"
)

func newTestConn() *conn {
	return &conn{
		client: twitch.NewClient("somebot", "oauth:tok"),
		events: make(chan bot.Event, 4),
	}
}

func TestSendTopicMapping(t *testing.T) {
	c := newTestConn()
	ctx := context.Background()

	if err := c.Send(ctx, subs.Request{Topic: subs.Topic{Kind: subs.KindChatChannel, Channel: "alpha"}}); err != nil {
		t.Errorf("chat topic: %v", err)
	}
	if err := c.Send(ctx, subs.Request{Topic: subs.Topic{Kind: subs.KindWhispers}}); err != nil {
		t.Errorf("whispers topic: %v", err)
	}
	err := c.Send(ctx, subs.Request{Topic: subs.Topic{Kind: subs.KindBits, Channel: "alpha"}, ChannelID: "123"})
	if !errors.Is(err, ErrUnsupportedTopic) {
		t.Errorf("bits topic error = %v, want ErrUnsupportedTopic", err)
	}
}

func TestSendCancelledContext(t *testing.T) {
	c := newTestConn()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Send(ctx, subs.Request{Topic: subs.Topic{Kind: subs.KindChatChannel, Channel: "alpha"}}); !errors.Is(err, context.Canceled) {
		t.Errorf("Send error = %v, want context.Canceled", err)
	}
}

func TestDialRequiresUsername(t *testing.T) {
	if _, err := (&Dialer{}).Dial(context.Background(), "tok"); err == nil {
		t.Error("expected error for missing username")
	}
}

func TestEmitAfterShutdownIsSafe(t *testing.T) {
	c := newTestConn()
	c.shutdown(nil)
	// Must neither panic nor block.
	c.emit(bot.ChatMessage{Channel: "alpha"})
	if _, ok := <-c.events; ok {
		t.Error("events channel delivered after shutdown")
	}
}

func TestShutdownReportsTransportError(t *testing.T) {
	c := newTestConn()
	c.shutdown(errors.New("broken pipe"))
	ev, ok := <-c.events
	if !ok {
		t.Fatal("expected a final Disconnected event")
	}
	if _, isDisc := ev.(bot.Disconnected); !isDisc {
		t.Errorf("final event = %T, want Disconnected", ev)
	}
	if _, ok := <-c.events; ok {
		t.Error("events channel not closed after shutdown")
	}
}

func TestEmitDropsWhenReceiverStalls(t *testing.T) {
	c := &conn{client: twitch.NewClient("somebot", "oauth:tok"), events: make(chan bot.Event, 1)}
	c.emit(bot.ChatMessage{Channel: "a", Text: "one"})
	// Buffer full: the second emit must drop instead of blocking the read loop.
	c.emit(bot.ChatMessage{Channel: "a", Text: "two"})
	ev := <-c.events
	msg, ok := ev.(bot.ChatMessage)
	if !ok || msg.Text != "one" {
		t.Errorf("delivered %v, want the first message", ev)
	}
	select {
	case ev := <-c.events:
		t.Errorf("unexpected second event %v", ev)
	default:
	}
}
