// Package irc adapts a Twitch IRC chat connection (gempir/go-twitch-irc) to
// the session's Connection contract. It serves chat-channel and whisper
// topics; pubsub-style topics belong to a different transport and are
// rejected per request, which the subscription manager records as that
// topic's failure without affecting the rest.
package irc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/perplexistential/twitch-creamery/bot"
	"github.com/perplexistential/twitch-creamery/subs"
)

// ErrUnsupportedTopic is returned for topic kinds the chat transport cannot
// carry.
var ErrUnsupportedTopic = errors.New("irc: topic kind not carried by chat transport")

// Dialer opens IRC connections for one bot account.
type Dialer struct {
	Username string
	// ConnectTimeout bounds the wait for the IRC welcome; the dial context
	// usually carries a deadline already. Default 20s.
	ConnectTimeout time.Duration
}

// Dial connects to Twitch IRC with the given user access token and returns
// once the server acknowledges the login.
func (d *Dialer) Dial(ctx context.Context, token string) (bot.Connection, error) {
	if d.Username == "" {
		return nil, errors.New("irc: missing bot username")
	}
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	client := twitch.NewClient(d.Username, "oauth:"+strings.TrimPrefix(token, "oauth:"))
	c := &conn{
		client: client,
		events: make(chan bot.Event, 64),
	}

	ready := make(chan struct{})
	connErr := make(chan error, 1)

	client.OnConnect(func() {
		close(ready)
	})
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		c.emit(bot.ChatMessage{Channel: msg.Channel, User: msg.User.Name, Text: msg.Message})
	})
	client.OnWhisperMessage(func(msg twitch.WhisperMessage) {
		c.emit(bot.Notification{
			Topic:   subs.Topic{Kind: subs.KindWhispers, Channel: msg.User.Name},
			Payload: msg,
		})
	})
	client.OnNoticeMessage(func(msg twitch.NoticeMessage) {
		// The server reports a rejected token as a login notice rather than
		// an error on the socket.
		if strings.Contains(strings.ToLower(msg.Message), "authentication failed") {
			c.emit(bot.TokenExpired{})
		}
	})

	go func() {
		err := client.Connect()
		select {
		case connErr <- err:
		default:
		}
		c.shutdown(err)
	}()

	select {
	case <-ready:
		return c, nil
	case err := <-connErr:
		if err == nil {
			err = errors.New("irc: connection closed before welcome")
		}
		return nil, fmt.Errorf("irc: connect: %w", err)
	case <-time.After(timeout):
		_ = client.Disconnect()
		return nil, errors.New("irc: timed out waiting for welcome")
	case <-ctx.Done():
		_ = client.Disconnect()
		return nil, ctx.Err()
	}
}

type conn struct {
	client *twitch.Client
	events chan bot.Event

	mu     sync.Mutex
	closed bool
}

func (c *conn) emit(ev bot.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		// Receiver is not keeping up; drop rather than stall the IRC read
		// loop.
	}
}

// shutdown delivers a final Disconnected event and closes the stream.
func (c *conn) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if err != nil && err != twitch.ErrClientDisconnected {
		select {
		case c.events <- bot.Disconnected{Err: err}:
		default:
		}
	}
	c.closed = true
	close(c.events)
}

// Send maps a resolved subscription request onto the chat transport.
func (c *conn) Send(ctx context.Context, req subs.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch req.Topic.Kind {
	case subs.KindChatChannel:
		c.client.Join(req.Topic.Channel)
		return nil
	case subs.KindWhispers:
		// Whispers arrive on the same connection with no explicit subscribe.
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedTopic, req.Topic.Kind)
	}
}

func (c *conn) Events() <-chan bot.Event { return c.events }

// Say sends a chat line; used by cogs through the session.
func (c *conn) Say(ctx context.Context, channel, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.client.Say(channel, text)
	return nil
}

func (c *conn) Close() error {
	err := c.client.Disconnect()
	c.shutdown(nil)
	if err != nil && err != twitch.ErrConnectionIsNotOpen {
		return err
	}
	return nil
}
