// Package bot contains the per-identity session state machine and the
// supervisor that runs all configured sessions concurrently. The realtime
// transport itself is an external collaborator supplied through the Dialer
// and Connection interfaces; the session only orchestrates connect,
// subscribe, refresh, and recovery.
package bot

import (
	"context"

	"github.com/perplexistential/twitch-creamery/subs"
)

// Event is a typed notification produced by a connection's receive loop.
// Payload schemas are opaque to the session; it only routes them.
type Event interface{ isEvent() }

// ChatMessage is a chat line received on a joined channel.
type ChatMessage struct {
	Channel string
	User    string
	Text    string
}

// Notification is a platform notification for a subscribed topic (bits,
// channel points, moderation actions, ...). Payload is opaque to the core.
type Notification struct {
	Topic   subs.Topic
	Payload any
}

// TokenExpired signals that the platform rejected the live token.
type TokenExpired struct{}

// Disconnected signals that the transport dropped.
type Disconnected struct {
	Err error
}

func (ChatMessage) isEvent()  {}
func (Notification) isEvent() {}
func (TokenExpired) isEvent() {}
func (Disconnected) isEvent() {}

// Connection is one live realtime connection. Send issues a subscription
// request; Events delivers the typed notification stream. The channel is
// closed when the connection is torn down.
type Connection interface {
	Send(ctx context.Context, req subs.Request) error
	Events() <-chan Event
	Close() error
}

// Dialer opens a connection authenticated with the given access token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Connection, error)
}

// Handler reacts to routed events. Cogs implement this; the session fans
// every event out to all of the bot's handlers.
type Handler interface {
	// OnReady is called on every transition into the connected state.
	OnReady(ctx context.Context, b *Session)
	OnChatMessage(ctx context.Context, b *Session, msg ChatMessage)
	OnNotification(ctx context.Context, b *Session, n Notification)
}
