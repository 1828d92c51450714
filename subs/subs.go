// Package subs tracks the declared set of topics a bot session must keep
// subscribed and issues the subscription requests against a live connection.
// Declared topics are immutable for the session; the live subscription state
// is reconnect-scoped and torn down by Invalidate on every disconnect.
package subs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/perplexistential/twitch-creamery/telemetry"
)

// Kind enumerates the subscribable event stream kinds.
type Kind string

const (
	KindChatChannel         Kind = "chat-channel"
	KindBits                Kind = "bits"
	KindBitsBadge           Kind = "bits-badge"
	KindChannelPoints       Kind = "channel-points"
	KindModerationAction    Kind = "moderation-action"
	KindChannelSubscription Kind = "channel-subscription"
	KindWhispers            Kind = "whispers"
	KindWebhookEvent        Kind = "webhook-event"
)

var kinds = map[Kind]bool{
	KindChatChannel:         true,
	KindBits:                true,
	KindBitsBadge:           true,
	KindChannelPoints:       true,
	KindModerationAction:    true,
	KindChannelSubscription: true,
	KindWhispers:            true,
	KindWebhookEvent:        true,
}

// ParseKind validates a configuration-declared topic kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !kinds[k] {
		return "", fmt.Errorf("unknown topic kind %q", s)
	}
	return k, nil
}

// NeedsChannelID reports whether subscribing this kind requires the numeric
// channel id (resolved lazily from the channel login).
func (k Kind) NeedsChannelID() bool {
	switch k {
	case KindChatChannel, KindWhispers:
		return false
	}
	return true
}

// Topic describes one subscribable event stream. Target is an optional
// sub-target such as a moderator id for moderation-action topics.
type Topic struct {
	Kind    Kind
	Channel string
	Target  string
}

func (t Topic) String() string {
	if t.Target != "" {
		return fmt.Sprintf("%s/%s/%s", t.Kind, t.Channel, t.Target)
	}
	return fmt.Sprintf("%s/%s", t.Kind, t.Channel)
}

// Request is the resolved subscription request sent over a connection.
type Request struct {
	Topic     Topic
	ChannelID string
}

// Sender issues subscription requests; satisfied by the session's live
// connection.
type Sender interface {
	Send(ctx context.Context, req Request) error
}

// Resolver resolves a channel login to its numeric id. Satisfied by
// twitchapi.HelixClient.
type Resolver interface {
	GetUserID(ctx context.Context, login string) (string, error)
}

// Result records one topic's subscribe outcome.
type Result struct {
	Topic Topic
	Err   error
}

type topicState struct {
	subscribed bool
	attempts   int
	lastErr    error
	nextRetry  time.Time
}

// Manager issues and re-issues topic subscriptions. Failed topics are
// retried on an exponential schedule capped at MaxAttempts without blocking
// the topics that succeeded. Channel-id lookups are performed lazily on
// first use and cached for the manager's lifetime.
type Manager struct {
	resolver    Resolver
	maxAttempts int
	baseDelay   time.Duration

	mu     sync.Mutex
	ids    map[string]string // login -> id, session-scoped
	states map[Topic]*topicState
}

// NewManager builds a manager. maxAttempts and baseDelay fall back to 5 and
// 2s when non-positive.
func NewManager(resolver Resolver, maxAttempts int, baseDelay time.Duration) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	return &Manager{
		resolver:    resolver,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		ids:         make(map[string]string),
		states:      make(map[Topic]*topicState),
	}
}

func (m *Manager) channelID(ctx context.Context, login string) (string, error) {
	if id, ok := m.ids[login]; ok {
		return id, nil
	}
	if m.resolver == nil {
		return "", fmt.Errorf("no resolver configured for channel %q", login)
	}
	id, err := m.resolver.GetUserID(ctx, login)
	if err != nil {
		return "", fmt.Errorf("resolve channel %q: %w", login, err)
	}
	m.ids[login] = id
	return id, nil
}

func (m *Manager) issue(ctx context.Context, conn Sender, t Topic, st *topicState) error {
	req := Request{Topic: t}
	if t.Kind.NeedsChannelID() {
		id, err := m.channelID(ctx, t.Channel)
		if err != nil {
			return err
		}
		req.ChannelID = id
	}
	telemetry.SubscribeAttempts.Inc()
	if err := conn.Send(ctx, req); err != nil {
		telemetry.SubscribeFailures.Inc()
		return err
	}
	return nil
}

// SubscribeAll issues subscription requests for every declared topic against
// a fresh connection and returns an outcome per topic. Partial failure is
// expected: failed topics are scheduled for retry, successes are recorded
// and never re-issued on RetryFailed.
func (m *Manager) SubscribeAll(ctx context.Context, conn Sender, topics []Topic) []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Fresh connection: all live-subscription records start over.
	m.states = make(map[Topic]*topicState, len(topics))
	results := make([]Result, 0, len(topics))
	now := time.Now()
	for _, t := range topics {
		st := &topicState{}
		m.states[t] = st
		err := m.issue(ctx, conn, t, st)
		if err != nil {
			st.attempts = 1
			st.lastErr = err
			st.nextRetry = now.Add(m.backoff(st.attempts))
		} else {
			st.subscribed = true
		}
		results = append(results, Result{Topic: t, Err: err})
	}
	return results
}

// RetryFailed re-issues only failed topics whose backoff has elapsed and
// whose attempt budget is not exhausted. Successes and not-yet-due topics
// are untouched.
func (m *Manager) RetryFailed(ctx context.Context, conn Sender) []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []Result
	now := time.Now()
	for t, st := range m.states {
		if st.subscribed || st.attempts >= m.maxAttempts || now.Before(st.nextRetry) {
			continue
		}
		err := m.issue(ctx, conn, t, st)
		if err != nil {
			st.attempts++
			st.lastErr = err
			st.nextRetry = now.Add(m.backoff(st.attempts))
		} else {
			st.subscribed = true
			st.lastErr = nil
		}
		results = append(results, Result{Topic: t, Err: err})
	}
	return results
}

func (m *Manager) backoff(attempts int) time.Duration {
	d := m.baseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= 2*time.Minute {
			return 2 * time.Minute
		}
	}
	return d
}

// Invalidate discards all live-subscription records. Called on every exit
// from the connected state; subscriptions are never assumed durable across
// reconnects. The channel-id cache survives for the session's lifetime.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[Topic]*topicState)
}

// Pending reports how many declared topics are not currently subscribed and
// still have retry budget.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, st := range m.states {
		if !st.subscribed && st.attempts < m.maxAttempts {
			n++
		}
	}
	return n
}

// Subscribed reports whether the topic's live subscription is currently
// established.
func (m *Manager) Subscribed(t Topic) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[t]
	return ok && st.subscribed
}
