package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/perplexistential/twitch-creamery/oauth"
	"github.com/perplexistential/twitch-creamery/subs"
	"github.com/perplexistential/twitch-creamery/telemetry"
	"github.com/perplexistential/twitch-creamery/twitchapi"
)

// State is the session lifecycle state.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateConnected       State = "connected"
	StateDegraded        State = "degraded"
	StateClosed          State = "closed"
)

// leaveReason says why the serve loop left the connected state.
type leaveReason int

const (
	leaveShutdown leaveReason = iota
	leaveTokenExpired
	leaveDisconnected
	leaveReauthRequired
	leaveUnauthorized
)

// Session owns one realtime connection for one bot identity. Run drives the
// state machine: obtain token, connect, subscribe, serve, and recover from
// expiry and transport drops without operator intervention. A session's
// fatal error is scoped to its bot; the supervisor keeps siblings running.
type Session struct {
	Name     string
	Topics   []subs.Topic
	Cache    *oauth.Cache
	Dialer   Dialer
	Subs     *subs.Manager
	Handlers []Handler

	// Timing knobs; zero values pick conservative defaults.
	ConnectTimeout  time.Duration // bound on a single dial (default 30s)
	RefreshInterval time.Duration // proactive refresh cadence when expiry is unknown (default 30m)
	RefreshMargin   time.Duration // refresh when remaining lifetime <= margin (default 15m)
	RetryInterval   time.Duration // failed-subscription retry cadence (default 10s)
	MaxRetries      int           // bounded recovery budget before going fatal (default 5)
	RetryDelay      time.Duration // base reconnect backoff (default 5s)

	mu    sync.Mutex
	state State
	conn  Connection
	log   *slog.Logger
}

// ChatSender is implemented by connections that can send chat lines.
type ChatSender interface {
	Say(ctx context.Context, channel, text string) error
}

// Say sends a chat line over the live connection. It fails when the session
// is not connected or the transport cannot speak.
func (s *Session) Say(ctx context.Context, channel, text string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("bot: not connected")
	}
	cs, ok := conn.(ChatSender)
	if !ok {
		return errors.New("bot: transport cannot send chat messages")
	}
	return cs.Say(ctx, channel, text)
}

func (s *Session) defaults() {
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = 30 * time.Second
	}
	if s.RefreshInterval <= 0 {
		s.RefreshInterval = 30 * time.Minute
	}
	if s.RefreshMargin <= 0 {
		s.RefreshMargin = 15 * time.Minute
	}
	if s.RetryInterval <= 0 {
		s.RetryInterval = 10 * time.Second
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 5
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = 5 * time.Second
	}
	if s.log == nil {
		s.log = slog.Default().With(slog.String("bot", s.Name))
	}
	if s.state == "" {
		s.state = StateUnauthenticated
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == "" {
		return StateUnauthenticated
	}
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev == next {
		return
	}
	telemetry.SetSessionState(string(prev), string(next))
	s.log.Info("session state", slog.String("from", string(prev)), slog.String("to", string(next)))
}

// Run drives the session until a clean shutdown (nil) or a bot-scoped fatal
// error. All waits are cancellable through ctx.
func (s *Session) Run(ctx context.Context) error {
	s.defaults()
	telemetry.SetSessionState("", string(s.State()))
	defer s.setState(StateClosed)

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.setState(StateAuthenticating)

		sctx, span := telemetry.StartSpan(ctx, "bot", "session.authenticate")
		pair, err := s.Cache.GetOrCreate(sctx, s.Name)
		telemetry.EndSpan(span, err)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, twitchapi.ErrUnauthorized) || errors.Is(err, oauth.ErrUnknownIdentity) {
				telemetry.SessionFatal.Inc()
				return fmt.Errorf("bot %s: authentication failed: %w", s.Name, err)
			}
			// AuthTimeout and transient failures get a bounded retry budget.
			failures++
			if failures > s.MaxRetries {
				telemetry.SessionFatal.Inc()
				return fmt.Errorf("bot %s: authentication retries exhausted: %w", s.Name, err)
			}
			s.log.Warn("authentication attempt failed", slog.Int("attempt", failures), slog.Any("err", err))
			if !s.sleep(ctx, s.backoff(failures)) {
				return nil
			}
			continue
		}

		dctx, cancel := context.WithTimeout(ctx, s.ConnectTimeout)
		conn, err := s.Dialer.Dial(dctx, pair.AccessToken)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if failures > s.MaxRetries {
				telemetry.SessionFatal.Inc()
				return fmt.Errorf("bot %s: connect retries exhausted: %w", s.Name, err)
			}
			s.log.Warn("connect failed", slog.Int("attempt", failures), slog.Any("err", err))
			if !s.sleep(ctx, s.backoff(failures)) {
				return nil
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.setState(StateConnected)
		failures = 0
		for _, r := range s.Subs.SubscribeAll(ctx, conn, s.Topics) {
			if r.Err != nil {
				s.log.Warn("topic subscribe failed; scheduled for retry", slog.String("topic", r.Topic.String()), slog.Any("err", r.Err))
			}
		}
		for _, h := range s.Handlers {
			h.OnReady(ctx, s)
		}

		reason := s.serve(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		// Leaving the connected state invalidates every live subscription;
		// they are re-issued on the next connect, never assumed durable.
		s.Subs.Invalidate()
		if err := conn.Close(); err != nil {
			s.log.Warn("connection close", slog.Any("err", err))
		}

		switch reason {
		case leaveShutdown:
			return nil
		case leaveUnauthorized:
			telemetry.SessionFatal.Inc()
			return fmt.Errorf("bot %s: %w", s.Name, twitchapi.ErrUnauthorized)
		case leaveTokenExpired:
			s.setState(StateDegraded)
			telemetry.Reconnects.Inc()
			if _, err := s.Cache.Refresh(ctx, s.Name); err != nil {
				switch {
				case errors.Is(err, oauth.ErrReauthenticationRequired):
					// Entry evicted; the next authenticate pass takes the
					// interactive path.
					s.log.Warn("refresh token rejected; falling back to interactive authorization")
				case errors.Is(err, twitchapi.ErrUnauthorized):
					telemetry.SessionFatal.Inc()
					return fmt.Errorf("bot %s: %w", s.Name, err)
				default:
					if ctx.Err() != nil {
						return nil
					}
					failures++
					if failures > s.MaxRetries {
						telemetry.SessionFatal.Inc()
						return fmt.Errorf("bot %s: refresh retries exhausted: %w", s.Name, err)
					}
					s.log.Warn("token refresh failed", slog.Int("attempt", failures), slog.Any("err", err))
					if !s.sleep(ctx, s.backoff(failures)) {
						return nil
					}
				}
			}
		case leaveReauthRequired:
			s.setState(StateDegraded)
			telemetry.Reconnects.Inc()
		case leaveDisconnected:
			s.setState(StateDegraded)
			telemetry.Reconnects.Inc()
			failures++
			if failures > s.MaxRetries {
				telemetry.SessionFatal.Inc()
				return fmt.Errorf("bot %s: reconnect retries exhausted", s.Name)
			}
			if !s.sleep(ctx, s.backoff(failures)) {
				return nil
			}
		}
	}
}

// serve routes events and runs the proactive refresh timer and the
// failed-subscription retry ticker. It returns when the session must leave
// the connected state. Token and connection access stays on this goroutine.
func (s *Session) serve(ctx context.Context, conn Connection) leaveReason {
	refresh := time.NewTimer(s.nextRefreshIn())
	defer refresh.Stop()
	retry := time.NewTicker(s.RetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return leaveShutdown

		case ev, ok := <-conn.Events():
			if !ok {
				return leaveDisconnected
			}
			switch e := ev.(type) {
			case ChatMessage:
				for _, h := range s.Handlers {
					h.OnChatMessage(ctx, s, e)
				}
			case Notification:
				for _, h := range s.Handlers {
					h.OnNotification(ctx, s, e)
				}
			case TokenExpired:
				return leaveTokenExpired
			case Disconnected:
				return leaveDisconnected
			}

		case <-refresh.C:
			sctx, span := telemetry.StartSpan(ctx, "bot", "session.proactive_refresh")
			_, err := s.Cache.Refresh(sctx, s.Name)
			telemetry.EndSpan(span, err)
			switch {
			case err == nil:
				refresh.Reset(s.nextRefreshIn())
			case errors.Is(err, oauth.ErrReauthenticationRequired):
				return leaveReauthRequired
			case errors.Is(err, twitchapi.ErrUnauthorized):
				return leaveUnauthorized
			default:
				if ctx.Err() != nil {
					return leaveShutdown
				}
				// Transient; try again well before the normal horizon.
				s.log.Warn("proactive refresh failed", slog.Any("err", err))
				refresh.Reset(jitter(time.Minute))
			}

		case <-retry.C:
			if s.Subs.Pending() == 0 {
				continue
			}
			for _, r := range s.Subs.RetryFailed(ctx, conn) {
				if r.Err != nil {
					s.log.Warn("topic subscribe retry failed", slog.String("topic", r.Topic.String()), slog.Any("err", r.Err))
				} else {
					s.log.Info("topic subscribed after retry", slog.String("topic", r.Topic.String()))
				}
			}
		}
	}
}

// nextRefreshIn computes the proactive refresh horizon: ahead of the known
// expiry by the configured margin, or on the fixed conservative interval
// when the provider communicated no lifetime. Both are jittered so many
// bots sharing a deployment do not stampede the token endpoint.
func (s *Session) nextRefreshIn() time.Duration {
	pair, ok := s.Cache.Peek(s.Name)
	if !ok || pair.ExpiresAt.IsZero() {
		return jitter(s.RefreshInterval)
	}
	d := time.Until(pair.ExpiresAt) - s.RefreshMargin
	if d < time.Minute {
		d = time.Minute
	}
	return jitter(d)
}

func (s *Session) backoff(attempt int) time.Duration {
	d := s.RetryDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 2*time.Minute {
			return jitter(2 * time.Minute)
		}
	}
	return jitter(d)
}

// sleep waits for d or context cancellation; false means cancelled.
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// jitter spreads d by ±10%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	off := time.Duration(rand.Int63n(int64(d/5)+1)) - d/10
	return d + off
}
