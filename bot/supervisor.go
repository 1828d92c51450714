package bot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Supervisor runs one session per configured bot identity concurrently.
// Startup is staggered so many bots do not authenticate at once, and a
// session's fatal error is recorded and logged without terminating the
// siblings or the supervisor itself.
type Supervisor struct {
	Stagger time.Duration

	sessions []*Session

	mu    sync.Mutex
	fatal map[string]error
}

// NewSupervisor builds a supervisor over the given sessions.
func NewSupervisor(stagger time.Duration, sessions ...*Session) *Supervisor {
	return &Supervisor{
		Stagger:  stagger,
		sessions: sessions,
		fatal:    make(map[string]error),
	}
}

// Run starts every session and blocks until all have exited (clean shutdown
// or bot-scoped fatal error). The returned error aggregates per-bot fatal
// errors; it is reporting, not a process failure.
func (sv *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i, s := range sv.sessions {
		wg.Add(1)
		go func(delay time.Duration, s *Session) {
			defer wg.Done()
			if delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}
			if err := s.Run(ctx); err != nil {
				slog.Error("bot session terminated", slog.String("bot", s.Name), slog.Any("err", err))
				sv.mu.Lock()
				sv.fatal[s.Name] = err
				sv.mu.Unlock()
			} else {
				slog.Info("bot session exited cleanly", slog.String("bot", s.Name))
			}
		}(time.Duration(i)*sv.Stagger, s)
	}
	wg.Wait()

	sv.mu.Lock()
	defer sv.mu.Unlock()
	errs := make([]error, 0, len(sv.fatal))
	for _, err := range sv.fatal {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Snapshot returns each bot's current state, plus its fatal error text when
// terminated. Used by the status endpoint.
func (sv *Supervisor) Snapshot() map[string]string {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	out := make(map[string]string, len(sv.sessions))
	for _, s := range sv.sessions {
		st := string(s.State())
		if err, ok := sv.fatal[s.Name]; ok {
			st = st + ": " + err.Error()
		}
		out[s.Name] = st
	}
	return out
}
