package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/perplexistential/twitch-creamery/telemetry"
	"github.com/perplexistential/twitch-creamery/tokenstore"
	"github.com/perplexistential/twitch-creamery/twitchapi"
)

var (
	// ErrReauthenticationRequired means the stored refresh token was
	// rejected; the identity's cache entry has been evicted and the caller
	// must go through the interactive flow instead of retrying refresh.
	ErrReauthenticationRequired = errors.New("oauth: reauthentication required")
	// ErrUnknownIdentity means the identity was never registered with the cache.
	ErrUnknownIdentity = errors.New("oauth: unknown identity")
)

// Authorizer is the interactive token-acquisition path.
type Authorizer interface {
	Authorize(ctx context.Context) (tokenstore.TokenPair, error)
}

// Identity binds a bot name to its provider client and interactive flow.
type Identity struct {
	Name       string
	API        *twitchapi.Client
	Authorizer Authorizer
}

// Cache is the process-wide token cache. Each identity has its own lock, so
// refreshes for one bot never block another; within an identity, refresh and
// interactive authorization are strictly serialized and concurrent callers
// collapse into a single token acquisition.
type Cache struct {
	store  tokenstore.Store
	margin time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu       sync.Mutex
	identity Identity
	pair     tokenstore.TokenPair
	have     bool
}

// NewCache builds a cache backed by store. margin is the expiry window
// within which a cached access token is no longer considered usable;
// non-positive values default to one minute.
func NewCache(store tokenstore.Store, margin time.Duration) *Cache {
	if margin <= 0 {
		margin = time.Minute
	}
	return &Cache{store: store, margin: margin, entries: make(map[string]*entry)}
}

// Register adds an identity. Identities are registered once at startup,
// before any session runs.
func (c *Cache) Register(id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id.Name] = &entry{identity: id}
}

func (c *Cache) entry(name string) (*entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, name)
	}
	return e, nil
}

// GetOrCreate returns the identity's current pair, loading it from the store
// or, on a miss, driving the interactive flow. The identity lock is held for
// the whole acquisition, so N concurrent callers produce exactly one
// interactive authorization and all receive the same pair.
func (c *Cache) GetOrCreate(ctx context.Context, name string) (tokenstore.TokenPair, error) {
	e, err := c.entry(name)
	if err != nil {
		return tokenstore.TokenPair{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	// Re-check under the lock: a concurrent caller may have finished the
	// acquisition while we waited.
	if e.have && !e.pair.Expired(c.margin) {
		return e.pair, nil
	}

	if pair, err := c.store.Load(ctx, name); err == nil && !pair.Expired(c.margin) {
		e.pair, e.have = pair, true
		return pair, nil
	} else if err != nil && !errors.Is(err, tokenstore.ErrNotFound) {
		// Store trouble beyond "absent" (ctx cancellation) still aborts.
		if ctx.Err() != nil {
			return tokenstore.TokenPair{}, ctx.Err()
		}
		slog.Warn("token store load failed; treating as absent", slog.String("identity", name), slog.Any("err", err))
	}

	telemetry.InteractiveAuthsStarted.Inc()
	pair, err := e.identity.Authorizer.Authorize(ctx)
	if err != nil {
		return tokenstore.TokenPair{}, err
	}
	if !pair.Valid() {
		return tokenstore.TokenPair{}, errors.New("oauth: authorizer returned incomplete token pair")
	}
	if err := c.store.Save(ctx, name, pair); err != nil {
		// The pair is already live at the provider; keep serving it and let
		// the next save attempt persist it.
		slog.Warn("token persist failed", slog.String("identity", name), slog.Any("err", err))
	}
	e.pair, e.have = pair, true
	return pair, nil
}

// Refresh performs the non-interactive refresh exchange and atomically
// replaces the cached and persisted pair. Terminal provider rejections evict
// the entry: an invalid refresh token surfaces as
// ErrReauthenticationRequired, a full rejection as
// twitchapi.ErrUnauthorized. Transient failures leave the entry intact for
// retry with backoff.
func (c *Cache) Refresh(ctx context.Context, name string) (tokenstore.TokenPair, error) {
	e, err := c.entry(name)
	if err != nil {
		return tokenstore.TokenPair{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	refreshToken := e.pair.RefreshToken
	if !e.have {
		pair, err := c.store.Load(ctx, name)
		if err != nil {
			return tokenstore.TokenPair{}, fmt.Errorf("%w: no refresh token for %s", ErrReauthenticationRequired, name)
		}
		refreshToken = pair.RefreshToken
	}

	start := time.Now()
	res, err := e.identity.API.Refresh(ctx, refreshToken)
	telemetry.RefreshDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.RefreshesFailed.Inc()
		switch {
		case errors.Is(err, twitchapi.ErrInvalidRefreshToken):
			c.evict(ctx, e, name)
			return tokenstore.TokenPair{}, fmt.Errorf("%w: %v", ErrReauthenticationRequired, err)
		case errors.Is(err, twitchapi.ErrUnauthorized):
			c.evict(ctx, e, name)
			return tokenstore.TokenPair{}, err
		}
		return tokenstore.TokenPair{}, err
	}

	pair := tokenstore.TokenPair{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ObtainedAt:   time.Now().UTC(),
		ExpiresAt:    twitchapi.ComputeExpiry(res.ExpiresIn),
	}
	if err := c.store.Save(ctx, name, pair); err != nil {
		// The provider already rotated the pair; the in-memory copy is the
		// only valid one, so it must replace the cache regardless.
		slog.Warn("token persist failed", slog.String("identity", name), slog.Any("err", err))
	}
	e.pair, e.have = pair, true
	telemetry.RefreshesSucceeded.Inc()
	slog.Info("token refreshed", slog.String("identity", name))
	return pair, nil
}

// evict drops the entry's pair and best-effort removes the persisted record:
// a terminally rejected pair must not be reloaded from the store on the next
// acquisition. Caller holds e.mu.
func (c *Cache) evict(ctx context.Context, e *entry, name string) {
	e.pair, e.have = tokenstore.TokenPair{}, false
	if err := c.store.Delete(ctx, name); err != nil {
		slog.Warn("token record delete failed", slog.String("identity", name), slog.Any("err", err))
	}
}

// Peek returns the cached pair without touching the store or provider.
// Diagnostics only; absent entries return ok=false.
func (c *Cache) Peek(name string) (tokenstore.TokenPair, bool) {
	e, err := c.entry(name)
	if err != nil {
		return tokenstore.TokenPair{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pair, e.have
}
