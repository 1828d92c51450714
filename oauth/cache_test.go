package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/perplexistential/twitch-creamery/telemetry"
	"github.com/perplexistential/twitch-creamery/testutil"
	"github.com/perplexistential/twitch-creamery/tokenstore"
	"github.com/perplexistential/twitch-creamery/twitchapi"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

// memStore is an in-memory tokenstore.Store with injectable failures.
type memStore struct {
	mu      sync.Mutex
	pairs   map[string]tokenstore.TokenPair
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{pairs: make(map[string]tokenstore.TokenPair)}
}

func (s *memStore) Save(ctx context.Context, identity string, pair tokenstore.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.pairs[identity] = pair
	return nil
}

func (s *memStore) Load(ctx context.Context, identity string) (tokenstore.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair, ok := s.pairs[identity]
	if !ok {
		return tokenstore.TokenPair{}, tokenstore.ErrNotFound
	}
	return pair, nil
}

func (s *memStore) Delete(ctx context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pairs, identity)
	return nil
}

func (s *memStore) has(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pairs[identity]
	return ok
}

// fakeAuthorizer counts interactive authorizations and hands out sequential
// pairs.
type fakeAuthorizer struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (a *fakeAuthorizer) Authorize(ctx context.Context) (tokenstore.TokenPair, error) {
	n := a.calls.Add(1)
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return tokenstore.TokenPair{}, ctx.Err()
		}
	}
	if a.err != nil {
		return tokenstore.TokenPair{}, a.err
	}
	return tokenstore.TokenPair{
		AccessToken:  fmt.Sprintf("interactive-acc-%d", n),
		RefreshToken: fmt.Sprintf("interactive-ref-%d", n),
		ObtainedAt:   time.Now().UTC(),
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func newTestCache(t *testing.T, store tokenstore.Store, api *twitchapi.Client, auth Authorizer) *Cache {
	t.Helper()
	if api == nil {
		api = &twitchapi.Client{ClientID: "cid", ClientSecret: "sec"}
	}
	c := NewCache(store, time.Minute)
	c.Register(Identity{Name: "somebot", API: api, Authorizer: auth})
	return c
}

func TestGetOrCreateUnknownIdentity(t *testing.T) {
	c := NewCache(newMemStore(), 0)
	if _, err := c.GetOrCreate(context.Background(), "nobody"); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("GetOrCreate error = %v, want ErrUnknownIdentity", err)
	}
}

func TestGetOrCreateUsesStoredPair(t *testing.T) {
	store := newMemStore()
	stored := tokenstore.TokenPair{
		AccessToken:  "stored-acc",
		RefreshToken: "stored-ref",
		ObtainedAt:   time.Now().UTC(),
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	if err := store.Save(context.Background(), "somebot", stored); err != nil {
		t.Fatal(err)
	}
	auth := &fakeAuthorizer{}
	c := newTestCache(t, store, nil, auth)

	pair, err := c.GetOrCreate(context.Background(), "somebot")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if pair.AccessToken != "stored-acc" {
		t.Errorf("got %q, want stored pair", pair.AccessToken)
	}
	if auth.calls.Load() != 0 {
		t.Errorf("interactive flow ran %d times, want 0", auth.calls.Load())
	}
}

func TestGetOrCreateInteractiveOnMiss(t *testing.T) {
	store := newMemStore()
	auth := &fakeAuthorizer{}
	c := newTestCache(t, store, nil, auth)

	pair, err := c.GetOrCreate(context.Background(), "somebot")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if pair.AccessToken != "interactive-acc-1" {
		t.Errorf("got %q, want pair from interactive flow", pair.AccessToken)
	}
	if !store.has("somebot") {
		t.Error("acquired pair was not persisted")
	}
}

func TestGetOrCreateCollapsesConcurrentCallers(t *testing.T) {
	store := newMemStore()
	auth := &fakeAuthorizer{delay: 50 * time.Millisecond}
	c := newTestCache(t, store, nil, auth)

	const callers = 8
	var wg sync.WaitGroup
	pairs := make([]tokenstore.TokenPair, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pairs[i], errs[i] = c.GetOrCreate(context.Background(), "somebot")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if pairs[i] != pairs[0] {
			t.Errorf("caller %d got a different pair", i)
		}
	}
	if got := auth.calls.Load(); got != 1 {
		t.Errorf("interactive flow ran %d times, want 1", got)
	}
}

func TestGetOrCreateSurvivesPersistFailure(t *testing.T) {
	store := newMemStore()
	store.saveErr = errors.New("disk full")
	auth := &fakeAuthorizer{}
	c := newTestCache(t, store, nil, auth)

	pair, err := c.GetOrCreate(context.Background(), "somebot")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !pair.Valid() {
		t.Error("expected a usable pair despite persist failure")
	}
	// The pair is cached; the next call does not re-run the interactive flow.
	if _, err := c.GetOrCreate(context.Background(), "somebot"); err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if got := auth.calls.Load(); got != 1 {
		t.Errorf("interactive flow ran %d times, want 1", got)
	}
}

func TestRefreshRotatesPair(t *testing.T) {
	m := testutil.NewMockIdentityServer(t)
	m.MockRotatingTokens(3600)
	api := &twitchapi.Client{ClientID: "cid", ClientSecret: "sec", AuthBaseURL: m.URL}
	store := newMemStore()
	auth := &fakeAuthorizer{}
	c := newTestCache(t, store, api, auth)

	ctx := context.Background()
	seed, err := c.GetOrCreate(ctx, "somebot")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	refreshed, err := c.Refresh(ctx, "somebot")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.AccessToken == seed.AccessToken || refreshed.RefreshToken == seed.RefreshToken {
		t.Errorf("expected rotated pair, got %+v", refreshed)
	}

	// Cache and store both observe the replacement as a unit.
	cached, ok := c.Peek("somebot")
	if !ok || cached != refreshed {
		t.Errorf("Peek = %+v ok=%v, want refreshed pair", cached, ok)
	}
	persisted, err := store.Load(ctx, "somebot")
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	if persisted.AccessToken != refreshed.AccessToken || persisted.RefreshToken != refreshed.RefreshToken {
		t.Errorf("persisted %+v, want refreshed pair", persisted)
	}
}

func TestRefreshFromStoreWhenCacheCold(t *testing.T) {
	m := testutil.NewMockIdentityServer(t)
	m.MockRotatingTokens(3600)
	api := &twitchapi.Client{ClientID: "cid", ClientSecret: "sec", AuthBaseURL: m.URL}
	store := newMemStore()
	if err := store.Save(context.Background(), "somebot", tokenstore.TokenPair{
		AccessToken: "old-acc", RefreshToken: "old-ref", ObtainedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	c := newTestCache(t, store, api, &fakeAuthorizer{})

	pair, err := c.Refresh(context.Background(), "somebot")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.AccessToken != "token-1" {
		t.Errorf("got %q, want pair from refresh grant", pair.AccessToken)
	}
}

func TestRefreshWithoutAnyTokenRequiresReauth(t *testing.T) {
	c := newTestCache(t, newMemStore(), nil, &fakeAuthorizer{})
	if _, err := c.Refresh(context.Background(), "somebot"); !errors.Is(err, ErrReauthenticationRequired) {
		t.Errorf("Refresh error = %v, want ErrReauthenticationRequired", err)
	}
}

func TestRefreshInvalidTokenEvictsAndFallsBackToInteractive(t *testing.T) {
	m := testutil.NewMockIdentityServer(t)
	m.MockRotatingTokens(3600)
	api := &twitchapi.Client{ClientID: "cid", ClientSecret: "sec", AuthBaseURL: m.URL}
	store := newMemStore()
	auth := &fakeAuthorizer{}
	c := newTestCache(t, store, api, auth)

	ctx := context.Background()
	if _, err := c.GetOrCreate(ctx, "somebot"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	m.MockTokenError(http.StatusBadRequest, "Invalid refresh token")
	if _, err := c.Refresh(ctx, "somebot"); !errors.Is(err, ErrReauthenticationRequired) {
		t.Fatalf("Refresh error = %v, want ErrReauthenticationRequired", err)
	}
	if _, ok := c.Peek("somebot"); ok {
		t.Error("entry still cached after terminal refresh failure")
	}
	if store.has("somebot") {
		t.Error("dead pair still persisted after terminal refresh failure")
	}

	// Recovery path: the next acquisition is interactive.
	m.MockRotatingTokens(3600)
	if _, err := c.GetOrCreate(ctx, "somebot"); err != nil {
		t.Fatalf("GetOrCreate after eviction: %v", err)
	}
	if got := auth.calls.Load(); got != 2 {
		t.Errorf("interactive flow ran %d times, want 2", got)
	}
}

func TestRefreshUnauthorizedEvicts(t *testing.T) {
	m := testutil.NewMockIdentityServer(t)
	m.MockRotatingTokens(3600)
	api := &twitchapi.Client{ClientID: "cid", ClientSecret: "sec", AuthBaseURL: m.URL}
	store := newMemStore()
	c := newTestCache(t, store, api, &fakeAuthorizer{})

	ctx := context.Background()
	if _, err := c.GetOrCreate(ctx, "somebot"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	m.MockTokenError(http.StatusUnauthorized, "Unauthorized")
	if _, err := c.Refresh(ctx, "somebot"); !errors.Is(err, twitchapi.ErrUnauthorized) {
		t.Fatalf("Refresh error = %v, want ErrUnauthorized", err)
	}
	if _, ok := c.Peek("somebot"); ok {
		t.Error("entry still cached after unauthorized refresh")
	}
}

func TestRefreshTransientKeepsEntry(t *testing.T) {
	m := testutil.NewMockIdentityServer(t)
	m.MockRotatingTokens(3600)
	api := &twitchapi.Client{ClientID: "cid", ClientSecret: "sec", AuthBaseURL: m.URL}
	c := newTestCache(t, newMemStore(), api, &fakeAuthorizer{})

	ctx := context.Background()
	seed, err := c.GetOrCreate(ctx, "somebot")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	m.MockTokenError(http.StatusInternalServerError, "oops")
	if _, err := c.Refresh(ctx, "somebot"); err == nil || errors.Is(err, ErrReauthenticationRequired) {
		t.Fatalf("Refresh error = %v, want transient error", err)
	}
	// Transient outage: the old pair stays cached for retry with backoff.
	cached, ok := c.Peek("somebot")
	if !ok || cached.AccessToken != seed.AccessToken {
		t.Errorf("Peek = %+v ok=%v, want original pair retained", cached, ok)
	}
}
