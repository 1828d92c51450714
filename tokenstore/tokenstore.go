// Package tokenstore persists OAuth token pairs per bot identity, sealed at
// rest. Two backends share one record format: a Postgres table for
// multi-host deployments and a directory of blob files for single-host
// installs. A missing, corrupt, or undecryptable record is reported as
// ErrNotFound so callers fall back to interactive authorization instead of
// crashing.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/perplexistential/twitch-creamery/crypto"
)

// ErrNotFound indicates there is no usable stored token for an identity.
var ErrNotFound = errors.New("tokenstore: no stored token")

// TokenPair is an access/refresh token pair. Twitch rotates both tokens on
// every refresh, so the pair is only ever replaced as a unit.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ObtainedAt   time.Time `json:"obtained_at"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Valid reports whether both token fields are present. Pairs failing this
// check must never be cached or persisted.
func (p TokenPair) Valid() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}

// Expired reports whether the access token is past its known lifetime, with
// a safety margin. Unknown expiry (zero ExpiresAt) is never considered
// expired; proactive refresh handles that case on a fixed interval.
func (p TokenPair) Expired(margin time.Duration) bool {
	if p.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(p.ExpiresAt) <= margin
}

// Store is the persistence contract for token pairs.
type Store interface {
	// Save atomically replaces the stored pair for an identity.
	Save(ctx context.Context, identity string, pair TokenPair) error
	// Load returns the stored pair, or ErrNotFound when absent or unreadable.
	Load(ctx context.Context, identity string) (TokenPair, error)
	// Delete removes the stored pair. Deleting an absent record is not an
	// error.
	Delete(ctx context.Context, identity string) error
}

func sealPair(sealer crypto.Sealer, pair TokenPair) (string, error) {
	if !pair.Valid() {
		return "", fmt.Errorf("tokenstore: refusing to persist incomplete token pair")
	}
	raw, err := json.Marshal(pair)
	if err != nil {
		return "", fmt.Errorf("tokenstore: marshal record: %w", err)
	}
	sealed, err := crypto.SealString(sealer, string(raw))
	if err != nil {
		return "", fmt.Errorf("tokenstore: seal record: %w", err)
	}
	return sealed, nil
}

func openPair(sealer crypto.Sealer, sealed string) (TokenPair, error) {
	raw, err := crypto.OpenString(sealer, sealed)
	if err != nil {
		// Undecryptable records (rotated key, tampering, disk corruption) are
		// treated as absent, never fatal.
		return TokenPair{}, ErrNotFound
	}
	var pair TokenPair
	if err := json.Unmarshal([]byte(raw), &pair); err != nil {
		return TokenPair{}, ErrNotFound
	}
	if !pair.Valid() {
		return TokenPair{}, ErrNotFound
	}
	return pair, nil
}
