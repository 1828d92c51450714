package tokenstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/perplexistential/twitch-creamery/crypto"
)

func testSealer(t *testing.T) crypto.Sealer {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s, err := crypto.NewAESSealer(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("NewAESSealer: %v", err)
	}
	return s
}

func testPair() TokenPair {
	return TokenPair{
		AccessToken:  "acc-1",
		RefreshToken: "ref-1",
		ObtainedAt:   time.Now().UTC().Truncate(time.Second),
		ExpiresAt:    time.Now().UTC().Add(time.Hour).Truncate(time.Second),
	}
}

func TestTokenPairValid(t *testing.T) {
	tests := []struct {
		name string
		pair TokenPair
		want bool
	}{
		{"complete", TokenPair{AccessToken: "a", RefreshToken: "r"}, true},
		{"missing access", TokenPair{RefreshToken: "r"}, false},
		{"missing refresh", TokenPair{AccessToken: "a"}, false},
		{"empty", TokenPair{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pair.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTokenPairExpired(t *testing.T) {
	margin := time.Minute
	tests := []struct {
		name string
		exp  time.Time
		want bool
	}{
		{"far future", time.Now().Add(time.Hour), false},
		{"inside margin", time.Now().Add(30 * time.Second), true},
		{"past", time.Now().Add(-time.Hour), true},
		{"unknown lifetime never expires", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := TokenPair{AccessToken: "a", RefreshToken: "r", ExpiresAt: tt.exp}
			if got := p.Expired(margin); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFileStoreRoundtrip(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), testSealer(t))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	pair := testPair()
	if err := fs.Save(ctx, "somebot", pair); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := fs.Load(ctx, "somebot")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.AccessToken != pair.AccessToken || got.RefreshToken != pair.RefreshToken {
		t.Errorf("Load = %+v, want %+v", got, pair)
	}
	if !got.ExpiresAt.Equal(pair.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, pair.ExpiresAt)
	}
}

func TestFileStoreMissingIsNotFound(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), testSealer(t))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := fs.Load(context.Background(), "never-saved"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load error = %v, want ErrNotFound", err)
	}
}

func TestFileStoreCorruptIsNotFound(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, testSealer(t))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	if err := fs.Save(ctx, "somebot", testPair()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "somebot.token"), []byte("not a sealed record"), 0o600); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}
	if _, err := fs.Load(ctx, "somebot"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load error = %v, want ErrNotFound", err)
	}
}

func TestFileStoreWrongKeyIsNotFound(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, testSealer(t))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	if err := fs.Save(ctx, "somebot", testPair()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Same files, rotated key: every record is unreadable and must be treated
	// as absent, not fatal.
	fs2 := &FileStore{Dir: dir, Sealer: testSealer(t)}
	if _, err := fs2.Load(ctx, "somebot"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load error = %v, want ErrNotFound", err)
	}
}

func TestFileStoreRefusesIncompletePair(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), testSealer(t))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := fs.Save(context.Background(), "somebot", TokenPair{AccessToken: "only-access"}); err == nil {
		t.Error("expected error persisting incomplete pair")
	}
}

func TestFileStoreOverwrite(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), testSealer(t))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	if err := fs.Save(ctx, "somebot", testPair()); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	next := TokenPair{AccessToken: "acc-2", RefreshToken: "ref-2", ObtainedAt: time.Now().UTC()}
	if err := fs.Save(ctx, "somebot", next); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	got, err := fs.Load(ctx, "somebot")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.AccessToken != "acc-2" || got.RefreshToken != "ref-2" {
		t.Errorf("Load = %+v, want replaced pair", got)
	}
}

func TestFileStorePathSanitization(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, testSealer(t))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	if err := fs.Save(ctx, "../evil", testPair()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one record file in %s, got %d", dir, len(entries))
	}
	if _, err := fs.Load(ctx, "../evil"); err != nil {
		t.Errorf("Load after sanitized save: %v", err)
	}
}
