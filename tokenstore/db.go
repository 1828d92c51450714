package tokenstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/perplexistential/twitch-creamery/crypto"
)

// DBStore persists records in the bot_tokens table, one row per identity.
// The upsert is a single statement, so concurrent readers never observe a
// partially replaced pair.
type DBStore struct {
	DB     *sql.DB
	Sealer crypto.Sealer
}

// NewDBStore wires a Postgres-backed store.
func NewDBStore(db *sql.DB, sealer crypto.Sealer) (*DBStore, error) {
	if db == nil {
		return nil, fmt.Errorf("tokenstore: nil db")
	}
	if sealer == nil {
		return nil, fmt.Errorf("tokenstore: nil sealer")
	}
	return &DBStore{DB: db, Sealer: sealer}, nil
}

// Save atomically replaces the identity's row.
func (s *DBStore) Save(ctx context.Context, identity string, pair TokenPair) error {
	sealed, err := sealPair(s.Sealer, pair)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO bot_tokens (identity, record, updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT (identity) DO UPDATE SET record=EXCLUDED.record, updated_at=NOW()`, identity, sealed)
	if err != nil {
		return fmt.Errorf("tokenstore: upsert record: %w", err)
	}
	return nil
}

// Delete removes the identity's row; a missing row is fine.
func (s *DBStore) Delete(ctx context.Context, identity string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM bot_tokens WHERE identity=$1`, identity)
	if err != nil {
		return fmt.Errorf("tokenstore: delete record: %w", err)
	}
	return nil
}

// Load returns the stored pair, or ErrNotFound for missing or unreadable
// rows.
func (s *DBStore) Load(ctx context.Context, identity string) (TokenPair, error) {
	var sealed string
	err := s.DB.QueryRowContext(ctx, `SELECT record FROM bot_tokens WHERE identity=$1`, identity).Scan(&sealed)
	if err != nil {
		if err == sql.ErrNoRows {
			return TokenPair{}, ErrNotFound
		}
		return TokenPair{}, fmt.Errorf("tokenstore: query record: %w", err)
	}
	return openPair(s.Sealer, sealed)
}
