package tokenstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/perplexistential/twitch-creamery/crypto"
)

// FileStore keeps one sealed blob file per identity under Dir. The file name
// is derived from the identity name; writes go through a temp file and
// rename so a crash never leaves a half-written record.
type FileStore struct {
	Dir    string
	Sealer crypto.Sealer
}

// NewFileStore creates Dir if needed.
func NewFileStore(dir string, sealer crypto.Sealer) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("tokenstore: empty directory")
	}
	if sealer == nil {
		return nil, fmt.Errorf("tokenstore: nil sealer")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("tokenstore: create dir: %w", err)
	}
	return &FileStore{Dir: dir, Sealer: sealer}, nil
}

func (fs *FileStore) path(identity string) string {
	// Identity names come from validated configuration, but keep path
	// separators out of file names regardless.
	name := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(identity)
	return filepath.Join(fs.Dir, name+".token")
}

// Save atomically replaces the identity's record.
func (fs *FileStore) Save(ctx context.Context, identity string, pair TokenPair) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sealed, err := sealPair(fs.Sealer, pair)
	if err != nil {
		return err
	}
	dst := fs.path(identity)
	tmp, err := os.CreateTemp(fs.Dir, "."+filepath.Base(dst)+".tmp-")
	if err != nil {
		return fmt.Errorf("tokenstore: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(sealed); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("tokenstore: write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("tokenstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("tokenstore: replace record: %w", err)
	}
	return nil
}

// Delete removes the identity's record; a missing file is fine.
func (fs *FileStore) Delete(ctx context.Context, identity string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(fs.path(identity)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("tokenstore: delete record: %w", err)
	}
	return nil
}

// Load returns the stored pair, or ErrNotFound for missing or unreadable
// records.
func (fs *FileStore) Load(ctx context.Context, identity string) (TokenPair, error) {
	if err := ctx.Err(); err != nil {
		return TokenPair{}, err
	}
	sealed, err := os.ReadFile(fs.path(identity))
	if err != nil {
		return TokenPair{}, ErrNotFound
	}
	return openPair(fs.Sealer, strings.TrimSpace(string(sealed)))
}
