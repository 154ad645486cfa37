// Package cachefile persists the token cache to a file through the cache
// access aspect pipeline: the file is reloaded before every cache access and
// rewritten after any access that changed the cache. Writes are atomic
// (write-then-rename), and the serialized cache can be sealed with an AEAD.
package cachefile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/meridianid/msid-go/internal/encryption"
	"github.com/meridianid/msid-go/internal/tokencache"
)

// Aspect is a file-backed tokencache.AccessAspect. Concurrent processes
// sharing the file converge by last-write-wins: each reload replaces the
// in-memory cache wholesale.
type Aspect struct {
	path   string
	sealer encryption.Sealer
	mode   os.FileMode
}

// Option configures an Aspect.
type Option func(*Aspect)

// WithSealer seals the file contents with an AEAD, bound to the file path.
func WithSealer(sealer encryption.Sealer) Option {
	return func(a *Aspect) { a.sealer = sealer }
}

// WithFileMode sets the permissions used when creating the cache file.
func WithFileMode(mode os.FileMode) Option {
	return func(a *Aspect) { a.mode = mode }
}

// New creates a file persistence aspect for path. The file need not exist;
// it is created on the first write.
func New(path string, opts ...Option) (*Aspect, error) {
	if path == "" {
		return nil, fmt.Errorf("cache file path is required")
	}
	a := &Aspect{
		path:   path,
		sealer: encryption.Plaintext{},
		mode:   0o600,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// BeforeCacheAccess loads the file into the cache. A missing file leaves the
// cache untouched; a present but unreadable or unopenable file is an error,
// surfaced by the pipeline as a cache-unavailable condition.
func (a *Aspect) BeforeCacheAccess(ctx context.Context, access *tokencache.AccessContext) error {
	sealed, err := os.ReadFile(a.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading cache file %s: %w", a.path, err)
	}
	if len(sealed) == 0 {
		return nil
	}

	data, err := a.sealer.Open(ctx, sealed, a.path)
	if err != nil {
		return fmt.Errorf("unsealing cache file %s: %w", a.path, err)
	}

	if err := access.Unmarshal(data); err != nil {
		return fmt.Errorf("loading cache file %s: %w", a.path, err)
	}
	return nil
}

// AfterCacheAccess persists the cache when the operation changed it.
func (a *Aspect) AfterCacheAccess(ctx context.Context, access *tokencache.AccessContext) error {
	if !access.HasStateChanged() {
		return nil
	}

	data, err := access.Marshal()
	if err != nil {
		return fmt.Errorf("serializing cache: %w", err)
	}

	sealed, err := a.sealer.Seal(ctx, data, a.path)
	if err != nil {
		return fmt.Errorf("sealing cache: %w", err)
	}

	if err := a.writeAtomic(sealed); err != nil {
		return fmt.Errorf("writing cache file %s: %w", a.path, err)
	}

	log.Debug().Str("path", a.path).Int("bytes", len(sealed)).Msg("token cache persisted")
	return nil
}

// writeAtomic writes via a temporary file in the target directory and
// renames it into place, so readers never observe a partial cache.
func (a *Aspect) writeAtomic(data []byte) error {
	dir := filepath.Dir(a.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(a.path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(a.mode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), a.path)
}

// Close releases the sealer's resources.
func (a *Aspect) Close() error {
	return a.sealer.Close()
}
