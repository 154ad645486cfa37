// Package cachevalkey persists the token cache in Valkey, letting multiple
// processes share one cache through the access aspect pipeline. The whole
// serialized cache lives under a single key: the before hook fetches it, the
// after hook stores it when the access changed the cache (last write wins).
package cachevalkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"

	"github.com/meridianid/msid-go/internal/encryption"
	"github.com/meridianid/msid-go/internal/tokencache"
)

// defaultClientCacheTTL bounds the server-assisted client-side caching of
// the fetched cache blob.
const defaultClientCacheTTL = 10 * time.Second

// Aspect is a Valkey-backed tokencache.AccessAspect.
type Aspect struct {
	client valkey.Client
	key    string
	sealer encryption.Sealer
	ttl    time.Duration
}

// Option configures an Aspect.
type Option func(*Aspect)

// WithSealer seals the stored cache with an AEAD, bound to the storage key.
func WithSealer(sealer encryption.Sealer) Option {
	return func(a *Aspect) { a.sealer = sealer }
}

// WithClientCacheTTL sets the server-assisted client-side caching window for
// reads. Shorter windows see other writers' updates sooner.
func WithClientCacheTTL(ttl time.Duration) Option {
	return func(a *Aspect) { a.ttl = ttl }
}

// New creates a Valkey persistence aspect storing the cache under key.
func New(client valkey.Client, key string, opts ...Option) (*Aspect, error) {
	if key == "" {
		return nil, fmt.Errorf("valkey cache key is required")
	}
	a := &Aspect{
		client: client,
		key:    key,
		sealer: encryption.Plaintext{},
		ttl:    defaultClientCacheTTL,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Connect dials a Valkey server and returns a client suitable for New.
func Connect(address, username, password string, useTLS bool) (valkey.Client, error) {
	opts := valkey.ClientOption{
		InitAddress: []string{address},
		Username:    username,
		Password:    password,
	}
	if useTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return valkey.NewClient(opts)
}

// BeforeCacheAccess fetches the shared cache blob and loads it. A missing
// key leaves the cache untouched.
func (a *Aspect) BeforeCacheAccess(ctx context.Context, access *tokencache.AccessContext) error {
	cmd := a.client.B().Get().Key(a.key).Cache()
	result := a.client.DoCache(ctx, cmd, a.ttl)

	if err := result.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil
		}
		return fmt.Errorf("fetching shared cache %q: %w", a.key, err)
	}

	sealed, err := result.AsBytes()
	if err != nil {
		return fmt.Errorf("reading shared cache %q: %w", a.key, err)
	}

	data, err := a.sealer.Open(ctx, sealed, a.key)
	if err != nil {
		// a corrupted or foreign-keyed blob cannot be recovered; drop it so
		// the next write repopulates the cache
		_ = a.client.Do(ctx, a.client.B().Del().Key(a.key).Build()).Error()
		return fmt.Errorf("unsealing shared cache %q: %w", a.key, err)
	}

	if err := access.Unmarshal(data); err != nil {
		return fmt.Errorf("loading shared cache %q: %w", a.key, err)
	}
	return nil
}

// AfterCacheAccess stores the cache blob when the operation changed it.
func (a *Aspect) AfterCacheAccess(ctx context.Context, access *tokencache.AccessContext) error {
	if !access.HasStateChanged() {
		return nil
	}

	data, err := access.Marshal()
	if err != nil {
		return fmt.Errorf("serializing cache: %w", err)
	}

	sealed, err := a.sealer.Seal(ctx, data, a.key)
	if err != nil {
		return fmt.Errorf("sealing cache: %w", err)
	}

	cmd := a.client.B().Set().Key(a.key).Value(valkey.BinaryString(sealed)).Build()
	if err := a.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("storing shared cache %q: %w", a.key, err)
	}

	log.Debug().Str("key", a.key).Int("bytes", len(sealed)).Msg("shared token cache stored")
	return nil
}

// Close releases the sealer. The Valkey client is owned by the caller.
func (a *Aspect) Close() error {
	return a.sealer.Close()
}
