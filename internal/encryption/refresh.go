package encryption

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// aeadLoader loads an AEAD from external key material. The indirection keeps
// tests free of real KMS/Secrets Manager dependencies.
type aeadLoader func(ctx context.Context) (tink.AEAD, error)

// RefreshableAEAD wraps a tink.AEAD with periodic keyset reload, enabling
// hot key rotation without restarting the embedding process. Reload failures
// are logged and the current keyset stays in use.
type RefreshableAEAD struct {
	mu     sync.RWMutex
	aead   tink.AEAD
	loader aeadLoader
	stopCh chan struct{}
	doneCh chan struct{}
}

// refreshInterval is how often the keyset is reloaded from its source.
const refreshInterval = 15 * time.Minute

// NewRefreshableAEAD creates an AEAD over a KMS-enveloped keyset that
// refreshes periodically. The initial load is synchronous; if it fails no
// background goroutine is started. Call Close to stop the refresh loop.
func NewRefreshableAEAD(ctx context.Context, keysetURI, kmsEnvelopeKeyURI string) (*RefreshableAEAD, error) {
	loader := func(ctx context.Context) (tink.AEAD, error) {
		return NewAEADFromKMS(ctx, keysetURI, kmsEnvelopeKeyURI)
	}
	return newRefreshableAEAD(ctx, loader, refreshInterval)
}

func newRefreshableAEAD(ctx context.Context, loader aeadLoader, interval time.Duration) (*RefreshableAEAD, error) {
	initial, err := loader(ctx)
	if err != nil {
		return nil, err
	}

	r := &RefreshableAEAD{
		aead:   initial,
		loader: loader,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go r.refreshLoop(ctx, interval)

	return r, nil
}

func (r *RefreshableAEAD) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aead.Encrypt(plaintext, associatedData)
}

func (r *RefreshableAEAD) Decrypt(ciphertext, associatedData []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aead.Decrypt(ciphertext, associatedData)
}

// Close stops the refresh loop and waits for it to exit.
func (r *RefreshableAEAD) Close() error {
	close(r.stopCh)
	<-r.doneCh
	return nil
}

func (r *RefreshableAEAD) refreshLoop(ctx context.Context, interval time.Duration) {
	defer close(r.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *RefreshableAEAD) refresh(ctx context.Context) {
	refreshed, err := r.loader(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("cache keyset refresh failed, keeping current keyset")
		return
	}

	r.mu.Lock()
	r.aead = refreshed
	r.mu.Unlock()

	log.Debug().Msg("cache keyset refreshed")
}
