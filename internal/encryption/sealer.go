package encryption

import (
	"context"
	"fmt"

	"github.com/tink-crypto/tink-go/v2/tink"
)

// sealedPrefix marks sealed cache payloads, so a plaintext cache written by
// an unencrypted deployment is detected rather than mis-decrypted.
var sealedPrefix = []byte("msid-enc:")

// Sealer protects a serialized token cache at rest. The identity parameter
// (file path, storage key) is bound into the ciphertext as associated data
// so a sealed cache cannot be replayed under a different identity.
type Sealer interface {
	Seal(ctx context.Context, cache []byte, identity string) ([]byte, error)
	Open(ctx context.Context, sealed []byte, identity string) ([]byte, error)
	Close() error
}

// Plaintext is the pass-through Sealer for caches persisted without
// encryption.
type Plaintext struct{}

func (Plaintext) Seal(_ context.Context, cache []byte, _ string) ([]byte, error) {
	return cache, nil
}

func (Plaintext) Open(_ context.Context, sealed []byte, _ string) ([]byte, error) {
	return sealed, nil
}

func (Plaintext) Close() error { return nil }

// AEADSealer seals cache payloads with a Tink AEAD primitive.
type AEADSealer struct {
	aead tink.AEAD
}

// NewAEADSealer creates a Sealer over a Tink AEAD.
func NewAEADSealer(aead tink.AEAD) *AEADSealer {
	return &AEADSealer{aead: aead}
}

func (s *AEADSealer) Seal(_ context.Context, cache []byte, identity string) ([]byte, error) {
	ciphertext, err := s.aead.Encrypt(cache, []byte(identity))
	if err != nil {
		return nil, fmt.Errorf("sealing cache: %w", err)
	}
	return append(append([]byte{}, sealedPrefix...), ciphertext...), nil
}

func (s *AEADSealer) Open(_ context.Context, sealed []byte, identity string) ([]byte, error) {
	if len(sealed) < len(sealedPrefix) || string(sealed[:len(sealedPrefix)]) != string(sealedPrefix) {
		return nil, fmt.Errorf("missing %q prefix: cache may be unencrypted or corrupted", sealedPrefix)
	}

	plaintext, err := s.aead.Decrypt(sealed[len(sealedPrefix):], []byte(identity))
	if err != nil {
		return nil, fmt.Errorf("opening sealed cache: %w", err)
	}
	return plaintext, nil
}

func (s *AEADSealer) Close() error {
	if closer, ok := s.aead.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
