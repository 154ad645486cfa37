package credential

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
)

func init() {
	MustRegisterSigner()
}

// MustRegisterSigner registers the delegating signer for RS256. This must be
// called before any assertion signing operations. It panics if registration
// fails, as this indicates a fundamental configuration error that prevents
// the library from functioning.
func MustRegisterSigner() {
	if err := registerDelegatingSigner(); err != nil {
		panic(fmt.Sprintf("failed to initialize delegating signer: %v", err))
	}
}

// Signer is the capability a certificate credential requires of its key:
// produce an RS256 signature over a payload, and report the key modulus
// length in bits. Implementations exist for in-memory RSA keys and for
// keys held in AWS KMS; neither exposes private key material.
type Signer interface {
	// SignRS256 signs payload with RSASSA-PKCS1-v1.5 over SHA-256.
	SignRS256(ctx context.Context, payload []byte) ([]byte, error)

	// KeyLength returns the RSA modulus length in bits.
	KeyLength() int
}

// rsaSigner signs with an in-memory RSA private key. The key is referenced,
// never copied.
type rsaSigner struct {
	key *rsa.PrivateKey
}

// NewRSASigner creates a Signer backed by an in-memory RSA private key.
func NewRSASigner(key *rsa.PrivateKey) Signer {
	return rsaSigner{key: key}
}

func (s rsaSigner) SignRS256(_ context.Context, payload []byte) ([]byte, error) {
	hash := sha256.Sum256(payload)
	return rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, hash[:])
}

func (s rsaSigner) KeyLength() int {
	return s.key.N.BitLen()
}

// signingKey is the key type passed to jwt.Sign for credential-held keys.
// It carries the request context and the Signer capability so signing can
// happen without exposing key material to the JOSE layer.
type signingKey struct {
	ctx    context.Context
	signer Signer
}

// capabilitySigner implements jws.Signer2 by delegating to the Signer
// capability carried in the signingKey.
type capabilitySigner struct{}

// Algorithm returns the signature algorithm (RS256).
func (capabilitySigner) Algorithm() jwa.SignatureAlgorithm {
	return jwa.RS256()
}

// Sign performs RS256 signing via the Signer capability. The key parameter
// must be a signingKey.
func (capabilitySigner) Sign(key any, payload []byte) ([]byte, error) {
	k, ok := key.(signingKey)
	if !ok {
		return nil, fmt.Errorf("capabilitySigner requires signingKey, got %T", key)
	}
	return k.signer.SignRS256(k.ctx, payload)
}

// delegatingSigner implements jws.Signer2 and dispatches signing operations
// based on key type. This allows the same jwt.Sign() call to serve raw RSA
// keys, JWK-wrapped keys and capability-held keys.
type delegatingSigner struct {
	builtinRS256 jws.Signer2 // for *rsa.PrivateKey and jwk.Key
	capability   jws.Signer2 // for signingKey
}

// Algorithm returns the signature algorithm (RS256).
func (d *delegatingSigner) Algorithm() jwa.SignatureAlgorithm {
	return jwa.RS256()
}

// Sign dispatches to the appropriate signing implementation based on key type.
func (d *delegatingSigner) Sign(key any, payload []byte) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey, jwk.Key:
		return d.builtinRS256.Sign(k, payload)
	case signingKey:
		return d.capability.Sign(k, payload)
	default:
		return nil, fmt.Errorf("unsupported key type for RS256: %T", key)
	}
}

// registerDelegatingSigner replaces the built-in RS256 signer with the
// delegating signer. The built-in signer is captured first so it can still
// serve RSA keys.
func registerDelegatingSigner() error {
	builtin, err := jws.SignerFor(jwa.RS256())
	if err != nil {
		return fmt.Errorf("failed to get built-in RS256 signer: %w", err)
	}

	delegating := &delegatingSigner{
		builtinRS256: builtin,
		capability:   capabilitySigner{},
	}
	if err := jws.RegisterSigner(jwa.RS256(), delegating); err != nil {
		return fmt.Errorf("failed to register delegating signer: %w", err)
	}
	return nil
}
