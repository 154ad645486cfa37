// Package credential represents the client credential a confidential
// application uses to authenticate itself to the identity provider, and
// produces the authentication material (shared secret or signed JWT
// assertion) for a token request.
package credential

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pkcs12"

	"github.com/meridianid/msid-go/internal/autherr"
)

// MinKeyBits is the minimum RSA modulus size accepted for certificate
// credentials. Enforced at construction.
const MinKeyBits = 2048

// Kind discriminates the credential variants.
type Kind int

const (
	KindSecret Kind = iota + 1
	KindCertificate
	KindAssertion
	KindManagedIdentity
)

func (k Kind) String() string {
	switch k {
	case KindSecret:
		return "secret"
	case KindCertificate:
		return "certificate"
	case KindAssertion:
		return "assertion"
	case KindManagedIdentity:
		return "managed-identity"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Credential is a tagged variant over the supported client credential types.
// The zero value is invalid; use one of the constructors. For certificate
// credentials the signing key is held behind the Signer capability and is
// never copied.
type Credential struct {
	kind      Kind
	secret    string
	assertion string
	cert      *x509.Certificate
	signer    Signer
}

// Kind returns the credential variant.
func (c Credential) Kind() Kind {
	return c.kind
}

// NewSecret creates a shared-secret credential.
func NewSecret(secret string) (Credential, error) {
	if secret == "" {
		return Credential{}, autherr.Configf("client secret must not be empty")
	}
	return Credential{kind: KindSecret, secret: secret}, nil
}

// NewSignedAssertion creates a credential from a caller-supplied, pre-signed
// client assertion. The caller is responsible for the assertion's freshness.
func NewSignedAssertion(assertion string) (Credential, error) {
	if assertion == "" {
		return Credential{}, autherr.Configf("client assertion must not be empty")
	}
	return Credential{kind: KindAssertion, assertion: assertion}, nil
}

// NewManagedIdentity creates a managed-identity credential. It carries no
// client authentication material: the token exchange is performed against
// the instance metadata endpoint instead of the tenant token endpoint.
func NewManagedIdentity() Credential {
	return Credential{kind: KindManagedIdentity}
}

// NewCertificate creates a certificate credential from an in-memory RSA
// private key and its public certificate. The key is referenced, not copied,
// for the lifetime of the credential.
func NewCertificate(key crypto.PrivateKey, cert *x509.Certificate) (Credential, error) {
	if key == nil {
		return Credential{}, autherr.Configf("certificate private key must not be nil")
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return Credential{}, autherr.Configf("certificate private key must be an RSA key, got %T", key)
	}
	return NewCertificateSigner(NewRSASigner(rsaKey), cert)
}

// NewCertificateSigner creates a certificate credential from a Signer
// capability. This supports keys held outside process memory (for example
// in AWS KMS) that expose only signing and key length.
func NewCertificateSigner(signer Signer, cert *x509.Certificate) (Credential, error) {
	if signer == nil {
		return Credential{}, autherr.Configf("certificate signer must not be nil")
	}
	if cert == nil {
		return Credential{}, autherr.Configf("certificate must not be nil")
	}
	if bits := signer.KeyLength(); bits < MinKeyBits {
		return Credential{}, autherr.Configf("certificate key size must be at least %d bits, got %d", MinKeyBits, bits)
	}
	return Credential{kind: KindCertificate, cert: cert, signer: signer}, nil
}

// NewCertificateFromPKCS12 creates a certificate credential from a
// PKCS#12-encoded byte stream and its passphrase. The first private
// key/certificate pair found is used.
func NewCertificateFromPKCS12(data []byte, password string) (Credential, error) {
	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return Credential{}, &autherr.CryptoError{Op: "PKCS#12 decoding", Err: err}
	}
	return NewCertificate(key, cert)
}

// Thumbprint returns the base64-encoded SHA-1 hash of the certificate's DER
// encoding, computed on demand.
func (c Credential) Thumbprint() (string, error) {
	if c.kind != KindCertificate {
		return "", autherr.Configf("thumbprint requires a certificate credential, have %s", c.kind)
	}
	sum := sha1.Sum(c.cert.Raw)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// CertificateBase64 returns the base64-encoded DER certificate, computed on
// demand.
func (c Credential) CertificateBase64() (string, error) {
	if c.kind != KindCertificate {
		return "", autherr.Configf("certificate encoding requires a certificate credential, have %s", c.kind)
	}
	return base64.StdEncoding.EncodeToString(c.cert.Raw), nil
}

// AuthMaterial is the client authentication material for a token request:
// exactly one of Secret or Assertion is set.
type AuthMaterial struct {
	Secret    string
	Assertion string
}

// Materialize produces the authentication material for a token request
// against the given token endpoint. For certificate credentials a fresh
// signed assertion is built per call; for pre-signed assertions the
// caller-supplied value is passed through unchanged.
func (c Credential) Materialize(ctx context.Context, clientID, tokenEndpoint string) (AuthMaterial, error) {
	switch c.kind {
	case KindSecret:
		return AuthMaterial{Secret: c.secret}, nil
	case KindAssertion:
		return AuthMaterial{Assertion: c.assertion}, nil
	case KindCertificate:
		assertion, err := c.signedAssertion(ctx, clientID, tokenEndpoint)
		if err != nil {
			return AuthMaterial{}, err
		}
		return AuthMaterial{Assertion: assertion}, nil
	case KindManagedIdentity:
		return AuthMaterial{}, autherr.Configf("managed identity credentials do not carry client authentication material")
	}
	return AuthMaterial{}, autherr.Configf("credential is uninitialized")
}
