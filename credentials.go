package msid

import (
	"context"
	"crypto"
	"crypto/x509"

	"github.com/meridianid/msid-go/internal/credential"
)

// Credential authenticates the application to the token endpoint. Construct
// one with the NewCred functions; the zero value is unusable.
type Credential = credential.Credential

// Signer signs client-assertion payloads with an externally held key, e.g.
// one pinned in a KMS or HSM.
type Signer = credential.Signer

// NewCredFromSecret creates a shared-secret credential.
func NewCredFromSecret(secret string) (Credential, error) {
	return credential.NewSecret(secret)
}

// NewCredFromCertificate creates a certificate credential from an in-memory
// RSA private key and its certificate. Keys below 2048 bits are rejected.
func NewCredFromCertificate(key crypto.PrivateKey, cert *x509.Certificate) (Credential, error) {
	return credential.NewCertificate(key, cert)
}

// NewCredFromPKCS12 creates a certificate credential from PKCS#12 data,
// such as the contents of a .pfx file.
func NewCredFromPKCS12(data []byte, password string) (Credential, error) {
	return credential.NewCertificateFromPKCS12(data, password)
}

// NewCredFromSigner creates a certificate credential whose assertions are
// signed by an external signer rather than an in-memory key.
func NewCredFromSigner(signer Signer, cert *x509.Certificate) (Credential, error) {
	return credential.NewCertificateSigner(signer, cert)
}

// NewCredFromAssertion creates a credential from a pre-signed client
// assertion JWT obtained out of band.
func NewCredFromAssertion(assertion string) (Credential, error) {
	return credential.NewSignedAssertion(assertion)
}

// NewKMSSigner creates a Signer backed by an AWS KMS RSA signing key,
// for use with NewCredFromSigner.
func NewKMSSigner(ctx context.Context, keyARN string) (Signer, error) {
	return credential.NewKMSSigner(ctx, keyARN)
}
