package credential

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/cert"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/meridianid/msid-go/internal/autherr"
)

// assertionValidity is the lifetime of a generated client assertion. Kept
// short: a fresh assertion is built for every token request, and the jti
// claim provides replay protection.
const assertionValidity = 10 * time.Minute

// signedAssertion builds the signed JWT client assertion for a certificate
// credential: issuer and subject are the client ID, the audience is the
// token endpoint, and the header carries the certificate chain (x5c) and
// SHA-1 thumbprint (x5t).
func (c Credential) signedAssertion(ctx context.Context, clientID, tokenEndpoint string) (string, error) {
	now := time.Now().UTC()

	token := jwt.New()
	_ = token.Set(jwt.IssuerKey, clientID)
	_ = token.Set(jwt.SubjectKey, clientID)
	_ = token.Set(jwt.AudienceKey, []string{tokenEndpoint})
	_ = token.Set(jwt.JwtIDKey, uuid.NewString())
	_ = token.Set(jwt.IssuedAtKey, now)
	_ = token.Set(jwt.NotBeforeKey, now)
	_ = token.Set(jwt.ExpirationKey, now.Add(assertionValidity))

	headers, err := assertionHeaders(c)
	if err != nil {
		return "", err
	}

	signed, err := jwt.Sign(token,
		jwt.WithKey(jwa.RS256(), signingKey{ctx: ctx, signer: c.signer},
			jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", &autherr.CryptoError{Op: "client assertion signing", Err: err}
	}

	return string(signed), nil
}

// assertionHeaders builds the protected JOSE headers carrying the
// certificate identification the provider uses to select the registered
// public key.
func assertionHeaders(c Credential) (jws.Headers, error) {
	headers := jws.NewHeaders()

	var chain cert.Chain
	if err := chain.AddString(base64.StdEncoding.EncodeToString(c.cert.Raw)); err != nil {
		return nil, &autherr.CryptoError{Op: "certificate chain encoding", Err: err}
	}
	if err := headers.Set(jws.X509CertChainKey, &chain); err != nil {
		return nil, &autherr.CryptoError{Op: "x5c header", Err: err}
	}

	// x5t is base64url per RFC 7515, unlike the base64 used by Thumbprint.
	sum := sha1.Sum(c.cert.Raw)
	if err := headers.Set(jws.X509CertThumbprintKey, base64.RawURLEncoding.EncodeToString(sum[:])); err != nil {
		return nil, &autherr.CryptoError{Op: "x5t header", Err: err}
	}

	return headers, nil
}
