package authority

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/meridianid/msid-go/internal/autherr"
)

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// ResolveOIDC resolves a generic OIDC issuer through standard provider
// discovery (/.well-known/openid-configuration). No instance aliasing
// applies: the issuer host is its own environment.
func (r *Resolver) ResolveOIDC(ctx context.Context, issuer string) (Authority, error) {
	u, err := url.Parse(issuer)
	if err != nil || u.Host == "" {
		return Authority{}, autherr.Configf("malformed OIDC issuer %q", issuer)
	}
	// plain http is tolerated for loopback issuers only
	if u.Scheme != "https" && !(u.Scheme == "http" && isLoopback(u.Hostname())) {
		return Authority{}, autherr.Configf("OIDC issuer %q must use https", issuer)
	}

	if client, ok := r.client.(*http.Client); ok {
		ctx = oidc.ClientContext(ctx, client)
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return Authority{}, autherr.Configf("OIDC discovery for %q failed: %v", issuer, err)
	}

	var extra struct {
		TokenEndpoint               string `json:"token_endpoint"`
		DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint"`
	}
	if err := provider.Claims(&extra); err != nil {
		return Authority{}, autherr.Configf("OIDC metadata for %q unreadable: %v", issuer, err)
	}

	host := strings.ToLower(u.Hostname())
	tenant := strings.ToLower(strings.Trim(u.Path, "/"))
	if tenant == "" {
		tenant = host
	}

	return Authority{
		Kind:                  KindOIDC,
		Host:                  host,
		Tenant:                tenant,
		Environment:           host,
		Aliases:               []string{host},
		AuthorizationEndpoint: provider.Endpoint().AuthURL,
		TokenEndpoint:         extra.TokenEndpoint,
		DeviceCodeEndpoint:    extra.DeviceAuthorizationEndpoint,
	}, nil
}
