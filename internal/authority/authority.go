// Package authority resolves and validates the identity provider authority:
// the cloud instance host and tenant a token request is addressed to. It
// discovers instance metadata (canonical hosts and aliases) so that two
// authority URLs reaching the same logical tenant through different
// hostnames produce the same cache keys.
package authority

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/meridianid/msid-go/internal/autherr"
)

// Kind discriminates the supported authority dialects.
type Kind int

const (
	KindAAD Kind = iota + 1
	KindADFS
	KindB2C
	KindOIDC
)

func (k Kind) String() string {
	switch k {
	case KindAAD:
		return "aad"
	case KindADFS:
		return "adfs"
	case KindB2C:
		return "b2c"
	case KindOIDC:
		return "oidc"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Authority is a resolved authority: the concrete endpoints for a cloud
// instance and tenant, plus the alias set used for cache-key equivalence.
// Immutable once constructed; resolving a different URL builds a new value.
type Authority struct {
	Kind   Kind
	Host   string // host used on the wire (preferred network host)
	Tenant string

	// Environment is the canonical cache host for this cloud instance.
	// Aliased hosts share an Environment, so cache entries written via one
	// alias are found via another.
	Environment string

	// Aliases lists every hostname known to reach this cloud instance.
	Aliases []string

	AuthorizationEndpoint string
	TokenEndpoint         string
	DeviceCodeEndpoint    string
}

// Realm returns the tenant identifier used for cache keying.
func (a Authority) Realm() string {
	return a.Tenant
}

// parts is a parsed but unresolved authority URL.
type parts struct {
	kind   Kind
	host   string
	tenant string
	// b2cPath retains the full path for B2C authorities, which address a
	// policy as well as a tenant.
	b2cPath string
}

// parse splits an authority URL of the form https://{host}/{tenant} into its
// host and tenant segments and classifies the dialect. Hosts and tenants are
// lowercased so differently-cased URLs are equivalent.
func parse(raw string) (parts, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return parts{}, autherr.Configf("malformed authority URL %q: %v", raw, err)
	}
	if u.Scheme != "https" {
		return parts{}, autherr.Configf("authority URL must use https, got %q", raw)
	}
	if u.Host == "" {
		return parts{}, autherr.Configf("authority URL %q has no host", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return parts{}, autherr.Configf("authority URL %q must not carry a query or fragment", raw)
	}

	segments := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	if len(segments) == 0 {
		return parts{}, autherr.Configf("authority URL %q has no tenant segment", raw)
	}

	host := strings.ToLower(u.Hostname())
	if u.Port() != "" {
		host = host + ":" + u.Port()
	}
	tenant := strings.ToLower(segments[0])

	p := parts{kind: KindAAD, host: host, tenant: tenant}

	switch {
	case tenant == "adfs":
		p.kind = KindADFS
	case strings.HasSuffix(host, "b2clogin.com") || tenant == "tfp":
		p.kind = KindB2C
		if tenant == "tfp" {
			if len(segments) < 2 {
				return parts{}, autherr.Configf("B2C authority URL %q has no tenant segment", raw)
			}
			p.tenant = strings.ToLower(segments[1])
		}
		p.b2cPath = strings.ToLower(strings.Join(segments, "/"))
	}

	return p, nil
}

// endpointsFor builds the AAD v2 endpoints for a host and tenant path.
func endpointsFor(host, tenantPath string) (authorize, token, deviceCode string) {
	base := fmt.Sprintf("https://%s/%s/oauth2/v2.0", host, tenantPath)
	return base + "/authorize", base + "/token", base + "/devicecode"
}
