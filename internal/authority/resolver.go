package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/maypok86/otter/v2"
	"github.com/rs/zerolog/log"

	"github.com/meridianid/msid-go/internal/autherr"
)

// discoveryHost is the instance-discovery endpoint host for the worldwide
// cloud. Discovery for any instance is addressed here.
const discoveryHost = "login.microsoftonline.com"

// InstanceMetadata describes one cloud instance: the host to use on the
// network, the canonical host for cache keying, and every known alias.
type InstanceMetadata struct {
	PreferredNetwork string   `json:"preferred_network"`
	PreferredCache   string   `json:"preferred_cache"`
	Aliases          []string `json:"aliases"`
}

// wellKnown lists instance metadata for the known clouds, avoiding a
// discovery round trip for the common cases. Mirrors the document served by
// the discovery endpoint.
var wellKnown = []InstanceMetadata{
	{
		PreferredNetwork: "login.microsoftonline.com",
		PreferredCache:   "login.windows.net",
		Aliases: []string{
			"login.microsoftonline.com", "login.windows.net",
			"login.microsoft.com", "sts.windows.net",
		},
	},
	{
		PreferredNetwork: "login.partner.microsoftonline.cn",
		PreferredCache:   "login.partner.microsoftonline.cn",
		Aliases:          []string{"login.partner.microsoftonline.cn", "login.chinacloudapi.cn"},
	},
	{
		PreferredNetwork: "login.microsoftonline.us",
		PreferredCache:   "login.microsoftonline.us",
		Aliases:          []string{"login.microsoftonline.us", "login.usgovcloudapi.net"},
	},
}

// Doer performs a single HTTP request. The transport-level client is an
// external collaborator.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Resolver resolves authority URLs to concrete endpoint sets. Discovery
// results are cached process-wide per host: host metadata is effectively
// static for a process lifetime, so entries do not expire.
type Resolver struct {
	client   Doer
	validate bool
	cache    *otter.Cache[string, InstanceMetadata]

	// discoveryBase overrides the discovery service base URL for testing.
	discoveryBase string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHTTPClient sets the HTTP collaborator used for discovery requests.
func WithHTTPClient(client Doer) Option {
	return func(r *Resolver) {
		r.client = client
	}
}

// WithValidation controls whether unknown hosts are validated against the
// cloud instance discovery service. Enabled by default.
func WithValidation(validate bool) Option {
	return func(r *Resolver) {
		r.validate = validate
	}
}

// NewResolver creates a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		client:        http.DefaultClient,
		validate:      true,
		discoveryBase: "https://" + discoveryHost,
		cache: otter.Must(&otter.Options[string, InstanceMetadata]{
			MaximumSize: 64,
		}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve parses, validates and resolves an authority URL of the form
// https://{host}/{tenant}. ADFS authorities are recognised but rejected as
// unsupported.
func (r *Resolver) Resolve(ctx context.Context, rawAuthorityURL string) (Authority, error) {
	p, err := parse(rawAuthorityURL)
	if err != nil {
		return Authority{}, err
	}

	switch p.kind {
	case KindADFS:
		return Authority{}, autherr.Configf("ADFS authorities are not supported")
	case KindB2C:
		// B2C instances are tenant-specific hosts; no aliasing applies.
		authorize, token, deviceCode := endpointsFor(p.host, p.b2cPath)
		return Authority{
			Kind:                  KindB2C,
			Host:                  p.host,
			Tenant:                p.tenant,
			Environment:           p.host,
			Aliases:               []string{p.host},
			AuthorizationEndpoint: authorize,
			TokenEndpoint:         token,
			DeviceCodeEndpoint:    deviceCode,
		}, nil
	}

	meta, err := r.instanceMetadata(ctx, p.host, p.tenant)
	if err != nil {
		return Authority{}, err
	}

	authorize, token, deviceCode := endpointsFor(meta.PreferredNetwork, p.tenant)
	return Authority{
		Kind:                  KindAAD,
		Host:                  meta.PreferredNetwork,
		Tenant:                p.tenant,
		Environment:           meta.PreferredCache,
		Aliases:               meta.Aliases,
		AuthorizationEndpoint: authorize,
		TokenEndpoint:         token,
		DeviceCodeEndpoint:    deviceCode,
	}, nil
}

// instanceMetadata returns the metadata for a host, consulting the builtin
// cloud list, then the process-wide discovery cache, then the discovery
// service itself.
func (r *Resolver) instanceMetadata(ctx context.Context, host, tenant string) (InstanceMetadata, error) {
	for _, meta := range wellKnown {
		if slices.Contains(meta.Aliases, host) {
			return meta, nil
		}
	}

	if entry, ok := r.cache.GetEntry(host); ok {
		return entry.Value, nil
	}

	if !r.validate {
		// trust the caller's host without discovery
		return InstanceMetadata{
			PreferredNetwork: host,
			PreferredCache:   host,
			Aliases:          []string{host},
		}, nil
	}

	meta, err := r.discover(ctx, host, tenant)
	if err != nil {
		return InstanceMetadata{}, err
	}

	// cache under every alias so sibling hostnames skip discovery too
	for _, alias := range meta.Aliases {
		r.cache.Set(alias, meta)
	}

	return meta, nil
}

type instanceDiscoveryResponse struct {
	TenantDiscoveryEndpoint string             `json:"tenant_discovery_endpoint"`
	Metadata                []InstanceMetadata `json:"metadata"`
}

type instanceDiscoveryError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// discover fetches the instance discovery document for a host. A provider
// response of invalid_instance means the host is not a recognised cloud
// instance, which is a non-retryable configuration error.
func (r *Resolver) discover(ctx context.Context, host, tenant string) (InstanceMetadata, error) {
	query := url.Values{}
	query.Set("api-version", "1.1")
	query.Set("authorization_endpoint", fmt.Sprintf("https://%s/%s/oauth2/v2.0/authorize", host, tenant))

	discoveryURL := fmt.Sprintf("%s/common/discovery/instance?%s", r.discoveryBase, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return InstanceMetadata{}, fmt.Errorf("could not build discovery request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return InstanceMetadata{}, &autherr.ServiceError{Err: fmt.Errorf("instance discovery request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return InstanceMetadata{}, &autherr.ServiceError{StatusCode: resp.StatusCode, Err: fmt.Errorf("reading discovery response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		var discoveryErr instanceDiscoveryError
		if err := json.Unmarshal(body, &discoveryErr); err == nil && discoveryErr.Error == "invalid_instance" {
			return InstanceMetadata{}, autherr.Configf("authority host %q failed instance validation: %s", host, discoveryErr.ErrorDescription)
		}
		return InstanceMetadata{}, &autherr.ServiceError{
			StatusCode:  resp.StatusCode,
			Description: strings.TrimSpace(string(body)),
		}
	}

	var discovered instanceDiscoveryResponse
	if err := json.Unmarshal(body, &discovered); err != nil {
		return InstanceMetadata{}, fmt.Errorf("could not decode discovery response: %w", err)
	}

	for _, meta := range discovered.Metadata {
		if slices.Contains(meta.Aliases, host) {
			log.Ctx(ctx).Debug().
				Str("host", host).
				Str("preferred_cache", meta.PreferredCache).
				Msg("instance discovery resolved host")
			return meta, nil
		}
	}

	// discovery succeeded but the host is absent from the alias lists:
	// treat the host as standalone, as the service does for valid hosts it
	// does not group.
	return InstanceMetadata{
		PreferredNetwork: host,
		PreferredCache:   host,
		Aliases:          []string{host},
	}, nil
}
