// Package msid is an OAuth2/OIDC token acquisition library for confidential
// clients: it authenticates an application with a secret, certificate or
// pre-signed assertion, resolves the authority's endpoints, and acquires
// tokens silently from a shared, serializable cache before going to the
// network.
package msid

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/meridianid/msid-go/internal/acquire"
	"github.com/meridianid/msid-go/internal/authority"
	"github.com/meridianid/msid-go/internal/credential"
	"github.com/meridianid/msid-go/internal/oauth"
	"github.com/meridianid/msid-go/internal/tokencache"
)

// Account is a cached signed-in account.
type Account = tokencache.Account

// CacheAccessAspect persists the token cache externally around every cache
// access. See tokencache.AccessAspect.
type CacheAccessAspect = tokencache.AccessAspect

// AuthResult is an acquired token and its provenance.
type AuthResult = acquire.Result

// DeviceCodeInfo carries the user code and verification URL of a pending
// device-code authorization.
type DeviceCodeInfo = acquire.DeviceCodeInfo

// Client is a confidential-client application: one client ID, one credential,
// one authority, one token cache. Safe for concurrent use.
type Client struct {
	clientID string
	cred     credential.Credential
	auth     authority.Authority
	cache    *tokencache.Instrumented
	orch     *acquire.Orchestrator
}

type clientOptions struct {
	authorityURL string
	oidcIssuer   string
	httpClient   *http.Client
	validate     bool
	aspect       CacheAccessAspect
	maxTries     uint
}

// ClientOption configures a Client at construction.
type ClientOption func(*clientOptions)

// WithAuthority sets the authority URL, e.g.
// https://login.microsoftonline.com/{tenant}. Defaults to the worldwide
// cloud's common endpoint.
func WithAuthority(url string) ClientOption {
	return func(o *clientOptions) { o.authorityURL = url }
}

// WithOIDCIssuer resolves endpoints from a generic OIDC issuer's discovery
// document instead of an AAD-style authority URL.
func WithOIDCIssuer(issuer string) ClientOption {
	return func(o *clientOptions) { o.oidcIssuer = issuer }
}

// WithHTTPClient substitutes the HTTP client used for discovery and token
// exchanges.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(o *clientOptions) { o.httpClient = client }
}

// WithInstanceDiscoveryDisabled trusts the authority host without checking
// it against the known-cloud list or the discovery endpoint. For private
// clouds and test stacks.
func WithInstanceDiscoveryDisabled() ClientOption {
	return func(o *clientOptions) { o.validate = false }
}

// WithCacheAccessAspect installs the external cache persistence hooks.
func WithCacheAccessAspect(aspect CacheAccessAspect) ClientOption {
	return func(o *clientOptions) { o.aspect = aspect }
}

// WithMaxTries bounds retry attempts for transient token-endpoint failures.
func WithMaxTries(n uint) ClientOption {
	return func(o *clientOptions) { o.maxTries = n }
}

const defaultAuthority = "https://login.microsoftonline.com/common"

// New constructs a confidential client. The authority's endpoints are
// resolved during construction; for non-built-in hosts this performs
// instance discovery over the network.
func New(ctx context.Context, clientID string, cred credential.Credential, opts ...ClientOption) (*Client, error) {
	options := clientOptions{
		authorityURL: defaultAuthority,
		validate:     true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	resolverOpts := []authority.Option{authority.WithValidation(options.validate)}
	var doer oauth.Doer
	if options.httpClient != nil {
		resolverOpts = append(resolverOpts, authority.WithHTTPClient(options.httpClient))
		doer = options.httpClient
	}
	resolver := authority.NewResolver(resolverOpts...)

	var (
		auth authority.Authority
		err  error
	)
	if options.oidcIssuer != "" {
		auth, err = resolver.ResolveOIDC(ctx, options.oidcIssuer)
	} else {
		auth, err = resolver.Resolve(ctx, options.authorityURL)
	}
	if err != nil {
		return nil, err
	}

	cache := tokencache.NewInstrumented(tokencache.NewAccessor(tokencache.NewStore(), options.aspect))

	var orchOpts []acquire.Option
	if options.maxTries > 0 {
		orchOpts = append(orchOpts, acquire.WithMaxTries(options.maxTries))
	}

	return &Client{
		clientID: clientID,
		cred:     cred,
		auth:     auth,
		cache:    cache,
		orch:     acquire.New(clientID, cred, auth, oauth.New(doer), cache, orchOpts...),
	}, nil
}

// SetCacheAccessAspect replaces the cache persistence hooks. Intended for
// configuration time, before acquisitions begin.
func (c *Client) SetCacheAccessAspect(aspect CacheAccessAspect) {
	c.cache.SetAspect(aspect)
}

// AcquireTokenByCredential acquires an app-only token with the client
// credentials grant, consulting the cache first.
func (c *Client) AcquireTokenByCredential(ctx context.Context, scopes []string) (AuthResult, error) {
	return c.orch.Acquire(ctx, acquire.Request{
		Scopes: scopes,
		Grant:  acquire.GrantClientCredentials,
	})
}

// SilentOption refines a silent acquisition.
type SilentOption func(*acquire.Request)

// WithSilentAccount scopes the silent acquisition to a cached account.
func WithSilentAccount(account Account) SilentOption {
	return func(r *acquire.Request) { r.HomeAccountID = account.HomeAccountID }
}

// WithForceRefresh skips the cached access token and goes straight to the
// refresh exchange.
func WithForceRefresh() SilentOption {
	return func(r *acquire.Request) { r.ForceRefresh = true }
}

// AcquireTokenSilent acquires a token without new authorization: from the
// cached access token, or by redeeming a cached refresh token. A miss
// returns an interaction-required error.
func (c *Client) AcquireTokenSilent(ctx context.Context, scopes []string, opts ...SilentOption) (AuthResult, error) {
	req := acquire.Request{Scopes: scopes, Grant: acquire.GrantNone}
	for _, opt := range opts {
		opt(&req)
	}
	return c.orch.Acquire(ctx, req)
}

// AuthCodeOption refines an authorization-code redemption.
type AuthCodeOption func(*acquire.Request)

// WithCodeVerifier supplies the PKCE verifier matching the authorization
// request's challenge.
func WithCodeVerifier(verifier string) AuthCodeOption {
	return func(r *acquire.Request) { r.CodeVerifier = verifier }
}

// AcquireTokenByAuthCode redeems an authorization code.
func (c *Client) AcquireTokenByAuthCode(ctx context.Context, code, redirectURI string, scopes []string, opts ...AuthCodeOption) (AuthResult, error) {
	req := acquire.Request{
		Scopes:      scopes,
		Grant:       acquire.GrantAuthorizationCode,
		AuthCode:    code,
		RedirectURI: redirectURI,
	}
	for _, opt := range opts {
		opt(&req)
	}
	return c.orch.Acquire(ctx, req)
}

// AcquireTokenOnBehalfOf exchanges an incoming user assertion for a
// downstream token (the on-behalf-of grant).
func (c *Client) AcquireTokenOnBehalfOf(ctx context.Context, userAssertion string, scopes []string) (AuthResult, error) {
	return c.orch.Acquire(ctx, acquire.Request{
		Scopes:        scopes,
		Grant:         acquire.GrantOnBehalfOf,
		UserAssertion: userAssertion,
	})
}

// AcquireTokenByRefreshToken redeems a refresh token obtained elsewhere,
// e.g. one migrated from another cache.
func (c *Client) AcquireTokenByRefreshToken(ctx context.Context, refreshToken string, scopes []string) (AuthResult, error) {
	return c.orch.Acquire(ctx, acquire.Request{
		Scopes:       scopes,
		Grant:        acquire.GrantRefreshToken,
		RefreshToken: refreshToken,
	})
}

// AcquireTokenByDeviceCode runs the device-code flow, invoking prompt with
// the user code once the provider issues it, then polling until sign-in
// completes or ctx is cancelled.
func (c *Client) AcquireTokenByDeviceCode(ctx context.Context, scopes []string, prompt func(DeviceCodeInfo) error) (AuthResult, error) {
	return c.orch.AcquireDeviceCode(ctx, scopes, prompt)
}

// Accounts lists the cached accounts for this client's authority.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	return c.orch.Accounts(ctx)
}

// RemoveAccount deletes an account and all its cached credentials.
func (c *Client) RemoveAccount(ctx context.Context, account Account) error {
	return c.orch.RemoveAccount(ctx, account.HomeAccountID)
}

// TokenSource adapts the client to golang.org/x/oauth2 for libraries that
// consume a TokenSource. Each Token call is a cached-first client-credentials
// acquisition.
func (c *Client) TokenSource(ctx context.Context, scopes []string) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, client: c, scopes: scopes}
}

type tokenSource struct {
	ctx    context.Context
	client *Client
	scopes []string
}

func (t *tokenSource) Token() (*oauth2.Token, error) {
	result, err := t.client.AcquireTokenByCredential(t.ctx, t.scopes)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: result.AccessToken,
		TokenType:   "Bearer",
		Expiry:      result.ExpiresOn,
	}, nil
}
