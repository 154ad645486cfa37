// Package acquire implements the token acquisition orchestrator: the
// silent-first state machine that consults the cache, redeems refresh
// tokens, and falls back to the configured grant, with bounded retry of
// transient failures and cache write-back of every successful exchange.
package acquire

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/rs/zerolog/log"

	"github.com/meridianid/msid-go/internal/autherr"
	"github.com/meridianid/msid-go/internal/authority"
	"github.com/meridianid/msid-go/internal/credential"
	"github.com/meridianid/msid-go/internal/oauth"
	"github.com/meridianid/msid-go/internal/tokencache"
)

// Grant selects the exchange used when the silent path cannot produce a
// token.
type Grant int

const (
	// GrantNone requests a silent-only acquisition: cache or refresh token,
	// never a network exchange of new authorization.
	GrantNone Grant = iota
	GrantClientCredentials
	GrantAuthorizationCode
	GrantRefreshToken
	GrantOnBehalfOf
)

// Request describes one token acquisition.
type Request struct {
	Scopes        []string
	Grant         Grant
	HomeAccountID string
	ForceRefresh  bool

	// authorization-code grant
	AuthCode     string
	RedirectURI  string
	CodeVerifier string

	// on-behalf-of grant
	UserAssertion string

	// explicit refresh-token grant (a token migrated from elsewhere)
	RefreshToken string
}

// Result is an acquired token plus its provenance.
type Result struct {
	AccessToken   string
	IDToken       string
	ExpiresOn     time.Time
	GrantedScopes []string
	HomeAccountID string
	FromCache     bool
	CorrelationID string
}

// CacheAccessor runs cache operations inside the access-aspect pipeline.
// Implemented by tokencache.Accessor and its instrumented wrapper.
type CacheAccessor interface {
	Read(ctx context.Context, op func(store *tokencache.Store) error) error
	Write(ctx context.Context, op func(store *tokencache.Store) error) error
}

// defaultMaxTries bounds the retry loop for transient exchange failures.
const defaultMaxTries = 4

// Orchestrator coordinates one client's acquisitions against one resolved
// authority. Safe for concurrent use.
type Orchestrator struct {
	clientID string
	cred     credential.Credential
	auth     authority.Authority
	wire     *oauth.Client
	cache    CacheAccessor

	maxTries uint
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxTries bounds the number of attempts for transient exchange
// failures. Values below 1 are ignored.
func WithMaxTries(n uint) Option {
	return func(o *Orchestrator) {
		if n >= 1 {
			o.maxTries = n
		}
	}
}

// New creates an orchestrator for clientID against the resolved authority.
func New(clientID string, cred credential.Credential, auth authority.Authority, wire *oauth.Client, cache CacheAccessor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		clientID: clientID,
		cred:     cred,
		auth:     auth,
		wire:     wire,
		cache:    cache,
		maxTries: defaultMaxTries,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Acquire runs the silent-first state machine: cache lookup, then refresh
// token redemption (client-specific, then family), then the requested grant.
// A cache hit never touches the network.
func (o *Orchestrator) Acquire(ctx context.Context, req Request) (Result, error) {
	if len(req.Scopes) == 0 {
		return Result{}, autherr.Configf("at least one scope is required")
	}

	correlationID := uuid.NewString()
	log := log.With().Str("correlation_id", correlationID).Str("realm", o.auth.Realm()).Logger()

	if !req.ForceRefresh {
		if result, ok, err := o.fromCache(ctx, req); err != nil {
			return Result{}, err
		} else if ok {
			result.CorrelationID = correlationID
			return result, nil
		}
	}

	if result, ok, err := o.redeemCachedRefreshToken(ctx, req, correlationID); err != nil {
		return Result{}, err
	} else if ok {
		return result, nil
	}

	form, err := o.grantForm(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if form == nil {
		// silent-only request with nothing redeemable
		log.Debug().Msg("silent acquisition exhausted cache and refresh tokens")
		return Result{}, &autherr.InteractionRequiredError{ServiceError: autherr.ServiceError{
			CorrelationID: correlationID,
			Description:   "no cached token, no usable refresh token, and no grant configured",
		}}
	}

	resp, err := o.exchange(ctx, form, correlationID)
	if err != nil {
		return Result{}, err
	}
	return o.commit(ctx, req, resp, correlationID)
}

// fromCache attempts to satisfy the request from a cached access token.
func (o *Orchestrator) fromCache(ctx context.Context, req Request) (Result, bool, error) {
	var (
		at    tokencache.AccessToken
		idt   tokencache.IDToken
		found bool
	)
	err := o.cache.Read(ctx, func(store *tokencache.Store) error {
		at, found = store.ReadAccessToken(req.HomeAccountID, o.auth.Aliases, o.auth.Realm(), o.clientID, req.Scopes)
		if found && req.HomeAccountID != "" {
			idt, _ = store.ReadIDToken(req.HomeAccountID, o.auth.Aliases, o.auth.Realm(), o.clientID)
		}
		return nil
	})
	if err != nil {
		return Result{}, false, err
	}
	if !found {
		return Result{}, false, nil
	}
	return Result{
		AccessToken:   at.Secret,
		IDToken:       idt.Secret,
		ExpiresOn:     at.ExpiresOn.Time(),
		GrantedScopes: at.Scopes(),
		HomeAccountID: at.HomeAccountID,
		FromCache:     true,
	}, true, nil
}

// redeemCachedRefreshToken tries the cached refresh token for the account:
// the client's own first, then a family token. invalid_grant (a revoked or
// expired refresh token) is not fatal when the request carries a grant that
// can re-authorize from scratch.
func (o *Orchestrator) redeemCachedRefreshToken(ctx context.Context, req Request, correlationID string) (Result, bool, error) {
	if req.HomeAccountID == "" {
		return Result{}, false, nil
	}

	var (
		rt    tokencache.RefreshToken
		found bool
	)
	err := o.cache.Read(ctx, func(store *tokencache.Store) error {
		familyID := ""
		if meta, ok := store.ReadAppMetadata(o.auth.Aliases, o.clientID); ok {
			familyID = meta.FamilyID
		}
		rt, found = store.ReadRefreshToken(req.HomeAccountID, o.auth.Aliases, familyID, o.clientID)
		return nil
	})
	if err != nil || !found {
		return Result{}, false, err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", rt.Secret)
	form.Set("scope", strings.Join(req.Scopes, " "))
	if err := o.applyClientAuth(ctx, form); err != nil {
		return Result{}, false, err
	}

	resp, err := o.exchange(ctx, form, correlationID)
	if err != nil {
		if autherr.IsInvalidGrant(err) && o.canReauthorize(req) {
			log.Debug().Str("correlation_id", correlationID).
				Msg("cached refresh token rejected, falling through to primary grant")
			return Result{}, false, nil
		}
		return Result{}, false, err
	}

	result, err := o.commit(ctx, req, resp, correlationID)
	return result, err == nil, err
}

// canReauthorize reports whether the request carries a grant usable after a
// rejected refresh token.
func (o *Orchestrator) canReauthorize(req Request) bool {
	switch req.Grant {
	case GrantClientCredentials, GrantAuthorizationCode, GrantOnBehalfOf:
		return true
	case GrantRefreshToken:
		return req.RefreshToken != ""
	}
	return false
}

// grantForm builds the token request body for the primary grant, or nil for
// a silent-only request.
func (o *Orchestrator) grantForm(ctx context.Context, req Request) (url.Values, error) {
	form := url.Values{}
	form.Set("scope", strings.Join(req.Scopes, " "))

	switch req.Grant {
	case GrantNone:
		return nil, nil

	case GrantClientCredentials:
		form.Set("grant_type", "client_credentials")

	case GrantAuthorizationCode:
		if req.AuthCode == "" {
			return nil, autherr.Configf("authorization-code grant requires a code")
		}
		form.Set("grant_type", "authorization_code")
		form.Set("code", req.AuthCode)
		form.Set("redirect_uri", req.RedirectURI)
		if req.CodeVerifier != "" {
			form.Set("code_verifier", req.CodeVerifier)
		}

	case GrantOnBehalfOf:
		if req.UserAssertion == "" {
			return nil, autherr.Configf("on-behalf-of grant requires a user assertion")
		}
		form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
		form.Set("assertion", req.UserAssertion)
		form.Set("requested_token_use", "on_behalf_of")

	case GrantRefreshToken:
		if req.RefreshToken == "" {
			return nil, autherr.Configf("refresh-token grant requires a refresh token")
		}
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", req.RefreshToken)

	default:
		return nil, autherr.Configf("unsupported grant %d", req.Grant)
	}

	if err := o.applyClientAuth(ctx, form); err != nil {
		return nil, err
	}
	return form, nil
}

func (o *Orchestrator) applyClientAuth(ctx context.Context, form url.Values) error {
	material, err := o.cred.Materialize(ctx, o.clientID, o.auth.TokenEndpoint)
	if err != nil {
		return err
	}
	oauth.ClientAuth(form, o.clientID, material)
	return nil
}

// exchange performs the token-endpoint POST with bounded retry. Only
// transient failures (throttling, 5xx, transport errors) are retried;
// protocol and interaction-required errors propagate immediately.
func (o *Orchestrator) exchange(ctx context.Context, form url.Values, correlationID string) (oauth.TokenResponse, error) {
	form.Set("client-request-id", correlationID)

	operation := func() (oauth.TokenResponse, error) {
		resp, err := o.wire.Token(ctx, o.auth.TokenEndpoint, form)
		if err != nil {
			if !autherr.IsTransient(err) {
				return oauth.TokenResponse{}, backoff.Permanent(err)
			}
			log.Warn().Err(err).Str("correlation_id", correlationID).
				Msg("transient token endpoint failure, will retry")
			return oauth.TokenResponse{}, err
		}
		return resp, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(o.maxTries))
}

// commit writes a successful exchange back to the cache and shapes the
// result. A cache persistence failure surfaces to the caller, but the token
// itself was acquired and is included in the in-memory cache state.
func (o *Orchestrator) commit(ctx context.Context, req Request, resp oauth.TokenResponse, correlationID string) (Result, error) {
	now := o.now().UTC()
	granted := resp.GrantedScopes(req.Scopes)
	homeAccountID := resp.HomeAccountID()
	realm := o.auth.Realm()
	env := o.auth.Environment

	expiresOn := now.Add(time.Duration(resp.ExpiresIn) * time.Second)
	extExpiresOn := now.Add(time.Duration(resp.ExtExpiresIn) * time.Second)
	var refreshOn time.Time
	if resp.RefreshIn > 0 {
		refreshOn = now.Add(time.Duration(resp.RefreshIn) * time.Second)
	}

	err := o.cache.Write(ctx, func(store *tokencache.Store) error {
		at := tokencache.NewAccessToken(homeAccountID, env, realm, o.clientID,
			resp.AccessToken, granted, now, expiresOn, extExpiresOn, refreshOn)
		if err := store.WriteAccessToken(at); err != nil {
			return err
		}

		if resp.RefreshToken != "" {
			rt := tokencache.NewRefreshToken(homeAccountID, env, o.clientID, resp.FamilyID, resp.RefreshToken)
			if err := store.WriteRefreshToken(rt); err != nil {
				return err
			}
		}
		if resp.FamilyID != "" {
			meta := tokencache.AppMetadata{FamilyID: resp.FamilyID, ClientID: o.clientID, Environment: env}
			if err := store.WriteAppMetadata(meta); err != nil {
				return err
			}
		}

		if resp.IDToken != "" && homeAccountID != "" {
			idt := tokencache.NewIDToken(homeAccountID, env, realm, o.clientID, resp.IDToken)
			if err := store.WriteIDToken(idt); err != nil {
				return err
			}
			return store.WriteAccount(accountFromIDToken(resp, homeAccountID, env, realm))
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	log.Info().Str("correlation_id", correlationID).
		Int("scopes", len(granted)).
		Time("expires_on", expiresOn).
		Msg("token acquired")

	return Result{
		AccessToken:   resp.AccessToken,
		IDToken:       resp.IDToken,
		ExpiresOn:     expiresOn,
		GrantedScopes: granted,
		HomeAccountID: homeAccountID,
		CorrelationID: correlationID,
	}, nil
}

// accountFromIDToken builds the account entry from the exchange's ID token.
// Claims are read without signature verification: the token arrived over the
// provider's TLS channel and is used here only for display metadata.
func accountFromIDToken(resp oauth.TokenResponse, homeAccountID, env, realm string) tokencache.Account {
	account := tokencache.Account{
		HomeAccountID: homeAccountID,
		Environment:   env,
		Realm:         realm,
		AuthorityType: "MSSTS",
		ClientInfo:    resp.ClientInfo,
	}

	token, err := jwt.Parse([]byte(resp.IDToken), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return account
	}
	var s string
	if err := token.Get("preferred_username", &s); err == nil {
		account.PreferredUsername = s
	}
	if err := token.Get("name", &s); err == nil {
		account.Name = s
	}
	if err := token.Get("oid", &s); err == nil {
		account.LocalAccountID = s
	}
	return account
}

// devicePollSlack pads the provider's polling interval on slow_down.
const devicePollSlack = 5 * time.Second

// DeviceCodeInfo is the user-facing half of a device-code authorization:
// the code to enter and where to enter it.
type DeviceCodeInfo struct {
	UserCode        string
	VerificationURL string
	Message         string
	ExpiresOn       time.Time
}

// AcquireDeviceCode runs the device-code flow: it requests a device
// authorization, reports the user code via prompt, then polls the token
// endpoint at the provider's interval until the user completes sign-in, the
// code expires, or ctx is cancelled.
func (o *Orchestrator) AcquireDeviceCode(ctx context.Context, scopes []string, prompt func(DeviceCodeInfo) error) (Result, error) {
	if len(scopes) == 0 {
		return Result{}, autherr.Configf("at least one scope is required")
	}
	correlationID := uuid.NewString()

	form := url.Values{}
	form.Set("client_id", o.clientID)
	form.Set("scope", strings.Join(scopes, " "))

	dc, err := o.wire.DeviceCode(ctx, o.auth.DeviceCodeEndpoint, form)
	if err != nil {
		return Result{}, err
	}

	if prompt != nil {
		info := DeviceCodeInfo{
			UserCode:        dc.UserCode,
			VerificationURL: dc.VerificationURL,
			Message:         dc.Message,
			ExpiresOn:       o.now().Add(time.Duration(dc.ExpiresIn) * time.Second),
		}
		if err := prompt(info); err != nil {
			return Result{}, err
		}
	}

	interval := time.Duration(dc.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	poll := url.Values{}
	poll.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")
	poll.Set("client_id", o.clientID)
	poll.Set("device_code", dc.DeviceCode)
	poll.Set("client-request-id", correlationID)

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timer.C:
		}

		resp, err := o.wire.Token(ctx, o.auth.TokenEndpoint, poll)
		if err == nil {
			return o.commit(ctx, Request{Scopes: scopes}, resp, correlationID)
		}

		switch deviceCodeState(err) {
		case "authorization_pending":
		case "slow_down":
			interval += devicePollSlack
		default:
			return Result{}, err
		}
		timer.Reset(interval)
	}
}

// deviceCodeState extracts the polling-control error code, if any.
func deviceCodeState(err error) string {
	var ir *autherr.InteractionRequiredError
	if errors.As(err, &ir) {
		return ""
	}
	var se *autherr.ServiceError
	if !errors.As(err, &se) {
		return ""
	}
	return se.ErrorCode
}

// Accounts lists the cached accounts visible to this client's authority.
func (o *Orchestrator) Accounts(ctx context.Context) ([]tokencache.Account, error) {
	var accounts []tokencache.Account
	err := o.cache.Read(ctx, func(store *tokencache.Store) error {
		for _, account := range store.Accounts() {
			if matchesAlias(account.Environment, o.auth.Aliases) {
				accounts = append(accounts, account)
			}
		}
		return nil
	})
	return accounts, err
}

// RemoveAccount deletes an account and every credential belonging to it.
func (o *Orchestrator) RemoveAccount(ctx context.Context, homeAccountID string) error {
	return o.cache.Write(ctx, func(store *tokencache.Store) error {
		store.DeleteAccount(homeAccountID, o.auth.Aliases)
		return nil
	})
}

func matchesAlias(env string, aliases []string) bool {
	for _, alias := range aliases {
		if strings.EqualFold(env, alias) {
			return true
		}
	}
	return false
}
