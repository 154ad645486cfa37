package acquire

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianid/msid-go/internal/autherr"
	"github.com/meridianid/msid-go/internal/authority"
	"github.com/meridianid/msid-go/internal/credential"
	"github.com/meridianid/msid-go/internal/oauth"
	"github.com/meridianid/msid-go/internal/tokencache"
)

const (
	testClientID = "0a1b2c3d-0000-0000-0000-000000000001"
	testEnv      = "login.windows.net"
	testRealm    = "tenant-id"
)

// tokenEndpoint scripts the responses of a fake token endpoint, one entry
// per request, and records every request body it receives.
type tokenEndpoint struct {
	t         *testing.T
	responses []scriptedResponse
	requests  []url.Values
	server    *httptest.Server
}

type scriptedResponse struct {
	status int
	body   string
}

func newTokenEndpoint(t *testing.T, responses ...scriptedResponse) *tokenEndpoint {
	t.Helper()
	te := &tokenEndpoint{t: t, responses: responses}
	te.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		te.requests = append(te.requests, r.PostForm)
		require.Less(t, len(te.requests), len(te.responses)+1, "more requests than scripted responses")

		resp := te.responses[len(te.requests)-1]
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		_, _ = w.Write([]byte(resp.body))
	}))
	t.Cleanup(te.server.Close)
	return te
}

func (te *tokenEndpoint) calls() int { return len(te.requests) }

func successBody(accessToken string, extra map[string]any) string {
	body := map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"scope":        "user.read",
	}
	for k, v := range extra {
		body[k] = v
	}
	raw, _ := json.Marshal(body)
	return string(raw)
}

func clientInfo(uid, utid string) string {
	return base64.RawURLEncoding.EncodeToString(
		[]byte(fmt.Sprintf(`{"uid":%q,"utid":%q}`, uid, utid)))
}

func testAuthority(tokenURL string) authority.Authority {
	return authority.Authority{
		Kind:               authority.KindAAD,
		Host:               testEnv,
		Tenant:             testRealm,
		Environment:        testEnv,
		Aliases:            []string{testEnv, "login.microsoftonline.com"},
		TokenEndpoint:      tokenURL,
		DeviceCodeEndpoint: tokenURL,
	}
}

func newTestOrchestrator(t *testing.T, te *tokenEndpoint, store *tokencache.Store, opts ...Option) *Orchestrator {
	t.Helper()
	cred, err := credential.NewSecret("shared-secret")
	require.NoError(t, err)

	tokenURL := ""
	if te != nil {
		tokenURL = te.server.URL
	}
	return New(testClientID, cred, testAuthority(tokenURL),
		oauth.New(nil), tokencache.NewAccessor(store, nil), opts...)
}

func cachedAccessToken(homeAccountID, secret string, scopes []string, expiresIn time.Duration) tokencache.AccessToken {
	now := time.Now().UTC()
	return tokencache.NewAccessToken(homeAccountID, testEnv, testRealm, testClientID,
		secret, scopes, now, now.Add(expiresIn), now.Add(expiresIn+time.Hour), time.Time{})
}

func TestAcquire_CacheHitSkipsNetwork(t *testing.T) {
	te := newTokenEndpoint(t) // zero scripted responses: any request fails the test
	store := tokencache.NewStore()
	require.NoError(t, store.WriteAccessToken(cachedAccessToken("", "cached-at", []string{"user.read"}, time.Hour)))

	o := newTestOrchestrator(t, te, store)
	result, err := o.Acquire(context.Background(), Request{
		Scopes: []string{"user.read"},
		Grant:  GrantClientCredentials,
	})
	require.NoError(t, err)

	assert.True(t, result.FromCache)
	assert.Equal(t, "cached-at", result.AccessToken)
	assert.Zero(t, te.calls())
}

func TestAcquire_ClientCredentialsWritesBack(t *testing.T) {
	te := newTokenEndpoint(t, scriptedResponse{http.StatusOK, successBody("fresh-at", nil)})
	store := tokencache.NewStore()

	o := newTestOrchestrator(t, te, store)
	ctx := context.Background()

	result, err := o.Acquire(ctx, Request{Scopes: []string{"user.read"}, Grant: GrantClientCredentials})
	require.NoError(t, err)
	assert.False(t, result.FromCache)
	assert.Equal(t, "fresh-at", result.AccessToken)
	assert.NotEmpty(t, result.CorrelationID)
	assert.Equal(t, "client_credentials", te.requests[0].Get("grant_type"))
	assert.Equal(t, "shared-secret", te.requests[0].Get("client_secret"))
	assert.NotEmpty(t, te.requests[0].Get("client-request-id"))

	// second acquisition is served from the cache
	result, err = o.Acquire(ctx, Request{Scopes: []string{"user.read"}, Grant: GrantClientCredentials})
	require.NoError(t, err)
	assert.True(t, result.FromCache)
	assert.Equal(t, 1, te.calls())
}

func TestAcquire_ForceRefreshBypassesCache(t *testing.T) {
	te := newTokenEndpoint(t, scriptedResponse{http.StatusOK, successBody("fresh-at", nil)})
	store := tokencache.NewStore()
	require.NoError(t, store.WriteAccessToken(cachedAccessToken("", "cached-at", []string{"user.read"}, time.Hour)))

	o := newTestOrchestrator(t, te, store)
	result, err := o.Acquire(context.Background(), Request{
		Scopes: []string{"user.read"}, Grant: GrantClientCredentials, ForceRefresh: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "fresh-at", result.AccessToken)
	assert.Equal(t, 1, te.calls())
}

func TestAcquire_RedeemsCachedRefreshToken(t *testing.T) {
	home := "uid.utid"
	te := newTokenEndpoint(t, scriptedResponse{http.StatusOK, successBody("refreshed-at", map[string]any{
		"refresh_token": "rotated-rt",
		"client_info":   clientInfo("uid", "utid"),
	})})
	store := tokencache.NewStore()
	require.NoError(t, store.WriteRefreshToken(
		tokencache.NewRefreshToken(home, testEnv, testClientID, "", "cached-rt")))

	o := newTestOrchestrator(t, te, store)
	result, err := o.Acquire(context.Background(), Request{
		Scopes: []string{"user.read"}, HomeAccountID: home,
	})
	require.NoError(t, err)

	assert.Equal(t, "refreshed-at", result.AccessToken)
	assert.Equal(t, home, result.HomeAccountID)
	assert.Equal(t, "refresh_token", te.requests[0].Get("grant_type"))
	assert.Equal(t, "cached-rt", te.requests[0].Get("refresh_token"))

	// the rotated refresh token replaced the redeemed one
	rt, found := store.ReadRefreshToken(home, []string{testEnv}, "", testClientID)
	require.True(t, found)
	assert.Equal(t, "rotated-rt", rt.Secret)
}

func TestAcquire_FamilyRefreshTokenFallback(t *testing.T) {
	home := "uid.utid"
	te := newTokenEndpoint(t, scriptedResponse{http.StatusOK, successBody("refreshed-at", map[string]any{
		"client_info": clientInfo("uid", "utid"),
	})})
	store := tokencache.NewStore()
	// refresh token written by a sibling client in family 1
	require.NoError(t, store.WriteRefreshToken(
		tokencache.NewRefreshToken(home, testEnv, "sibling-client", "1", "family-rt")))
	require.NoError(t, store.WriteAppMetadata(
		tokencache.AppMetadata{FamilyID: "1", ClientID: testClientID, Environment: testEnv}))

	o := newTestOrchestrator(t, te, store)
	result, err := o.Acquire(context.Background(), Request{
		Scopes: []string{"user.read"}, HomeAccountID: home,
	})
	require.NoError(t, err)

	assert.Equal(t, "refreshed-at", result.AccessToken)
	assert.Equal(t, "family-rt", te.requests[0].Get("refresh_token"))
}

func TestAcquire_InvalidGrantFallsThroughToPrimaryGrant(t *testing.T) {
	home := "uid.utid"
	te := newTokenEndpoint(t,
		scriptedResponse{http.StatusBadRequest, `{"error":"invalid_grant","suberror":"bad_token"}`},
		scriptedResponse{http.StatusOK, successBody("code-at", map[string]any{
			"client_info": clientInfo("uid", "utid"),
		})},
	)
	store := tokencache.NewStore()
	require.NoError(t, store.WriteRefreshToken(
		tokencache.NewRefreshToken(home, testEnv, testClientID, "", "revoked-rt")))

	o := newTestOrchestrator(t, te, store)
	result, err := o.Acquire(context.Background(), Request{
		Scopes:        []string{"user.read"},
		HomeAccountID: home,
		Grant:         GrantAuthorizationCode,
		AuthCode:      "the-code",
		RedirectURI:   "http://localhost/callback",
	})
	require.NoError(t, err)

	assert.Equal(t, "code-at", result.AccessToken)
	require.Equal(t, 2, te.calls())
	assert.Equal(t, "refresh_token", te.requests[0].Get("grant_type"))
	assert.Equal(t, "authorization_code", te.requests[1].Get("grant_type"))
	assert.Equal(t, "the-code", te.requests[1].Get("code"))
}

func TestAcquire_SilentOnlyMissIsInteractionRequired(t *testing.T) {
	te := newTokenEndpoint(t)
	o := newTestOrchestrator(t, te, tokencache.NewStore())

	_, err := o.Acquire(context.Background(), Request{
		Scopes: []string{"user.read"}, HomeAccountID: "uid.utid", Grant: GrantNone,
	})

	var ir *autherr.InteractionRequiredError
	require.ErrorAs(t, err, &ir)
	assert.Zero(t, te.calls())
}

func TestAcquire_TransientFailureRetried(t *testing.T) {
	te := newTokenEndpoint(t,
		scriptedResponse{http.StatusServiceUnavailable, `{"error":"temporarily_unavailable"}`},
		scriptedResponse{http.StatusOK, successBody("after-retry", nil)},
	)

	o := newTestOrchestrator(t, te, tokencache.NewStore(), WithMaxTries(3))
	result, err := o.Acquire(context.Background(), Request{
		Scopes: []string{"user.read"}, Grant: GrantClientCredentials,
	})
	require.NoError(t, err)

	assert.Equal(t, "after-retry", result.AccessToken)
	assert.Equal(t, 2, te.calls())
}

func TestAcquire_PermanentFailureNotRetried(t *testing.T) {
	te := newTokenEndpoint(t,
		scriptedResponse{http.StatusUnauthorized, `{"error":"invalid_client","correlation_id":"c-1"}`},
	)

	o := newTestOrchestrator(t, te, tokencache.NewStore(), WithMaxTries(5))
	_, err := o.Acquire(context.Background(), Request{
		Scopes: []string{"user.read"}, Grant: GrantClientCredentials,
	})

	var se *autherr.ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "invalid_client", se.ErrorCode)
	assert.Equal(t, 1, te.calls(), "protocol errors must not be retried")
}

func TestAcquire_InteractionRequiredTerminatesSilentPath(t *testing.T) {
	home := "uid.utid"
	te := newTokenEndpoint(t,
		scriptedResponse{http.StatusBadRequest, `{"error":"interaction_required","error_description":"AADSTS50076"}`},
	)
	store := tokencache.NewStore()
	require.NoError(t, store.WriteRefreshToken(
		tokencache.NewRefreshToken(home, testEnv, testClientID, "", "rt")))

	o := newTestOrchestrator(t, te, store)
	_, err := o.Acquire(context.Background(), Request{
		Scopes: []string{"user.read"}, HomeAccountID: home, Grant: GrantAuthorizationCode, AuthCode: "code",
	})

	var ir *autherr.InteractionRequiredError
	require.ErrorAs(t, err, &ir)
	assert.Equal(t, 1, te.calls(), "interaction-required must not fall through to the primary grant")
}

func TestAcquire_OnBehalfOf(t *testing.T) {
	te := newTokenEndpoint(t, scriptedResponse{http.StatusOK, successBody("obo-at", map[string]any{
		"client_info": clientInfo("uid", "utid"),
	})})

	o := newTestOrchestrator(t, te, tokencache.NewStore())
	result, err := o.Acquire(context.Background(), Request{
		Scopes:        []string{"user.read"},
		Grant:         GrantOnBehalfOf,
		UserAssertion: "incoming-user-jwt",
	})
	require.NoError(t, err)

	assert.Equal(t, "obo-at", result.AccessToken)
	assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", te.requests[0].Get("grant_type"))
	assert.Equal(t, "incoming-user-jwt", te.requests[0].Get("assertion"))
	assert.Equal(t, "on_behalf_of", te.requests[0].Get("requested_token_use"))
}

func TestAcquire_ValidationErrors(t *testing.T) {
	o := newTestOrchestrator(t, newTokenEndpoint(t), tokencache.NewStore())
	ctx := context.Background()

	var cfg *autherr.ConfigError

	_, err := o.Acquire(ctx, Request{Grant: GrantClientCredentials})
	assert.ErrorAs(t, err, &cfg, "empty scopes")

	_, err = o.Acquire(ctx, Request{Scopes: []string{"s"}, Grant: GrantAuthorizationCode})
	assert.ErrorAs(t, err, &cfg, "missing auth code")

	_, err = o.Acquire(ctx, Request{Scopes: []string{"s"}, Grant: GrantOnBehalfOf})
	assert.ErrorAs(t, err, &cfg, "missing user assertion")
}

func TestAcquireDeviceCode(t *testing.T) {
	te := newTokenEndpoint(t,
		scriptedResponse{http.StatusOK, `{
			"device_code": "dc-1", "user_code": "ABCD-1234",
			"verification_uri": "https://login.example/devicelogin",
			"expires_in": 900, "interval": 1
		}`},
		scriptedResponse{http.StatusBadRequest, `{"error":"authorization_pending"}`},
		scriptedResponse{http.StatusOK, successBody("device-at", map[string]any{
			"client_info": clientInfo("uid", "utid"),
		})},
	)

	o := newTestOrchestrator(t, te, tokencache.NewStore())

	var prompted DeviceCodeInfo
	result, err := o.AcquireDeviceCode(context.Background(), []string{"user.read"}, func(info DeviceCodeInfo) error {
		prompted = info
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "device-at", result.AccessToken)
	assert.Equal(t, "ABCD-1234", prompted.UserCode)
	require.Equal(t, 3, te.calls())
	assert.Equal(t, "urn:ietf:params:oauth:grant-type:device_code", te.requests[1].Get("grant_type"))
	assert.Equal(t, "dc-1", te.requests[1].Get("device_code"))
}

func TestAcquireDeviceCode_DeniedStopsPolling(t *testing.T) {
	te := newTokenEndpoint(t,
		scriptedResponse{http.StatusOK, `{"device_code":"dc-1","user_code":"X","verification_uri":"u","expires_in":900,"interval":1}`},
		scriptedResponse{http.StatusBadRequest, `{"error":"access_denied"}`},
	)

	o := newTestOrchestrator(t, te, tokencache.NewStore())
	_, err := o.AcquireDeviceCode(context.Background(), []string{"user.read"}, nil)

	var se *autherr.ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "access_denied", se.ErrorCode)
	assert.Equal(t, 2, te.calls())
}

func TestAccountsAndRemoveAccount(t *testing.T) {
	home := "uid.utid"
	store := tokencache.NewStore()
	require.NoError(t, store.WriteAccount(tokencache.Account{
		HomeAccountID: home, Environment: testEnv, Realm: testRealm,
		PreferredUsername: "user@contoso.example",
	}))
	require.NoError(t, store.WriteAccount(tokencache.Account{
		HomeAccountID: "other.other", Environment: "login.unrelated.example", Realm: testRealm,
	}))

	o := newTestOrchestrator(t, nil, store)
	ctx := context.Background()

	accounts, err := o.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1, "accounts outside the authority's aliases are invisible")
	assert.Equal(t, "user@contoso.example", accounts[0].PreferredUsername)

	require.NoError(t, o.RemoveAccount(ctx, home))
	accounts, err = o.Accounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestAcquire_ConcurrentSilentReads(t *testing.T) {
	te := newTokenEndpoint(t)
	store := tokencache.NewStore()
	require.NoError(t, store.WriteAccessToken(cachedAccessToken("", "cached-at", []string{"user.read"}, time.Hour)))

	o := newTestOrchestrator(t, te, store)
	ctx := context.Background()

	results := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func() {
			_, err := o.Acquire(ctx, Request{Scopes: []string{"user.read"}, Grant: GrantClientCredentials})
			results <- err
		}()
	}
	for i := 0; i < 16; i++ {
		require.NoError(t, <-results)
	}
	assert.Zero(t, te.calls(), "a valid cached token must serve all concurrent readers without network calls")
}
