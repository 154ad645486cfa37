package tokencache

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAliases = []string{"login.windows.net", "login.microsoftonline.com"}

func testAccessToken(clientID, realm, secret string, scopes []string, expiresIn time.Duration) AccessToken {
	now := time.Now().UTC()
	return NewAccessToken(
		"uid.utid", "login.windows.net", realm, clientID, secret, scopes,
		now, now.Add(expiresIn), now.Add(expiresIn+time.Hour), time.Time{},
	)
}

func TestWriteAccessToken_ReplacesOnMatchingKey(t *testing.T) {
	store := NewStore()

	first := testAccessToken("client", "tenant", "token-1", []string{"user.read"}, time.Hour)
	second := testAccessToken("client", "tenant", "token-2", []string{"user.read"}, 2*time.Hour)
	require.Equal(t, first.Key(), second.Key())

	require.NoError(t, store.WriteAccessToken(first))
	require.NoError(t, store.WriteAccessToken(second))

	assert.Len(t, store.contract.AccessTokens, 1)

	got, ok := store.ReadAccessToken("uid.utid", testAliases, "tenant", "client", []string{"user.read"})
	require.True(t, ok)
	assert.Equal(t, "token-2", got.Secret)
}

func TestReadAccessToken_ScopeSupersetMatch(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.WriteAccessToken(
		testAccessToken("client", "tenant", "abc-token", []string{"A", "B", "C"}, time.Hour)))

	_, ok := store.ReadAccessToken("uid.utid", testAliases, "tenant", "client", []string{"a", "b"})
	assert.True(t, ok, "granted {A,B,C} must satisfy {A,B}")

	_, ok = store.ReadAccessToken("uid.utid", testAliases, "tenant", "client", []string{"a", "d"})
	assert.False(t, ok, "granted {A,B,C} must not satisfy {A,D}")
}

func TestReadAccessToken_PrefersClosestSupersetMatch(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.WriteAccessToken(
		testAccessToken("client", "tenant", "wide", []string{"a", "b", "c", "d"}, time.Hour)))
	require.NoError(t, store.WriteAccessToken(
		testAccessToken("client", "tenant", "narrow", []string{"a", "b"}, time.Hour)))

	got, ok := store.ReadAccessToken("uid.utid", testAliases, "tenant", "client", []string{"a", "b"})
	require.True(t, ok)
	assert.Equal(t, "narrow", got.Secret)
}

func TestReadAccessToken_TieBrokenByLatestExpiry(t *testing.T) {
	store := NewStore()
	// same scope count, distinct scope sets, both supersets of {a}
	require.NoError(t, store.WriteAccessToken(
		testAccessToken("client", "tenant", "early", []string{"a", "b"}, time.Hour)))
	require.NoError(t, store.WriteAccessToken(
		testAccessToken("client", "tenant", "late", []string{"a", "c"}, 3*time.Hour)))

	got, ok := store.ReadAccessToken("uid.utid", testAliases, "tenant", "client", []string{"a"})
	require.True(t, ok)
	assert.Equal(t, "late", got.Secret)
}

func TestReadAccessToken_ExpiredIsMiss(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.WriteAccessToken(
		testAccessToken("client", "tenant", "stale", []string{"user.read"}, time.Minute)))

	// within the expiration buffer: treated as expired
	_, ok := store.ReadAccessToken("uid.utid", testAliases, "tenant", "client", []string{"user.read"})
	assert.False(t, ok)
}

func TestReadAccessToken_EnvironmentAliasMatch(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.WriteAccessToken(
		testAccessToken("client", "tenant", "token", []string{"user.read"}, time.Hour)))

	// entry written under login.windows.net, read via the alias list of a
	// differently-addressed authority
	_, ok := store.ReadAccessToken("uid.utid", []string{"login.microsoft.com", "login.windows.net"}, "tenant", "client", []string{"user.read"})
	assert.True(t, ok)

	_, ok = store.ReadAccessToken("uid.utid", []string{"login.elsewhere.example"}, "tenant", "client", []string{"user.read"})
	assert.False(t, ok)
}

func TestReadRefreshToken_FamilyFallback(t *testing.T) {
	store := NewStore()
	family := NewRefreshToken("uid.utid", "login.windows.net", "client-y", "1", "family-rt")
	require.NoError(t, store.WriteRefreshToken(family))

	// client-x has no refresh token of its own, but is a member of family 1
	got, ok := store.ReadRefreshToken("uid.utid", testAliases, "1", "client-x")
	require.True(t, ok)
	assert.Equal(t, "family-rt", got.Secret)

	// without family membership there is no match
	_, ok = store.ReadRefreshToken("uid.utid", testAliases, "", "client-x")
	assert.False(t, ok)
}

func TestReadRefreshToken_PrefersClientSpecific(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.WriteRefreshToken(
		NewRefreshToken("uid.utid", "login.windows.net", "client-y", "1", "family-rt")))
	require.NoError(t, store.WriteRefreshToken(
		NewRefreshToken("uid.utid", "login.windows.net", "client-x", "", "own-rt")))

	got, ok := store.ReadRefreshToken("uid.utid", testAliases, "1", "client-x")
	require.True(t, ok)
	assert.Equal(t, "own-rt", got.Secret)
}

func TestDeleteAccount_RemovesAllCredentials(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.WriteAccount(Account{
		HomeAccountID: "uid.utid", Environment: "login.windows.net", Realm: "tenant",
		PreferredUsername: "user@contoso.example",
	}))
	require.NoError(t, store.WriteAccessToken(
		testAccessToken("client", "tenant", "token", []string{"user.read"}, time.Hour)))
	require.NoError(t, store.WriteRefreshToken(
		NewRefreshToken("uid.utid", "login.windows.net", "client", "", "rt")))
	require.NoError(t, store.WriteIDToken(
		NewIDToken("uid.utid", "login.windows.net", "tenant", "client", "idt")))

	store.DeleteAccount("uid.utid", testAliases)

	assert.Empty(t, store.Accounts())
	assert.Empty(t, store.contract.AccessTokens)
	assert.Empty(t, store.contract.RefreshTokens)
	assert.Empty(t, store.contract.IDTokens)
}

func TestAppMetadata_ReadWrite(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.WriteAppMetadata(AppMetadata{
		FamilyID: "1", ClientID: "client-x", Environment: "login.windows.net",
	}))

	meta, ok := store.ReadAppMetadata(testAliases, "client-x")
	require.True(t, ok)
	assert.Equal(t, "1", meta.FamilyID)
}

func TestMarshal_RoundTrip(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.WriteAccessToken(
		testAccessToken("client", "tenant", "token", []string{"user.read", "mail.read"}, time.Hour)))
	require.NoError(t, store.WriteRefreshToken(
		NewRefreshToken("uid.utid", "login.windows.net", "client", "1", "rt")))
	require.NoError(t, store.WriteIDToken(
		NewIDToken("uid.utid", "login.windows.net", "tenant", "client", "idt")))
	require.NoError(t, store.WriteAccount(Account{
		HomeAccountID: "uid.utid", Environment: "login.windows.net", Realm: "tenant",
	}))
	require.NoError(t, store.WriteAppMetadata(AppMetadata{
		FamilyID: "1", ClientID: "client", Environment: "login.windows.net",
	}))

	data, err := store.Marshal()
	require.NoError(t, err)

	restored := NewStore()
	require.NoError(t, restored.Unmarshal(data))

	assert.Equal(t, store.contract.AccessTokens, restored.contract.AccessTokens)
	assert.Equal(t, store.contract.RefreshTokens, restored.contract.RefreshTokens)
	assert.Equal(t, store.contract.IDTokens, restored.contract.IDTokens)
	assert.Equal(t, store.contract.Accounts, restored.contract.Accounts)
	assert.Equal(t, store.contract.AppMetadata, restored.contract.AppMetadata)
}

func TestMarshal_SchemaFieldNames(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.WriteAccessToken(
		testAccessToken("client", "tenant", "token", []string{"user.read"}, time.Hour)))

	data, err := store.Marshal()
	require.NoError(t, err)

	var doc map[string]map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))

	entries, ok := doc["AccessToken"]
	require.True(t, ok, "top-level collection must be named AccessToken")
	require.Len(t, entries, 1)

	for key, entry := range entries {
		assert.Equal(t, "uid.utid-login.windows.net-accesstoken-client-tenant-user.read", key)
		assert.Equal(t, "AccessToken", entry["credential_type"])
		assert.Equal(t, "token", entry["secret"])
		assert.Equal(t, "user.read", entry["target"])
		assert.IsType(t, "", entry["expires_on"], "timestamps are persisted as strings")
	}
}

func TestUnmarshal_PreservesUnknownFields(t *testing.T) {
	document := []byte(`{
		"AccessToken": {
			"uid.utid-login.windows.net-accesstoken-client-tenant-user.read": {
				"home_account_id": "uid.utid",
				"environment": "login.windows.net",
				"realm": "tenant",
				"credential_type": "AccessToken",
				"client_id": "client",
				"secret": "token",
				"target": "user.read",
				"expires_on": "99999999999",
				"kid": "keyid-from-another-implementation"
			}
		},
		"UnknownSection": {"key": {"a": 1}}
	}`)

	store := NewStore()
	require.NoError(t, store.Unmarshal(document))

	data, err := store.Marshal()
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, string(doc["AccessToken"]), "keyid-from-another-implementation")
	assert.Contains(t, string(doc["UnknownSection"]), `"a"`)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.WriteAccessToken(
		testAccessToken("client", "tenant", "token", []string{"user.read"}, time.Hour)))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if n%4 == 0 {
					_ = store.WriteAccessToken(testAccessToken(
						"client", fmt.Sprintf("tenant-%d", n), "token", []string{"user.read"}, time.Hour))
				} else {
					_, _ = store.ReadAccessToken("uid.utid", testAliases, "tenant", "client", []string{"user.read"})
				}
			}
		}(i)
	}
	wg.Wait()

	// serialize/deserialize after concurrent access reproduces a consistent document
	data, err := store.Marshal()
	require.NoError(t, err)
	restored := NewStore()
	require.NoError(t, restored.Unmarshal(data))
	assert.Equal(t, len(store.contract.AccessTokens), len(restored.contract.AccessTokens))
}

func TestNewAccessToken_StoredAtSchemaPrecision(t *testing.T) {
	now := time.Now().UTC()
	require.NotZero(t, now.Nanosecond(), "sub-second clock reading expected")

	at := NewAccessToken("uid.utid", "login.windows.net", "tenant", "client", "token",
		[]string{"user.read"}, now, now.Add(time.Hour), now.Add(2*time.Hour), time.Time{})

	// the persisted schema carries whole epoch seconds; a fresh entry is
	// already at that precision, so it equals its restored form exactly
	assert.Zero(t, at.CachedAt.Time().Nanosecond())

	data, err := json.Marshal(at)
	require.NoError(t, err)
	var restored AccessToken
	require.NoError(t, json.Unmarshal(data, &restored))

	assert.Equal(t, at.CachedAt, restored.CachedAt)
	assert.Equal(t, at.ExpiresOn, restored.ExpiresOn)
	assert.Equal(t, at.ExtendedExpiresOn, restored.ExtendedExpiresOn)
	assert.True(t, restored.RefreshOn.Time().IsZero())
}

func TestUnixString_RoundTrip(t *testing.T) {
	at := testAccessToken("client", "tenant", "token", []string{"user.read"}, time.Hour)

	data, err := json.Marshal(at)
	require.NoError(t, err)

	var restored AccessToken
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, at.ExpiresOn.Time().Unix(), restored.ExpiresOn.Time().Unix())
	assert.True(t, restored.RefreshOn.Time().IsZero())
}
