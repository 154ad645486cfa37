//go:build integration

package cachevalkey

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"

	"github.com/meridianid/msid-go/internal/encryption"
	"github.com/meridianid/msid-go/internal/testhelpers"
	"github.com/meridianid/msid-go/internal/tokencache"
)

func connect(t *testing.T) valkey.Client {
	t.Helper()
	server := testhelpers.RunValkeyContainer(t)
	client, err := Connect(server.Address, server.Username, server.Password, false)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func writeToken(t *testing.T, aspect *Aspect, secret string) {
	t.Helper()
	accessor := tokencache.NewAccessor(tokencache.NewStore(), aspect)
	now := time.Now().UTC()
	err := accessor.Write(context.Background(), func(store *tokencache.Store) error {
		return store.WriteAccessToken(tokencache.NewAccessToken(
			"uid.utid", "login.windows.net", "tenant", "client", secret,
			[]string{"user.read"}, now, now.Add(time.Hour), now.Add(2*time.Hour), time.Time{},
		))
	})
	require.NoError(t, err)
}

func readToken(t *testing.T, aspect *Aspect) (string, bool) {
	t.Helper()
	accessor := tokencache.NewAccessor(tokencache.NewStore(), aspect)
	var (
		at    tokencache.AccessToken
		found bool
	)
	err := accessor.Read(context.Background(), func(store *tokencache.Store) error {
		at, found = store.ReadAccessToken("uid.utid", []string{"login.windows.net"}, "tenant", "client", []string{"user.read"})
		return nil
	})
	require.NoError(t, err)
	return at.Secret, found
}

func TestAspect_SharedAcrossClients(t *testing.T) {
	client := connect(t)

	writer, err := New(client, "msid:cache:shared", WithClientCacheTTL(100*time.Millisecond))
	require.NoError(t, err)
	writeToken(t, writer, "shared-token")

	reader, err := New(client, "msid:cache:shared", WithClientCacheTTL(100*time.Millisecond))
	require.NoError(t, err)
	secret, found := readToken(t, reader)
	require.True(t, found)
	assert.Equal(t, "shared-token", secret)
}

func TestAspect_MissingKeyIsEmptyCache(t *testing.T) {
	client := connect(t)

	aspect, err := New(client, "msid:cache:never-written")
	require.NoError(t, err)

	_, found := readToken(t, aspect)
	assert.False(t, found)
}

func TestAspect_SealedRoundTrip(t *testing.T) {
	client := connect(t)
	aead, err := encryption.NewTestAEAD()
	require.NoError(t, err)

	aspect, err := New(client, "msid:cache:sealed",
		WithSealer(encryption.NewAEADSealer(aead)), WithClientCacheTTL(100*time.Millisecond))
	require.NoError(t, err)

	writeToken(t, aspect, "sealed-token")

	// the stored blob is opaque
	raw, err := client.Do(context.Background(), client.B().Get().Key("msid:cache:sealed").Build()).AsBytes()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sealed-token")

	secret, found := readToken(t, aspect)
	require.True(t, found)
	assert.Equal(t, "sealed-token", secret)
}

func TestAspect_CorruptedSealedEntryInvalidated(t *testing.T) {
	client := connect(t)
	aead, err := encryption.NewTestAEAD()
	require.NoError(t, err)

	aspect, err := New(client, "msid:cache:corrupt",
		WithSealer(encryption.NewAEADSealer(aead)), WithClientCacheTTL(100*time.Millisecond))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.Do(ctx,
		client.B().Set().Key("msid:cache:corrupt").Value("msid-enc:garbage").Build()).Error())

	accessor := tokencache.NewAccessor(tokencache.NewStore(), aspect)
	err = accessor.Read(ctx, func(*tokencache.Store) error { return nil })
	require.Error(t, err)

	// the unrecoverable blob was deleted so the next write starts clean
	assert.Eventually(t, func() bool {
		result := client.Do(ctx, client.B().Get().Key("msid:cache:corrupt").Build())
		return valkey.IsValkeyNil(result.Error())
	}, time.Second, 50*time.Millisecond)
}
