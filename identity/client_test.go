package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bloomgate/grant"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{
		BaseURL:  srv.URL,
		APIKey:   "test-key",
		CacheTTL: time.Minute,
		RPS:      1000,
		Burst:    1000,
	})
	require.NoError(t, err)
	return client, srv
}

func TestResolvePrefersVerifiedAddress(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "777", r.URL.Query().Get("ids"))
		w.Write([]byte(`{"users":[{"socialId":777,` +
			`"verifiedAddresses":["0x1111111111111111111111111111111111111111","0x2222222222222222222222222222222222222222"],` +
			`"custodyAddress":"0x3333333333333333333333333333333333333333"}]}`))
	})

	addr, err := client.Resolve(context.Background(), 777)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x1111111111111111111111111111111111111111"), addr)
}

func TestResolveFallsBackToCustodyAddress(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"users":[{"socialId":777,"verifiedAddresses":[],` +
			`"custodyAddress":"0x3333333333333333333333333333333333333333"}]}`))
	})

	addr, err := client.Resolve(context.Background(), 777)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x3333333333333333333333333333333333333333"), addr)
}

func TestResolveNoWallet(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"users":[{"socialId":777,"verifiedAddresses":[],"custodyAddress":""}]}`))
	})

	_, err := client.Resolve(context.Background(), 777)
	require.ErrorIs(t, err, ErrNoWallet)
}

func TestResolveDirectoryUnavailable(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Resolve(context.Background(), 777)
	require.ErrorIs(t, err, ErrUnavailable)
	require.False(t, errors.Is(err, ErrNoWallet))
}

func TestResolveBatchAndCache(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"users":[` +
			`{"socialId":1,"verifiedAddresses":["0x1111111111111111111111111111111111111111"]},` +
			`{"socialId":2,"custodyAddress":"0x2222222222222222222222222222222222222222"},` +
			`{"socialId":3}]}`))
	})

	resolved, err := client.ResolveBatch(context.Background(), []grant.SocialID{1, 2, 3})
	require.NoError(t, err)
	assert.Len(t, resolved, 2)
	assert.Equal(t, common.HexToAddress("0x1111111111111111111111111111111111111111"), resolved[1])
	assert.Equal(t, common.HexToAddress("0x2222222222222222222222222222222222222222"), resolved[2])
	_, ok := resolved[3]
	assert.False(t, ok)
	assert.EqualValues(t, 1, calls.Load())

	// Cached entries short-circuit the directory; only the unresolved id
	// triggers another lookup.
	_, err = client.ResolveBatch(context.Background(), []grant.SocialID{1, 2})
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())

	_, err = client.Resolve(context.Background(), 3)
	require.ErrorIs(t, err, ErrNoWallet)
	assert.EqualValues(t, 2, calls.Load())
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}
