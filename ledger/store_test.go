package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bloomgate/grant"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testKey() Key {
	return Key{
		Kind:      grant.KindTip,
		EventHash: common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		From:      common.HexToAddress("0x1111111111111111111111111111111111111111"),
	}
}

func testGrant(nonce uint64, deadline uint64) *grant.Grant {
	return &grant.Grant{
		Fields: grant.Fields{
			Kind:      grant.KindTip,
			From:      common.HexToAddress("0x1111111111111111111111111111111111111111"),
			To:        common.HexToAddress("0x2222222222222222222222222222222222222222"),
			AmountWei: uint256.MustFromDecimal("1000000000000000000"),
			FromID:    777,
			ToID:      888,
			EventHash: common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
			Nonce:     uint256.NewInt(nonce),
			Deadline:  deadline,
			ChainID:   8453,
			Verifier:  common.HexToAddress("0x3333333333333333333333333333333333333333"),
		},
		Signature: make([]byte, grant.SignatureLen),
		IssuedAt:  time.Now().UTC(),
	}
}

func futureDeadline() uint64 {
	return uint64(time.Now().Add(time.Hour).Unix())
}

func TestIssueOnceRunsFactoryOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	var factoryCalls atomic.Int64

	factory := func(context.Context) (*grant.Grant, error) {
		factoryCalls.Add(1)
		return testGrant(5, futureDeadline()), nil
	}

	first, replayed, err := store.IssueOnce(ctx, testKey(), factory)
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := store.IssueOnce(ctx, testKey(), factory)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.EqualValues(t, 1, factoryCalls.Load())
	assert.True(t, first.Fields.Equal(second.Fields))
	assert.Equal(t, first.Signature, second.Signature)
}

func TestIssueOnceConcurrentDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	var factoryCalls atomic.Int64
	var nextNonce atomic.Uint64

	// Each factory invocation simulates a fresh pipeline run handing out a
	// new nonce; only one of the signed grants may survive.
	factory := func(context.Context) (*grant.Grant, error) {
		factoryCalls.Add(1)
		return testGrant(nextNonce.Add(1), futureDeadline()), nil
	}

	const workers = 8
	results := make([]*grant.Grant, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			issued, _, err := store.IssueOnce(ctx, testKey(), factory)
			require.NoError(t, err)
			results[i] = issued
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.True(t, results[0].Fields.Equal(results[i].Fields))
		assert.Equal(t, results[0].Signature, results[i].Signature)
	}
}

func TestIssueOnceFactoryFailureIsNotPersisted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.IssueOnce(ctx, testKey(), func(context.Context) (*grant.Grant, error) {
		return nil, errors.New("nonce read failed")
	})
	require.Error(t, err)

	issued, replayed, err := store.IssueOnce(ctx, testKey(), func(context.Context) (*grant.Grant, error) {
		return testGrant(5, futureDeadline()), nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.NotNil(t, issued)
}

func TestIssueOnceSupersedesExpiredGrant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	expired := uint64(time.Now().Add(-time.Hour).Unix())
	_, _, err := store.IssueOnce(ctx, testKey(), func(context.Context) (*grant.Grant, error) {
		return testGrant(5, expired), nil
	})
	require.NoError(t, err)

	fresh, replayed, err := store.IssueOnce(ctx, testKey(), func(context.Context) (*grant.Grant, error) {
		return testGrant(6, futureDeadline()), nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.EqualValues(t, 6, fresh.Nonce.Uint64())
}

func TestMarkConsumed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.IssueOnce(ctx, testKey(), func(context.Context) (*grant.Grant, error) {
		return testGrant(5, futureDeadline()), nil
	})
	require.NoError(t, err)

	require.NoError(t, store.MarkConsumed(ctx, testKey()))
	// Already consumed: nothing left in issued state.
	require.Error(t, store.MarkConsumed(ctx, testKey()))
}

func TestExpireStale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.IssueOnce(ctx, testKey(), func(context.Context) (*grant.Grant, error) {
		return testGrant(5, uint64(time.Now().Add(-time.Minute).Unix())), nil
	})
	require.NoError(t, err)

	swept, err := store.ExpireStale(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, swept)

	swept, err = store.ExpireStale(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 0, swept)
}

func TestVerdictRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.Verdict(ctx, 777)
	require.NoError(t, err)
	assert.False(t, found)

	claimedAt := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertVerdict(ctx, Verdict{SocialID: 777, Favorable: true, ClaimedAt: &claimedAt}))

	verdict, found, err := store.Verdict(ctx, 777)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, verdict.Favorable)
	require.NotNil(t, verdict.ClaimedAt)
	assert.Equal(t, claimedAt, *verdict.ClaimedAt)

	require.NoError(t, store.UpsertVerdict(ctx, Verdict{SocialID: 777, Favorable: false}))
	verdict, found, err = store.Verdict(ctx, 777)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, verdict.Favorable)
	assert.Nil(t, verdict.ClaimedAt)
}
