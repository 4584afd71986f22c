package chainview

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCaller struct {
	mu     sync.Mutex
	out    []byte
	err    error
	calls  int
	lastTo *common.Address
	data   []byte
}

func (m *mockCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastTo = msg.To
	m.data = append([]byte(nil), msg.Data...)
	if m.err != nil {
		return nil, m.err
	}
	return m.out, nil
}

var (
	verifier = common.HexToAddress("0x3333333333333333333333333333333333333333")
	holder   = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

func TestNonceReadsContractCounter(t *testing.T) {
	caller := &mockCaller{out: common.LeftPadBytes([]byte{0x2a}, 32)}
	client, err := NewClient(caller, verifier, time.Second)
	require.NoError(t, err)

	nonce, err := client.Nonce(context.Background(), holder)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), nonce.Uint64())
	assert.Equal(t, verifier, *caller.lastTo)

	// selector || left-padded address
	assert.Equal(t, hex.EncodeToString(nonceSelector), hex.EncodeToString(caller.data[:4]))
	assert.Equal(t, common.LeftPadBytes(holder.Bytes(), 32), caller.data[4:])
}

func TestNonceFailsClosed(t *testing.T) {
	caller := &mockCaller{err: errors.New("connection refused")}
	client, err := NewClient(caller, verifier, time.Second)
	require.NoError(t, err)

	_, err = client.Nonce(context.Background(), holder)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestNonceRejectsShortReturnData(t *testing.T) {
	caller := &mockCaller{out: []byte{0x01}}
	client, err := NewClient(caller, verifier, time.Second)
	require.NoError(t, err)

	_, err = client.Nonce(context.Background(), holder)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestHasClaimed(t *testing.T) {
	caller := &mockCaller{out: common.LeftPadBytes([]byte{0x01}, 32)}
	client, err := NewClient(caller, verifier, time.Second)
	require.NoError(t, err)

	claimed, err := client.HasClaimed(context.Background(), holder)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, hex.EncodeToString(claimedSelector), hex.EncodeToString(caller.data[:4]))

	caller.out = make([]byte, 32)
	claimed, err = client.HasClaimed(context.Background(), holder)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(nil, verifier, time.Second)
	require.Error(t, err)
	_, err = NewClient(&mockCaller{}, common.Address{}, time.Second)
	require.Error(t, err)
}
