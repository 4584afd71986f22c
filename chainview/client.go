// Package chainview reads the verifying contract's authoritative state: the
// per-address nonce counter and the claimed-in-window flag. The service never
// keeps its own counter; any locally cached nonce could diverge from the
// contract and invalidate every signature issued after the divergence.
package chainview

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
)

// ErrUnavailable wraps RPC failures. Callers must fail closed: no nonce read,
// no signature.
var ErrUnavailable = errors.New("chainview: rpc unavailable")

var (
	nonceSelector   = ethcrypto.Keccak256([]byte("nonces(address)"))[:4]
	claimedSelector = ethcrypto.Keccak256([]byte("claimedInWindow(address)"))[:4]
)

// Caller is the subset of the Ethereum RPC the service uses.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial initialises an RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chainview: rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Client issues read-only calls against one verifier deployment.
type Client struct {
	caller   Caller
	verifier common.Address
	timeout  time.Duration
}

// NewClient wraps an RPC caller for the given verifier contract.
func NewClient(caller Caller, verifier common.Address, timeout time.Duration) (*Client, error) {
	if caller == nil {
		return nil, fmt.Errorf("chainview: rpc caller required")
	}
	if verifier == (common.Address{}) {
		return nil, fmt.Errorf("chainview: verifier address required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{caller: caller, verifier: verifier, timeout: timeout}, nil
}

// Nonce reads the contract's current counter for the address. The value is
// the next nonce the contract will accept.
func (c *Client) Nonce(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	word, err := c.callWord(ctx, nonceSelector, addr)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes(word), nil
}

// HasClaimed reads the contract's claimed-in-current-window flag for the
// address. This is the authoritative layer of the two-layer claim policy.
func (c *Client) HasClaimed(ctx context.Context, addr common.Address) (bool, error) {
	word, err := c.callWord(ctx, claimedSelector, addr)
	if err != nil {
		return false, err
	}
	return new(uint256.Int).SetBytes(word).Sign() != 0, nil
}

func (c *Client) callWord(ctx context.Context, selector []byte, addr common.Address) ([]byte, error) {
	data := make([]byte, 0, 4+32)
	data = append(data, selector...)
	data = append(data, common.LeftPadBytes(addr.Bytes(), 32)...)

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.caller.CallContract(callCtx, ethereum.CallMsg{To: &c.verifier, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("%w: short return data (%d bytes)", ErrUnavailable, len(out))
	}
	return out[:32], nil
}
