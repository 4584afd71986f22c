package grant

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"bloomgate/crypto"
)

// SignatureLen is the fixed width of an encoded signature: r (32) + s (32) + v (1).
const SignatureLen = 65

// Signer produces recoverable secp256k1 signatures over encoded grant
// messages using the backend key. It is constructed once at startup and
// injected read-only into request handlers; the key is never exposed again.
type Signer struct {
	key     *crypto.PrivateKey
	address common.Address
}

// NewSigner wraps the loaded backend key. A nil key is a configuration fault
// and must abort startup, never be deferred to request time.
func NewSigner(key *crypto.PrivateKey) (*Signer, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("grant: signer key required")
	}
	return &Signer{key: key, address: key.PubKey().Address()}, nil
}

// Address returns the backend signer address the contract checks against.
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign encodes the fields, hashes them, applies the signed-message prefix,
// and signs. The prefix step keeps the signature from being reinterpreted as
// authorizing a raw transaction. v is normalised to {27, 28} as the contract's
// ecrecover expects.
func (s *Signer) Sign(fields Fields, now time.Time) (*Grant, error) {
	encoded, err := fields.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode grant: %w", err)
	}
	digest := ethcrypto.Keccak256(encoded)
	prefixed := accounts.TextHash(digest)
	sig, err := ethcrypto.Sign(prefixed, s.key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign grant: %w", err)
	}
	if len(sig) != SignatureLen {
		return nil, fmt.Errorf("unexpected signature length %d", len(sig))
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return &Grant{Fields: fields, Signature: sig, IssuedAt: now.UTC()}, nil
}

// RecoverSigner returns the address that produced the signature for the given
// fields. Tests use this to assert signing determinism at the recovery level.
func RecoverSigner(fields Fields, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLen {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", SignatureLen)
	}
	encoded, err := fields.Encode()
	if err != nil {
		return common.Address{}, err
	}
	digest := ethcrypto.Keccak256(encoded)
	prefixed := accounts.TextHash(digest)
	normalized := make([]byte, SignatureLen)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(prefixed, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
