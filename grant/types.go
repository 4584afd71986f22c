package grant

import (
	"bytes"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Kind distinguishes the two authorization shapes the verifier accepts.
type Kind string

const (
	KindTip   Kind = "tip"
	KindClaim Kind = "claim"
)

// SocialID identifies a pseudonymous participant in the social directory.
type SocialID uint64

// Reason enumerates caller-facing denial reasons.
type Reason string

const (
	ReasonSelfTip             Reason = "SelfTip"
	ReasonNoWallet            Reason = "NoWallet"
	ReasonNoVerdict           Reason = "NoVerdict"
	ReasonNotEligible         Reason = "NotEligible"
	ReasonAlreadyClaimed      Reason = "AlreadyClaimed"
	ReasonUpstreamUnavailable Reason = "UpstreamUnavailable"
)

// Denial is an expected, user-facing outcome. It is a typed result rather
// than an error: the request worked, the answer is no.
type Denial struct {
	Reason Reason `json:"denied"`
}

// ErrUpstream marks collaborator failures that should surface as retryable.
var ErrUpstream = errors.New("upstream unavailable")

// Fields carries every grant attribute that participates in the signed
// message. All fields are fixed before signing; the signature is a pure
// function of Fields plus the backend key.
type Fields struct {
	Kind      Kind
	From      common.Address
	To        common.Address
	AmountWei *uint256.Int
	FromID    SocialID
	ToID      SocialID
	EventHash common.Hash
	Nonce     *uint256.Int
	Deadline  uint64
	ChainID   uint64
	Verifier  common.Address
}

// Grant is a signed authorization. Never mutated after Sign; re-issuing after
// deadline expiry produces a brand new grant with a fresh nonce and deadline.
type Grant struct {
	Fields
	Signature []byte
	IssuedAt  time.Time
}

// Equal reports semantic equality: every field except the signature matches.
// ECDSA signatures may differ byte-for-byte between runs of the same signer.
func (f Fields) Equal(other Fields) bool {
	if f.Kind != other.Kind ||
		f.From != other.From ||
		f.To != other.To ||
		f.FromID != other.FromID ||
		f.ToID != other.ToID ||
		f.EventHash != other.EventHash ||
		f.Deadline != other.Deadline ||
		f.ChainID != other.ChainID ||
		f.Verifier != other.Verifier {
		return false
	}
	if (f.AmountWei == nil) != (other.AmountWei == nil) {
		return false
	}
	if f.AmountWei != nil && !f.AmountWei.Eq(other.AmountWei) {
		return false
	}
	if (f.Nonce == nil) != (other.Nonce == nil) {
		return false
	}
	if f.Nonce != nil && !f.Nonce.Eq(other.Nonce) {
		return false
	}
	return true
}

// Expired reports whether the grant deadline is behind the supplied clock.
func (g *Grant) Expired(now time.Time) bool {
	return g.Deadline <= uint64(now.Unix())
}

const claimDomainTag = "bloomgate.daily-claim"

// TipEventHash derives the 32-byte event hash for a tip from the originating
// post identifier. Duplicate deliveries of the same post collapse to the same
// hash, which anchors the idempotency key.
func TipEventHash(sourceEventID string) common.Hash {
	return ethcrypto.Keccak256Hash([]byte(sourceEventID))
}

// ClaimEventHash derives the event hash for a daily claim solely from the
// claimant address, so each address has exactly one admissible claim-message
// shape per deployment.
func ClaimEventHash(claimant common.Address) common.Hash {
	var buf bytes.Buffer
	buf.WriteString(claimDomainTag)
	buf.Write(claimant.Bytes())
	return ethcrypto.Keccak256Hash(buf.Bytes())
}
