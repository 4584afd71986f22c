package grant

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EncodedLen is the exact byte length of a packed authorization message: ten
// 32-byte big-endian fields.
const EncodedLen = 10 * 32

// Encode serializes the grant fields into the byte layout the verifying
// contract reconstructs before hashing. Field order, widths, and left padding
// are load-bearing: the contract packs sender, receiver, amount, sender id,
// receiver id, event hash, nonce, deadline, chain id, and its own address.
// Chain id and verifier address bind the signature to one deployment.
func (f Fields) Encode() ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, EncodedLen)
	buf = appendAddress(buf, f.From)
	buf = appendAddress(buf, f.To)
	buf = appendUint256(buf, f.AmountWei)
	buf = appendUint64(buf, uint64(f.FromID))
	buf = appendUint64(buf, uint64(f.ToID))
	buf = append(buf, f.EventHash.Bytes()...)
	buf = appendUint256(buf, f.Nonce)
	buf = appendUint64(buf, f.Deadline)
	buf = appendUint64(buf, f.ChainID)
	buf = appendAddress(buf, f.Verifier)
	return buf, nil
}

// DecodeFields unpacks an encoded message back into its fields. The kind is
// not part of the wire format and is left unset. Used by tests to prove the
// packing scheme round-trips.
func DecodeFields(buf []byte) (Fields, error) {
	if len(buf) != EncodedLen {
		return Fields{}, fmt.Errorf("encoded message must be %d bytes, got %d", EncodedLen, len(buf))
	}
	word := func(i int) []byte { return buf[i*32 : (i+1)*32] }
	fields := Fields{
		From:      common.BytesToAddress(word(0)),
		To:        common.BytesToAddress(word(1)),
		AmountWei: new(uint256.Int).SetBytes(word(2)),
		FromID:    SocialID(new(uint256.Int).SetBytes(word(3)).Uint64()),
		ToID:      SocialID(new(uint256.Int).SetBytes(word(4)).Uint64()),
		EventHash: common.BytesToHash(word(5)),
		Nonce:     new(uint256.Int).SetBytes(word(6)),
		Deadline:  new(uint256.Int).SetBytes(word(7)).Uint64(),
		ChainID:   new(uint256.Int).SetBytes(word(8)).Uint64(),
		Verifier:  common.BytesToAddress(word(9)),
	}
	return fields, nil
}

func (f Fields) validate() error {
	if f.From == (common.Address{}) {
		return errors.New("sender address required")
	}
	if f.To == (common.Address{}) {
		return errors.New("receiver address required")
	}
	if f.AmountWei == nil || f.AmountWei.IsZero() {
		return errors.New("amount must be positive")
	}
	if f.EventHash == (common.Hash{}) {
		return errors.New("event hash required")
	}
	if f.Nonce == nil {
		return errors.New("nonce required")
	}
	if f.Deadline == 0 {
		return errors.New("deadline required")
	}
	if f.ChainID == 0 {
		return errors.New("chain id required")
	}
	if f.Verifier == (common.Address{}) {
		return errors.New("verifier contract address required")
	}
	return nil
}

func appendAddress(buf []byte, addr common.Address) []byte {
	return append(buf, common.LeftPadBytes(addr.Bytes(), 32)...)
}

func appendUint256(buf []byte, v *uint256.Int) []byte {
	word := v.Bytes32()
	return append(buf, word[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	return appendUint256(buf, uint256.NewInt(v))
}
