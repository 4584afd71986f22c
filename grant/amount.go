package grant

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// TokenDecimals is the smallest-unit scale of the tipped token.
const TokenDecimals = 18

// ParseAmountWei converts a human decimal amount ("1000", "2.5") into the
// token's smallest unit. Fractions beyond the token's precision are rejected
// rather than truncated so the signed amount always matches what the user
// typed.
func ParseAmountWei(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	whole := trimmed
	frac := ""
	if idx := strings.IndexByte(trimmed, '.'); idx >= 0 {
		whole, frac = trimmed[:idx], trimmed[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) || (frac != "" && !isDigits(frac)) {
		return nil, fmt.Errorf("invalid decimal amount %q", raw)
	}
	if len(frac) > TokenDecimals {
		return nil, fmt.Errorf("amount %q exceeds %d decimal places", raw, TokenDecimals)
	}
	scaled := whole + frac + strings.Repeat("0", TokenDecimals-len(frac))
	value, ok := new(big.Int).SetString(scaled, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount %q", raw)
	}
	if value.Sign() == 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	wei, overflow := uint256.FromBig(value)
	if overflow {
		return nil, fmt.Errorf("amount %q overflows uint256", raw)
	}
	return wei, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
