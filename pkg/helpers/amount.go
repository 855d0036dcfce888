package helpers

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseBigInt parses a base-10 unsigned integer string of any size.
// Amounts, salts and trait bitfields travel as decimal strings and must never
// pass through a float.
func ParseBigInt(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty integer string")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid character in integer: %q", c)
		}
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer: %s", s)
	}
	return n, nil
}

// BigIntString renders n in base 10, treating nil as zero.
func BigIntString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

// FormatAmount formats an amount in smallest units as a decimal string.
// For example, FormatAmount(10^18, 18) returns "1".
func FormatAmount(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	if decimals == 0 {
		return amount.String()
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(amount, divisor, new(big.Int))
	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := new(big.Int).Abs(frac).String()
	if pad := int(decimals) - len(fracStr); pad > 0 {
		fracStr = strings.Repeat("0", pad) + fracStr
	}
	fracStr = strings.TrimRight(fracStr, "0")
	return fmt.Sprintf("%s.%s", whole.String(), fracStr)
}
