package swap

import "math/big"

var bpsScale = big.NewInt(10000)

// ProfitBps returns (taking - making) * 10000 / making, floored. ok is false
// when making is not positive.
func ProfitBps(making, taking *big.Int) (bps *big.Int, ok bool) {
	if making == nil || taking == nil || making.Sign() <= 0 {
		return nil, false
	}
	diff := new(big.Int).Sub(taking, making)
	diff.Mul(diff, bpsScale)
	// Div is Euclidean; with a positive divisor that is floor division.
	return diff.Div(diff, making), true
}

// IsProfitable gates fills: the destination amount must exceed the source
// amount by at least minBps basis points.
func IsProfitable(making, taking *big.Int, minBps int64) bool {
	bps, ok := ProfitBps(making, taking)
	if !ok {
		return false
	}
	return bps.Cmp(big.NewInt(minBps)) >= 0
}
