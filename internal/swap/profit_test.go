package swap

import (
	"math/big"
	"testing"
)

func TestProfitBps(t *testing.T) {
	tests := []struct {
		name           string
		making, taking *big.Int
		want           int64
		ok             bool
	}{
		{"break even", big.NewInt(1000), big.NewInt(1000), 0, true},
		{"one percent", big.NewInt(1000), big.NewInt(1010), 100, true},
		{"floors fractions", big.NewInt(3), big.NewInt(4), 3333, true},
		{"loss floors down", big.NewInt(3), big.NewInt(2), -3334, true},
		{"zero making", big.NewInt(0), big.NewInt(1), 0, false},
		{"nil taking", big.NewInt(1), nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ProfitBps(tt.making, tt.taking)
			if ok != tt.ok {
				t.Fatalf("ProfitBps() ok = %v, want %v", ok, tt.ok)
			}
			if ok && got.Int64() != tt.want {
				t.Errorf("ProfitBps() = %s, want %d", got, tt.want)
			}
		})
	}
}

func TestIsProfitableLargeAmounts(t *testing.T) {
	making, _ := new(big.Int).SetString("1000000000000000000000000000000", 10)
	taking := new(big.Int).Add(making, new(big.Int).Div(making, big.NewInt(200))) // +50 bps

	if !IsProfitable(making, taking, 50) {
		t.Error("IsProfitable() = false at exactly the threshold")
	}
	if IsProfitable(making, taking, 51) {
		t.Error("IsProfitable() = true below the threshold")
	}
	if !IsProfitable(making, making, 0) {
		t.Error("IsProfitable() = false for break even with no minimum")
	}
}
