package helpers

import (
	"math/big"
	"testing"
)

func TestIsZeroBytes(t *testing.T) {
	tests := []struct {
		name string
		b    []byte
		want bool
	}{
		{"nil", nil, true},
		{"empty", []byte{}, true},
		{"all zero", make([]byte, 32), true},
		{"one set", []byte{0, 0, 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsZeroBytes(tt.b); got != tt.want {
				t.Errorf("IsZeroBytes = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseBigInt(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"0", "0", false},
		{"1000000000000000000", "1000000000000000000", false},
		{"115792089237316195423570985008687907853269984665640564039457584007913129639935", "115792089237316195423570985008687907853269984665640564039457584007913129639935", false},
		{" 42 ", "42", false},
		{"", "", true},
		{"-1", "", true},
		{"1e18", "", true},
		{"1.5", "", true},
		{"0x10", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBigInt(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBigInt(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got.String() != tt.want {
				t.Errorf("ParseBigInt(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   string
		decimals uint8
		want     string
	}{
		{"1000000000000000000", 18, "1"},
		{"1500000000000000000", 18, "1.5"},
		{"1", 18, "0.000000000000000001"},
		{"123", 0, "123"},
		{"100000000", 8, "1"},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			n, _ := new(big.Int).SetString(tt.amount, 10)
			if got := FormatAmount(n, tt.decimals); got != tt.want {
				t.Errorf("FormatAmount(%s, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestHexToBytes32(t *testing.T) {
	good := "0x" + "ab" + "00000000000000000000000000000000000000000000000000000000000000"
	b, err := HexToBytes32(good)
	if err != nil {
		t.Fatalf("HexToBytes32() error = %v", err)
	}
	if b[0] != 0xab {
		t.Errorf("first byte = %x, want ab", b[0])
	}

	if _, err := HexToBytes32("0xabcd"); err == nil {
		t.Error("HexToBytes32() accepted a short value")
	}
	if _, err := HexToBytes32("zz"); err == nil {
		t.Error("HexToBytes32() accepted invalid hex")
	}
}

func TestShortHex(t *testing.T) {
	if got := ShortHex("0x1234"); got != "0x1234" {
		t.Errorf("ShortHex(short) = %s", got)
	}
	if got := ShortHex("0x1234567890abcdef"); got != "0x1234…cdef" {
		t.Errorf("ShortHex(long) = %s, want 0x1234…cdef", got)
	}
}
