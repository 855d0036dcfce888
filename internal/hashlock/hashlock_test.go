package hashlock

import (
	"strings"
	"testing"
)

func TestGenerateAndVerify(t *testing.T) {
	for i := 0; i < 16; i++ {
		s, h, err := Generate()
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if Hash(s) != h {
			t.Fatalf("Hash(secret) = %s, want %s", Hash(s), h)
		}
		if !Verify(s, h) {
			t.Fatal("Verify() = false for matching secret")
		}

		var other Secret
		copy(other[:], s[:])
		other[0] ^= 0xff
		if Verify(other, h) {
			t.Fatal("Verify() = true for a different secret")
		}
	}
}

func TestKnownVector(t *testing.T) {
	// keccak256 of 32 zero bytes.
	var s Secret
	want := "0x290decd9548b62a8d60345a988386fc84ba6bc95484008f6362f93160ef3e563"
	if got := Hash(s).Hex(); got != want {
		t.Errorf("Hash() = %s, want %s", got, want)
	}
}

func TestParse(t *testing.T) {
	s, h, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	gotS, err := ParseSecret(s.Hex())
	if err != nil || gotS != s {
		t.Errorf("ParseSecret() = %v, %v", gotS, err)
	}
	gotH, err := ParseHashlock(strings.ToUpper(strings.TrimPrefix(h.Hex(), "0x")))
	if err != nil || gotH != h {
		t.Errorf("ParseHashlock() = %v, %v", gotH, err)
	}

	zero := "0x" + strings.Repeat("00", Size)
	if _, err := ParseSecret(zero); err != ErrZero {
		t.Errorf("ParseSecret(zero) error = %v, want ErrZero", err)
	}
	if _, err := ParseHashlock(zero); err != ErrZero {
		t.Errorf("ParseHashlock(zero) error = %v, want ErrZero", err)
	}
	if _, err := ParseSecret("0x1234"); err == nil {
		t.Error("ParseSecret(short) error = nil")
	}
}
