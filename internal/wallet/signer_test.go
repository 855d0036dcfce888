package wallet

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func testSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := ParsePrivateKey(testKeyHex)
	if err != nil {
		t.Fatalf("ParsePrivateKey() error = %v", err)
	}
	return NewSigner(key)
}

func TestSignerRoundTrip(t *testing.T) {
	s := testSigner(t)
	maker := common.HexToAddress(testAddress)
	var hash [32]byte
	copy(hash[:], Keccak256([]byte("order")))

	sig, err := s.Sign(hash)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if len(sig) != 65 || (sig[64] != 27 && sig[64] != 28) {
		t.Fatalf("signature = %x, want 65 bytes with v 27/28", sig)
	}
	if err := s.Verify(hash, sig, maker); err != nil {
		t.Errorf("Verify() error = %v", err)
	}

	// go-ethereum recovers the same signer from the 0/1 form.
	ethSig := append([]byte(nil), sig...)
	ethSig[64] -= 27
	pub, err := crypto.SigToPub(hash[:], ethSig)
	if err != nil {
		t.Fatalf("SigToPub() error = %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != maker {
		t.Error("go-ethereum recovered a different address")
	}
	if err := NewSigner(nil).Verify(hash, ethSig, maker); err != nil {
		t.Errorf("Verify(v=0/1) error = %v", err)
	}

	// 64-byte r || vs form.
	short := make([]byte, 64)
	copy(short, sig[:64])
	if ethSig[64] == 1 {
		short[32] |= 0x80
	}
	if err := NewSigner(nil).Verify(hash, short, maker); err != nil {
		t.Errorf("Verify(r||vs) error = %v", err)
	}
}

func TestSignerVerifyFailures(t *testing.T) {
	s := testSigner(t)
	var hash [32]byte
	hash[0] = 1
	sig, _ := s.Sign(hash)

	other := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	if err := s.Verify(hash, sig, other); !errors.Is(err, ErrSignerMismatch) {
		t.Errorf("Verify(other maker) error = %v, want ErrSignerMismatch", err)
	}

	var tampered [32]byte
	tampered[0] = 2
	if err := s.Verify(tampered, sig, s.Address()); err == nil {
		t.Error("Verify() accepted a signature over a different hash")
	}

	bad := append([]byte(nil), sig...)
	bad[64] = 5
	if err := s.Verify(hash, bad, s.Address()); !errors.Is(err, ErrRecoveryID) {
		t.Errorf("Verify(v=5) error = %v, want ErrRecoveryID", err)
	}
	if err := s.Verify(hash, sig[:10], s.Address()); !errors.Is(err, ErrSignatureLength) {
		t.Errorf("Verify(short) error = %v, want ErrSignatureLength", err)
	}
}

func TestVerifyOnlySignerCannotSign(t *testing.T) {
	if _, err := NewSigner(nil).Sign([32]byte{}); !errors.Is(err, ErrNoKey) {
		t.Errorf("Sign() error = %v, want ErrNoKey", err)
	}
}
