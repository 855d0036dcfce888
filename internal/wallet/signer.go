package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/ethereum/go-ethereum/common"
)

// Signature errors.
var (
	ErrSignatureLength = errors.New("signature must be 64 or 65 bytes")
	ErrRecoveryID      = errors.New("invalid signature recovery id")
	ErrSignerMismatch  = errors.New("signature not from maker")
	ErrNoKey           = errors.New("signer has no private key")
)

// Signer signs order hashes with the resolver or maker key and verifies
// maker signatures. It satisfies swap.OrderSigner.
type Signer struct {
	key  *btcec.PrivateKey
	addr common.Address
}

// NewSigner returns a signer for key. A nil key gives a verify-only signer.
func NewSigner(key *btcec.PrivateKey) *Signer {
	s := &Signer{key: key}
	if key != nil {
		s.addr = PrivateKeyToAddress(key)
	}
	return s
}

// Address returns the signing address, or the zero address when verify-only.
func (s *Signer) Address() common.Address {
	return s.addr
}

// Sign returns a 65-byte r || s || v signature over hash with v in {27, 28}.
func (s *Signer) Sign(hash [32]byte) ([]byte, error) {
	if s.key == nil {
		return nil, ErrNoKey
	}
	// SignCompact lays out v || r || s.
	compact := ecdsa.SignCompact(s.key, hash[:], false)
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return sig, nil
}

// Verify checks that sig over hash recovers to maker.
func (s *Signer) Verify(hash [32]byte, sig []byte, maker common.Address) error {
	signer, err := RecoverAddress(hash, sig)
	if err != nil {
		return err
	}
	if signer != maker {
		return fmt.Errorf("%w: recovered %s, maker %s", ErrSignerMismatch, signer.Hex(), maker.Hex())
	}
	return nil
}

// RecoverAddress returns the address that produced sig. Both the 65-byte
// r || s || v form (v in {0, 1, 27, 28}) and the 64-byte r || vs form are
// accepted.
func RecoverAddress(hash [32]byte, sig []byte) (common.Address, error) {
	compact, err := toCompact(sig)
	if err != nil {
		return common.Address{}, err
	}
	pub, _, err := ecdsa.RecoverCompact(compact, hash[:])
	if err != nil {
		return common.Address{}, fmt.Errorf("recover: %w", err)
	}
	return PublicKeyToAddress(pub), nil
}

func toCompact(sig []byte) ([]byte, error) {
	compact := make([]byte, 65)
	switch len(sig) {
	case 65:
		v := sig[64]
		if v < 27 {
			v += 27
		}
		if v != 27 && v != 28 {
			return nil, fmt.Errorf("%w: %d", ErrRecoveryID, sig[64])
		}
		compact[0] = v
		copy(compact[1:], sig[:64])
	case 64:
		// The top bit of vs carries the parity.
		compact[0] = 27 + sig[32]>>7
		copy(compact[1:], sig[:64])
		compact[33] &= 0x7f
	default:
		return nil, fmt.Errorf("%w: got %d", ErrSignatureLength, len(sig))
	}
	return compact, nil
}
