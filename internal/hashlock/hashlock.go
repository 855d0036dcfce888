// Package hashlock provides the secret/hashlock primitives shared by the
// secret store, the engines and the maker tool.
//
// Hashlock = keccak256(secret), which is what the escrow contracts check on
// withdrawal.
package hashlock

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Klingon-tech/klingdex-resolver/pkg/helpers"
)

// Size is the byte length of secrets and hashlocks.
const Size = 32

// ErrZero is returned when parsing an all-zero secret or hashlock.
var ErrZero = errors.New("zero value is not a valid secret or hashlock")

// Secret is a 32-byte preimage.
type Secret [Size]byte

// Hashlock is keccak256 of a Secret.
type Hashlock [Size]byte

// Generate creates a new random secret and its hashlock.
func Generate() (Secret, Hashlock, error) {
	b, err := helpers.GenerateSecureRandom(Size)
	if err != nil {
		return Secret{}, Hashlock{}, fmt.Errorf("failed to generate random secret: %w", err)
	}
	s := Secret(b)
	return s, Hash(s), nil
}

// Hash computes the hashlock of a secret.
func Hash(s Secret) Hashlock {
	return Hashlock(crypto.Keccak256Hash(s[:]))
}

// Verify checks if a secret matches a hashlock in constant time.
func Verify(s Secret, h Hashlock) bool {
	computed := Hash(s)
	return helpers.ConstantTimeCompare(computed[:], h[:])
}

// ParseSecret decodes a hex secret. Zero secrets are rejected.
func ParseSecret(s string) (Secret, error) {
	b, err := helpers.HexToBytes32(s)
	if err != nil {
		return Secret{}, fmt.Errorf("invalid secret: %w", err)
	}
	if helpers.IsZeroBytes(b[:]) {
		return Secret{}, ErrZero
	}
	return Secret(b), nil
}

// ParseHashlock decodes a hex hashlock. Zero hashlocks are rejected.
func ParseHashlock(s string) (Hashlock, error) {
	b, err := helpers.HexToBytes32(s)
	if err != nil {
		return Hashlock{}, fmt.Errorf("invalid hashlock: %w", err)
	}
	if helpers.IsZeroBytes(b[:]) {
		return Hashlock{}, ErrZero
	}
	return Hashlock(b), nil
}

// Hex returns the 0x-prefixed lowercase hex form.
func (s Secret) Hex() string { return helpers.BytesToHex(s[:]) }

// Hex returns the 0x-prefixed lowercase hex form.
func (h Hashlock) Hex() string { return helpers.BytesToHex(h[:]) }

// String implements fmt.Stringer.
func (h Hashlock) String() string { return h.Hex() }

// IsZero reports whether the hashlock is unset.
func (h Hashlock) IsZero() bool { return h == Hashlock{} }
