package wallet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/Klingon-tech/klingdex-resolver/pkg/helpers"
)

// ErrInvalidPrivateKey is returned for keys outside [1, n-1].
var ErrInvalidPrivateKey = errors.New("invalid private key")

// Keccak256 computes the legacy Keccak-256 hash used by Ethereum.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// PublicKeyToAddress returns the last 20 bytes of Keccak256 over the
// uncompressed key without its 0x04 prefix.
func PublicKeyToAddress(pub *btcec.PublicKey) common.Address {
	raw := pub.SerializeUncompressed()
	return common.BytesToAddress(Keccak256(raw[1:])[12:])
}

// PrivateKeyToAddress returns the address controlled by priv.
func PrivateKeyToAddress(priv *btcec.PrivateKey) common.Address {
	return PublicKeyToAddress(priv.PubKey())
}

// ParsePrivateKey decodes a 32-byte hex key, with or without 0x.
func ParsePrivateKey(s string) (*btcec.PrivateKey, error) {
	raw, err := helpers.HexToBytes(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	defer SecureClear(raw)
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes, want 32", ErrInvalidPrivateKey, len(raw))
	}

	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(raw); overflow || scalar.IsZero() {
		return nil, ErrInvalidPrivateKey
	}
	return secp256k1.NewPrivateKey(&scalar), nil
}

// ValidateAddress reports whether s is a 20-byte hex address. Mixed-case
// input must carry a correct EIP-55 checksum.
func ValidateAddress(s string) bool {
	if !common.IsHexAddress(s) {
		return false
	}
	body := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return true
	}
	return common.HexToAddress(s).Hex() == "0x"+body
}
