// Package wallet derives the resolver's EVM key from a BIP39 seed, stores the
// seed encrypted on disk and signs order hashes.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/tyler-smith/go-bip39"
)

// BIP44 path components for EVM keys: m/44'/60'/account'/0/index.
const (
	PurposeBIP44 = 44
	CoinTypeETH  = 60
)

// Wallet holds an HD master key. All keys it hands out live on the EVM
// derivation path.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	mu        sync.Mutex

	// account -> index -> key
	cache map[uint32]map[uint32]*hdkeychain.ExtendedKey
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic and an optional
// passphrase.
func NewFromMnemonic(mnemonic, passphrase string) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return NewFromSeed(bip39.NewSeed(mnemonic, passphrase))
}

// NewFromSeed creates a wallet from a raw seed.
func NewFromSeed(seed []byte) (*Wallet, error) {
	// The network params only affect extended key serialization, which is
	// never exported; EVM addresses do not depend on them.
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	return &Wallet{
		masterKey: masterKey,
		cache:     make(map[uint32]map[uint32]*hdkeychain.ExtendedKey),
	}, nil
}

// DeriveKey derives m/44'/60'/account'/0/index.
func (w *Wallet) DeriveKey(account, index uint32) (*hdkeychain.ExtendedKey, error) {
	if err := ValidateAccountIndex(account); err != nil {
		return nil, err
	}
	if err := ValidateAddressIndex(index); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if key := w.cache[account][index]; key != nil {
		return key, nil
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + PurposeBIP44,
		hdkeychain.HardenedKeyStart + CoinTypeETH,
		hdkeychain.HardenedKeyStart + account,
		0,
		index,
	}
	key := w.masterKey
	for depth, child := range path {
		next, err := key.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("failed to derive level %d: %w", depth+1, err)
		}
		key = next
	}

	if w.cache[account] == nil {
		w.cache[account] = make(map[uint32]*hdkeychain.ExtendedKey)
	}
	w.cache[account][index] = key
	return key, nil
}

// PrivateKey returns the secp256k1 private key at account/index.
func (w *Wallet) PrivateKey(account, index uint32) (*btcec.PrivateKey, error) {
	key, err := w.DeriveKey(account, index)
	if err != nil {
		return nil, err
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return priv, nil
}

// ECDSA returns the key at account/index in the form the chain clients sign
// transactions with.
func (w *Wallet) ECDSA(account, index uint32) (*ecdsa.PrivateKey, error) {
	priv, err := w.PrivateKey(account, index)
	if err != nil {
		return nil, err
	}
	return priv.ToECDSA(), nil
}

// Address returns the EVM address at account/index.
func (w *Wallet) Address(account, index uint32) (common.Address, error) {
	key, err := w.DeriveKey(account, index)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := key.ECPubKey()
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to get public key: %w", err)
	}
	return PublicKeyToAddress(pub), nil
}

// DerivationPath returns the path string for account/index.
func DerivationPath(account, index uint32) string {
	return fmt.Sprintf("m/%d'/%d'/%d'/0/%d", PurposeBIP44, CoinTypeETH, account, index)
}

// ClearCache drops all derived keys.
func (w *Wallet) ClearCache() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cache = make(map[uint32]map[uint32]*hdkeychain.ExtendedKey)
}
