package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"
)

// Keystore errors.
var (
	ErrLocked       = errors.New("keystore is locked")
	ErrNoKeystore   = errors.New("keystore file not found")
	ErrKeystoreUsed = errors.New("keystore file already exists")
)

// Service owns the resolver key: either an encrypted seed file unlocked with
// a password, or a raw private key supplied from the environment.
type Service struct {
	path    string
	account uint32
	index   uint32

	mu     sync.RWMutex
	wallet *Wallet
	key    *btcec.PrivateKey
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Path    string // encrypted seed file
	Account uint32
	Index   uint32
}

// NewService creates a locked service.
func NewService(cfg *ServiceConfig) *Service {
	return &Service{path: cfg.Path, account: cfg.Account, index: cfg.Index}
}

// Path returns the seed file location.
func (s *Service) Path() string {
	return s.path
}

// HasKeystore reports whether the seed file exists.
func (s *Service) HasKeystore() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Create seals mnemonic under password, writes the seed file and leaves the
// service unlocked. It fails if a seed file already exists.
func (s *Service) Create(mnemonic, passphrase, password string) (common.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.HasKeystore() {
		return common.Address{}, fmt.Errorf("%w: %s", ErrKeystoreUsed, s.path)
	}
	w, err := NewFromMnemonic(mnemonic, passphrase)
	if err != nil {
		return common.Address{}, err
	}
	key, err := w.PrivateKey(s.account, s.index)
	if err != nil {
		return common.Address{}, err
	}

	enc, err := EncryptMnemonic(mnemonic, password)
	if err != nil {
		return common.Address{}, err
	}
	enc.Address = PrivateKeyToAddress(key).Hex()
	if err := SaveEncryptedSeed(enc, s.path); err != nil {
		return common.Address{}, err
	}

	s.wallet, s.key = w, key
	return PrivateKeyToAddress(key), nil
}

// Unlock decrypts the seed file and derives the configured key.
func (s *Service) Unlock(password, passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc, err := LoadEncryptedSeed(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNoKeystore, s.path)
	}
	if err != nil {
		return err
	}
	mnemonic, err := DecryptMnemonic(enc, password)
	if err != nil {
		return err
	}
	w, err := NewFromMnemonic(mnemonic, passphrase)
	if err != nil {
		return err
	}
	key, err := w.PrivateKey(s.account, s.index)
	if err != nil {
		return err
	}

	s.wallet, s.key = w, key
	return nil
}

// UseKey installs a raw private key in place of the seed file.
func (s *Service) UseKey(hexKey string) error {
	key, err := ParsePrivateKey(hexKey)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallet, s.key = nil, key
	return nil
}

// Lock forgets the key.
func (s *Service) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wallet != nil {
		s.wallet.ClearCache()
	}
	s.wallet, s.key = nil, nil
}

// Address returns the resolver address.
func (s *Service) Address() (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return common.Address{}, ErrLocked
	}
	return PrivateKeyToAddress(s.key), nil
}

// ECDSA returns the key for transaction signing.
func (s *Service) ECDSA() (*ecdsa.PrivateKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, ErrLocked
	}
	return s.key.ToECDSA(), nil
}

// Signer returns an order signer bound to the resolver key.
func (s *Service) Signer() (*Signer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, ErrLocked
	}
	return NewSigner(s.key), nil
}
