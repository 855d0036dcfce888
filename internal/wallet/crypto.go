package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unicode"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for new seed files.
const (
	kdfTime    = 3
	kdfMemory  = 64 * 1024 // KiB
	kdfThreads = 4
	kdfKeyLen  = 32
	kdfSaltLen = 32

	seedFileVersion = 1
)

// Password limits.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// ErrDecrypt is returned when a seed file cannot be opened with the given
// password.
var ErrDecrypt = errors.New("failed to decrypt seed (wrong password?)")

// KDFParams records the Argon2id cost a seed file was sealed with.
type KDFParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
}

// EncryptedSeed is the on-disk form of a mnemonic sealed with
// Argon2id + AES-256-GCM.
type EncryptedSeed struct {
	Version    int       `json:"version"`
	Address    string    `json:"address,omitempty"` // first resolver address, for display
	KDF        KDFParams `json:"kdf"`
	Salt       []byte    `json:"salt"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
}

// EncryptMnemonic seals mnemonic under password.
func EncryptMnemonic(mnemonic, password string) (*EncryptedSeed, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("invalid password: %w", err)
	}
	if !ValidateMnemonic(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	salt := make([]byte, kdfSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	params := KDFParams{Time: kdfTime, Memory: kdfMemory, Threads: kdfThreads}

	gcm, err := seedCipher(password, salt, params)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &EncryptedSeed{
		Version:    seedFileVersion,
		KDF:        params,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, []byte(mnemonic), nil),
	}, nil
}

// DecryptMnemonic opens a sealed seed.
func DecryptMnemonic(enc *EncryptedSeed, password string) (string, error) {
	if enc.Version != seedFileVersion {
		return "", fmt.Errorf("unsupported seed file version %d", enc.Version)
	}
	gcm, err := seedCipher(password, enc.Salt, enc.KDF)
	if err != nil {
		return "", err
	}
	if len(enc.Nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("malformed seed file: nonce is %d bytes", len(enc.Nonce))
	}
	plaintext, err := gcm.Open(nil, enc.Nonce, enc.Ciphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	defer SecureClear(plaintext)
	return string(plaintext), nil
}

func seedCipher(password string, salt []byte, p KDFParams) (cipher.AEAD, error) {
	if p.Time == 0 || p.Memory == 0 || p.Threads == 0 {
		return nil, fmt.Errorf("malformed seed file: missing kdf parameters")
	}
	key := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, kdfKeyLen)
	defer SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SaveEncryptedSeed writes enc to path with owner-only permissions. It
// refuses to replace an existing file.
func SaveEncryptedSeed(enc *EncryptedSeed, path string) error {
	if path == "" {
		return fmt.Errorf("seed path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := json.MarshalIndent(enc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal seed: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create seed file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write seed file: %w", err)
	}
	return f.Close()
}

// LoadEncryptedSeed reads a seed file.
func LoadEncryptedSeed(path string) (*EncryptedSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var enc EncryptedSeed
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &enc, nil
}

// SecureClear overwrites b with zeros.
func SecureClear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ValidatePassword requires 8-256 characters drawn from at least three of
// upper case, lower case, digits and symbols.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d characters", MaxPasswordLength)
	}

	var classes [4]bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			classes[0] = true
		case unicode.IsLower(r):
			classes[1] = true
		case unicode.IsNumber(r):
			classes[2] = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			classes[3] = true
		}
	}
	n := 0
	for _, ok := range classes {
		if ok {
			n++
		}
	}
	if n < 3 {
		return fmt.Errorf("password must contain at least 3 of: uppercase, lowercase, number, special character")
	}
	return nil
}

// ValidateAccountIndex rejects accounts that cannot be hardened.
func ValidateAccountIndex(account uint32) error {
	const maxAccount = 1<<31 - 1
	if account > maxAccount {
		return fmt.Errorf("account index %d exceeds maximum %d", account, maxAccount)
	}
	return nil
}

// ValidateAddressIndex bounds the address index.
func ValidateAddressIndex(index uint32) error {
	const maxIndex = 100000
	if index > maxIndex {
		return fmt.Errorf("address index %d exceeds maximum %d", index, maxIndex)
	}
	return nil
}
