package wallet

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingdex-resolver/pkg/helpers"
)

// Well-known development mnemonic and its first account (DO NOT USE FOR REAL FUNDS).
const (
	testMnemonic = "test test test test test test test test test test test junk"
	testKeyHex   = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress  = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testPassword = "TestPassword123!"
)

func TestGenerateMnemonic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error = %v", err)
	}
	if n := len(strings.Fields(mnemonic)); n != 24 {
		t.Errorf("word count = %d, want 24", n)
	}
	if !ValidateMnemonic(mnemonic) {
		t.Error("generated mnemonic is invalid")
	}
}

func TestValidateMnemonic(t *testing.T) {
	tests := []struct {
		mnemonic string
		valid    bool
	}{
		{testMnemonic, true},
		{"invalid mnemonic words", false},
		{"", false},
		{"test", false},
	}
	for _, tc := range tests {
		if got := ValidateMnemonic(tc.mnemonic); got != tc.valid {
			t.Errorf("ValidateMnemonic(%q) = %v, want %v", tc.mnemonic, got, tc.valid)
		}
	}
}

func TestWalletAddress(t *testing.T) {
	w, err := NewFromMnemonic(testMnemonic, "")
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}

	addr, err := w.Address(0, 0)
	if err != nil {
		t.Fatalf("Address() error = %v", err)
	}
	if addr != common.HexToAddress(testAddress) {
		t.Errorf("Address(0, 0) = %s, want %s", addr.Hex(), testAddress)
	}

	priv, err := w.PrivateKey(0, 0)
	if err != nil {
		t.Fatalf("PrivateKey() error = %v", err)
	}
	if got := helpers.BytesToHex(priv.Serialize()); got != testKeyHex {
		t.Errorf("PrivateKey(0, 0) = %s, want %s", got, testKeyHex)
	}

	other, _ := w.Address(0, 1)
	if other == addr {
		t.Error("index 1 derived the same address as index 0")
	}

	if _, err := NewFromMnemonic("invalid mnemonic", ""); err == nil {
		t.Error("NewFromMnemonic() accepted an invalid mnemonic")
	}
}

func TestWalletPassphrase(t *testing.T) {
	w1, _ := NewFromMnemonic(testMnemonic, "")
	w2, _ := NewFromMnemonic(testMnemonic, "passphrase")
	a1, _ := w1.Address(0, 0)
	a2, _ := w2.Address(0, 0)
	if a1 == a2 {
		t.Error("passphrase did not change the derived address")
	}
}

func TestWalletCache(t *testing.T) {
	w, _ := NewFromMnemonic(testMnemonic, "")

	k1, _ := w.DeriveKey(0, 0)
	k2, _ := w.DeriveKey(0, 0)
	if k1 != k2 {
		t.Error("cache returned a different instance")
	}

	w.ClearCache()
	k3, _ := w.DeriveKey(0, 0)
	if k3 == k1 {
		t.Error("ClearCache() kept the key")
	}
	p1, _ := k1.ECPubKey()
	p3, _ := k3.ECPubKey()
	if !p1.IsEqual(p3) {
		t.Error("re-derived key differs")
	}
}

func TestDeriveKeyBounds(t *testing.T) {
	w, _ := NewFromMnemonic(testMnemonic, "")
	if _, err := w.DeriveKey(1<<31, 0); err == nil {
		t.Error("DeriveKey() accepted an unhardenable account")
	}
	if _, err := w.DeriveKey(0, 100001); err == nil {
		t.Error("DeriveKey() accepted an oversized index")
	}
}

func TestDerivationPath(t *testing.T) {
	if got := DerivationPath(0, 0); got != "m/44'/60'/0'/0/0" {
		t.Errorf("DerivationPath(0, 0) = %s", got)
	}
	if got := DerivationPath(2, 7); got != "m/44'/60'/2'/0/7" {
		t.Errorf("DerivationPath(2, 7) = %s", got)
	}
}

func TestParsePrivateKey(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"prefixed", testKeyHex, false},
		{"bare", strings.TrimPrefix(testKeyHex, "0x"), false},
		{"padded", "  " + testKeyHex + "\n", false},
		{"short", "0x1234", true},
		{"zero", "0x" + strings.Repeat("00", 32), true},
		{"above order", "0x" + strings.Repeat("ff", 32), true},
		{"not hex", "0x" + strings.Repeat("zz", 32), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParsePrivateKey(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPrivateKey) {
					t.Errorf("ParsePrivateKey() error = %v, want ErrInvalidPrivateKey", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePrivateKey() error = %v", err)
			}
			if got := PrivateKeyToAddress(key); got != common.HexToAddress(testAddress) {
				t.Errorf("address = %s, want %s", got.Hex(), testAddress)
			}
		})
	}
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{testAddress, true},
		{strings.ToLower(testAddress), true},
		{"0x" + strings.ToUpper(testAddress[2:]), true},
		{"0xF39Fd6e51aad88F6F4ce6aB8827279cffFb92266", false}, // bad checksum
		{"0x1234", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidateAddress(tt.in); got != tt.want {
			t.Errorf("ValidateAddress(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestEncryptDecryptMnemonic(t *testing.T) {
	enc, err := EncryptMnemonic(testMnemonic, testPassword)
	if err != nil {
		t.Fatalf("EncryptMnemonic() error = %v", err)
	}
	if enc.Version != 1 || enc.KDF.Time == 0 {
		t.Errorf("header = v%d %+v", enc.Version, enc.KDF)
	}

	got, err := DecryptMnemonic(enc, testPassword)
	if err != nil {
		t.Fatalf("DecryptMnemonic() error = %v", err)
	}
	if got != testMnemonic {
		t.Error("decrypted mnemonic does not match")
	}

	if _, err := DecryptMnemonic(enc, "WrongPassword123!"); !errors.Is(err, ErrDecrypt) {
		t.Errorf("wrong password error = %v, want ErrDecrypt", err)
	}
	if _, err := EncryptMnemonic(testMnemonic, "weak"); err == nil {
		t.Error("EncryptMnemonic() accepted a weak password")
	}
}

func TestSaveEncryptedSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "resolver.seed")
	enc, err := EncryptMnemonic(testMnemonic, testPassword)
	if err != nil {
		t.Fatalf("EncryptMnemonic() error = %v", err)
	}

	if err := SaveEncryptedSeed(enc, path); err != nil {
		t.Fatalf("SaveEncryptedSeed() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %o, want 600", perm)
	}
	if err := SaveEncryptedSeed(enc, path); err == nil {
		t.Error("SaveEncryptedSeed() overwrote an existing file")
	}

	loaded, err := LoadEncryptedSeed(path)
	if err != nil {
		t.Fatalf("LoadEncryptedSeed() error = %v", err)
	}
	if got, err := DecryptMnemonic(loaded, testPassword); err != nil || got != testMnemonic {
		t.Errorf("round trip = %v", err)
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		password string
		valid    bool
	}{
		{"TestPassword123!", true},
		{"abcdEFGH1", true},
		{"abcdefgh", false},
		{"Ab1!", false},
		{strings.Repeat("aA1", 90), false},
	}
	for _, tc := range tests {
		if err := ValidatePassword(tc.password); (err == nil) != tc.valid {
			t.Errorf("ValidatePassword(%q) error = %v, want valid %v", tc.password, err, tc.valid)
		}
	}
}
