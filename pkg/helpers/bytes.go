package helpers

import (
	"crypto/rand"
	"crypto/subtle"
)

// IsZeroBytes reports whether every byte of b is zero. An empty slice counts
// as zero.
func IsZeroBytes(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// GenerateSecureRandom fills a fresh n-byte slice from crypto/rand.
func GenerateSecureRandom(n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ConstantTimeCompare reports whether a and b are equal without leaking
// where they differ.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
