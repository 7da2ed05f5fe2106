package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey derives a purpose-bound 32-byte key from the master secret using
// HKDF-SHA256. Distinct purpose strings yield independent keys, so a leak of
// one derived key does not expose material signed under another purpose.
func DeriveKey(masterSecret []byte, purpose string) ([]byte, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("master secret is empty")
	}

	r := hkdf.New(sha256.New, masterSecret, nil, []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key for %q: %w", purpose, err)
	}
	return key, nil
}
