package catalog

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Key format: "hg_" + 64 hex chars. The first prefixLen characters of the
// raw key double as the stored lookup prefix; the SHA-256 of the whole key
// is what we persist. The raw key is only ever visible at generation time.
const (
	rawKeyBytes = 32
	keyIDPrefix = "hg_"
	prefixLen   = 8
)

// GenerateKey creates a new raw API key. Callers store HashKey(raw) and
// KeyLookupPrefix(raw), never the raw key itself.
func GenerateKey() (string, error) {
	buf := make([]byte, rawKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random key: %w", err)
	}
	return keyIDPrefix + hex.EncodeToString(buf), nil
}

// HashKey returns the hex SHA-256 of the full raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// KeyLookupPrefix returns the non-secret prefix stored alongside the hash
// for indexed lookup and dashboard display.
func KeyLookupPrefix(raw string) string {
	if len(raw) <= prefixLen {
		return raw
	}
	return raw[:prefixLen]
}
