// Package idgen mints opaque resource identifiers. Every entity the API
// exposes carries a typed prefix ("esc_", "job_", "ltx_", "sub_") so an ID
// pasted into a log or support ticket identifies its resource kind.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix followed by 24 hex characters of randomness.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns numBytes of cryptographic randomness, hex encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
