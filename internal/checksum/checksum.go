// Package checksum provides the content-fingerprint primitive used to detect
// whether a document still matches its last-saved state.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Short returns a truncated digest suitable for log lines and ETags.
func Short(data []byte) string {
	return Sum(data)[:12]
}
