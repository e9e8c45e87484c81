package util

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns the NFKC form of s so that visually identical input
// compares and scores identically.
func Normalize(s string) string {
	return norm.NFKC.String(s)
}

// SHA256Hex returns the hex-encoded SHA-256 digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
