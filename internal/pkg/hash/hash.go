// Package hash provides hashing utilities for feature hashing and model fingerprints.
package hash

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
)

// SHA256 computes the SHA256 hash of data and returns it as a hex string.
func SHA256(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SHA256Short returns the first n characters of a SHA256 hash.
func SHA256Short(data []byte, n int) string {
	h := SHA256(data)
	if n > len(h) {
		return h
	}
	return h[:n]
}

// Sum64 returns the xxhash of the parts joined with a 0x1f separator.
func Sum64(parts ...string) uint64 {
	d := xxhash.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = d.Write([]byte{0x1f})
		}
		_, _ = d.WriteString(p)
	}
	return d.Sum64()
}

// Bucket maps the parts onto [0, n). n <= 0 yields 0.
func Bucket(n int, parts ...string) int {
	if n <= 0 {
		return 0
	}
	return int(Sum64(parts...) % uint64(n))
}

// Unit maps the parts onto [0, 1) deterministically.
func Unit(parts ...string) float64 {
	// top 53 bits give an exactly representable float64 mantissa
	return float64(Sum64(parts...)>>11) / float64(1<<53)
}
