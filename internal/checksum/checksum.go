// Package checksum computes and verifies chunk content digests.
//
// Checksums are encoded as "<algorithm>:<hex>". A bare hex string without
// a prefix is read as SHA-256, the format written by earlier versions.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names a digest function
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// Default is the algorithm used when none is configured
const Default = SHA256

// ParseAlgorithm validates an algorithm name. Empty selects Default.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(name)) {
	case "":
		return Default, nil
	case SHA256:
		return SHA256, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("unknown checksum algorithm: %q", name)
	}
}

// Digest computes the encoded checksum of data
func Digest(alg Algorithm, data []byte) string {
	switch alg {
	case BLAKE3:
		sum := blake3.Sum256(data)
		return string(BLAKE3) + ":" + hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256(data)
		return string(SHA256) + ":" + hex.EncodeToString(sum[:])
	}
}

// Parse splits an encoded checksum into algorithm and hex digest
func Parse(sum string) (Algorithm, string, error) {
	alg, digest, found := strings.Cut(sum, ":")
	if !found {
		alg, digest = string(SHA256), sum
	}
	parsed, err := ParseAlgorithm(alg)
	if err != nil {
		return "", "", err
	}
	if alg == "" || len(digest) != 64 {
		return "", "", fmt.Errorf("malformed checksum: %q", sum)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", "", fmt.Errorf("malformed checksum %q: %w", sum, err)
	}
	return parsed, strings.ToLower(digest), nil
}

// Verify reports whether data matches the expected checksum. The error is
// non-nil only when expected cannot be parsed.
func Verify(data []byte, expected string) (bool, error) {
	alg, digest, err := Parse(expected)
	if err != nil {
		return false, err
	}
	_, actual, _ := strings.Cut(Digest(alg, data), ":")
	return actual == digest, nil
}
