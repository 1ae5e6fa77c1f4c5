// Package sha256 names archived bodies by their SHA-256 digest.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hasher implements pnr.Hasher. A non-zero Length truncates the hex digest,
// which keeps archive object names short.
type Hasher struct {
	Length int
}

// New returns a hasher producing the full 64-character digest.
func New() *Hasher {
	return &Hasher{}
}

// NewTruncated returns a hasher producing the first n hex characters.
func NewTruncated(n int) (*Hasher, error) {
	if n <= 0 || n > sha256.Size*2 {
		return nil, fmt.Errorf("digest length must be in [1, %d], got %d", sha256.Size*2, n)
	}
	return &Hasher{Length: n}, nil
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.Length > 0 && h.Length < len(digest) {
		return digest[:h.Length], nil
	}
	return digest, nil
}
