// Package sha256 provides streaming SHA-256 digest helpers.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Digest accumulates a SHA-256 over streamed writes. The zero value is not
// usable; construct with NewDigest.
type Digest struct {
	h hash.Hash
}

// NewDigest returns an empty digest.
func NewDigest() *Digest {
	return &Digest{h: sha256.New()}
}

// Write feeds bytes into the digest. It never fails.
func (d *Digest) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

// Tee wraps r so every byte read through it is also hashed.
func (d *Digest) Tee(r io.Reader) io.Reader {
	return io.TeeReader(r, d.h)
}

// Hex returns the hex-encoded digest of the bytes written so far.
func (d *Digest) Hex() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Sum hashes a whole buffer in one call.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
