// Package scan reads source files once to compute their length and a
// content digest for deduplication.
package scan

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
	"github.com/zeebo/blake3"
)

// DigestSize is the size of every supported content digest.
const DigestSize = 32

// Digest is a 32-byte content hash.
type Digest [DigestSize]byte

// HashAlgorithm selects the content hash used for deduplication.
type HashAlgorithm uint8

const (
	// SHA256 hashes with crypto/sha256. It is the default.
	SHA256 HashAlgorithm = iota

	// BLAKE3 hashes with BLAKE3-256.
	BLAKE3
)

// BLAKE3Algorithm names BLAKE3 digests in OCI digest strings.
// go-digest does not register BLAKE3 itself.
const BLAKE3Algorithm digest.Algorithm = "blake3"

// String returns the algorithm name.
func (a HashAlgorithm) String() string {
	switch a {
	case SHA256:
		return "sha256"
	case BLAKE3:
		return "blake3"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// ParseHashAlgorithm parses an algorithm name.
func ParseHashAlgorithm(name string) (HashAlgorithm, error) {
	switch name {
	case "sha256":
		return SHA256, nil
	case "blake3":
		return BLAKE3, nil
	default:
		return 0, fmt.Errorf("unknown hash algorithm: %q", name)
	}
}

// New returns a fresh hash.Hash for the algorithm.
func (a HashAlgorithm) New() hash.Hash {
	if a == BLAKE3 {
		return blake3.New()
	}
	return sha256.New()
}

// OCI returns the digest algorithm name used when formatting digests.
func (a HashAlgorithm) OCI() digest.Algorithm {
	if a == BLAKE3 {
		return BLAKE3Algorithm
	}
	return digest.SHA256
}

// Result is the outcome of scanning one source.
type Result struct {
	Length uint64
	Digest Digest
}

// Format renders d as an OCI digest string such as "sha256:ab12...".
func (a HashAlgorithm) Format(d Digest) digest.Digest {
	return digest.NewDigestFromBytes(a.OCI(), d[:])
}

// bufferSize matches the copy buffer the reader side uses.
const bufferSize = 32 << 10

// Reader hashes everything read from r.
func Reader(r io.Reader, alg HashAlgorithm) (Result, error) {
	h := alg.New()
	buf := make([]byte, bufferSize)
	n, err := io.CopyBuffer(h, r, buf)
	if err != nil {
		return Result{}, err
	}
	var res Result
	res.Length = uint64(n) //nolint:gosec // CopyBuffer never returns a negative count
	copy(res.Digest[:], h.Sum(nil))
	return res, nil
}

// File opens path and hashes its contents with a single streamed read.
func File(path string, alg HashAlgorithm) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	res, err := Reader(f, alg)
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", path, err)
	}
	return res, nil
}
