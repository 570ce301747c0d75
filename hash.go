// Package imgcache holds the identity primitives shared by the image cache:
// content hashers and the deterministic encoding of processing profiles.
package imgcache

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// Hash represents a BLAKE3 256-bit digest.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HashSize*2 {
		return Hash{}, fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashReader computes the BLAKE3 hash of content from the reader.
// It returns the hash and the number of bytes read.
func HashReader(r io.Reader) (Hash, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Hash{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var hash Hash
	h.Sum(hash[:0])
	return hash, n, nil
}

// HashingReader wraps a reader and computes the hash as data is read.
type HashingReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

// NewHashingReader creates a reader that computes a hash as data is read.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{
		r: r,
		h: blake3.New(),
	}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the hash of all data read so far.
func (hr *HashingReader) Sum() Hash {
	var hash Hash
	hr.h.Sum(hash[:0])
	return hash
}

// BytesRead returns the total number of bytes read.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}

// Hasher maps a byte sequence to the identity string used for cache keys
// and derivative file names. Implementations must be deterministic and
// return strings that are safe to use as file names.
type Hasher interface {
	Name() string
	Sum(data []byte) string
}

// HasherFunc adapts an ordinary function to the Hasher interface.
type HasherFunc func(data []byte) string

// Name implements Hasher.
func (HasherFunc) Name() string { return "func" }

// Sum implements Hasher.
func (f HasherFunc) Sum(data []byte) string { return f(data) }

// BLAKE3Hasher is the default hasher.
type BLAKE3Hasher struct{}

func (BLAKE3Hasher) Name() string { return "blake3" }

func (BLAKE3Hasher) Sum(data []byte) string {
	return HashBytes(data).String()
}

// SHA256Hasher hashes with SHA-256.
type SHA256Hasher struct{}

func (SHA256Hasher) Name() string { return "sha256" }

func (SHA256Hasher) Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MD5Hasher produces short identities compatible with caches written by
// md5-keyed tooling. It is not collision resistant.
type MD5Hasher struct{}

func (MD5Hasher) Name() string { return "md5" }

func (MD5Hasher) Sum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// SumString hashes a string with h.
func SumString(h Hasher, s string) string {
	return h.Sum([]byte(s))
}

// DefaultHasher returns the hasher used when none is configured.
func DefaultHasher() Hasher {
	return BLAKE3Hasher{}
}

// HasherByName returns a built-in hasher by name.
func HasherByName(name string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "blake3":
		return BLAKE3Hasher{}, nil
	case "sha256":
		return SHA256Hasher{}, nil
	case "md5":
		return MD5Hasher{}, nil
	default:
		return nil, fmt.Errorf("unknown hasher %q", name)
	}
}

var (
	_ Hasher = BLAKE3Hasher{}
	_ Hasher = SHA256Hasher{}
	_ Hasher = MD5Hasher{}
	_ Hasher = HasherFunc(nil)
)
