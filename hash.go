package bamcache

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// HashFunc defines a function that creates a new hash.Hash instance.
// The hex encoding of its sum becomes the stem of every cache file name, so
// all processes sharing a cache root must agree on it.
type HashFunc func() hash.Hash

// defaultHashFunc returns the default hash function (MD5).
func defaultHashFunc() hash.Hash {
	return md5.New()
}

// HashFuncByName maps a configuration name to a HashFunc.
// Known names are "md5", "xxhash" and "rolling".
func HashFuncByName(name string) (HashFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "md5":
		return defaultHashFunc, nil
	case "xxhash":
		return func() hash.Hash { return xxhash.New() }, nil
	case "rolling":
		return NewRollingHash, nil
	default:
		return nil, fmt.Errorf("unknown hash function %q", name)
	}
}

// hashFilename returns the lowercase hex digest of s.
func hashFilename(h hash.Hash, s string) string {
	h.Reset()
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}

// rollingHash is the simple multiplicative hash used when no digest is
// wanted: h = h*9109 + b over every byte, 32 bits wide.
type rollingHash struct {
	sum uint32
}

// NewRollingHash returns a 32-bit multiplicative rolling hash. Its hex form
// is always 8 digits.
func NewRollingHash() hash.Hash {
	return &rollingHash{}
}

func (r *rollingHash) Write(p []byte) (int, error) {
	for _, b := range p {
		r.sum = r.sum*9109 + uint32(b)
	}
	return len(p), nil
}

func (r *rollingHash) Sum(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, r.sum)
}

func (r *rollingHash) Sum32() uint32 { return r.sum }
func (r *rollingHash) Reset()        { r.sum = 0 }
func (r *rollingHash) Size() int     { return 4 }
func (r *rollingHash) BlockSize() int {
	return 1
}
