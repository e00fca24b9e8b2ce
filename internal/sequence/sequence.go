// Package sequence derives the keyed pseudo-random values behind the ping
// schedule.
//
// Each value is produced by encrypting the big-endian index with AES, so the
// sequence is a pure function of (key, index): any position can be computed
// directly without replaying earlier ones, on any machine holding the key.
package sequence

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// KeySize is the size of generated keys in bytes (AES-128).
const KeySize = 16

// ErrInvalidKey is returned when the key cannot be used as AES key material.
var ErrInvalidKey = errors.New("sequence: invalid key")

// Sequence maps an index to a reproducible value in [0,1).
// It holds no mutable state and is safe for concurrent use.
type Sequence struct {
	key   []byte
	block cipher.Block
}

// New creates a sequence from raw AES key material (16, 24 or 32 bytes).
func New(key []byte) (*Sequence, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Sequence{key: k, block: block}, nil
}

// NewFromBase64 creates a sequence from a standard base64 key string.
func NewFromBase64(s string) (*Sequence, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", ErrInvalidKey, err)
	}
	return New(key)
}

// Generate creates a sequence with a fresh random key.
func Generate() (*Sequence, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return New(key)
}

// KeyString returns the key in the base64 form accepted by NewFromBase64.
func (s *Sequence) KeyString() string {
	return base64.StdEncoding.EncodeToString(s.key)
}

// Value returns the value at index.
//
// The 8-byte index is padded to one block PKCS#5 style (eight 0x08 bytes)
// and encrypted; the first eight bytes of the ciphertext, read as a signed
// integer, are scaled onto [0,1].
func (s *Sequence) Value(index int64) float64 {
	var in, out [aes.BlockSize]byte
	binary.BigEndian.PutUint64(in[:8], uint64(index))
	for i := 8; i < aes.BlockSize; i++ {
		in[i] = 8
	}
	s.block.Encrypt(out[:], in[:])

	n := int64(binary.BigEndian.Uint64(out[:8]))
	v := 0.5 + 0.5*(float64(n)/float64(math.MaxInt64))
	if v >= 1 {
		v = math.Nextafter(1, 0)
	}
	if v < 0 {
		v = 0
	}
	return v
}
