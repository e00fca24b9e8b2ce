// Package security holds key handling, atomic secret-file writes, and the
// data directory lock.
package security

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"tagtime/internal/sequence"
)

var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
	ErrWeakSecret          = errors.New("security: shared secret is too short")
)

// MinSecretLen is the shortest shared secret accepted for key derivation.
const MinSecretLen = 8

// sequenceKeyInfo separates ping-sequence keys from any other use of the
// same secret.
const sequenceKeyInfo = "tagtime ping sequence v1"

// SettingKey is the store setting that holds a generated key.
const SettingKey = "sequence_key"

// KeyOrigin says where a sequence key came from.
type KeyOrigin string

const (
	OriginConfig    KeyOrigin = "config"
	OriginShared    KeyOrigin = "shared_secret"
	OriginStored    KeyOrigin = "stored"
	OriginGenerated KeyOrigin = "generated"
)

// SettingStore persists the generated key between runs.
type SettingStore interface {
	Setting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// KeySource is the configured key material.
type KeySource struct {
	// Key is a base64 AES key. It wins over everything else.
	Key string
	// SharedSecret lets several machines derive the same schedule.
	SharedSecret string
	// User salts the derivation.
	User string
}

// GenerateKey returns size random bytes.
func GenerateKey(size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	return key, nil
}

// DeriveSequenceKey derives an AES-128 key from a shared secret with
// HKDF-SHA256, salted with the user name.
func DeriveSequenceKey(secret, user string) ([]byte, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("%w: minimum %d bytes", ErrWeakSecret, MinSecretLen)
	}
	r := hkdf.New(sha256.New, []byte(secret), []byte(user), []byte(sequenceKeyInfo))
	key := make([]byte, sequence.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// ResolveSequence builds the ping sequence from the first key available:
// the configured key, then a derived shared-secret key, then a stored key.
// Failing all of those a random key is generated and saved to st.
func ResolveSequence(ctx context.Context, src KeySource, st SettingStore) (*sequence.Sequence, KeyOrigin, error) {
	if src.Key != "" {
		seq, err := sequence.NewFromBase64(src.Key)
		if err != nil {
			return nil, "", fmt.Errorf("schedule.key: %w", err)
		}
		return seq, OriginConfig, nil
	}

	if src.SharedSecret != "" {
		key, err := DeriveSequenceKey(src.SharedSecret, src.User)
		if err != nil {
			return nil, "", fmt.Errorf("schedule.shared_secret: %w", err)
		}
		seq, err := sequence.New(key)
		return seq, OriginShared, err
	}

	stored, ok, err := st.Setting(ctx, SettingKey)
	if err != nil {
		return nil, "", fmt.Errorf("load stored key: %w", err)
	}
	if ok {
		seq, err := sequence.NewFromBase64(stored)
		if err != nil {
			return nil, "", fmt.Errorf("stored key: %w", err)
		}
		return seq, OriginStored, nil
	}

	key, err := GenerateKey(sequence.KeySize)
	if err != nil {
		return nil, "", err
	}
	seq, err := sequence.New(key)
	if err != nil {
		return nil, "", err
	}
	if err := st.SetSetting(ctx, SettingKey, seq.KeyString()); err != nil {
		return nil, "", fmt.Errorf("save generated key: %w", err)
	}
	return seq, OriginGenerated, nil
}
