package hashing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"sync"

	"otp-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

const Algorithm = "hmac-sha256-hkdf-v1"

var (
	ErrInvalidHash   = errors.New("invalid hash format")
	ErrUnknownPepper = errors.New("pepper version not found")
	ErrEmptyPepper   = errors.New("pepper must not be empty")
)

var keyInfo = []byte("otp-code-key")

type Pepper struct {
	Value   []byte
	Version int
}

// Hasher turns OTP codes into keyed hashes. The HMAC key for each record is
// derived from the active pepper and that record's salt, so equal codes never
// share a hash.
type Hasher struct {
	current    Pepper
	previous   *Pepper
	saltLength int
	random     io.Reader
	mu         sync.RWMutex
}

type HashResult struct {
	Hash          []byte
	Salt          []byte
	PepperVersion int
	Algorithm     string
}

func NewHasher(current Pepper, previous *Pepper, saltLength int, random io.Reader) (*Hasher, error) {
	if len(current.Value) == 0 {
		return nil, ErrEmptyPepper
	}
	if previous != nil && (len(previous.Value) == 0 || previous.Version == current.Version) {
		previous = nil
	}
	if saltLength <= 0 {
		saltLength = 16
	}
	if random == nil {
		random = rand.Reader
	}

	return &Hasher{
		current:    current,
		previous:   previous,
		saltLength: saltLength,
		random:     random,
	}, nil
}

// Rotate makes p the active pepper. The old one stays valid for verification.
func (h *Hasher) Rotate(p Pepper) error {
	if len(p.Value) == 0 {
		return ErrEmptyPepper
	}

	h.mu.Lock()
	old := h.current
	h.previous = &old
	h.current = p
	h.mu.Unlock()

	util.Info("Pepper rotated", zap.Int("version", p.Version), zap.Int("previous_version", old.Version))
	return nil
}

func (h *Hasher) CurrentVersion() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current.Version
}

// HashOTP hashes code under a fresh salt and the current pepper.
func (h *Hasher) HashOTP(code string) (*HashResult, error) {
	salt := make([]byte, h.saltLength)
	if _, err := io.ReadFull(h.random, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	h.mu.RLock()
	pepper := h.current
	h.mu.RUnlock()

	sum, err := compute(pepper.Value, salt, code)
	if err != nil {
		return nil, err
	}

	return &HashResult{
		Hash:          sum,
		Salt:          salt,
		PepperVersion: pepper.Version,
		Algorithm:     Algorithm,
	}, nil
}

// VerifyOTP recomputes the hash for code and compares in constant time.
func (h *Hasher) VerifyOTP(code string, expected *HashResult) (bool, error) {
	if expected == nil || len(expected.Hash) != sha256.Size || len(expected.Salt) == 0 {
		return false, ErrInvalidHash
	}

	pepper, err := h.getPepper(expected.PepperVersion)
	if err != nil {
		return false, err
	}

	sum, err := compute(pepper, expected.Salt, code)
	if err != nil {
		return false, err
	}

	return subtle.ConstantTimeCompare(sum, expected.Hash) == 1, nil
}

func (h *Hasher) getPepper(version int) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.current.Version == version {
		return h.current.Value, nil
	}
	if h.previous != nil && h.previous.Version == version {
		return h.previous.Value, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownPepper, version)
}

func compute(pepper, salt []byte, code string) ([]byte, error) {
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, pepper, salt, keyInfo), key); err != nil {
		return nil, fmt.Errorf("failed to derive hash key: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(code))
	return mac.Sum(nil), nil
}
