package otp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	MinDigits = 1
	MaxDigits = 18

	maxDraws = 32
)

var ErrRandomExhausted = errors.New("random source kept producing rejected values")

// GenerateCode draws a uniformly distributed zero-padded code of the given
// length. Draws that fall in the uneven tail of the uint64 range are
// rejected instead of reduced, so every code is equally likely.
func GenerateCode(random io.Reader, digits int) (string, error) {
	if digits < MinDigits || digits > MaxDigits {
		return "", fmt.Errorf("code length %d out of range [%d, %d]", digits, MinDigits, MaxDigits)
	}

	mod := uint64(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	limit := math.MaxUint64 - math.MaxUint64%mod

	var buf [8]byte
	for i := 0; i < maxDraws; i++ {
		if _, err := io.ReadFull(random, buf[:]); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v >= limit {
			continue
		}
		return fmt.Sprintf("%0*d", digits, v%mod), nil
	}
	return "", ErrRandomExhausted
}
