package otp

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func draws(values ...uint64) *bytes.Reader {
	buf := make([]byte, 0, 8*len(values))
	for _, v := range values {
		buf = binary.BigEndian.AppendUint64(buf, v)
	}
	return bytes.NewReader(buf)
}

func TestGenerateCode(t *testing.T) {
	code, err := GenerateCode(draws(123456), 6)
	require.NoError(t, err)
	assert.Equal(t, "123456", code)

	code, err = GenerateCode(draws(42), 6)
	require.NoError(t, err)
	assert.Equal(t, "000042", code)

	code, err = GenerateCode(draws(1_000_007), 6)
	require.NoError(t, err)
	assert.Equal(t, "000007", code)
}

func TestGenerateCode_RejectsTail(t *testing.T) {
	// The top of the uint64 range is uneven modulo 10^6 and must be redrawn.
	code, err := GenerateCode(draws(math.MaxUint64, 7), 6)
	require.NoError(t, err)
	assert.Equal(t, "000007", code)
}

func TestGenerateCode_Errors(t *testing.T) {
	_, err := GenerateCode(draws(1), 0)
	assert.Error(t, err)
	_, err = GenerateCode(draws(1), MaxDigits+1)
	assert.Error(t, err)

	_, err = GenerateCode(bytes.NewReader([]byte{1, 2, 3}), 6)
	assert.Error(t, err)

	tail := make([]uint64, maxDraws)
	for i := range tail {
		tail[i] = math.MaxUint64
	}
	_, err = GenerateCode(draws(tail...), 6)
	assert.ErrorIs(t, err, ErrRandomExhausted)
}

func TestGenerateCode_Lengths(t *testing.T) {
	for digits := MinDigits; digits <= MaxDigits; digits++ {
		code, err := GenerateCode(fixedRandom{value: 987654321}, digits)
		require.NoError(t, err)
		assert.Len(t, code, digits)
	}
}
