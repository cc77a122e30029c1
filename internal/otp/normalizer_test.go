package otp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	n, err := NewNormalizer("")
	require.NoError(t, err)

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "canonical", raw: "+905551112233", want: "+905551112233"},
		{name: "country code without plus", raw: "905551112233", want: "+905551112233"},
		{name: "leading zero", raw: "05551112233", want: "+905551112233"},
		{name: "bare subscriber number", raw: "5551112233", want: "+905551112233"},
		{name: "separators", raw: " (0555) 111-22.33 ", want: "+905551112233"},
		{name: "landline", raw: "02121112233", wantErr: true},
		{name: "too short", raw: "555111223", wantErr: true},
		{name: "foreign", raw: "+15551112233", wantErr: true},
		{name: "letters", raw: "+90555abc2233", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Normalize(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPhone)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			again, err := n.Normalize(got)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestNormalizer_CustomPattern(t *testing.T) {
	n, err := NewNormalizer(`^\+90\d{10}$`)
	require.NoError(t, err)

	got, err := n.Normalize("90 212 111 22 33")
	require.NoError(t, err)
	assert.Equal(t, "+902121112233", got)

	_, err = NewNormalizer("(")
	assert.Error(t, err)
}

func TestStoreKey(t *testing.T) {
	key := StoreKey("+905551112233")

	assert.Len(t, key, 64)
	assert.Equal(t, key, StoreKey("+905551112233"))
	assert.NotEqual(t, key, StoreKey("+905551112234"))
	assert.NotContains(t, key, "5551112233")
}
