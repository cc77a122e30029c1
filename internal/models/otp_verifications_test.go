package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOTPRecordExpiry(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	r := &OTPRecord{ExpiresAt: now.Add(time.Minute)}

	assert.False(t, r.Expired(now))
	assert.Equal(t, time.Minute, r.Remaining(now))
	assert.False(t, r.Expired(now.Add(time.Minute)))
	assert.True(t, r.Expired(now.Add(time.Minute+time.Nanosecond)))
	assert.Equal(t, time.Duration(0), r.Remaining(now.Add(2*time.Minute)))
}

func TestOTPRecordCloneIsDeep(t *testing.T) {
	r := &OTPRecord{SecretHash: []byte{1, 2}, Salt: []byte{3}}
	c := r.Clone()
	c.SecretHash[0] = 9
	c.Salt[0] = 9
	assert.Equal(t, byte(1), r.SecretHash[0])
	assert.Equal(t, byte(3), r.Salt[0])
}
