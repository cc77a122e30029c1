package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, 6, cfg.OTP.Digits)
	assert.Equal(t, 5*time.Minute, cfg.OTP.TTL)
	assert.Equal(t, 30*time.Second, cfg.OTP.ResendCooldown)
	assert.Equal(t, 2, cfg.OTP.MaxSendPerHour)
	assert.Equal(t, 5, cfg.OTP.MaxVerifyAttempts)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, ProviderMock, cfg.SMS.Provider)
	assert.True(t, cfg.Features.RequireOtp)
	assert.Equal(t, cfg.Mail.From, cfg.Mail.To)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("OTP_DIGITS", "8")
	t.Setenv("OTP_TTL_MINUTES", "10")
	t.Setenv("OTP_RESEND_COOLDOWN_SECONDS", "45")
	t.Setenv("STORE_BACKEND", "REDIS")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("SEND_RATE_LIMIT_WINDOW", "30s")

	cfg := LoadConfig()

	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, 8, cfg.OTP.Digits)
	assert.Equal(t, 10*time.Minute, cfg.OTP.TTL)
	assert.Equal(t, 45*time.Second, cfg.OTP.ResendCooldown)
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 30*time.Second, cfg.SendRateLimit.Window)
	assert.Same(t, cfg, Get())
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg := LoadConfig()
	cfg.OTP.TTL = 0
	cfg.OTP.MaxVerifyAttempts = 0
	cfg.OTP.PhonePattern = "("
	cfg.Store.Backend = "postgres"
	cfg.SMS.Provider = "carrier-pigeon"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ttl must be positive")
	assert.Contains(t, err.Error(), "max verify attempts")
	assert.Contains(t, err.Error(), "invalid phone pattern")
	assert.Contains(t, err.Error(), `unknown store backend "postgres"`)
	assert.Contains(t, err.Error(), `unknown sms provider "carrier-pigeon"`)
}

func TestValidate_GatewayRequiresCredentials(t *testing.T) {
	cfg := LoadConfig()
	cfg.SMS.Provider = ProviderGateway
	cfg.SMS.Gateway.Port = 8080

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host, username and password")
	assert.Contains(t, err.Error(), "9587 or 9588")
}

func TestGetServerAddress(t *testing.T) {
	t.Setenv("SERVER_HOST", "127.0.0.1")
	t.Setenv("SERVER_PORT", "9090")

	cfg := LoadConfig()
	assert.Equal(t, "127.0.0.1:9090", cfg.GetServerAddress())
}
