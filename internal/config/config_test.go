package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockoutDurationFor(t *testing.T) {
	policy := DefaultPolicy()

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{2, 0},
		{3, 1 * time.Minute},
		{4, 1 * time.Minute},
		{5, 15 * time.Minute},
		{6, 15 * time.Minute},
		{7, 1 * time.Hour},
		{9, 1 * time.Hour},
		{10, 24 * time.Hour},
		{50, 24 * time.Hour},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, policy.LockoutDurationFor(tt.failures), "failures=%d", tt.failures)
	}
}

func TestLockoutDurationForUnsortedTable(t *testing.T) {
	policy := PolicyConfig{
		LockoutTable: []LockoutStep{
			{Failures: 10, Duration: time.Hour},
			{Failures: 3, Duration: time.Minute},
		},
	}

	assert.Equal(t, time.Minute, policy.LockoutDurationFor(5))
	assert.Equal(t, time.Hour, policy.LockoutDurationFor(12))
}

func TestOTPPolicyFor(t *testing.T) {
	policy := DefaultPolicy()

	login := policy.OTPPolicyFor(PurposeLogin2FA)
	assert.Equal(t, 5*time.Minute, login.TTL)
	assert.Equal(t, 30*time.Second, login.Cooldown)
	assert.Equal(t, 3, login.MaxAttempts)

	// Unknown purposes fall back to conservative defaults.
	unknown := policy.OTPPolicyFor("no_such_purpose")
	assert.Equal(t, 10*time.Minute, unknown.TTL)
	assert.Equal(t, 3, unknown.MaxAttempts)
}

func TestDefaultPolicyShape(t *testing.T) {
	policy := DefaultPolicy()

	require.Contains(t, policy.OTP, PurposeRegistration)
	require.Contains(t, policy.OTP, PurposePasswordReset)
	require.Contains(t, policy.OTP, PurposeChannelVerify)

	assert.Equal(t, []string{ChannelEmail, ChannelMobile}, policy.RequiredChannels)
	assert.True(t, policy.Require2FARoles["admin"])
	assert.True(t, policy.Require2FARoles["superadmin"])
	assert.False(t, policy.Require2FARoles["user"])
	assert.Equal(t, 10, policy.PasswordMinLength)
	assert.Equal(t, 24*time.Hour, policy.FailureWindow)
}

func TestEnvironmentHelpers(t *testing.T) {
	prod := &Config{Environment: "production"}
	dev := &Config{Environment: "development"}

	assert.True(t, prod.IsProduction())
	assert.False(t, prod.IsDevelopment())
	assert.False(t, dev.IsProduction())
	assert.True(t, dev.IsDevelopment())
}

func TestGetServerAddress(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Host: "0.0.0.0", Port: 8080}}
	assert.Equal(t, "0.0.0.0:8080", cfg.GetServerAddress())
}
