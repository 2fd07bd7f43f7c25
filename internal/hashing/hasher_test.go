package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp-auth-service/internal/config"
)

func testHasher() *Hasher {
	return NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			PepperSecret:      "unit-test-pepper-secret",
		},
	})
}

func TestCheckPasswordPolicy(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"valid", "Str0ng!Passw0rd", false},
		{"too short", "Ab1!", true},
		{"no uppercase", "weak!passw0rd", true},
		{"no digit", "Weak!Password", true},
		{"no symbol", "Weak1Password", true},
		{"no lowercase", "WEAK!PASSW0RD", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPasswordPolicy(tt.password, 10)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrWeakPassword)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHashPasswordRoundtrip(t *testing.T) {
	h := testHasher()

	result, err := h.HashPassword("Str0ng!Passw0rd")
	require.NoError(t, err)
	require.NotEmpty(t, result.Hash)
	require.NotEmpty(t, result.Salt)
	assert.Equal(t, algorithmID, result.Algorithm)

	match, err := h.VerifyPassword("Str0ng!Passw0rd", result)
	require.NoError(t, err)
	assert.True(t, match)

	match, err = h.VerifyPassword("Wr0ng!Passw0rd", result)
	require.NoError(t, err)
	assert.False(t, match)
}

func TestHashSaltsDiffer(t *testing.T) {
	h := testHasher()

	first, err := h.HashPassword("Str0ng!Passw0rd")
	require.NoError(t, err)
	second, err := h.HashPassword("Str0ng!Passw0rd")
	require.NoError(t, err)

	assert.NotEqual(t, first.Salt, second.Salt)
	assert.NotEqual(t, first.Hash, second.Hash)
}

func TestOTPContextSeparation(t *testing.T) {
	h := testHasher()

	result, err := h.HashOTP("483920")
	require.NoError(t, err)

	match, err := h.VerifyOTP("483920", result)
	require.NoError(t, err)
	assert.True(t, match)

	// The same input hashed as an OTP must not verify as a password.
	match, err = h.VerifyPassword("483920", result)
	require.NoError(t, err)
	assert.False(t, match)
}

func TestHashResultEncodeDecode(t *testing.T) {
	h := testHasher()

	result, err := h.HashPassword("Str0ng!Passw0rd")
	require.NoError(t, err)

	decoded, err := DecodeHashResult(result.Encode())
	require.NoError(t, err)
	assert.Equal(t, result, decoded)

	match, err := h.VerifyPassword("Str0ng!Passw0rd", decoded)
	require.NoError(t, err)
	assert.True(t, match)
}

func TestDecodeHashResultRejectsGarbage(t *testing.T) {
	_, err := DecodeHashResult("not-an-encoded-hash")
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = DecodeHashResult("argon2id-v1$NaN$salt$hash")
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestVerifyRejectsInvalidPepperVersion(t *testing.T) {
	h := testHasher()

	result, err := h.HashPassword("Str0ng!Passw0rd")
	require.NoError(t, err)

	result.PepperVersion = 0
	_, err = h.VerifyPassword("Str0ng!Passw0rd", result)
	assert.Error(t, err)

	// A foreign version derives a different pepper and simply mismatches.
	result.PepperVersion = 99
	match, err := h.VerifyPassword("Str0ng!Passw0rd", result)
	require.NoError(t, err)
	assert.False(t, match)
}

func TestHashesSurviveRestart(t *testing.T) {
	cfg := &config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			PepperSecret:      "unit-test-pepper-secret",
		},
	}

	result, err := NewHasher(cfg).HashPassword("Str0ng!Passw0rd")
	require.NoError(t, err)

	// A fresh hasher from the same configuration stands in for a process
	// restart. Stored hashes must still verify.
	match, err := NewHasher(cfg).VerifyPassword("Str0ng!Passw0rd", result)
	require.NoError(t, err)
	assert.True(t, match)
}

func TestOldPepperVersionsVerifyAfterRotation(t *testing.T) {
	h := testHasher()

	before, err := h.HashPassword("Str0ng!Passw0rd")
	require.NoError(t, err)
	assert.Equal(t, 1, before.PepperVersion)

	h.rotatePepper()

	after, err := h.HashPassword("Str0ng!Passw0rd")
	require.NoError(t, err)
	assert.Equal(t, 2, after.PepperVersion)

	for _, result := range []*HashResult{before, after} {
		match, err := h.VerifyPassword("Str0ng!Passw0rd", result)
		require.NoError(t, err)
		assert.True(t, match)
	}
}
