package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "user@example.com", NormalizeEmail("  User@Example.COM  "))
	assert.Equal(t, "user@example.com", NormalizeEmail("user@example.com"))
}

func TestNormalizeMobile(t *testing.T) {
	assert.Equal(t, "+14155551234", NormalizeMobile(" +1 (415) 555-1234 "))
	assert.Equal(t, "+919876543210", NormalizeMobile("+91 98765 43210"))
}

func TestIsValidEmail(t *testing.T) {
	assert.True(t, IsValidEmail("user@example.com"))
	assert.True(t, IsValidEmail("  User@Example.COM "))
	assert.False(t, IsValidEmail("not-an-email"))
	assert.False(t, IsValidEmail("missing@tld"))
	assert.False(t, IsValidEmail("two@@example.com"))
}

func TestIsValidMobile(t *testing.T) {
	assert.True(t, IsValidMobile("+14155551234"))
	assert.True(t, IsValidMobile("98765 43210"))
	assert.False(t, IsValidMobile("12345"))
	assert.False(t, IsValidMobile("not-a-number"))
}

func TestContainsSuspicious(t *testing.T) {
	assert.True(t, ContainsSuspicious("<script>alert(1)</script>"))
	assert.True(t, ContainsSuspicious("x onerror=1"))
	assert.False(t, ContainsSuspicious("user@example.com"))
}
