package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp-auth-service/internal/models"
)

func lockoutFixture(t *testing.T) (*testEnv, *models.Account, string) {
	t.Helper()
	env := newTestEnv(t)
	account := env.registerActive(t, "user@example.com", "+14155551234", "Str0ng!Passw0rd")
	return env, account, env.creds.IdentifierHash("user@example.com")
}

func TestLockoutEscalation(t *testing.T) {
	env, account, hash := lockoutFixture(t)

	// Two failures stay below the first step.
	for i := 0; i < 2; i++ {
		duration, err := env.lockout.RecordFailure(account, hash, "203.0.113.7", "test", models.AttemptBadCredentials)
		require.NoError(t, err)
		assert.Zero(t, duration)
		assert.False(t, account.Locked)
	}
	assert.Equal(t, 2, account.FailedAttempts)

	// The third failure applies the first lockout step.
	duration, err := env.lockout.RecordFailure(account, hash, "203.0.113.7", "test", models.AttemptBadCredentials)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, duration)
	assert.True(t, account.Locked)
	require.NotNil(t, account.LockedUntil)
	assert.Equal(t, env.clock.Now().Add(time.Minute), *account.LockedUntil)

	// The fourth failure re-applies the same tier's lock.
	duration, err = env.lockout.RecordFailure(account, hash, "203.0.113.7", "test", models.AttemptBadCredentials)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, duration)
	assert.True(t, account.Locked)
	require.NotNil(t, account.LockedUntil)
	assert.Equal(t, env.clock.Now().Add(time.Minute), *account.LockedUntil)

	// The fifth escalates.
	duration, err = env.lockout.RecordFailure(account, hash, "203.0.113.7", "test", models.AttemptBadCredentials)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, duration)
}

func TestCheckLockedRefusesDuringLock(t *testing.T) {
	env, account, hash := lockoutFixture(t)

	for i := 0; i < 3; i++ {
		_, err := env.lockout.RecordFailure(account, hash, "", "", models.AttemptBadCredentials)
		require.NoError(t, err)
	}
	require.True(t, account.Locked)

	err := env.lockout.CheckLocked(account)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestCheckLockedReportsRemainingWait(t *testing.T) {
	env, account, hash := lockoutFixture(t)

	for i := 0; i < 3; i++ {
		_, err := env.lockout.RecordFailure(account, hash, "", "", models.AttemptBadCredentials)
		require.NoError(t, err)
	}

	err := env.lockout.CheckLocked(account)
	var retry *RetryAfterError
	require.ErrorAs(t, err, &retry)
	assert.Equal(t, time.Minute, retry.After)
}

func TestCheckLockedReleasesExpiredLock(t *testing.T) {
	env, account, hash := lockoutFixture(t)

	for i := 0; i < 3; i++ {
		_, err := env.lockout.RecordFailure(account, hash, "", "", models.AttemptBadCredentials)
		require.NoError(t, err)
	}
	require.True(t, account.Locked)

	env.clock.Advance(2 * time.Minute)

	err := env.lockout.CheckLocked(account)
	require.NoError(t, err)
	assert.False(t, account.Locked)
	assert.Nil(t, account.LockedUntil)

	stored, err := env.creds.GetByID(account.AccountID)
	require.NoError(t, err)
	assert.False(t, stored.Locked)
}

func TestRecordSuccessResetsFailureState(t *testing.T) {
	env, account, hash := lockoutFixture(t)

	for i := 0; i < 2; i++ {
		_, err := env.lockout.RecordFailure(account, hash, "", "", models.AttemptBadCredentials)
		require.NoError(t, err)
	}
	require.Equal(t, 2, account.FailedAttempts)

	require.NoError(t, env.lockout.RecordSuccess(account, hash, "203.0.113.7", "test"))
	assert.Zero(t, account.FailedAttempts)
	assert.False(t, account.Locked)

	// The counter restarted; the next failure is counted as the first.
	duration, err := env.lockout.RecordFailure(account, hash, "", "", models.AttemptBadCredentials)
	require.NoError(t, err)
	assert.Zero(t, duration)
	assert.Equal(t, 1, account.FailedAttempts)
}

func TestFailureAgainstUnknownIdentifierStillCounts(t *testing.T) {
	env := newTestEnv(t)
	hash := env.creds.IdentifierHash("ghost@example.com")

	duration, err := env.lockout.RecordFailure(nil, hash, "203.0.113.7", "test", models.AttemptNotFound)
	require.NoError(t, err)
	assert.Zero(t, duration)

	attempts, err := env.attempts.ListRecent(hash, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Empty(t, attempts[0].SubjectID)
	assert.Equal(t, models.AttemptNotFound, attempts[0].Outcome)
}

func TestAttemptTrailOutcomes(t *testing.T) {
	env, account, hash := lockoutFixture(t)

	_, err := env.lockout.RecordFailure(account, hash, "", "", models.AttemptBadCredentials)
	require.NoError(t, err)
	require.NoError(t, env.lockout.RecordSuccess(account, hash, "", ""))

	outcomes := env.attempts.outcomes()
	assert.Contains(t, outcomes, models.AttemptBadCredentials)
	assert.Contains(t, outcomes, models.AttemptSuccess)
}
