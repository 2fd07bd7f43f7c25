package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp-auth-service/internal/config"
)

func TestOTPIssueAndVerify(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	challenge, err := env.otp.Issue(ctx, "subject-1", config.PurposeRegistration, config.ChannelEmail, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, challenge.AttemptsMax)
	assert.Equal(t, env.clock.Now().Add(10*time.Minute), challenge.ExpiresAt)

	code := env.notify.codeFor(config.PurposeRegistration, config.ChannelEmail)
	require.Len(t, code, 6)

	err = env.otp.Verify(ctx, "subject-1", config.PurposeRegistration, config.ChannelEmail, code)
	require.NoError(t, err)

	// A consumed challenge cannot be redeemed again.
	err = env.otp.Verify(ctx, "subject-1", config.PurposeRegistration, config.ChannelEmail, code)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOTPCooldownRefusesReissue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.otp.Issue(ctx, "subject-1", config.PurposeRegistration, config.ChannelEmail, "user@example.com")
	require.NoError(t, err)

	_, err = env.otp.Issue(ctx, "subject-1", config.PurposeRegistration, config.ChannelEmail, "user@example.com")
	assert.ErrorIs(t, err, ErrCooldownActive)

	// A different channel is a different slot with its own cooldown.
	_, err = env.otp.Issue(ctx, "subject-1", config.PurposeRegistration, config.ChannelMobile, "+14155551234")
	assert.NoError(t, err)

	// After the cooldown lapses the slot opens again.
	env.redis.FastForward(61 * time.Second)
	_, err = env.otp.Issue(ctx, "subject-1", config.PurposeRegistration, config.ChannelEmail, "user@example.com")
	assert.NoError(t, err)
}

func TestOTPReissueReplacesPriorChallenge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.otp.Issue(ctx, "subject-1", config.PurposeRegistration, config.ChannelEmail, "user@example.com")
	require.NoError(t, err)
	firstCode := env.notify.codeFor(config.PurposeRegistration, config.ChannelEmail)

	env.redis.FastForward(61 * time.Second)
	_, err = env.otp.Issue(ctx, "subject-1", config.PurposeRegistration, config.ChannelEmail, "user@example.com")
	require.NoError(t, err)
	secondCode := env.notify.codeFor(config.PurposeRegistration, config.ChannelEmail)

	if firstCode != secondCode {
		err = env.otp.Verify(ctx, "subject-1", config.PurposeRegistration, config.ChannelEmail, firstCode)
		assert.ErrorIs(t, err, ErrMismatch)
	}

	err = env.otp.Verify(ctx, "subject-1", config.PurposeRegistration, config.ChannelEmail, secondCode)
	assert.NoError(t, err)
}

func TestOTPVerifyExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.otp.Issue(ctx, "subject-1", config.PurposeLogin2FA, config.ChannelEmail, "user@example.com")
	require.NoError(t, err)
	code := env.notify.codeFor(config.PurposeLogin2FA, config.ChannelEmail)

	env.clock.Advance(6 * time.Minute)

	err = env.otp.Verify(ctx, "subject-1", config.PurposeLogin2FA, config.ChannelEmail, code)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestOTPAttemptExhaustion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.otp.Issue(ctx, "subject-1", config.PurposeRegistration, config.ChannelEmail, "user@example.com")
	require.NoError(t, err)
	code := env.notify.codeFor(config.PurposeRegistration, config.ChannelEmail)

	for i := 0; i < 3; i++ {
		err = env.otp.Verify(ctx, "subject-1", config.PurposeRegistration, config.ChannelEmail, "000000x")
		assert.ErrorIs(t, err, ErrMismatch)
	}

	// All attempts charged; even the right code is refused now.
	err = env.otp.Verify(ctx, "subject-1", config.PurposeRegistration, config.ChannelEmail, code)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.True(t, env.otp.Exhausted("subject-1", config.PurposeRegistration, config.ChannelEmail))
}

func TestOTPVerifyUnknownSlot(t *testing.T) {
	env := newTestEnv(t)

	err := env.otp.Verify(context.Background(), "nobody", config.PurposeRegistration, config.ChannelEmail, "123456")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOTPDispatchFailureStillCreatesChallenge(t *testing.T) {
	env := newTestEnv(t)
	env.notify.fail = true
	ctx := context.Background()

	// Delivery trouble is the notifier's problem; the issue succeeds and
	// the challenge is live.
	challenge, err := env.otp.Issue(ctx, "subject-1", config.PurposeRegistration, config.ChannelEmail, "user@example.com")
	require.NoError(t, err)
	require.NotNil(t, challenge)
	assert.Empty(t, env.notify.messages)

	stored, err := env.otps.GetChallenge("subject-1", config.PurposeRegistration, config.ChannelEmail)
	require.NoError(t, err)
	assert.False(t, stored.Consumed)

	err = env.otp.Verify(ctx, "subject-1", config.PurposeRegistration, config.ChannelEmail, "wrong-guess")
	assert.ErrorIs(t, err, ErrMismatch)
}

func TestOTPConcurrentVerifyConsumesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.otp.Issue(ctx, "subject-1", config.PurposeRegistration, config.ChannelEmail, "user@example.com")
	require.NoError(t, err)
	code := env.notify.codeFor(config.PurposeRegistration, config.ChannelEmail)

	const callers = 5
	results := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- env.otp.Verify(ctx, "subject-1", config.PurposeRegistration, config.ChannelEmail, code)
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrMismatch)
		}
	}
	assert.Equal(t, 1, successes)

	stored, err := env.otps.GetChallenge("subject-1", config.PurposeRegistration, config.ChannelEmail)
	require.NoError(t, err)
	assert.True(t, stored.Consumed)
	assert.LessOrEqual(t, stored.AttemptsUsed, stored.AttemptsMax)
}

func TestOTPConcurrentWrongCodesStayWithinBudget(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.otp.Issue(ctx, "subject-1", config.PurposeRegistration, config.ChannelEmail, "user@example.com")
	require.NoError(t, err)

	const callers = 8
	results := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- env.otp.Verify(ctx, "subject-1", config.PurposeRegistration, config.ChannelEmail, "wrong-guess")
		}()
	}
	wg.Wait()
	close(results)

	for err := range results {
		require.Error(t, err)
	}

	// No interleaving may charge more attempts than the budget allows.
	stored, err := env.otps.GetChallenge("subject-1", config.PurposeRegistration, config.ChannelEmail)
	require.NoError(t, err)
	assert.False(t, stored.Consumed)
	assert.LessOrEqual(t, stored.AttemptsUsed, stored.AttemptsMax)
}

func TestOTPInvalidateRetiresChallenge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.otp.Issue(ctx, "subject-1", config.PurposePasswordReset, config.ChannelEmail, "user@example.com")
	require.NoError(t, err)
	code := env.notify.codeFor(config.PurposePasswordReset, config.ChannelEmail)

	require.NoError(t, env.otp.Invalidate("subject-1", config.PurposePasswordReset, config.ChannelEmail))

	err = env.otp.Verify(ctx, "subject-1", config.PurposePasswordReset, config.ChannelEmail, code)
	assert.ErrorIs(t, err, ErrNotFound)
}
