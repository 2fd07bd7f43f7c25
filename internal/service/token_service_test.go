package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp-auth-service/internal/models"
)

func tokenFixture(t *testing.T) (*testEnv, *models.Account, *models.TokenPair) {
	t.Helper()
	env := newTestEnv(t)
	account := env.registerActive(t, "user@example.com", "+14155551234", "Str0ng!Passw0rd")

	pair, err := env.tokens.IssueSession(account)
	require.NoError(t, err)
	return env, account, pair
}

func TestVerifyAccess(t *testing.T) {
	env, account, pair := tokenFixture(t)

	claims, verified, err := env.tokens.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, account.AccountID, claims.Subject)
	assert.Equal(t, account.AccountID, verified.AccountID)
	assert.Equal(t, models.RoleUser, claims.Role)
	assert.Equal(t, "Bearer", pair.TokenType)
}

func TestTokenUseSeparation(t *testing.T) {
	env, _, pair := tokenFixture(t)

	_, _, err := env.tokens.VerifyAccess(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = env.tokens.Refresh(pair.AccessToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestAccessTokenExpiry(t *testing.T) {
	env, _, pair := tokenFixture(t)

	env.clock.Advance(11 * time.Minute)

	_, _, err := env.tokens.VerifyAccess(pair.AccessToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRefreshRotation(t *testing.T) {
	env, _, pair := tokenFixture(t)

	rotated, err := env.tokens.Refresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// The rotated token works in turn.
	again, err := env.tokens.Refresh(rotated.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, rotated.RefreshToken, again.RefreshToken)

	_, _, err = env.tokens.VerifyAccess(again.AccessToken)
	assert.NoError(t, err)
}

func TestRefreshReplayRevokesFamily(t *testing.T) {
	env, _, pair := tokenFixture(t)

	rotated, err := env.tokens.Refresh(pair.RefreshToken)
	require.NoError(t, err)

	// Presenting the retired token again is a replay.
	_, err = env.tokens.Refresh(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenReplay)

	// The replay killed the whole family, including the fresh token.
	_, err = env.tokens.Refresh(rotated.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestConcurrentRefreshNeverRedeemsTwice(t *testing.T) {
	env, _, pair := tokenFixture(t)

	const callers = 4
	results := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.tokens.Refresh(pair.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		// Losers see the replay, or the revocation it triggered.
		if !errors.Is(err, ErrTokenReplay) && !errors.Is(err, ErrTokenRevoked) {
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}

	// The presented token redeems at most once no matter the interleaving.
	assert.LessOrEqual(t, successes, 1)

	// The token is dead afterwards regardless of who won.
	_, err := env.tokens.Refresh(pair.RefreshToken)
	assert.Error(t, err)
}

func TestRefreshAfterSessionRevoked(t *testing.T) {
	env, _, pair := tokenFixture(t)

	env.tokens.Revoke(pair.RefreshToken)

	_, err := env.tokens.Refresh(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestRevokeIsIdempotent(t *testing.T) {
	env, _, pair := tokenFixture(t)

	env.tokens.Revoke(pair.RefreshToken)
	env.tokens.Revoke(pair.RefreshToken)
	env.tokens.Revoke("not-a-token")
}

func TestEpochBumpInvalidatesTokens(t *testing.T) {
	env, account, pair := tokenFixture(t)

	require.NoError(t, env.tokens.RevokeAllForAccount(account))

	_, _, err := env.tokens.VerifyAccess(pair.AccessToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	_, err = env.tokens.Refresh(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestDeactivatedAccountTokensRefused(t *testing.T) {
	env, account, pair := tokenFixture(t)

	require.NoError(t, env.accounts.SetActive(account.AccountBucket, account.AccountID, false, account.TokenEpoch))

	_, _, err := env.tokens.VerifyAccess(pair.AccessToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestVerifyAccessRejectsForeignSignature(t *testing.T) {
	env, account, _ := tokenFixture(t)

	otherConfig := env.cfg.JWT
	otherConfig.Secret = "a-different-signing-secret"
	other := NewTokenService(env.sessions, nil, env.creds, otherConfig, env.clock.Now)

	pair, err := other.IssueSession(account)
	require.NoError(t, err)

	_, _, err = env.tokens.VerifyAccess(pair.AccessToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
