package service

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"erp-auth-service/internal/config"
	"erp-auth-service/internal/models"
	rediscache "erp-auth-service/internal/repository/redis"
	"erp-auth-service/internal/repository/scylla"
	"erp-auth-service/internal/util"
)

// LockoutService applies the progressive lockout policy. Failures inside
// the rolling window escalate through the policy's lockout table; a
// successful login resets everything. Locks release themselves by
// timestamp, no background job touches them.
type LockoutService struct {
	creds       *CredentialService
	attemptRepo scylla.LoginAttemptRepositoryInterface
	cache       *rediscache.LockoutCache
	policy      config.PolicyConfig
	now         Clock
}

func NewLockoutService(
	creds *CredentialService,
	attemptRepo scylla.LoginAttemptRepositoryInterface,
	cache *rediscache.LockoutCache,
	policy config.PolicyConfig,
	now Clock,
) *LockoutService {
	if now == nil {
		now = UTCNow
	}
	return &LockoutService{
		creds:       creds,
		attemptRepo: attemptRepo,
		cache:       cache,
		policy:      policy,
		now:         now,
	}
}

// CheckLocked refuses while a lock is running and releases a lock whose
// time has passed. The release happens lazily on the next attempt.
func (s *LockoutService) CheckLocked(account *models.Account) error {
	now := s.now()

	if account.IsLockedAt(now) {
		return &RetryAfterError{Err: ErrLocked, After: account.LockedUntil.Sub(now)}
	}

	if account.Locked {
		// Lock period elapsed; clear the stale flag.
		if err := s.creds.ReleaseLock(account); err != nil {
			return err
		}
		_ = s.cache.ClearLock(account.AccountID)
	}

	return nil
}

// RecordFailure appends the attempt, bumps the rolling counter and applies
// the escalation table's lock for the new count. Every failure at or past
// the first step locks the account for its tier's duration. Returns the
// applied lock duration, zero while the count is below the first step.
func (s *LockoutService) RecordFailure(account *models.Account, identifierHash, sourceIP, userAgent, outcome string) (time.Duration, error) {
	attempt := &models.LoginAttempt{
		IdentifierHash: identifierHash,
		SourceIP:       sourceIP,
		UserAgent:      userAgent,
		Outcome:        outcome,
		AttemptedAt:    s.now(),
	}
	if account != nil {
		attempt.SubjectID = account.AccountID
	}

	if err := s.attemptRepo.RecordAttempt(attempt); err != nil {
		util.Error("Failed to append login attempt", zap.Error(err))
	}

	if sourceIP != "" {
		if _, err := s.cache.RecordIPFailure(sourceIP, s.policy.FailureWindow); err != nil {
			util.Warn("Failed to track source address failures", zap.Error(err))
		}
	}

	count, err := s.cache.RecordFailure(identifierHash, s.policy.FailureWindow)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Failures against unknown identifiers still count in the cache so a
	// guessing run is visible, but there is no account to lock.
	if account == nil {
		return 0, nil
	}

	duration := s.policy.LockoutDurationFor(count)
	if duration == 0 {
		if err := s.creds.accountRepo.UpdateFailedCount(account.AccountBucket, account.AccountID, count); err != nil {
			util.Warn("Failed to persist failure count",
				zap.String("account_id", account.AccountID),
				zap.Error(err))
		}
		account.FailedAttempts = count
		return 0, nil
	}

	reason := fmt.Sprintf("progressive lockout after %d failures", count)
	if err := s.creds.ApplyLock(account, duration, reason, count); err != nil {
		return 0, err
	}
	if err := s.cache.SetLock(account.AccountID, duration); err != nil {
		util.Warn("Failed to mirror account lock",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
	}

	return duration, nil
}

// RecordSuccess appends the attempt and clears failure state.
func (s *LockoutService) RecordSuccess(account *models.Account, identifierHash, sourceIP, userAgent string) error {
	attempt := &models.LoginAttempt{
		SubjectID:      account.AccountID,
		IdentifierHash: identifierHash,
		SourceIP:       sourceIP,
		UserAgent:      userAgent,
		Outcome:        models.AttemptSuccess,
		AttemptedAt:    s.now(),
	}

	if err := s.attemptRepo.RecordAttempt(attempt); err != nil {
		util.Error("Failed to append login attempt", zap.Error(err))
	}

	if err := s.cache.ResetFailures(identifierHash); err != nil {
		util.Warn("Failed to reset failure counter", zap.Error(err))
	}

	if account.FailedAttempts > 0 || account.Locked {
		if err := s.creds.ReleaseLock(account); err != nil {
			return err
		}
		_ = s.cache.ClearLock(account.AccountID)
	}

	return nil
}
